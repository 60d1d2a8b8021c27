package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"RentEscrow/sdk/go/rentescrow"
)

// 演示房东如何通过 SDK 创建一份租约并查询自己的协议列表。
func main() {
	endpoint := flag.String("endpoint", "http://127.0.0.1:8080", "RentEscrow API 地址")
	keyHex := flag.String("key", "", "房东私钥（十六进制）")
	tokenAddr := flag.String("token", "0x00000000000000000000000000000000000000da", "支付代币地址")
	tenantAddr := flag.String("tenant", "", "租客地址，留空表示公开租约")
	flag.Parse()

	key, err := crypto.HexToECDSA(*keyHex)
	if err != nil {
		log.Fatalf("解析私钥失败: %v", err)
	}
	client, err := rentescrow.NewClient(*endpoint, rentescrow.WithSigner(key))
	if err != nil {
		log.Fatalf("创建客户端失败: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	proposal := rentescrow.Proposal{
		Rent:          "1000000000000000000000",
		Deposit:       "2000000000000000000000",
		RentGuarantee: "3000000000000000000000",
		PaymentToken:  common.HexToAddress(*tokenAddr),
	}
	if *tenantAddr != "" {
		proposal.Tenant = common.HexToAddress(*tenantAddr)
	}
	agr, err := client.CreateRental(ctx, proposal)
	if err != nil {
		log.Fatalf("创建租约失败: %v", err)
	}
	fmt.Printf("created agreement %s (state=%s)\n", agr.Address.Hex(), agr.State)

	list, err := client.Rentals(ctx, client.Address())
	if err != nil {
		log.Fatalf("查询租约失败: %v", err)
	}
	for i, addr := range list.Agreements {
		fmt.Printf("  #%d %s\n", i, addr.Hex())
	}
}
