package provider

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"RentEscrow/internal/config"
	"RentEscrow/internal/token"
	"RentEscrow/internal/web3"
	"RentEscrow/internal/web3/ethereum"
)

// dialFunc 创建单条链的客户端，测试中可以替换。
type dialFunc func(ctx context.Context, name string, chain web3.ChainDefinition) (web3.Client, error)

func dialEthereum(ctx context.Context, name string, chain web3.ChainDefinition) (web3.Client, error) {
	return ethereum.NewClient(ctx, ethereum.Config{
		Name:    name,
		RPCURL:  chain.RPCURL,
		ChainID: chain.ChainID,
		Notes:   chain.Description,
	})
}

// Registry 按名称管理一组链客户端。
type Registry struct {
	defaultChain string
	defs         web3.ChainDefinitions
	clients      map[string]web3.Client
}

// NewRegistry 读取链配置并创建对应的客户端。
func NewRegistry(ctx context.Context, cfg config.Web3Config) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}
	return newRegistry(ctx, cfg, defs, dialEthereum)
}

func newRegistry(ctx context.Context, cfg config.Web3Config, defs web3.ChainDefinitions, dial dialFunc) (*Registry, error) {
	if defs.Chains == nil {
		defs.Chains = map[string]web3.ChainDefinition{}
	}
	if len(defs.Chains) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		defs.Chains["default"] = web3.ChainDefinition{Type: "evm", RPCURL: cfg.RPCURL}
	}
	if cfg.DefaultChain != "" {
		defs.Default = cfg.DefaultChain
	}

	clients := make(map[string]web3.Client)
	for name, chain := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(chain.Type))
		if chainType == "" {
			chainType = "evm"
		}
		switch chainType {
		case "evm":
			client, err := dial(ctx, name, chain)
			if err != nil {
				closeClients(clients)
				return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
			}
			clients[name] = client
		default:
			closeClients(clients)
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type)
		}
	}

	if len(clients) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}

	defaultChain, _, err := defs.Resolve("")
	if err != nil {
		closeClients(clients)
		return nil, err
	}

	return &Registry{defaultChain: defaultChain, defs: defs, clients: clients}, nil
}

// DefaultClient 返回默认链的客户端。
func (r *Registry) DefaultClient() (web3.Client, error) {
	if r == nil {
		return nil, errors.New("未初始化的链客户端注册表")
	}
	client, ok := r.clients[r.defaultChain]
	if !ok {
		return nil, fmt.Errorf("默认链 %s 未在注册表中", r.defaultChain)
	}
	return client, nil
}

// Client 返回名为 name 的链客户端。
func (r *Registry) Client(name string) (web3.Client, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[name]
	return client, ok
}

// LedgerSettings 控制 Ledgers 生成的账本。
type LedgerSettings struct {
	Chain          string
	Tokens         []string
	Keys           *ethereum.Keyring
	ReceiptTimeout time.Duration
	// GasKey 非空时，同链的全部账本共享一个 gas 垫付账户。
	GasKey    *ecdsa.PrivateKey
	GasPolicy ethereum.GasPolicy
}

// Ledgers 为所选链上的每个代币创建 ERC-20 账本，并登记到目录中。
func (r *Registry) Ledgers(ctx context.Context, settings LedgerSettings) (*token.Directory, error) {
	if r == nil {
		return nil, errors.New("未初始化的链客户端注册表")
	}
	name := settings.Chain
	if name == "" {
		name = r.defaultChain
	}
	_, chain, err := r.defs.Resolve(name)
	if err != nil {
		return nil, err
	}
	client, ok := r.clients[name]
	if !ok {
		return nil, fmt.Errorf("链 %s 未在注册表中", name)
	}
	addresses, err := chain.TokenAddresses(settings.Tokens...)
	if err != nil {
		return nil, err
	}
	if len(addresses) == 0 {
		return nil, fmt.Errorf("链 %s 未配置任何代币", name)
	}

	opts := []ethereum.LedgerOption{ethereum.WithReceiptTimeout(settings.ReceiptTimeout)}
	if settings.GasKey != nil {
		sponsor, err := ethereum.NewGasSponsor(ctx, client, settings.GasKey, settings.GasPolicy)
		if err != nil {
			return nil, fmt.Errorf("初始化 gas 垫付账户失败: %w", err)
		}
		opts = append(opts, ethereum.WithGasFunder(sponsor))
	}

	dir := token.NewDirectory()
	for _, addr := range addresses {
		ledger, err := ethereum.NewERC20Ledger(ctx, client, addr, settings.Keys, opts...)
		if err != nil {
			return nil, fmt.Errorf("初始化代币 %s 账本失败: %w", addr.Hex(), err)
		}
		dir.Register(ledger)
	}
	return dir, nil
}

// Close 释放全部客户端。
func (r *Registry) Close() {
	if r == nil {
		return
	}
	closeClients(r.clients)
}

// Chains 返回已注册的链名称。
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func closeClients(clients map[string]web3.Client) {
	for name, client := range clients {
		if client != nil {
			client.Close()
		}
		delete(clients, name)
	}
}
