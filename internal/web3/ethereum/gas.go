package ethereum

import (
	"context"
	"crypto/ecdsa"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"

	xerrors "RentEscrow/internal/errors"
	"RentEscrow/internal/token"
	"RentEscrow/internal/web3"
	"RentEscrow/pkg/logger"
)

// GasFunder 保证账户在发送交易前有足够的原生币支付 gas。
type GasFunder interface {
	Ensure(ctx context.Context, account common.Address) error
}

// gasBackend 是补充 gas 时用到的链接口。
type gasBackend interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
}

// GasPolicy 描述何时补充以及补充多少。
type GasPolicy struct {
	// MinBalance 低于该余额时补充。
	MinBalance *big.Int
	// TopUp 是每次转入的金额。
	TopUp *big.Int
	// ReceiptTimeout 是等待补充交易上链的时间。
	ReceiptTimeout time.Duration
}

// GasSponsor 用一个预先充值的账户为托管账户垫付 gas。同一条链上的
// 全部代币账本共享一个 GasSponsor，转账按顺序发送以保证 nonce 连续。
type GasSponsor struct {
	backend gasBackend
	wait    minedWaiter
	key     *ecdsa.PrivateKey
	address common.Address
	signer  coretypes.Signer
	policy  GasPolicy
	logger  *slog.Logger

	mu sync.Mutex
}

// NewGasSponsor 使用 client 所在链与 key 创建垫付账户。
func NewGasSponsor(ctx context.Context, client web3.Client, key *ecdsa.PrivateKey, policy GasPolicy) (*GasSponsor, error) {
	if client == nil || key == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "gas 垫付账户缺少链客户端或私钥")
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	backend := client.Backend()
	wait := func(ctx context.Context, tx *coretypes.Transaction) (*coretypes.Receipt, error) {
		return bind.WaitMined(ctx, backend, tx)
	}
	return newGasSponsor(backend, wait, key, chainID, policy), nil
}

func newGasSponsor(backend gasBackend, wait minedWaiter, key *ecdsa.PrivateKey, chainID *big.Int, policy GasPolicy) *GasSponsor {
	if policy.MinBalance == nil {
		policy.MinBalance = new(big.Int).Div(big.NewInt(params.Ether), big.NewInt(200))
	}
	if policy.TopUp == nil || policy.TopUp.Sign() <= 0 {
		policy.TopUp = new(big.Int).Div(big.NewInt(params.Ether), big.NewInt(50))
	}
	if policy.ReceiptTimeout <= 0 {
		policy.ReceiptTimeout = 2 * time.Minute
	}
	return &GasSponsor{
		backend: backend,
		wait:    wait,
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		signer:  coretypes.LatestSignerForChainID(chainID),
		policy:  policy,
		logger:  logger.Named("gas"),
	}
}

// Address 返回垫付账户地址。
func (g *GasSponsor) Address() common.Address { return g.address }

// Ensure 实现 GasFunder。
func (g *GasSponsor) Ensure(ctx context.Context, account common.Address) error {
	if account == g.address {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	balance, err := g.backend.BalanceAt(ctx, account, nil)
	if err != nil {
		return xerrors.Wrap(token.CodeLedgerUnavailable, err, "读取 gas 余额失败",
			xerrors.WithMetadata("account", account.Hex()))
	}
	if balance.Cmp(g.policy.MinBalance) >= 0 {
		return nil
	}

	nonce, err := g.backend.PendingNonceAt(ctx, g.address)
	if err != nil {
		return xerrors.Wrap(token.CodeLedgerUnavailable, err, "读取垫付账户 nonce 失败")
	}
	price, err := g.backend.SuggestGasPrice(ctx)
	if err != nil {
		return xerrors.Wrap(token.CodeLedgerUnavailable, err, "获取 gas 价格失败")
	}
	tx, err := coretypes.SignNewTx(g.key, g.signer, &coretypes.LegacyTx{
		Nonce:    nonce,
		To:       &account,
		Value:    new(big.Int).Set(g.policy.TopUp),
		Gas:      params.TxGas,
		GasPrice: price,
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeUnknown, err, "签名 gas 补充交易失败")
	}
	if err := g.backend.SendTransaction(ctx, tx); err != nil {
		return xerrors.Wrap(token.CodeLedgerUnavailable, err, "发送 gas 补充交易失败",
			xerrors.WithMetadata("account", account.Hex()))
	}

	waitCtx, cancel := context.WithTimeout(ctx, g.policy.ReceiptTimeout)
	defer cancel()
	receipt, err := g.wait(waitCtx, tx)
	if err != nil {
		return xerrors.Wrap(token.CodeLedgerUnavailable, err, "等待 gas 补充交易上链失败",
			xerrors.WithMetadata("tx", tx.Hash().Hex()))
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return xerrors.New(token.CodeLedgerUnavailable, "gas top-up reverted",
			xerrors.WithMetadata("tx", tx.Hash().Hex()))
	}
	g.logger.Info("已为托管账户补充 gas",
		"account", account.Hex(),
		"amount", g.policy.TopUp.String(),
		"tx", tx.Hash().Hex())
	return nil
}

var _ GasFunder = (*GasSponsor)(nil)
