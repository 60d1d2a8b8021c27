package ethereum

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"

	xerrors "RentEscrow/internal/errors"
	"RentEscrow/internal/token"
	"RentEscrow/internal/web3"
	"RentEscrow/pkg/logger"
)

const erc20ABI = `[
 {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"transferFrom","stateMutability":"nonpayable","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

// boundContract 是 bind.BoundContract 中账本用到的部分。
type boundContract interface {
	Call(opts *bind.CallOpts, results *[]any, method string, params ...any) error
	Transact(opts *bind.TransactOpts, method string, params ...any) (*coretypes.Transaction, error)
}

type minedWaiter func(ctx context.Context, tx *coretypes.Transaction) (*coretypes.Receipt, error)

// LedgerOption 调整 ERC20Ledger 的行为。
type LedgerOption func(*ERC20Ledger)

// WithReceiptTimeout 设置等待单笔交易上链的最长时间。
func WithReceiptTimeout(d time.Duration) LedgerOption {
	return func(l *ERC20Ledger) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// WithGasFunder 在每笔交易发送前为签名账户补充 gas。
func WithGasFunder(g GasFunder) LedgerOption {
	return func(l *ERC20Ledger) { l.gas = g }
}

// WithLedgerLogger 替换默认日志。
func WithLedgerLogger(log *slog.Logger) LedgerOption {
	return func(l *ERC20Ledger) {
		if log != nil {
			l.logger = log
		}
	}
}

// ERC20Ledger 基于 ERC-20 合约实现 token.Ledger。
//
// 链上无法从外部原子地执行多笔转账，因此批次先做预检：每个签名账户都必须在
// keyring 中，每个出款账户的余额与授权额度都要覆盖其承担的转账，并为签名账户
// 补足 gas。之后逐笔发送，等待回执后再发下一笔。某笔失败时，对已完成且收款方
// 可由本账本签名的转账按逆序转回。
type ERC20Ledger struct {
	token    common.Address
	contract boundContract
	wait     minedWaiter
	keys     *Keyring
	gas      GasFunder
	chainID  *big.Int
	timeout  time.Duration
	logger   *slog.Logger

	// 同一代币的批次串行发送，避免签名账户的 nonce 交错。
	mu sync.Mutex
}

// NewERC20Ledger 通过 client 绑定 tokenAddr 处的 ERC-20 合约。
func NewERC20Ledger(ctx context.Context, client web3.Client, tokenAddr common.Address, keys *Keyring, opts ...LedgerOption) (*ERC20Ledger, error) {
	if client == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "ERC20 账本缺少链客户端")
	}
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("解析 ERC20 ABI 失败: %w", err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	backend := client.Backend()
	contract := bind.NewBoundContract(tokenAddr, parsed, backend, backend, backend)
	wait := func(ctx context.Context, tx *coretypes.Transaction) (*coretypes.Receipt, error) {
		return bind.WaitMined(ctx, backend, tx)
	}
	return newERC20Ledger(tokenAddr, contract, wait, keys, chainID, opts...), nil
}

func newERC20Ledger(tokenAddr common.Address, contract boundContract, wait minedWaiter, keys *Keyring, chainID *big.Int, opts ...LedgerOption) *ERC20Ledger {
	l := &ERC20Ledger{
		token:    tokenAddr,
		contract: contract,
		wait:     wait,
		keys:     keys,
		chainID:  chainID,
		timeout:  2 * time.Minute,
		logger:   logger.Named("erc20"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Token 实现 token.Ledger。
func (l *ERC20Ledger) Token() common.Address { return l.token }

// BalanceOf 实现 token.Ledger。
func (l *ERC20Ledger) BalanceOf(ctx context.Context, owner common.Address) (*uint256.Int, error) {
	return l.callAmount(ctx, "balanceOf", owner)
}

// Allowance 实现 token.Ledger。
func (l *ERC20Ledger) Allowance(ctx context.Context, owner, spender common.Address) (*uint256.Int, error) {
	return l.callAmount(ctx, "allowance", owner, spender)
}

// Approve 实现 token.Ledger，owner 必须是 keyring 中的账户。
func (l *ERC20Ledger) Approve(ctx context.Context, owner, spender common.Address, amount *uint256.Int) error {
	if spender == (common.Address{}) {
		return xerrors.New(token.CodeInvalidTransfer, "approve to the zero address")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.send(ctx, owner, "approve", spender, token.Copy(amount).ToBig())
}

// Execute 实现 token.Ledger。
func (l *ERC20Ledger) Execute(ctx context.Context, legs ...token.Leg) error {
	pending := make([]token.Leg, 0, len(legs))
	for _, leg := range legs {
		if leg.Amount == nil || leg.Amount.IsZero() {
			continue
		}
		pending = append(pending, leg)
	}
	if len(pending) == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.preflight(ctx, pending); err != nil {
		return err
	}
	if err := l.fundSigners(ctx, pending); err != nil {
		return err
	}
	for i, leg := range pending {
		var err error
		switch leg.Kind {
		case token.LegTransfer:
			err = l.send(ctx, leg.From, "transfer", leg.To, leg.Amount.ToBig())
		case token.LegTransferFrom:
			err = l.send(ctx, leg.Spender, "transferFrom", leg.From, leg.To, leg.Amount.ToBig())
		}
		if err != nil {
			reverted, stranded := l.compensate(ctx, pending[:i])
			if stranded > 0 {
				l.logger.Error("批次部分执行且无法完全退回",
					"token", l.token.Hex(),
					"completed", i,
					"reverted", reverted,
					"stranded", stranded,
					"failed_leg", leg.String(),
					"error", err)
			}
			return xerrors.Wrap(xerrors.CodeOf(err), err, "ERC20 batch aborted",
				xerrors.WithMetadata("completed_legs", strconv.Itoa(i)),
				xerrors.WithMetadata("reverted_legs", strconv.Itoa(reverted)),
				xerrors.WithMetadata("stranded_legs", strconv.Itoa(stranded)),
				xerrors.WithMetadata("leg", leg.String()))
		}
	}
	return nil
}

// compensate 逆序退回已完成的分录，只有收款方由账本签名时才能退回。
// 退回不恢复已消耗的授权额度。调用方取消 ctx 后仍会继续退回。
func (l *ERC20Ledger) compensate(ctx context.Context, done []token.Leg) (reverted, stranded int) {
	ctx = context.WithoutCancel(ctx)
	for i := len(done) - 1; i >= 0; i-- {
		leg := done[i]
		if !l.keys.Has(leg.To) {
			stranded++
			l.logger.Warn("收款方不由账本签名，分录无法退回", "token", l.token.Hex(), "leg", leg.String())
			continue
		}
		if err := l.send(ctx, leg.To, "transfer", leg.From, leg.Amount.ToBig()); err != nil {
			stranded++
			l.logger.Error("退回分录失败", "token", l.token.Hex(), "leg", leg.String(), "error", err)
			continue
		}
		reverted++
	}
	return reverted, stranded
}

// fundSigners 在发送第一笔交易前为全部签名账户补足 gas。
func (l *ERC20Ledger) fundSigners(ctx context.Context, legs []token.Leg) error {
	if l.gas == nil {
		return nil
	}
	funded := make(map[common.Address]bool)
	for _, leg := range legs {
		signer := leg.From
		if leg.Kind == token.LegTransferFrom {
			signer = leg.Spender
		}
		if funded[signer] {
			continue
		}
		if err := l.gas.Ensure(ctx, signer); err != nil {
			return err
		}
		funded[signer] = true
	}
	return nil
}

type allowanceKey struct {
	owner, spender common.Address
}

func (l *ERC20Ledger) preflight(ctx context.Context, legs []token.Leg) error {
	debits := make(map[common.Address]*uint256.Int)
	allowances := make(map[allowanceKey]*uint256.Int)
	for _, leg := range legs {
		signer := leg.From
		if leg.Kind == token.LegTransferFrom {
			signer = leg.Spender
			key := allowanceKey{owner: leg.From, spender: leg.Spender}
			total, overflow := token.Sum(allowances[key], leg.Amount)
			if overflow {
				return xerrors.New(token.CodeInvalidTransfer, "batch allowance overflows")
			}
			allowances[key] = total
		}
		if leg.To == (common.Address{}) {
			return xerrors.New(token.CodeInvalidTransfer, "transfer to the zero address",
				xerrors.WithMetadata("leg", leg.String()))
		}
		if !l.keys.Has(signer) {
			return xerrors.New(token.CodeInvalidTransfer, "ledger cannot sign for account",
				xerrors.WithMetadata("account", signer.Hex()))
		}
		total, overflow := token.Sum(debits[leg.From], leg.Amount)
		if overflow {
			return xerrors.New(token.CodeInvalidTransfer, "batch debit overflows")
		}
		debits[leg.From] = total
	}

	for owner, need := range debits {
		have, err := l.BalanceOf(ctx, owner)
		if err != nil {
			return err
		}
		if have.Lt(need) {
			return xerrors.New(token.CodeInsufficientBalance, "transfer amount exceeds balance",
				xerrors.WithMetadata("account", owner.Hex()),
				xerrors.WithMetadata("balance", have.Dec()),
				xerrors.WithMetadata("required", need.Dec()))
		}
	}
	for key, need := range allowances {
		have, err := l.Allowance(ctx, key.owner, key.spender)
		if err != nil {
			return err
		}
		if have.Lt(need) {
			return xerrors.New(token.CodeInsufficientAllowance, "transfer amount exceeds allowance",
				xerrors.WithMetadata("owner", key.owner.Hex()),
				xerrors.WithMetadata("spender", key.spender.Hex()),
				xerrors.WithMetadata("allowance", have.Dec()),
				xerrors.WithMetadata("required", need.Dec()))
		}
	}
	return nil
}

func (l *ERC20Ledger) send(ctx context.Context, signer common.Address, method string, params ...any) error {
	opts, err := l.keys.TransactOpts(ctx, signer, l.chainID)
	if err != nil {
		return err
	}
	if l.gas != nil {
		if err := l.gas.Ensure(ctx, signer); err != nil {
			return err
		}
	}
	tx, err := l.contract.Transact(opts, method, params...)
	if err != nil {
		return xerrors.Wrap(token.CodeLedgerUnavailable, err, "发送交易失败",
			xerrors.WithMetadata("method", method))
	}

	waitCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	receipt, err := l.wait(waitCtx, tx)
	if err != nil {
		return xerrors.Wrap(token.CodeLedgerUnavailable, err, "等待交易上链失败",
			xerrors.WithMetadata("tx", tx.Hash().Hex()))
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return xerrors.New(token.CodeInvalidTransfer, "transaction reverted",
			xerrors.WithMetadata("method", method),
			xerrors.WithMetadata("tx", tx.Hash().Hex()))
	}
	l.logger.Debug("交易已上链", "method", method, "tx", tx.Hash().Hex(), "block", receipt.BlockNumber)
	return nil
}

func (l *ERC20Ledger) callAmount(ctx context.Context, method string, params ...any) (*uint256.Int, error) {
	var out []any
	if err := l.contract.Call(&bind.CallOpts{Context: ctx}, &out, method, params...); err != nil {
		return nil, xerrors.Wrap(token.CodeLedgerUnavailable, err, "调用合约失败",
			xerrors.WithMetadata("method", method))
	}
	if len(out) != 1 {
		return nil, xerrors.New(token.CodeLedgerUnavailable, "unexpected contract output",
			xerrors.WithMetadata("method", method))
	}
	raw, ok := out[0].(*big.Int)
	if !ok || raw == nil {
		return nil, xerrors.New(token.CodeLedgerUnavailable, "unexpected contract output",
			xerrors.WithMetadata("method", method))
	}
	amount, overflow := uint256.FromBig(raw)
	if overflow {
		return nil, xerrors.New(token.CodeLedgerUnavailable, "contract returned amount wider than 256 bits")
	}
	return amount, nil
}

var _ token.Ledger = (*ERC20Ledger)(nil)
