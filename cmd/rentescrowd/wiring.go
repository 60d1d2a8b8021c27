package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/redis/go-redis/v9"

	"RentEscrow/internal/auth"
	"RentEscrow/internal/config"
	"RentEscrow/internal/events"
	"RentEscrow/internal/lending"
	"RentEscrow/internal/observability/alerting"
	"RentEscrow/internal/registry"
	"RentEscrow/internal/storage/mysql"
	"RentEscrow/internal/token"
	"RentEscrow/internal/web3/ethereum"
	"RentEscrow/internal/web3/provider"
	"RentEscrow/pkg/logger"
)

// ledgerSet 汇总账本目录以及与之配套的托管地址分配方式。
type ledgerSet struct {
	directory *token.Directory
	keyed     *ethereum.KeyedAllocator
	chains    *provider.Registry
}

func (l *ledgerSet) allocator(factory common.Address, startNonce uint64) registry.AddressAllocator {
	if l.keyed != nil {
		return l.keyed
	}
	return registry.NewNonceAllocator(factory, startNonce)
}

// recover 为已恢复的协议重新派生托管私钥，仅 erc20 模式需要。
func (l *ledgerSet) recover(ctx context.Context, store registry.Store) error {
	if l.keyed == nil {
		return nil
	}
	snaps, err := store.List(ctx)
	if err != nil {
		return err
	}
	for _, snap := range snaps {
		if err := l.keyed.Recover(snap.Landlord, snap.Address); err != nil {
			return fmt.Errorf("恢复协议 %s 的托管私钥: %w", snap.Address.Hex(), err)
		}
	}
	return nil
}

func (l *ledgerSet) close() {
	if l.chains != nil {
		l.chains.Close()
	}
}

func buildLedgers(ctx context.Context, cfg *config.Config) (*ledgerSet, error) {
	switch cfg.Ledger.Driver {
	case "", "memory":
		dir := token.NewDirectory()
		for _, tc := range cfg.Ledger.Memory {
			if !common.IsHexAddress(tc.Address) {
				return nil, fmt.Errorf("内存账本代币地址无效: %q", tc.Address)
			}
			ledger := token.NewMemoryLedger(common.HexToAddress(tc.Address))
			for holder, raw := range tc.Mint {
				if !common.IsHexAddress(holder) {
					return nil, fmt.Errorf("预置余额地址无效: %q", holder)
				}
				amount, err := token.ParseAmount(raw)
				if err != nil {
					return nil, err
				}
				if err := ledger.Mint(common.HexToAddress(holder), amount); err != nil {
					return nil, err
				}
			}
			dir.Register(ledger)
		}
		return &ledgerSet{directory: dir}, nil
	case "erc20":
		seed, err := hexutil.Decode(strings.TrimSpace(cfg.Ledger.KeySeed))
		if err != nil {
			return nil, fmt.Errorf("解析 ledger.key_seed 失败: %w", err)
		}
		keys := ethereum.NewKeyring()
		keyed, err := ethereum.NewKeyedAllocator(seed, keys)
		if err != nil {
			return nil, err
		}
		gasKey, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cfg.Ledger.GasSponsorKey), "0x"))
		if err != nil {
			return nil, fmt.Errorf("解析 ledger.gas_sponsor_key 失败: %w", err)
		}
		minBalance, err := cfg.Ledger.Wei(cfg.Ledger.GasMinWei)
		if err != nil {
			return nil, err
		}
		topUp, err := cfg.Ledger.Wei(cfg.Ledger.GasTopUpWei)
		if err != nil {
			return nil, err
		}
		receiptTimeout := time.Duration(cfg.Web3.ReceiptWait) * time.Second
		chains, err := provider.NewRegistry(ctx, cfg.Web3)
		if err != nil {
			return nil, err
		}
		dir, err := chains.Ledgers(ctx, provider.LedgerSettings{
			Chain:          cfg.Ledger.Chain,
			Tokens:         cfg.Ledger.Tokens,
			Keys:           keys,
			ReceiptTimeout: receiptTimeout,
			GasKey:         gasKey,
			GasPolicy: ethereum.GasPolicy{
				MinBalance:     minBalance,
				TopUp:          topUp,
				ReceiptTimeout: receiptTimeout,
			},
		})
		if err != nil {
			chains.Close()
			return nil, err
		}
		return &ledgerSet{directory: dir, keyed: keyed, chains: chains}, nil
	default:
		return nil, fmt.Errorf("未知的账本驱动: %s", cfg.Ledger.Driver)
	}
}

// buildLending 在内存账本上挂载闲置资金的借贷服务，未启用时返回 nil。
func buildLending(cfg config.LendingConfig, ledgers *ledgerSet) (*lending.Service, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	ledger, err := ledgers.directory.Ledger(common.HexToAddress(cfg.Token))
	if err != nil {
		return nil, err
	}
	ml, ok := ledger.(*token.MemoryLedger)
	if !ok {
		return nil, fmt.Errorf("借贷服务仅支持内存账本，代币 %s 不是内存账本", cfg.Token)
	}
	venue := lending.NewMemoryVenue(common.HexToAddress(cfg.Pool), common.HexToAddress(cfg.ReceiptToken), ml)
	return lending.NewService(common.HexToAddress(cfg.Address), common.HexToAddress(cfg.Owner), ml, venue)
}

// storageSet 是协议快照、房东索引和事件日志的组合。
type storageSet struct {
	agreements registry.Store
	index      registry.Index
	eventLog   events.Log
	db         *mysql.DB
}

func (s *storageSet) close() {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			logger.L().Warn("关闭数据库失败", slog.Any("error", err))
		}
	}
}

func buildStorage(ctx context.Context, cfg *config.Config) (*storageSet, error) {
	switch cfg.Storage.Driver {
	case "", "memory":
		return &storageSet{
			agreements: registry.NewMemoryStore(),
			index:      registry.NewMemoryIndex(),
			eventLog:   events.NewMemoryLog(),
		}, nil
	case "mysql":
		db, err := mysql.Open(ctx, mysql.Config{
			DSN:             cfg.Storage.DSN,
			MaxOpenConns:    cfg.Storage.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(cfg.Storage.ConnMaxIdleTimeSeconds) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		return &storageSet{
			agreements: db.Agreements(),
			index:      db.RegistryIndex(),
			eventLog:   db.EventLog(),
			db:         db,
		}, nil
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
}

func buildQueue(cfg *config.Config) (events.Queue, error) {
	switch cfg.Events.Driver {
	case "", "memory":
		return events.NewMemoryQueue(cfg.Events.OutboxSize), nil
	case "redis":
		return events.NewRedisQueue(events.RedisQueueConfig{
			Address:   cfg.Events.Redis.Address,
			Password:  cfg.Events.Redis.Password,
			DB:        cfg.Events.Redis.DB,
			Queue:     cfg.Events.Redis.Queue,
			BlockWait: time.Duration(cfg.Events.Redis.BlockWaitSeconds) * time.Second,
		})
	case "rabbitmq":
		return events.NewRabbitMQQueue(events.RabbitMQConfig{
			URL:        cfg.Events.RabbitMQ.URL,
			Queue:      cfg.Events.RabbitMQ.Queue,
			Prefetch:   cfg.Events.RabbitMQ.Prefetch,
			Durable:    cfg.Events.RabbitMQ.Durable,
			AutoDelete: cfg.Events.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的事件驱动: %s", cfg.Events.Driver)
	}
}

// buildReplayCache 返回签名请求的重放缓存及其释放函数。
func buildReplayCache(cfg *config.Config) (auth.ReplayCache, func(), error) {
	window := 2 * cfg.Auth.MaxSkew()
	switch cfg.Auth.ReplayCache {
	case "", "memory":
		return auth.NewMemoryReplayCache(cfg.Auth.ReplayCacheSize, window), func() {}, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Events.Redis.Address,
			Password: cfg.Events.Redis.Password,
			DB:       cfg.Events.Redis.DB,
		})
		if err := client.Ping(context.Background()).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("连接重放缓存 Redis 失败: %w", err)
		}
		cache, err := auth.NewRedisReplayCache(client, "")
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return cache, func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("未知的重放缓存: %s", cfg.Auth.ReplayCache)
	}
}

func buildAlerts(cfg *config.Config) alerting.Dispatcher {
	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	if url := strings.TrimSpace(cfg.Alerting.WebhookURL); url != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: url})
	}
	return alerting.NewFanout(notifiers...)
}

func registryAddress(cfg *config.Config) (common.Address, error) {
	raw := strings.TrimSpace(cfg.Registry.Address)
	if raw == "" {
		return common.Address{}, fmt.Errorf("registry.address 未配置")
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("registry.address 格式错误: %q", raw)
	}
	return common.HexToAddress(raw), nil
}
