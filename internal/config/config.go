package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// EnvPrefix 是所有环境变量覆盖项的前缀。
const EnvPrefix = "RENTESCROW_"

// Config 描述了 RentEscrow 在启动阶段需要加载的核心配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Storage  StorageConfig  `json:"storage"`
	Events   EventsConfig   `json:"events"`
	Ledger   LedgerConfig   `json:"ledger"`
	Web3     Web3Config     `json:"web3"`
	Registry RegistryConfig `json:"registry"`
	Lease    LeaseConfig    `json:"lease"`
	Auth     AuthConfig     `json:"auth"`
	Logging  LoggingConfig  `json:"logging"`
	Alerting AlertingConfig `json:"alerting"`
	Lending  LendingConfig  `json:"lending"`
	Runtime  RuntimeConfig  `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address             string `json:"address"`
	ReadTimeoutSeconds  int    `json:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `json:"write_timeout_seconds"`
	// MetricsAddress 非空时在独立端口暴露 /metrics。
	MetricsAddress string `json:"metrics_address"`
}

// StorageConfig 描述协议快照与房东索引的存储后端。
type StorageConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
	ConnMaxIdleTimeSeconds int    `json:"conn_max_idle_time_seconds"`
}

// EventsConfig 描述事件发布通道。
type EventsConfig struct {
	Driver     string         `json:"driver"`
	OutboxSize int            `json:"outbox_size"`
	Retry      RetryConfig    `json:"retry"`
	Redis      RedisConfig    `json:"redis"`
	RabbitMQ   RabbitMQConfig `json:"rabbitmq"`
}

// RetryConfig 控制事件投递的指数退避。
type RetryConfig struct {
	InitialIntervalMillis int `json:"initial_interval_millis"`
	MaxIntervalSeconds    int `json:"max_interval_seconds"`
	MaxElapsedSeconds     int `json:"max_elapsed_seconds"`
}

// RedisConfig 对应 Redis 列表队列。
type RedisConfig struct {
	Address          string `json:"address"`
	Password         string `json:"password"`
	DB               int    `json:"db"`
	Queue            string `json:"queue"`
	BlockWaitSeconds int    `json:"block_wait_seconds"`
}

// RabbitMQConfig 对应 RabbitMQ 队列。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// LedgerConfig 选择代币账本的实现。
type LedgerConfig struct {
	Driver string `json:"driver"`
	// Chain 与 Tokens 仅在 erc20 模式下使用；为空时使用 web3 默认链的全部代币。
	Chain  string   `json:"chain"`
	Tokens []string `json:"tokens"`
	// KeySeed 是托管地址私钥的派生种子，十六进制。
	KeySeed string `json:"key_seed"`
	// GasSponsorKey 是为托管地址垫付 gas 的账户私钥，十六进制；erc20 模式必填。
	GasSponsorKey string `json:"gas_sponsor_key"`
	// GasMinWei 与 GasTopUpWei 为十进制 wei，余额低于前者时转入后者。
	GasMinWei   string `json:"gas_min_wei"`
	GasTopUpWei string `json:"gas_topup_wei"`
	// Memory 模式下预置的代币地址与初始余额。
	Memory []MemoryTokenConfig `json:"memory"`
}

// MemoryTokenConfig 描述内存账本的一个代币。
type MemoryTokenConfig struct {
	Address string            `json:"address"`
	Mint    map[string]string `json:"mint"`
}

// Web3Config 包含访问区块链节点所需的信息。
type Web3Config struct {
	RPCURL       string `json:"rpc_url"`
	ChainConfig  string `json:"chain_config"`
	DefaultChain string `json:"default_chain"`
	ReceiptWait  int    `json:"receipt_wait_seconds"`
}

// RegistryConfig 描述工厂本身的地址。
type RegistryConfig struct {
	Address    string `json:"address"`
	StartNonce uint64 `json:"start_nonce"`
}

// LeaseConfig 控制协议的默认参数。
type LeaseConfig struct {
	RentPeriodHours int `json:"rent_period_hours"`
}

// AuthConfig 控制 HTTP 调用方身份校验。
type AuthConfig struct {
	Mode           string `json:"mode"`
	MaxSkewSeconds int    `json:"max_skew_seconds"`
	// ReplayCache 为 memory 或 redis；redis 复用 events.redis 的连接参数，供多实例共享。
	ReplayCache     string `json:"replay_cache"`
	ReplayCacheSize int    `json:"replay_cache_size"`
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level       string      `json:"level"`
	Format      string      `json:"format"`
	OutputPaths []string    `json:"output_paths"`
	Audit       AuditConfig `json:"audit"`
}

// AuditConfig 控制资金流水审计日志。
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
	Compress   bool   `json:"compress"`
}

// AlertingConfig 控制告警渠道。日志渠道始终开启。
type AlertingConfig struct {
	WebhookURL string `json:"webhook_url"`
}

// LendingConfig 描述闲置资金的借贷部署。仅支持内存账本上的模拟借贷市场。
type LendingConfig struct {
	Enabled      bool   `json:"enabled"`
	Address      string `json:"address"`
	Owner        string `json:"owner"`
	Token        string `json:"token"`
	Pool         string `json:"pool"`
	ReceiptToken string `json:"receipt_token"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Load 负责解析指定路径的 JSON 配置文件。配置目录下的 .env 与 .env.local
// 会先被载入，随后 RENTESCROW_* 环境变量覆盖文件中的值。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	baseDir := filepath.Dir(path)
	loadEnvFiles(baseDir)
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadEnvFiles(dir string) {
	for _, name := range []string{".env", ".env.local"} {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err != nil {
			continue
		}
		// .env 不覆盖进程已有的环境变量，.env.local 会覆盖。
		if name == ".env" {
			_ = godotenv.Load(candidate)
		} else {
			_ = godotenv.Overload(candidate)
		}
	}
}

type lookupFunc func(key string) (string, bool)

// applyEnv 使用环境变量覆盖配置项。
func (c *Config) applyEnv(lookup lookupFunc) error {
	strs := map[string]*string{
		"SERVER_ADDRESS":         &c.Server.Address,
		"METRICS_ADDRESS":        &c.Server.MetricsAddress,
		"STORAGE_DRIVER":         &c.Storage.Driver,
		"STORAGE_DSN":            &c.Storage.DSN,
		"EVENTS_DRIVER":          &c.Events.Driver,
		"REDIS_ADDRESS":          &c.Events.Redis.Address,
		"REDIS_PASSWORD":         &c.Events.Redis.Password,
		"REDIS_QUEUE":            &c.Events.Redis.Queue,
		"RABBITMQ_URL":           &c.Events.RabbitMQ.URL,
		"RABBITMQ_QUEUE":         &c.Events.RabbitMQ.Queue,
		"LEDGER_DRIVER":          &c.Ledger.Driver,
		"LEDGER_CHAIN":           &c.Ledger.Chain,
		"LEDGER_KEY_SEED":        &c.Ledger.KeySeed,
		"LEDGER_GAS_SPONSOR_KEY": &c.Ledger.GasSponsorKey,
		"WEB3_RPC_URL":           &c.Web3.RPCURL,
		"WEB3_CHAIN_CONFIG":      &c.Web3.ChainConfig,
		"WEB3_DEFAULT_CHAIN":     &c.Web3.DefaultChain,
		"REGISTRY_ADDRESS":       &c.Registry.Address,
		"AUTH_MODE":              &c.Auth.Mode,
		"AUTH_REPLAY_CACHE":      &c.Auth.ReplayCache,
		"LOG_LEVEL":              &c.Logging.Level,
		"LOG_FORMAT":             &c.Logging.Format,
		"RUNTIME_DATA_DIR":       &c.Runtime.DataDir,
		"ALERT_WEBHOOK_URL":      &c.Alerting.WebhookURL,
		"LENDING_OWNER":          &c.Lending.Owner,
	}
	for key, target := range strs {
		if v, ok := lookup(EnvPrefix + key); ok {
			*target = strings.TrimSpace(v)
		}
	}

	ints := map[string]*int{
		"EVENTS_OUTBOX_SIZE":      &c.Events.OutboxSize,
		"REDIS_DB":                &c.Events.Redis.DB,
		"STORAGE_MAX_OPEN_CONNS":  &c.Storage.MaxOpenConns,
		"STORAGE_MAX_IDLE_CONNS":  &c.Storage.MaxIdleConns,
		"LEASE_RENT_PERIOD_HOURS": &c.Lease.RentPeriodHours,
		"AUTH_MAX_SKEW_SECONDS":   &c.Auth.MaxSkewSeconds,
	}
	for key, target := range ints {
		v, ok := lookup(EnvPrefix + key)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("环境变量 %s%s 不是整数: %w", EnvPrefix, key, err)
		}
		*target = n
	}

	if v, ok := lookup(EnvPrefix + "LEDGER_TOKENS"); ok && strings.TrimSpace(v) != "" {
		c.Ledger.Tokens = splitList(v)
	}
	if v, ok := lookup(EnvPrefix + "LOG_OUTPUTS"); ok && strings.TrimSpace(v) != "" {
		c.Logging.OutputPaths = splitList(v)
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadTimeoutSeconds <= 0 {
		c.Server.ReadTimeoutSeconds = 15
	}
	if c.Server.WriteTimeoutSeconds <= 0 {
		c.Server.WriteTimeoutSeconds = 60
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}

	if c.Events.Driver == "" {
		c.Events.Driver = "memory"
	}
	if c.Events.OutboxSize <= 0 {
		c.Events.OutboxSize = 1024
	}
	if c.Events.Retry.InitialIntervalMillis <= 0 {
		c.Events.Retry.InitialIntervalMillis = 500
	}
	if c.Events.Retry.MaxIntervalSeconds <= 0 {
		c.Events.Retry.MaxIntervalSeconds = 30
	}
	if c.Events.Retry.MaxElapsedSeconds <= 0 {
		c.Events.Retry.MaxElapsedSeconds = 300
	}
	if c.Events.Redis.BlockWaitSeconds <= 0 {
		c.Events.Redis.BlockWaitSeconds = 5
	}
	if c.Events.RabbitMQ.Prefetch <= 0 {
		c.Events.RabbitMQ.Prefetch = 16
	}

	if c.Ledger.Driver == "" {
		c.Ledger.Driver = "memory"
	}
	if c.Web3.ReceiptWait <= 0 {
		c.Web3.ReceiptWait = 120
	}
	if c.Web3.ChainConfig != "" && !filepath.IsAbs(c.Web3.ChainConfig) {
		c.Web3.ChainConfig = filepath.Join(baseDir, c.Web3.ChainConfig)
	}

	if c.Lease.RentPeriodHours <= 0 {
		c.Lease.RentPeriodHours = 28 * 24
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = "signature"
	}
	if c.Auth.MaxSkewSeconds <= 0 {
		c.Auth.MaxSkewSeconds = 300
	}
	if c.Auth.ReplayCache == "" {
		c.Auth.ReplayCache = "memory"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(c.Runtime.DataDir, "audit.log")
	}
}

// Validate 检查驱动名称等枚举字段。
func (c *Config) Validate() error {
	if !oneOf(c.Storage.Driver, "memory", "mysql") {
		return fmt.Errorf("未知的存储驱动: %s", c.Storage.Driver)
	}
	if c.Storage.Driver == "mysql" && strings.TrimSpace(c.Storage.DSN) == "" {
		return errors.New("mysql 存储需要配置 dsn")
	}
	if !oneOf(c.Events.Driver, "memory", "redis", "rabbitmq") {
		return fmt.Errorf("未知的事件驱动: %s", c.Events.Driver)
	}
	if !oneOf(c.Ledger.Driver, "memory", "erc20") {
		return fmt.Errorf("未知的账本驱动: %s", c.Ledger.Driver)
	}
	if c.Ledger.Driver == "erc20" {
		if c.Web3.ChainConfig == "" && c.Web3.RPCURL == "" {
			return errors.New("erc20 账本需要配置 web3.chain_config 或 web3.rpc_url")
		}
		if strings.TrimSpace(c.Ledger.GasSponsorKey) == "" {
			return errors.New("erc20 账本需要配置 ledger.gas_sponsor_key，托管地址没有原生币支付 gas")
		}
		for field, v := range map[string]string{"gas_min_wei": c.Ledger.GasMinWei, "gas_topup_wei": c.Ledger.GasTopUpWei} {
			if _, err := c.Ledger.Wei(v); err != nil {
				return fmt.Errorf("ledger.%s: %w", field, err)
			}
		}
	}
	if !oneOf(c.Auth.Mode, "signature", "disabled") {
		return fmt.Errorf("未知的鉴权模式: %s", c.Auth.Mode)
	}
	if !oneOf(c.Auth.ReplayCache, "memory", "redis") {
		return fmt.Errorf("未知的重放缓存: %s", c.Auth.ReplayCache)
	}
	if c.Auth.ReplayCache == "redis" && strings.TrimSpace(c.Events.Redis.Address) == "" {
		return errors.New("redis 重放缓存需要配置 events.redis.address")
	}
	if c.Lending.Enabled {
		if c.Ledger.Driver != "memory" {
			return errors.New("lending 仅支持 memory 账本")
		}
		for field, v := range map[string]string{
			"address":       c.Lending.Address,
			"owner":         c.Lending.Owner,
			"token":         c.Lending.Token,
			"pool":          c.Lending.Pool,
			"receipt_token": c.Lending.ReceiptToken,
		} {
			if strings.TrimSpace(v) == "" {
				return fmt.Errorf("lending.%s 未配置", field)
			}
		}
	}
	return nil
}

// RentPeriod 返回租期长度。
func (c LeaseConfig) RentPeriod() time.Duration {
	return time.Duration(c.RentPeriodHours) * time.Hour
}

// Wei 解析十进制 wei 金额，空串返回 nil 表示使用默认值。
func (c LedgerConfig) Wei(raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("不是合法的 wei 金额: %q", raw)
	}
	return v, nil
}

// MaxSkew 返回签名时间戳允许的偏差。
func (c AuthConfig) MaxSkew() time.Duration {
	return time.Duration(c.MaxSkewSeconds) * time.Second
}

// Timeouts 返回 HTTP 服务的读写超时。
func (c ServerConfig) Timeouts() (read, write time.Duration) {
	return time.Duration(c.ReadTimeoutSeconds) * time.Second, time.Duration(c.WriteTimeoutSeconds) * time.Second
}

// Backoff 返回事件投递的退避参数。
func (c RetryConfig) Backoff() (initial, maxInterval, elapsed time.Duration) {
	return time.Duration(c.InitialIntervalMillis) * time.Millisecond,
		time.Duration(c.MaxIntervalSeconds) * time.Second,
		time.Duration(c.MaxElapsedSeconds) * time.Second
}

func oneOf(v string, options ...string) bool {
	for _, o := range options {
		if v == o {
			return true
		}
	}
	return false
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
