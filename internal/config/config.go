package config

import (
	"encoding/json"
	stdErrors "errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	xerrors "AgentDCA/internal/errors"
	"AgentDCA/internal/keycipher"
)

// 环境变量名称。
const (
	EnvConfigPath          = "DCA_CONFIG"
	EnvMasterSecret        = "DCA_MASTER_SECRET"
	EnvOperatorToken       = "DCA_OPERATOR_TOKEN"
	EnvReadOnlyToken       = "DCA_READONLY_TOKEN"
	EnvSwapAPIKey          = "DCA_SWAP_API_KEY"
	EnvRegistryOperatorKey = "DCA_REGISTRY_OPERATOR_KEY"
	EnvTelegramToken       = "DCA_TELEGRAM_TOKEN"
	EnvStorageDSN          = "DCA_STORAGE_DSN"
)

// Config 描述定投服务在启动阶段需要加载的全部配置。
type Config struct {
	Server    ServerConfig    `json:"server"`
	Storage   StorageConfig   `json:"storage"`
	Queue     QueueConfig     `json:"queue"`
	Web3      Web3Config      `json:"web3"`
	Security  SecurityConfig  `json:"security"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Swap      SwapConfig      `json:"swap"`
	Fees      FeeConfig       `json:"fees"`
	Logging   LoggingConfig   `json:"logging"`
	Alerting  AlertingConfig  `json:"alerting"`
	Runtime   RuntimeConfig   `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address        string `json:"address"`
	MetricsAddress string `json:"metrics_address"`
	OperatorToken  string `json:"-"`
	ReadOnlyToken  string `json:"-"`
}

// StorageConfig 选择键值存储后端。
type StorageConfig struct {
	Driver          string      `json:"driver"`
	DSN             string      `json:"dsn"`
	MaxOpenConns    int         `json:"max_open_conns"`
	MaxIdleConns    int         `json:"max_idle_conns"`
	ConnMaxLifetime Duration    `json:"conn_max_lifetime"`
	Redis           RedisConfig `json:"redis"`
}

// RedisConfig 描述 Redis 连接。
type RedisConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	KeyPrefix string `json:"key_prefix"`
}

// QueueConfig 描述执行分发与登记重试所用的队列。
type QueueConfig struct {
	Driver        string         `json:"driver"`
	Buffer        int            `json:"buffer"`
	DispatchQueue string         `json:"dispatch_queue"`
	RegistryQueue string         `json:"registry_queue"`
	Redis         RedisConfig    `json:"redis"`
	RabbitMQ      RabbitMQConfig `json:"rabbitmq"`
	BlockWait     Duration       `json:"block_wait"`
}

// RabbitMQConfig 描述 RabbitMQ 连接。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// Web3Config 指定链配置文件与默认链。
type Web3Config struct {
	ChainConfig         string   `json:"chain_config"`
	DefaultChain        string   `json:"default_chain"`
	RPCURL              string   `json:"rpc_url"`
	PollInterval        Duration `json:"poll_interval"`
	ReceiptTimeout      Duration `json:"receipt_timeout"`
	RegistryOperatorKey string   `json:"-"`
}

// SecurityConfig 控制私钥加密与授权签发。
type SecurityConfig struct {
	MasterSecret     string   `json:"-"`
	DecryptPerSecond float64  `json:"decrypt_per_second"`
	DecryptBurst     int      `json:"decrypt_burst"`
	Provider         string   `json:"provider"`
	AllowSudo        bool     `json:"allow_sudo"`
	ApprovalValidity Duration `json:"approval_validity"`
	UsageRetention   Duration `json:"usage_retention"`
}

// SchedulerConfig 控制执行调度。
type SchedulerConfig struct {
	Mode             string   `json:"mode"`
	TickInterval     Duration `json:"tick_interval"`
	BatchSize        int      `json:"batch_size"`
	Concurrency      int      `json:"concurrency"`
	LeaseDuration    Duration `json:"lease_duration"`
	FailureThreshold int      `json:"failure_threshold"`
}

// SwapConfig 描述报价服务。
type SwapConfig struct {
	BaseURL           string   `json:"base_url"`
	APIKey            string   `json:"-"`
	SlippageBps       int      `json:"slippage_bps"`
	Timeout           Duration `json:"timeout"`
	RequestsPerSecond float64  `json:"requests_per_second"`
}

// FeeConfig 描述平台费。
type FeeConfig struct {
	PlatformFeePercentage string `json:"platform_fee_percentage"`
	Treasury              string `json:"treasury"`
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	AuditPath   string   `json:"audit_path"`
	RedactKeys  []string `json:"redact_keys"`
}

// AlertingConfig 描述告警渠道，未配置的渠道不启用。
type AlertingConfig struct {
	SlackWebhook    string `json:"slack_webhook"`
	SlackChannel    string `json:"slack_channel"`
	DingTalkWebhook string `json:"dingtalk_webhook"`
	TelegramChatID  int64  `json:"telegram_chat_id"`
	TelegramToken   string `json:"-"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Duration 以 "30s"、"5m" 形式在 JSON 中表示时长，也接受整数秒。
type Duration time.Duration

// UnmarshalJSON 实现 json.Unmarshaler。
func (d *Duration) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		parsed, err := time.ParseDuration(text)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}
	var seconds int64
	if err := json.Unmarshal(data, &seconds); err != nil {
		return stdErrors.New("时长必须是字符串或整数秒")
	}
	*d = Duration(time.Duration(seconds) * time.Second)
	return nil
}

// MarshalJSON 实现 json.Marshaler。
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std 返回 time.Duration。
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Load 解析指定路径的 JSON 配置，加载同目录的 .env 并读取环境变量中的密钥。
// path 为空时仅使用默认值与环境变量。
func Load(path string) (*Config, error) {
	var cfg Config
	baseDir := "."
	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "读取配置文件失败")
		}
		if err := json.Unmarshal(content, &cfg); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "解析配置失败")
		}
		baseDir = filepath.Dir(path)
	}
	if err := loadDotEnv(filepath.Join(baseDir, ".env")); err != nil {
		return nil, err
	}
	cfg.applyEnv()
	cfg.applyDefaults(baseDir)
	return &cfg, nil
}

// loadDotEnv 读取 .env，不覆盖已存在的环境变量。文件不存在时忽略。
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if stdErrors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return xerrors.Wrap(xerrors.CodeConfiguration, err, "加载 .env 失败")
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Security.MasterSecret = os.Getenv(EnvMasterSecret)
	c.Server.OperatorToken = os.Getenv(EnvOperatorToken)
	c.Server.ReadOnlyToken = os.Getenv(EnvReadOnlyToken)
	c.Swap.APIKey = os.Getenv(EnvSwapAPIKey)
	c.Web3.RegistryOperatorKey = os.Getenv(EnvRegistryOperatorKey)
	c.Alerting.TelegramToken = os.Getenv(EnvTelegramToken)
	if dsn := os.Getenv(EnvStorageDSN); dsn != "" {
		c.Storage.DSN = dsn
	}
	if chat := os.Getenv("DCA_TELEGRAM_CHAT_ID"); chat != "" && c.Alerting.TelegramChatID == 0 {
		if id, err := strconv.ParseInt(chat, 10, 64); err == nil {
			c.Alerting.TelegramChatID = id
		}
	}
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Buffer <= 0 {
		c.Queue.Buffer = 256
	}
	if c.Queue.DispatchQueue == "" {
		c.Queue.DispatchQueue = "dca.execute"
	}
	if c.Queue.RegistryQueue == "" {
		c.Queue.RegistryQueue = "dca.registry"
	}
	if c.Web3.ChainConfig != "" && !filepath.IsAbs(c.Web3.ChainConfig) {
		c.Web3.ChainConfig = filepath.Join(baseDir, c.Web3.ChainConfig)
	}
	if c.Security.DecryptPerSecond <= 0 {
		c.Security.DecryptPerSecond = 10
	}
	if c.Security.DecryptBurst <= 0 {
		c.Security.DecryptBurst = 20
	}
	if c.Security.Provider == "" {
		c.Security.Provider = "zerodev"
	}
	if c.Security.ApprovalValidity <= 0 {
		c.Security.ApprovalValidity = Duration(365 * 24 * time.Hour)
	}
	if c.Security.UsageRetention <= 0 {
		c.Security.UsageRetention = Duration(31 * 24 * time.Hour)
	}
	if c.Scheduler.Mode == "" {
		c.Scheduler.Mode = "inline"
	}
	if c.Scheduler.TickInterval <= 0 {
		c.Scheduler.TickInterval = Duration(time.Minute)
	}
	if c.Scheduler.BatchSize <= 0 {
		c.Scheduler.BatchSize = 100
	}
	if c.Scheduler.Concurrency <= 0 {
		c.Scheduler.Concurrency = 4
	}
	if c.Scheduler.LeaseDuration <= 0 {
		c.Scheduler.LeaseDuration = Duration(10 * time.Minute)
	}
	if c.Scheduler.FailureThreshold <= 0 {
		c.Scheduler.FailureThreshold = 3
	}
	if c.Swap.SlippageBps <= 0 {
		c.Swap.SlippageBps = 100
	}
	if c.Fees.PlatformFeePercentage == "" {
		c.Fees.PlatformFeePercentage = "0"
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
	if c.Logging.AuditPath != "" && !filepath.IsAbs(c.Logging.AuditPath) {
		c.Logging.AuditPath = filepath.Join(c.Runtime.DataDir, c.Logging.AuditPath)
	}
}

// PlatformFee 解析平台费率。
func (c *Config) PlatformFee() (decimal.Decimal, error) {
	pct, err := decimal.NewFromString(strings.TrimSpace(c.Fees.PlatformFeePercentage))
	if err != nil {
		return decimal.Zero, xerrors.Wrap(xerrors.CodeConfiguration, err, "platform_fee_percentage 不是合法小数")
	}
	if pct.IsNegative() || pct.GreaterThanOrEqual(decimal.NewFromInt(100)) {
		return decimal.Zero, xerrors.New(xerrors.CodeConfiguration, "platform_fee_percentage 必须在 [0, 100) 之间")
	}
	return pct, nil
}

// Validate 在启动阶段检查配置，任何错误都应使进程退出。
func (c *Config) Validate() error {
	if err := keycipher.ValidateSecret(c.Security.MasterSecret); err != nil {
		return err
	}
	pct, err := c.PlatformFee()
	if err != nil {
		return err
	}
	if pct.IsPositive() && c.Fees.Treasury == "" {
		return xerrors.New(xerrors.CodeConfiguration, "收取平台费时必须配置 treasury 地址")
	}
	switch c.Storage.Driver {
	case "memory", "redis":
	case "mysql", "postgres":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			return xerrors.New(xerrors.CodeConfiguration, c.Storage.Driver+" 存储需要 dsn")
		}
	default:
		return xerrors.New(xerrors.CodeConfiguration, "不支持的存储驱动 "+c.Storage.Driver)
	}
	switch c.Queue.Driver {
	case "memory", "redis", "rabbitmq":
	default:
		return xerrors.New(xerrors.CodeConfiguration, "不支持的队列驱动 "+c.Queue.Driver)
	}
	switch c.Scheduler.Mode {
	case "inline", "queue":
	default:
		return xerrors.New(xerrors.CodeConfiguration, "scheduler.mode 只能是 inline 或 queue")
	}
	switch c.Security.Provider {
	case "zerodev", "alchemy":
	default:
		return xerrors.New(xerrors.CodeConfiguration, "不支持的授权 provider "+c.Security.Provider)
	}
	return nil
}
