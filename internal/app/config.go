package app

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/JoeShih716/go-bank-ledger/pkg/mysql"
	"github.com/JoeShih716/go-bank-ledger/pkg/redis"
)

const (
	// ConfigPathEnv 指定設定檔路徑的環境變數
	ConfigPathEnv = "LEDGER_CONFIG"
	// DefaultConfigPath 預設設定檔路徑
	DefaultConfigPath = "config/config.yaml"

	envPrefix = "LEDGER"
)

// 持久層種類
const (
	BackendFile  = "file"
	BackendMySQL = "mysql"
)

// Config 帳本執行期設定 (yaml 為底，LEDGER_ 環境變數覆寫)
type Config struct {
	Storage StorageConfig `yaml:"storage" envconfig:"STORAGE"`
	Engine  EngineConfig  `yaml:"engine" envconfig:"ENGINE"`

	// CheckpointInterval 定期快照間隔，0 表示只在關閉時寫入
	CheckpointInterval time.Duration `yaml:"checkpoint_interval" envconfig:"CHECKPOINT_INTERVAL"`

	LogFormat string `yaml:"log_format" envconfig:"LOG_FORMAT"` // "text" 或 "json"
	LogLevel  string `yaml:"log_level" envconfig:"LOG_LEVEL"`   // "debug", "info", "warn", "error"

	MySQL mysql.Config `yaml:"mysql" envconfig:"MYSQL"`
	Redis RedisConfig  `yaml:"redis" envconfig:"REDIS"`
}

// StorageConfig 持久層種類與檔案目錄
type StorageConfig struct {
	Backend string `yaml:"backend" envconfig:"BACKEND"`
	DataDir string `yaml:"data_dir" envconfig:"DATA_DIR"`
}

// EngineConfig 鎖等待上限與版本衝突重試次數
type EngineConfig struct {
	LockTimeout time.Duration `yaml:"lock_timeout" envconfig:"LOCK_TIMEOUT"`
	MaxRetries  int           `yaml:"max_retries" envconfig:"MAX_RETRIES"`
}

// RedisConfig 跨程序的 RequestID 佔用表，Addr 為空時使用程序內的表
type RedisConfig struct {
	redis.Config `yaml:",inline"`

	KeyPrefix string        `yaml:"key_prefix" envconfig:"KEY_PREFIX"`
	TTL       time.Duration `yaml:"ttl" envconfig:"TTL"`
}

// LoadConfig 讀取 LEDGER_CONFIG 指定的設定檔 (預設 config/config.yaml)
func LoadConfig() (*Config, error) {
	path := os.Getenv(ConfigPathEnv)
	if path == "" {
		path = DefaultConfigPath
	}
	return LoadConfigFile(path)
}

// LoadConfigFile 讀取設定
// 流程:
//  1. 讀 yaml (檔案不存在視為空設定)
//  2. 套用 LEDGER_ 開頭的環境變數
//  3. 補全預設值並檢查
func LoadConfigFile(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("process env: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Storage.Backend == "" {
		c.Storage.Backend = BackendFile
	}
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = "data"
	}
	if c.Engine.LockTimeout == 0 {
		c.Engine.LockTimeout = 2 * time.Second
	}
	if c.Engine.MaxRetries == 0 {
		c.Engine.MaxRetries = 3
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	// 補全 MySQL 預設配置 (如果 yaml 沒寫)
	c.MySQL.ApplyDefaults()
}

// Validate 檢查設定值
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendFile, BackendMySQL:
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Engine.LockTimeout < 0 {
		return fmt.Errorf("engine lock timeout must not be negative, got %s", c.Engine.LockTimeout)
	}
	if c.Engine.MaxRetries < 0 {
		return fmt.Errorf("engine max retries must not be negative, got %d", c.Engine.MaxRetries)
	}
	if c.CheckpointInterval < 0 {
		return fmt.Errorf("checkpoint interval must not be negative, got %s", c.CheckpointInterval)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.Storage.Backend == BackendMySQL && c.MySQL.Host == "" {
		return errors.New("mysql backend requires mysql.host")
	}
	return nil
}
