package internal

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix 環境變數前綴，例如 ZIM_SERVER_PORT
const EnvPrefix = "ZIM"

// Config 服務配置
//
// 載入順序：預設值 → YAML 檔 → .env → 環境變數，最後驗證。
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Log       LogConfig       `yaml:"log" envconfig:"LOG"`
	WebSocket WebSocketConfig `yaml:"websocket" envconfig:"WEBSOCKET"`
	CORS      CORSConfig      `yaml:"cors" envconfig:"CORS"`
}

// ServerConfig HTTP 服務器配置
//
// Port 另外接受未加前綴的 PORT 環境變數。
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout" split_words:"true" validate:"gt=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" split_words:"true" validate:"gt=0"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" split_words:"true" validate:"gt=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" split_words:"true" validate:"gt=0"`
}

// LogConfig 日誌配置
type LogConfig struct {
	Level  string `yaml:"level" split_words:"true" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" split_words:"true" validate:"oneof=text json"`
}

// WebSocketConfig WebSocket 配置
type WebSocketConfig struct {
	ReadBufferSize  int           `yaml:"read_buffer_size" split_words:"true" validate:"gt=0"`
	WriteBufferSize int           `yaml:"write_buffer_size" split_words:"true" validate:"gt=0"`
	SendBufferSize  int           `yaml:"send_buffer_size" split_words:"true" validate:"gt=0"`
	PingInterval    time.Duration `yaml:"ping_interval" split_words:"true" validate:"gt=0,ltfield=PongWait"`
	PongWait        time.Duration `yaml:"pong_wait" split_words:"true" validate:"gt=0"`
	WriteWait       time.Duration `yaml:"write_wait" split_words:"true" validate:"gt=0"`
	MaxMessageSize  int64         `yaml:"max_message_size" split_words:"true" validate:"gt=0"`
	AllowedOrigins  []string      `yaml:"allowed_origins" split_words:"true" validate:"min=1"`
}

// CORSConfig HTTP CORS 配置
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" split_words:"true" validate:"min=1"`
}

var validate = validator.New()

// DefaultConfig 預設配置
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Port:            7010,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			SendBufferSize:  256,
			PingInterval:    54 * time.Second,
			PongWait:        60 * time.Second,
			WriteWait:       10 * time.Second,
			MaxMessageSize:  64 * 1024,
			AllowedOrigins:  []string{"*"},
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"*"},
		},
	}
}

// LoadConfig 載入配置；path 為空時不讀 YAML 檔
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("讀取配置檔失敗: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("解析配置檔失敗: %w", err)
		}
	}

	// .env 只在本地開發時存在
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("載入 .env 失敗: %w", err)
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("解析環境變數失敗: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate 驗證配置
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("配置無效: %w", err)
	}
	return nil
}
