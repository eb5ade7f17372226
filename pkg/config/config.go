// Package config загружает конфигурацию softphone из YAML файла.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arzzra/siphook/pkg/engine"
	"github.com/arzzra/siphook/pkg/sipua"
)

// Config конфигурация softphone
type Config struct {
	Account AccountConfig `yaml:"account"`
	SIP     SIPConfig     `yaml:"sip"`
	Media   MediaConfig   `yaml:"media"`
	Phone   PhoneConfig   `yaml:"phone"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// AccountConfig учетная запись на SIP сервере
type AccountConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// SIPAccount адрес записи, "sip:1000@pbx.example.com"
	SIPAccount string `yaml:"sip_account"`
	// ServerURL "udp://pbx.example.com:5060"
	ServerURL string `yaml:"server_url"`
}

// SIPConfig параметры локального SIP транспорта
type SIPConfig struct {
	ListenHost      string        `yaml:"listen_host"`
	ListenPort      int           `yaml:"listen_port"`
	UserAgent       string        `yaml:"user_agent"`
	RegisterExpires int           `yaml:"register_expires"`
	ResponseTimeout time.Duration `yaml:"response_timeout"`
}

// MediaConfig параметры приема RTP
type MediaConfig struct {
	RTPHost      string  `yaml:"rtp_host"`
	RTPPortMin   int     `yaml:"rtp_port_min"`
	RTPPortMax   int     `yaml:"rtp_port_max"`
	PayloadTypes []uint8 `yaml:"payload_types"`
	// SinkHandle идентификатор приемника звука
	SinkHandle string `yaml:"sink_handle"`
	// OutputFile файл для сырого 16-bit PCM, "-" - не писать
	OutputFile string `yaml:"output_file"`
}

// PhoneConfig поведение контроллера вызовов
type PhoneConfig struct {
	AutoAnswer     bool          `yaml:"auto_answer"`
	ExternalNumber string        `yaml:"external_number"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// LogConfig параметры логирования
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig адрес HTTP сервера метрик, пустой отключает сервер
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() *Config {
	return &Config{
		SIP: SIPConfig{
			UserAgent:       "siphook/1.0",
			RegisterExpires: 3600,
			ResponseTimeout: 10 * time.Second,
		},
		Media: MediaConfig{
			PayloadTypes: []uint8{0, 8},
			SinkHandle:   "speaker",
			OutputFile:   "-",
		},
		Phone: PhoneConfig{
			RequestTimeout: 5 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Listen: ":9090",
		},
	}
}

// Load читает YAML файл поверх значений по умолчанию
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse разбирает YAML поверх значений по умолчанию и проверяет результат
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate проверяет конфигурацию и заполняет пропущенные значения
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Account.SIPAccount) == "" {
		return fmt.Errorf("account.sip_account cannot be empty")
	}
	if _, err := sipua.ParseServerURL(c.Account.ServerURL); err != nil {
		return fmt.Errorf("account.server_url: %w", err)
	}
	if c.SIP.ListenPort < 0 || c.SIP.ListenPort > 65535 {
		return fmt.Errorf("invalid sip.listen_port: %d (must be 0-65535)", c.SIP.ListenPort)
	}
	if c.Media.RTPPortMin < 0 || c.Media.RTPPortMax < c.Media.RTPPortMin || c.Media.RTPPortMax > 65535 {
		return fmt.Errorf("invalid media rtp port range %d-%d", c.Media.RTPPortMin, c.Media.RTPPortMax)
	}
	if c.Media.SinkHandle == "" {
		c.Media.SinkHandle = "speaker"
	}
	if c.Phone.RequestTimeout <= 0 {
		c.Phone.RequestTimeout = 5 * time.Second
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text":
		c.Log.Format = "text"
	case "json":
		c.Log.Format = "json"
	default:
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Log.Format)
	}
	return nil
}

// LogLevel уровень slog из log.level
func (c *Config) LogLevel() (slog.Level, error) {
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Log.Level)
	}
}

// Credentials учетные данные для подключения движка
func (c *Config) Credentials() engine.Credentials {
	username := c.Account.Username
	if username == "" {
		username = userPart(c.Account.SIPAccount)
	}
	return engine.Credentials{
		AuthorizationUsername: username,
		AuthorizationPassword: c.Account.Password,
		SIPAccount:            c.Account.SIPAccount,
		ServerURL:             c.Account.ServerURL,
		MediaSinkHandle:       c.Media.SinkHandle,
	}
}

// SIPUA конфигурация SIP движка
func (c *Config) SIPUA(logger *slog.Logger) sipua.Config {
	cfg := sipua.DefaultConfig()
	cfg.ListenHost = c.SIP.ListenHost
	cfg.ListenPort = c.SIP.ListenPort
	if c.SIP.UserAgent != "" {
		cfg.UserAgent = c.SIP.UserAgent
	}
	if c.SIP.RegisterExpires > 0 {
		cfg.RegisterExpires = c.SIP.RegisterExpires
	}
	if c.SIP.ResponseTimeout > 0 {
		cfg.ResponseTimeout = c.SIP.ResponseTimeout
	}
	cfg.RTPHost = c.Media.RTPHost
	cfg.RTPPortMin = c.Media.RTPPortMin
	cfg.RTPPortMax = c.Media.RTPPortMax
	if len(c.Media.PayloadTypes) > 0 {
		cfg.PayloadTypes = c.Media.PayloadTypes
	}
	cfg.Logger = logger
	return cfg
}

func userPart(account string) string {
	account = strings.TrimPrefix(strings.TrimPrefix(account, "sips:"), "sip:")
	if i := strings.Index(account, "@"); i >= 0 {
		return account[:i]
	}
	return account
}
