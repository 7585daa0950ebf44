package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"cryptobot/pkg/crypto"

	"github.com/joho/godotenv"
)

// Режимы работы бота
const (
	ModePaper = "paper"
	ModeLive  = "live"
)

// Хранилища состояния
const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
)

// sealedPrefix помечает значение, зашифрованное crypto.Seal
const sealedPrefix = "enc:"

const defaultJWTSecret = "change-me-in-production"

// Config содержит всю конфигурацию приложения
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Security SecurityConfig
	Bot      BotConfig
	Exchange ExchangeConfig
	Advisor  AdvisorConfig
	Screener ScreenerConfig
	Webhook  WebhookConfig
	Logging  LoggingConfig
}

// ServerConfig - настройки HTTP сервера
type ServerConfig struct {
	Port           int
	Host           string
	UseHTTPS       bool
	CertFile       string
	KeyFile        string
	AllowedOrigins []string
}

// DatabaseConfig - настройки хранения состояния
type DatabaseConfig struct {
	// Backend file или postgres
	Backend   string
	StateFile string

	Driver   string
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

// SecurityConfig - настройки безопасности
type SecurityConfig struct {
	JWTSecret      string
	EncryptionKey  string
	SessionTimeout int

	// AdminPassword bcrypt-хеш или открытый текст. Пусто = вход в API выключен.
	AdminUser     string
	AdminPassword string
}

// BotConfig - настройки цикла управления
type BotConfig struct {
	Mode           string // paper или live
	AutoStart      bool
	TickInterval   time.Duration
	InitialCapital float64
	Watchlist      []string

	WebhookQueueSize int
	OrderTimeout     time.Duration // размещение и ожидание исполнения
	PriceTimeout     time.Duration
	AnalysisBudget   time.Duration // скринер и советник за один тик

	// Риск-профиль: YAML-файл и пресет поверх него
	RiskFile   string
	RiskPreset string

	PaperSlippage float64
}

// ExchangeConfig - Coinbase Advanced Trade
type ExchangeConfig struct {
	BaseURL        string
	KeyName        string
	PrivateKey     string // PEM или enc:<base64> (crypto.Seal)
	QuoteCurrency  string
	RequestsPerSec float64
	Timeout        time.Duration
}

// AdvisorConfig - ИИ-советник
type AdvisorConfig struct {
	APIKey        string
	Model         string
	MaxTokens     int
	BaseURL       string
	RiskTolerance string // пусто = из пресета
}

// ScreenerConfig - внешний скринер
type ScreenerConfig struct {
	BaseURL string
	APIKey  string
	Mode    string // пусто = из пресета
	Limit   int
	Timeout time.Duration
}

// WebhookConfig - приём сигналов
type WebhookConfig struct {
	Secret            string
	RequestsPerMinute int
	Burst             int
	Confirm           bool // техническое подтверждение покупок через скринер
	RSIOverbought     float64
}

// LoggingConfig - настройки логирования
type LoggingConfig struct {
	Level       string
	Format      string
	Output      string
	Development bool
}

// Load загружает конфигурацию из .env и переменных окружения.
// Уже заданные переменные окружения важнее значений из файла.
func Load() (*Config, error) {
	if err := loadDotEnv(getEnv("ENV_FILE", ".env")); err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:           getEnvAsInt("SERVER_PORT", 8080),
			Host:           getEnv("SERVER_HOST", "0.0.0.0"),
			UseHTTPS:       getEnvAsBool("USE_HTTPS", false),
			CertFile:       getEnv("CERT_FILE", ""),
			KeyFile:        getEnv("KEY_FILE", ""),
			AllowedOrigins: getEnvAsList("CORS_ORIGINS", nil),
		},
		Database: DatabaseConfig{
			Backend:   strings.ToLower(getEnv("STATE_BACKEND", BackendFile)),
			StateFile: getEnv("STATE_FILE", "data/state.json"),
			Driver:    getEnv("DB_DRIVER", "postgres"),
			Host:      getEnv("DB_HOST", "localhost"),
			Port:      getEnvAsInt("DB_PORT", 5432),
			Name:      getEnv("DB_NAME", "cryptobot"),
			User:      getEnv("DB_USER", "cryptobot"),
			Password:  getEnv("DB_PASSWORD", ""),
			SSLMode:   getEnv("DB_SSL_MODE", "disable"),
		},
		Security: SecurityConfig{
			JWTSecret:      getEnv("JWT_SECRET", defaultJWTSecret),
			EncryptionKey:  getEnv("ENCRYPTION_KEY", ""),
			SessionTimeout: getEnvAsInt("SESSION_TIMEOUT", 3600),
			AdminUser:      getEnv("ADMIN_USER", "admin"),
			AdminPassword:  getEnv("ADMIN_PASSWORD", ""),
		},
		Bot: BotConfig{
			Mode:             strings.ToLower(getEnv("BOT_MODE", ModePaper)),
			AutoStart:        getEnvAsBool("AUTO_START", true),
			TickInterval:     getEnvAsDuration("TICK_INTERVAL", 30*time.Second),
			InitialCapital:   getEnvAsFloat("INITIAL_CAPITAL", 1000),
			Watchlist:        getEnvAsList("WATCHLIST", nil),
			WebhookQueueSize: getEnvAsInt("WEBHOOK_QUEUE_SIZE", 64),
			OrderTimeout:     getEnvAsDuration("ORDER_TIMEOUT", 30*time.Second),
			PriceTimeout:     getEnvAsDuration("PRICE_TIMEOUT", 10*time.Second),
			AnalysisBudget:   getEnvAsDuration("ANALYSIS_BUDGET", 45*time.Second),
			RiskFile:         getEnv("RISK_FILE", "configs/risk.yaml"),
			RiskPreset:       getEnv("RISK_PRESET", ""),
			PaperSlippage:    getEnvAsFloat("PAPER_SLIPPAGE", 0.001),
		},
		Exchange: ExchangeConfig{
			BaseURL:        getEnv("COINBASE_BASE_URL", ""),
			KeyName:        getEnv("COINBASE_KEY_NAME", ""),
			PrivateKey:     getEnv("COINBASE_PRIVATE_KEY", ""),
			QuoteCurrency:  getEnv("QUOTE_CURRENCY", "USD"),
			RequestsPerSec: getEnvAsFloat("COINBASE_RPS", 10),
			Timeout:        getEnvAsDuration("COINBASE_TIMEOUT", 30*time.Second),
		},
		Advisor: AdvisorConfig{
			APIKey:        getEnv("ANTHROPIC_API_KEY", ""),
			Model:         getEnv("CLAUDE_MODEL", ""),
			MaxTokens:     getEnvAsInt("CLAUDE_MAX_TOKENS", 4096),
			BaseURL:       getEnv("ANTHROPIC_BASE_URL", ""),
			RiskTolerance: getEnv("CLAUDE_RISK_TOLERANCE", ""),
		},
		Screener: ScreenerConfig{
			BaseURL: getEnv("SCREENER_URL", ""),
			APIKey:  getEnv("SCREENER_API_KEY", ""),
			Mode:    getEnv("SCREENER_MODE", ""),
			Limit:   getEnvAsInt("SCREENER_LIMIT", 20),
			Timeout: getEnvAsDuration("SCREENER_TIMEOUT", 60*time.Second),
		},
		Webhook: WebhookConfig{
			Secret:            getEnv("WEBHOOK_SECRET", ""),
			RequestsPerMinute: getEnvAsInt("WEBHOOK_RPM", 30),
			Burst:             getEnvAsInt("WEBHOOK_BURST", 5),
			Confirm:           getEnvAsBool("WEBHOOK_CONFIRM", false),
			RSIOverbought:     getEnvAsFloat("WEBHOOK_RSI_OVERBOUGHT", 70),
		},
		Logging: LoggingConfig{
			Level:       getEnv("LOG_LEVEL", "info"),
			Format:      getEnv("LOG_FORMAT", "json"),
			Output:      getEnv("LOG_OUTPUT", ""),
			Development: getEnvAsBool("LOG_DEV", false),
		},
	}

	if err := cfg.validateModes(); err != nil {
		return nil, err
	}

	// Валидация критичных параметров безопасности
	if err := cfg.validateSecurity(); err != nil {
		return nil, err
	}

	// Валидация числовых диапазонов
	if err := cfg.validateRanges(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadDotEnv подгружает файл, если он есть
func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Live боевой режим с реальными ордерами
func (c *Config) Live() bool {
	return c.Bot.Mode == ModeLive
}

// DefaultJWTSecret используется ли секрет по умолчанию
func (c *Config) DefaultJWTSecret() bool {
	return c.Security.JWTSecret == defaultJWTSecret
}

func (c *Config) validateModes() error {
	if c.Bot.Mode != ModePaper && c.Bot.Mode != ModeLive {
		return fmt.Errorf("BOT_MODE must be paper or live, got %q", c.Bot.Mode)
	}
	if c.Database.Backend != BackendFile && c.Database.Backend != BackendPostgres {
		return fmt.Errorf("STATE_BACKEND must be file or postgres, got %q", c.Database.Backend)
	}
	return nil
}

// validateSecurity проверяет параметры безопасности. Строгие требования
// только в боевом режиме: бумажная торговля запускается без ключей.
func (c *Config) validateSecurity() error {
	if strings.HasPrefix(c.Exchange.PrivateKey, sealedPrefix) && c.Security.EncryptionKey == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required to decrypt COINBASE_PRIVATE_KEY")
	}

	if !c.Live() {
		return nil
	}

	if c.Exchange.KeyName == "" || c.Exchange.PrivateKey == "" {
		return fmt.Errorf("COINBASE_KEY_NAME and COINBASE_PRIVATE_KEY are required in live mode")
	}

	// JWT_SECRET обязателен и не должен быть default значением
	if c.Security.JWTSecret == "" || c.DefaultJWTSecret() {
		return fmt.Errorf("JWT_SECRET must be changed from default value in live mode")
	}

	if len(c.Security.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters for security")
	}

	return nil
}

// validateRanges проверяет числовые диапазоны параметров
func (c *Config) validateRanges() error {
	// Валидация портов
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("DB_PORT must be between 1 and 65535, got %d", c.Database.Port)
	}

	if c.Bot.InitialCapital <= 0 {
		return fmt.Errorf("INITIAL_CAPITAL must be positive, got %v", c.Bot.InitialCapital)
	}

	// Таймауты и интервалы должны быть положительными
	if c.Bot.TickInterval < time.Second {
		return fmt.Errorf("TICK_INTERVAL must be at least 1s, got %v", c.Bot.TickInterval)
	}

	if c.Bot.OrderTimeout <= 0 {
		return fmt.Errorf("ORDER_TIMEOUT must be positive, got %v", c.Bot.OrderTimeout)
	}

	if c.Bot.PriceTimeout <= 0 {
		return fmt.Errorf("PRICE_TIMEOUT must be positive, got %v", c.Bot.PriceTimeout)
	}

	if c.Bot.AnalysisBudget <= 0 {
		return fmt.Errorf("ANALYSIS_BUDGET must be positive, got %v", c.Bot.AnalysisBudget)
	}

	if c.Bot.WebhookQueueSize < 1 {
		return fmt.Errorf("WEBHOOK_QUEUE_SIZE must be at least 1, got %d", c.Bot.WebhookQueueSize)
	}

	if c.Bot.PaperSlippage < 0 || c.Bot.PaperSlippage > 0.05 {
		return fmt.Errorf("PAPER_SLIPPAGE must be within [0, 0.05], got %v", c.Bot.PaperSlippage)
	}

	if c.Webhook.RequestsPerMinute < 1 {
		return fmt.Errorf("WEBHOOK_RPM must be at least 1, got %d", c.Webhook.RequestsPerMinute)
	}

	// Валидация SessionTimeout
	if c.Security.SessionTimeout < 60 {
		return fmt.Errorf("SESSION_TIMEOUT must be at least 60 seconds, got %d", c.Security.SessionTimeout)
	}

	return nil
}

// ExchangePrivateKey PEM-ключ биржи; зашифрованное значение расшифровывается
func (c *Config) ExchangePrivateKey() (string, error) {
	key := c.Exchange.PrivateKey
	if !strings.HasPrefix(key, sealedPrefix) {
		return key, nil
	}
	plain, err := crypto.Open(strings.TrimPrefix(key, sealedPrefix), c.Security.EncryptionKey)
	if err != nil {
		return "", fmt.Errorf("decrypt COINBASE_PRIVATE_KEY: %w", err)
	}
	return plain, nil
}

// SessionTTL время жизни токена API
func (s SecurityConfig) SessionTTL() time.Duration {
	return time.Duration(s.SessionTimeout) * time.Second
}

// Addr адрес HTTP сервера
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DSN возвращает строку подключения к базе данных
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// DSNWithoutPassword возвращает строку подключения без пароля (для логирования)
func (d DatabaseConfig) DSNWithoutPassword() string {
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Name, d.SSLMode)
}

// Вспомогательные функции для чтения переменных окружения

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList список через запятую, пустые элементы отбрасываются
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
