package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Бэкенды реестра.
const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
	BackendContract = "contract"
)

// Транспорты запросов обратной связи.
const (
	BusRedis    = "redis"
	BusRabbitMQ = "rabbitmq"
	BusMemory   = "memory"
)

// AppConfig описывает конфигурацию сервисов.
type AppConfig struct {
	AppEnv      string `envconfig:"APP_ENV" default:"dev"`
	LogLevel    string `envconfig:"LOG_LEVEL"`
	Port        int    `envconfig:"PORT" default:"8080"`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`

	PGDSN     string `envconfig:"PG_DSN"`
	RedisAddr string `envconfig:"REDIS_ADDR"`
	RabbitURL string `envconfig:"RABBITMQ_URL"`

	Ledger struct {
		Backend  string `envconfig:"LEDGER_BACKEND" default:"memory"`
		SeedFile string `envconfig:"LEDGER_SEED_FILE"`
	} `envconfig:""`

	Chain struct {
		RPCURL          string        `envconfig:"CHAIN_RPC_URL" default:"https://public.sepolia.rpc.status.network"`
		ContractAddress string        `envconfig:"CHAIN_CONTRACT_ADDRESS" default:"0x2BfeB9b810CD42C12018076031A548FB357517FC"`
		ChainID         uint64        `envconfig:"CHAIN_ID" default:"1660990954"`
		RPS             int           `envconfig:"CHAIN_RPS" default:"10"`
		ReceiptTimeout  time.Duration `envconfig:"CHAIN_RECEIPT_TIMEOUT" default:"2m"`
		PollInterval    time.Duration `envconfig:"CHAIN_POLL_INTERVAL" default:"2s"`
	} `envconfig:""`

	Auth struct {
		JWTSecret string        `envconfig:"AUTH_JWT_SECRET"`
		TokenTTL  time.Duration `envconfig:"AUTH_TOKEN_TTL" default:"24h"`
		Disabled  bool          `envconfig:"AUTH_DISABLED" default:"false"`
	} `envconfig:""`

	Requests struct {
		Bus         string        `envconfig:"REQUESTS_BUS" default:"memory"`
		Retention   time.Duration `envconfig:"REQUESTS_RETENTION" default:"168h"`
		CacheTopics int           `envconfig:"REQUESTS_CACHE_TOPICS" default:"1024"`
		Exchange    string        `envconfig:"REQUESTS_EXCHANGE" default:"statusfeedback.requests"`
	} `envconfig:""`

	Cache struct {
		MetadataTTL time.Duration `envconfig:"CACHE_METADATA_TTL" default:"1m"`
	} `envconfig:""`

	Telegram struct {
		Token string `envconfig:"TG_BOT_TOKEN"`
	} `envconfig:""`
}

// Load загружает конфиг из .env и окружения.
func Load() AppConfig {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			log.Fatalf("не удалось прочитать .env: %v", err)
		}
	}
	cfg, err := Parse()
	if err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}

// Parse читает конфиг из окружения и проверяет согласованность настроек.
func Parse() (AppConfig, error) {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Validate проверяет, что для выбранных бэкендов заданы адреса.
func (c AppConfig) Validate() error {
	switch c.Ledger.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.PGDSN == "" {
			return fmt.Errorf("PG_DSN обязателен для бэкенда %s", c.Ledger.Backend)
		}
	case BackendContract:
		if c.Chain.RPCURL == "" || c.Chain.ContractAddress == "" {
			return fmt.Errorf("CHAIN_RPC_URL и CHAIN_CONTRACT_ADDRESS обязательны для бэкенда %s", c.Ledger.Backend)
		}
	default:
		return fmt.Errorf("неизвестный LEDGER_BACKEND %q", c.Ledger.Backend)
	}

	switch c.Requests.Bus {
	case BusMemory:
	case BusRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR обязателен для шины %s", c.Requests.Bus)
		}
	case BusRabbitMQ:
		if c.RabbitURL == "" {
			return fmt.Errorf("RABBITMQ_URL обязателен для шины %s", c.Requests.Bus)
		}
	default:
		return fmt.Errorf("неизвестный REQUESTS_BUS %q", c.Requests.Bus)
	}

	if !c.Auth.Disabled && c.Auth.JWTSecret == "" && c.AppEnv != "dev" {
		return fmt.Errorf("AUTH_JWT_SECRET обязателен вне dev")
	}
	return nil
}
