package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

type ServerConfig struct {
	PostgresDSN    string `env:"POSTGRES_DSN,required,notEmpty"`
	HTTPAddr       string `env:"HTTP_ADDR" envDefault:":8080"`
	MigrateOnStart bool   `env:"MIGRATE_ON_START" envDefault:"true"`

	AdminAPIKey string `env:"ADMIN_API_KEY"`
	JWTSecret   string `env:"JWT_SECRET"`

	WebhookSecret     string   `env:"WEBHOOK_SECRET,required,notEmpty"`
	WebhookHMACSecret string   `env:"WEBHOOK_HMAC_SECRET,required,notEmpty"`
	WebhookAllowlist  []string `env:"WEBHOOK_ALLOWLIST" envSeparator:","`

	ContractAddress string        `env:"CONTRACT_ADDRESS"`
	ChainRPCURL     string        `env:"CHAIN_RPC_URL"`
	ChainAPIKey     string        `env:"CHAIN_API_KEY"`
	ChainSigningKey string        `env:"CHAIN_SIGNING_KEY"`
	ChainTimeout    time.Duration `env:"CHAIN_TIMEOUT" envDefault:"5s"`

	ReservationTTL     time.Duration `env:"RESERVATION_TTL" envDefault:"2m"`
	PaymentWindow      time.Duration `env:"PAYMENT_WINDOW" envDefault:"5m"`
	StakeToleranceNano int64         `env:"STAKE_TOLERANCE_NANO" envDefault:"1"`
	SweepInterval      time.Duration `env:"SWEEP_INTERVAL" envDefault:"15s"`

	RedisAddr string `env:"REDIS_ADDR"`
	RedisDB   int    `env:"REDIS_DB" envDefault:"0"`
}

func LoadServer() (ServerConfig, error) {
	var cfg ServerConfig
	err := env.Parse(&cfg)
	return cfg, err
}
