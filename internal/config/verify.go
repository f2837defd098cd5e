package config

import "github.com/caarlos0/env/v11"

// VerifyConfig drives the verify-round CLI when it fetches proofs from a running server.
type VerifyConfig struct {
	BaseURL string `env:"VERIFY_BASE_URL" envDefault:"http://localhost:8080"`
}

func LoadVerify() (VerifyConfig, error) {
	var cfg VerifyConfig
	err := env.Parse(&cfg)
	return cfg, err
}
