package config

import "testing"

func TestLoadVerifyDefaults(t *testing.T) {
	cfg, err := LoadVerify()
	if err != nil {
		t.Fatalf("LoadVerify() error = %v", err)
	}
	if cfg.BaseURL != "http://localhost:8080" {
		t.Fatalf("BaseURL = %q, want http://localhost:8080", cfg.BaseURL)
	}
}

func TestLoadVerifyOverrides(t *testing.T) {
	t.Setenv("VERIFY_BASE_URL", "https://rody.example")

	cfg, err := LoadVerify()
	if err != nil {
		t.Fatalf("LoadVerify() error = %v", err)
	}
	if cfg.BaseURL != "https://rody.example" {
		t.Fatalf("BaseURL = %q", cfg.BaseURL)
	}
}
