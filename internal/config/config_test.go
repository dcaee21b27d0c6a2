package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":8787" {
		t.Fatalf("expected default addr, got %q", cfg.Addr)
	}
	if cfg.StoreDriver != "postgres" {
		t.Fatalf("expected postgres driver, got %q", cfg.StoreDriver)
	}
	if cfg.BadgeTTL != 30*time.Second {
		t.Fatalf("expected 30s badge ttl, got %s", cfg.BadgeTTL)
	}
	types := cfg.QualityTypes()
	if !types["inspection"] || !types["procedure"] {
		t.Fatalf("unexpected quality types %v", types)
	}
	if cfg.AllowSameSigner {
		t.Fatal("same signer should be disallowed by default")
	}
}

func TestLoadReadsEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("DOCKET_STORE_DRIVER=memory\nQUALITY_ITEM_TYPES=Drawing, inspection\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Cleanup(func() {
		_ = os.Unsetenv("DOCKET_STORE_DRIVER")
		_ = os.Unsetenv("QUALITY_ITEM_TYPES")
	})

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StoreDriver != "memory" {
		t.Fatalf("expected memory driver, got %q", cfg.StoreDriver)
	}
	types := cfg.QualityTypes()
	if !types["drawing"] || !types["inspection"] || types["procedure"] {
		t.Fatalf("unexpected quality types %v", types)
	}
}

func TestValidateRejectsUnknownDriver(t *testing.T) {
	t.Setenv("DOCKET_STORE_DRIVER", "sqlite")
	if _, err := Load(filepath.Join(t.TempDir(), "none")); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestValidateRequiresMinioCredentials(t *testing.T) {
	cfg := Config{StoreDriver: "memory", JWTSecret: "x", MinioEndpoint: "localhost:9000"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing minio credentials")
	}
}
