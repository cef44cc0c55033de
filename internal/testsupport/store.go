package testsupport

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"feedloom/internal/config"
	"feedloom/internal/store"
)

// MustOpenStore opens a store.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *store.Store {
	t.Helper()

	st, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() {
		st.Close()
	})
	return st
}

// NewRule writes code into the rules directory and registers a rule for it.
func NewRule(t testing.TB, st *store.Store, cfg *config.Config, name, code string) *store.Rule {
	t.Helper()

	sum := sha256.Sum256([]byte(code))
	hash := hex.EncodeToString(sum[:])
	path := filepath.Join(cfg.Paths.RulesDir, hash+".js")
	if err := os.MkdirAll(cfg.Paths.RulesDir, 0o755); err != nil {
		t.Fatalf("mkdir rules dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(code), 0o644); err != nil {
		t.Fatalf("write rule code: %v", err)
	}
	rule, err := st.CreateRule(context.Background(), store.Rule{Name: name, CodePath: path, CodeHash: hash})
	if err != nil {
		t.Fatalf("store.CreateRule: %v", err)
	}
	return rule
}

// NewSource creates an enabled source attached to the given rules.
func NewSource(t testing.TB, st *store.Store, url, cron string, ruleIDs ...int64) *store.Source {
	t.Helper()

	src, err := st.CreateSource(context.Background(), store.Source{
		URL:     url,
		Cron:    cron,
		Enabled: true,
		RuleIDs: ruleIDs,
	})
	if err != nil {
		t.Fatalf("store.CreateSource: %v", err)
	}
	return src
}
