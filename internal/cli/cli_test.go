package cli

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func setupCLI(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("AFKD_HOME", home)
	path := filepath.Join(home, "config.toml")
	cfg := fmt.Sprintf("[database]\ndir = %q\n\n[auth]\njwt_secret = %q\n", filepath.Join(home, "data"), testSecret)
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCLI_LedgerCommands(t *testing.T) {
	cfg := setupCLI(t)

	if out, err := run(t, "credit", "alice", "12.50", "-c", cfg, "-d", "redeem_code"); err != nil {
		t.Fatalf("credit: %v\n%s", err, out)
	}
	if out, err := run(t, "debit", "alice", "2.5", "-c", cfg, "-d", "purchase"); err != nil {
		t.Fatalf("debit: %v\n%s", err, out)
	}
	if _, err := run(t, "debit", "alice", "100", "-c", cfg); err == nil {
		t.Error("overdraft debit should fail")
	}

	out, err := run(t, "balance", "alice", "-c", cfg)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !strings.Contains(out, "10.00 coins") {
		t.Errorf("balance output = %q", out)
	}

	out, err = run(t, "history", "alice", "-c", cfg)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if !strings.Contains(out, "redeem_code") || !strings.Contains(out, "purchase") {
		t.Errorf("history output = %q", out)
	}

	out, err = run(t, "verify", "alice", "-c", cfg)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !strings.Contains(out, "2 entries") {
		t.Errorf("verify output = %q", out)
	}
}

func TestCLI_InvalidAmount(t *testing.T) {
	cfg := setupCLI(t)
	if _, err := run(t, "credit", "alice", "ten", "-c", cfg); err == nil {
		t.Error("non-numeric amount should fail")
	}
	if _, err := run(t, "credit", "alice", "1.239", "-c", cfg); err == nil {
		t.Error("sub-unit amount should be rejected, not rounded")
	}
	out, err := run(t, "balance", "alice", "-c", cfg)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !strings.Contains(out, "0.00 coins") {
		t.Errorf("balance after rejected credit = %q", out)
	}
}

func TestCLI_SettingsAfk(t *testing.T) {
	cfg := setupCLI(t)

	out, err := run(t, "settings", "afk", "-c", cfg, "--rate", "3", "--cap", "90")
	if err != nil {
		t.Fatalf("settings afk: %v\n%s", err, out)
	}
	if !strings.Contains(out, "coins_per_minute:  3") || !strings.Contains(out, "max_coins_per_day: 90") {
		t.Errorf("settings output = %q", out)
	}

	out, err = run(t, "settings", "afk", "-c", cfg, "--rate", "0.005")
	if err != nil {
		t.Fatalf("settings afk --rate: %v\n%s", err, out)
	}
	if !strings.Contains(out, "coins_per_minute:  0.005") {
		t.Errorf("fractional rate was altered: %q", out)
	}
}

func TestCLI_Token(t *testing.T) {
	cfg := setupCLI(t)
	out, err := run(t, "token", "alice", "-c", cfg)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	tok := strings.SplitN(out, "\n", 2)[0]
	if strings.Count(tok, ".") != 2 {
		t.Errorf("token output = %q, want a JWT", out)
	}
}
