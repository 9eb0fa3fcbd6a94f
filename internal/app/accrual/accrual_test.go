package accrual

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestCompute(t *testing.T) {
	tests := []struct {
		name        string
		elapsed     string
		rate        string
		daily       string
		cap         string
		wantCredit  string
		wantReached bool
	}{
		{"one minute", "60", "10", "0", "100", "10", false},
		{"capped by daily budget", "120", "10", "95", "100", "5", true},
		{"exactly reaches cap", "60", "10", "90", "100", "10", true},
		{"already at cap", "60", "10", "100", "100", "0", true},
		{"over cap carries zero", "60", "10", "120", "100", "0", true},
		{"fraction truncated", "50", "1", "0", "100", "0.83", false},
		{"sub-unit window credits nothing", "0.5", "1", "0", "100", "0", false},
		{"zero elapsed", "0", "10", "0", "100", "0", false},
		{"negative elapsed treated as zero", "-30", "10", "0", "100", "0", false},
		{"zero rate", "600", "0", "0", "100", "0", false},
		{"zero cap always reached", "60", "10", "0", "0", "0", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Compute(dec(tt.elapsed), dec(tt.rate), dec(tt.daily), dec(tt.cap))
			if !got.CoinsToCredit.Equal(dec(tt.wantCredit)) {
				t.Errorf("CoinsToCredit = %s, want %s", got.CoinsToCredit, tt.wantCredit)
			}
			if got.LimitReached != tt.wantReached {
				t.Errorf("LimitReached = %v, want %v", got.LimitReached, tt.wantReached)
			}
		})
	}
}

// Daily cap must hold for any combination of inputs.
func TestCompute_NeverExceedsCap(t *testing.T) {
	elapsed := []string{"0", "1", "59.999", "60", "150", "10000"}
	rates := []string{"0", "0.7", "1", "10", "333.33"}
	dailies := []string{"0", "4.99", "50", "99.99", "100", "250"}
	caps := []string{"0", "1", "100", "1000.5"}

	for _, e := range elapsed {
		for _, r := range rates {
			for _, d := range dailies {
				for _, c := range caps {
					got := Compute(dec(e), dec(r), dec(d), dec(c))
					if got.CoinsToCredit.IsNegative() {
						t.Fatalf("Compute(%s,%s,%s,%s) negative credit %s", e, r, d, c, got.CoinsToCredit)
					}
					if got.CoinsToCredit.IsPositive() && dec(d).Add(got.CoinsToCredit).GreaterThan(dec(c)) {
						t.Fatalf("Compute(%s,%s,%s,%s) = %s exceeds cap", e, r, d, c, got.CoinsToCredit)
					}
					if got.CoinsToCredit.Exponent() < -2 {
						t.Fatalf("Compute(%s,%s,%s,%s) = %s finer than billable unit", e, r, d, c, got.CoinsToCredit)
					}
				}
			}
		}
	}
}

func TestCompute_Deterministic(t *testing.T) {
	a := Compute(dec("77.7"), dec("3.3"), dec("12"), dec("50"))
	b := Compute(dec("77.7"), dec("3.3"), dec("12"), dec("50"))
	if !a.CoinsToCredit.Equal(b.CoinsToCredit) || a.LimitReached != b.LimitReached {
		t.Errorf("Compute not deterministic: %+v vs %+v", a, b)
	}
}

func TestSeconds(t *testing.T) {
	if got := Seconds(1500 * time.Millisecond); !got.Equal(dec("1.5")) {
		t.Errorf("Seconds(1.5s) = %s, want 1.5", got)
	}
	if got := Seconds(2 * time.Minute); !got.Equal(dec("120")) {
		t.Errorf("Seconds(2m) = %s, want 120", got)
	}
}

func TestClampGap(t *testing.T) {
	tests := []struct {
		name    string
		elapsed time.Duration
		max     time.Duration
		want    time.Duration
	}{
		{"within gap", 60 * time.Second, 120 * time.Second, 60 * time.Second},
		{"sleeping client clamped", 10000 * time.Second, 120 * time.Second, 120 * time.Second},
		{"clock went backwards", -5 * time.Second, 120 * time.Second, 0},
		{"no max configured", 500 * time.Second, 0, 500 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClampGap(tt.elapsed, tt.max); got != tt.want {
				t.Errorf("ClampGap(%v, %v) = %v, want %v", tt.elapsed, tt.max, got, tt.want)
			}
		})
	}
}
