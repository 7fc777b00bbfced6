package auth

import (
	"testing"
	"time"
)

func TestGenerateCodeProducesSixDigits(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 200; i++ {
		code, err := generateCode()
		if err != nil {
			t.Fatalf("generateCode failed: %v", err)
		}
		if len(code) != 6 {
			t.Fatalf("expected 6 digit code, got %q", code)
		}
		for _, r := range code {
			if r < '0' || r > '9' {
				t.Fatalf("expected only digits, got %q", code)
			}
		}
		seen[code] = struct{}{}
	}

	if len(seen) < 2 {
		t.Fatalf("expected variety across 200 codes, got %d distinct", len(seen))
	}
}

func TestFormatCodeKeepsLeadingZeros(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{
		{0, "000000"},
		{7, "000007"},
		{42, "000042"},
		{482913, "482913"},
		{999999, "999999"},
	}

	for _, tt := range tests {
		if got := formatCode(tt.n); got != tt.want {
			t.Fatalf("formatCode(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}

func TestChallengeExpiry(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	challenge := Challenge{CreatedAt: now, ExpiresAt: now.Add(300 * time.Second)}

	if challenge.Expired(now) {
		t.Fatalf("fresh challenge should not be expired")
	}
	if challenge.Expired(now.Add(300 * time.Second)) {
		t.Fatalf("challenge should still be valid exactly at its deadline")
	}
	if !challenge.Expired(now.Add(301 * time.Second)) {
		t.Fatalf("challenge should be expired past its deadline")
	}

	if got := challenge.ExpiresIn(now.Add(100 * time.Second)); got != 200*time.Second {
		t.Fatalf("expected 200s remaining, got %v", got)
	}
	if got := challenge.ExpiresIn(now.Add(400 * time.Second)); got != 0 {
		t.Fatalf("expected zero remaining after expiry, got %v", got)
	}
}
