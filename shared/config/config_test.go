package config

import "testing"

func TestParseCSV(t *testing.T) {
	got := parseCSV("broker-1:9092, broker-2:9092, ,broker-3:9092,,")
	if len(got) != 3 {
		t.Fatalf("expected 3 brokers, got %d", len(got))
	}
	if got[0] != "broker-1:9092" || got[2] != "broker-3:9092" {
		t.Fatalf("unexpected values: %#v", got)
	}
}

func TestAsBool(t *testing.T) {
	cases := []struct {
		raw  string
		want bool
		ok   bool
	}{
		{"true", true, true},
		{"1", true, true},
		{"YES", true, true},
		{"false", false, true},
		{"0", false, true},
		{"maybe", false, false},
	}
	for _, tc := range cases {
		got, ok := asBool(tc.raw)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("asBool(%q) = (%v, %v), want (%v, %v)", tc.raw, got, ok, tc.want, tc.ok)
		}
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENV", "test")
	cfg, problems := Load("pipeline-test", 8080)
	if len(problems) != 0 {
		t.Fatalf("unexpected problems: %#v", problems)
	}
	if cfg.IdempotencyTTLHours != 24 {
		t.Fatalf("expected 24h idempotency TTL default, got %d", cfg.IdempotencyTTLHours)
	}
	if cfg.LockTTLMS != 30000 {
		t.Fatalf("expected 30s lock TTL default, got %d", cfg.LockTTLMS)
	}
	if cfg.DLQMaxRetries != 5 {
		t.Fatalf("expected 5 DLQ retries default, got %d", cfg.DLQMaxRetries)
	}
	if cfg.LagAlertThreshold != 1000 {
		t.Fatalf("expected lag threshold 1000, got %d", cfg.LagAlertThreshold)
	}
}

func TestLoadInvalidInt(t *testing.T) {
	t.Setenv("ENV", "test")
	t.Setenv("LOCK_TTL_MS", "not-a-number")
	_, problems := Load("pipeline-test", 8080)
	if len(problems) != 1 {
		t.Fatalf("expected 1 problem, got %#v", problems)
	}
	if problems[0].Field != "LOCK_TTL_MS" {
		t.Fatalf("unexpected problem field: %s", problems[0].Field)
	}
}
