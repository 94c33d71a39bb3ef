package lease

import (
	"testing"
	"time"
)

func TestExpiringSoon(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name string
		ttl  time.Duration
		rem  time.Duration
		want bool
	}{
		{"far from expiry", time.Hour, 50 * time.Minute, false},
		{"within 20pct threshold", time.Hour, 10 * time.Minute, true},
		{"short ttl uses 5m floor", time.Minute, 30 * time.Second, true},
		{"short ttl beyond floor", 10 * time.Minute, 6 * time.Minute, false},
		{"already expired", time.Hour, -time.Minute, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			l := &Lease{TTL: tc.ttl, ExpiresAt: now.Add(tc.rem)}
			if got := l.ExpiringSoon(now); got != tc.want {
				t.Errorf("ExpiringSoon() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestBackoffCapped(t *testing.T) {
	if d := backoff(1); d != 30*time.Second {
		t.Errorf("backoff(1) = %v, want 30s", d)
	}
	if d := backoff(4); d != 4*time.Minute {
		t.Errorf("backoff(4) = %v, want 4m", d)
	}
	if d := backoff(10); d != 10*time.Minute {
		t.Errorf("backoff(10) = %v, want capped 10m", d)
	}
}
