package runner

import (
	"testing"
	"time"
)

func TestBootTimeExceeded(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	budget := 10 * time.Minute

	launched := func(ago time.Duration) *time.Time {
		ts := now.Add(-ago)
		return &ts
	}

	tests := []struct {
		name       string
		launchTime *time.Time
		want       bool
	}{
		{"no launch time is never late", nil, false},
		{"well within budget", launched(2 * time.Minute), false},
		{"just inside budget", launched(9 * time.Minute), false},
		{"exactly at budget", launched(10 * time.Minute), false},
		{"just over budget", launched(10*time.Minute + time.Second), true},
		{"long overdue", launched(3 * time.Hour), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BootTimeExceeded(tt.launchTime, budget, now); got != tt.want {
				t.Errorf("BootTimeExceeded() = %v, want %v", got, tt.want)
			}
		})
	}
}
