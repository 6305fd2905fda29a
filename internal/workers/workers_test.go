package workers

import (
	"runtime"
	"testing"
)

func TestCount(t *testing.T) {
	t.Setenv("OPTIMIZER_WORKERS", "")

	availableCPU := runtime.GOMAXPROCS(0)

	tests := []struct {
		name       string
		multiplier float64
		limit      int
		minExpect  int
		maxExpect  int
	}{
		{name: "CPU-bound", multiplier: 1.0, minExpect: 1, maxExpect: availableCPU},
		{name: "I/O-bound", multiplier: 2.0, minExpect: 1, maxExpect: availableCPU * 2},
		{name: "limit lower than calculated", multiplier: 2.0, limit: 1, minExpect: 1, maxExpect: 1},
		{name: "tiny multiplier still yields one", multiplier: 0.01, minExpect: 1, maxExpect: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Count(tt.multiplier, tt.limit)
			if got < tt.minExpect || got > tt.maxExpect {
				t.Errorf("Count(%v, %d) = %d, want between %d and %d", tt.multiplier, tt.limit, got, tt.minExpect, tt.maxExpect)
			}
		})
	}
}

func TestCountOverride(t *testing.T) {
	tests := []struct {
		name     string
		override string
		limit    int
		want     int
	}{
		{name: "override used", override: "7", limit: 0, want: 7},
		{name: "override capped by limit", override: "7", limit: 3, want: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("OPTIMIZER_WORKERS", tt.override)
			if got := Count(1.0, tt.limit); got != tt.want {
				t.Errorf("Count() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestCountInvalidOverrideIgnored(t *testing.T) {
	t.Setenv("OPTIMIZER_WORKERS", "zero")
	if got, want := Count(1.0, 0), runtime.GOMAXPROCS(0); got != want {
		t.Errorf("Count() with invalid override = %d, want %d", got, want)
	}
}

func TestFanOutWindow(t *testing.T) {
	t.Setenv("OPTIMIZER_WORKERS", "")

	io := ForIO(0)
	expect := func(n int) int {
		if n > io {
			return io
		}
		return n
	}

	tests := []struct {
		configured int
		want       int
	}{
		{configured: 0, want: expect(DefaultFanOutThreads)},
		{configured: -1, want: expect(DefaultFanOutThreads)},
		{configured: 1, want: 1},
		{configured: 3, want: expect(3)},
	}

	for _, tt := range tests {
		if got := FanOutWindow(tt.configured); got != tt.want {
			t.Errorf("FanOutWindow(%d) = %d, want %d", tt.configured, got, tt.want)
		}
	}
}
