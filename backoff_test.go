package siolink

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_Duration(t *testing.T) {
	tests := []struct {
		name   string
		jitter float64
		random float64
		want   []time.Duration
	}{
		{
			name: "doubles up to the cap",
			want: []time.Duration{1000, 2000, 4000, 5000, 5000},
		},
		{
			name:   "even draw moves the delay down",
			jitter: 0.5,
			random: 0.25,
			want:   []time.Duration{875, 1750, 3500, 5000},
		},
		{
			name:   "odd draw moves the delay up",
			jitter: 0.5,
			random: 0.375,
			want:   []time.Duration{1187, 2375, 4750, 5000},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBackoff(time.Second, 5*time.Second, tt.jitter)
			b.random = func() float64 { return tt.random }
			for i, want := range tt.want {
				assert.Equal(t, want*time.Millisecond, b.Duration(), "attempt %d", i)
			}
			assert.Equal(t, len(tt.want), b.Attempts())

			b.Reset()
			assert.Zero(t, b.Attempts())
		})
	}
}

func TestBackoff_HugeAttemptCountStaysCapped(t *testing.T) {
	tests := []struct {
		name   string
		jitter float64
		random float64
		want   time.Duration
	}{
		{name: "no jitter", want: 5 * time.Second},
		{name: "even draw", jitter: 0.5, random: 0.25, want: 5 * time.Second},
		{name: "odd draw", jitter: 0.5, random: 0.375, want: 5 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBackoff(time.Second, 5*time.Second, tt.jitter)
			b.random = func() float64 { return tt.random }
			b.attempts = 5000
			assert.Equal(t, tt.want, b.Duration())
		})
	}
}

func TestBackoff_LongOutageNeverReconnectsImmediately(t *testing.T) {
	b := NewBackoff(time.Second, 5*time.Second, 0.5)
	b.random = func() float64 { return 0.25 }
	for i := 0; i < 1100; i++ {
		d := b.Duration()
		if !assert.Greater(t, d, time.Duration(0), "attempt %d", i) {
			return
		}
		assert.LessOrEqual(t, d, 5*time.Second, "attempt %d", i)
	}
}
