package backoff_test

import (
	"testing"
	"time"

	"github.com/xraph/herald/backoff"
)

func TestFixed_ReturnsInterval(t *testing.T) {
	f := backoff.NewFixed(5 * time.Second)
	for attempt := 1; attempt <= 10; attempt++ {
		if got := f.Delay(attempt); got != 5*time.Second {
			t.Errorf("Delay(%d) = %v, want %v", attempt, got, 5*time.Second)
		}
	}
}

func TestExponential_DoublesEachAttempt(t *testing.T) {
	e := backoff.NewExponential(time.Second, time.Hour)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
	}
	for _, tt := range tests {
		if got := e.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestExponential_CapsAtMax(t *testing.T) {
	e := backoff.NewExponential(time.Second, 10*time.Second)

	for _, attempt := range []int{5, 20, 5000} {
		if got := e.Delay(attempt); got != 10*time.Second {
			t.Errorf("Delay(%d) = %v, want %v", attempt, got, 10*time.Second)
		}
	}
}

func TestExponentialWithJitter_StaysInUpperHalf(t *testing.T) {
	e := backoff.NewExponentialWithJitter(time.Second, time.Minute)

	for attempt := 1; attempt <= 8; attempt++ {
		ceiling := backoff.NewExponential(time.Second, time.Minute).Delay(attempt)
		for range 50 {
			got := e.Delay(attempt)
			if got < ceiling/2 || got > ceiling {
				t.Fatalf("Delay(%d) = %v, want within [%v, %v]", attempt, got, ceiling/2, ceiling)
			}
		}
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		kind    string
		base    time.Duration
		max     time.Duration
		wantErr bool
		fixed   bool
	}{
		{"fixed", time.Second, 0, false, true},
		{"FIXED", time.Second, 0, false, true},
		{"exponential", time.Second, time.Minute, false, false},
		{"", time.Second, time.Minute, false, false},
		{"exponential", time.Minute, time.Second, true, false},
		{"linear", time.Second, 0, true, false},
		{"fixed", 0, 0, true, false},
	}
	for _, tt := range tests {
		s, err := backoff.Parse(tt.kind, tt.base, tt.max)
		if (err != nil) != tt.wantErr {
			t.Errorf("Parse(%q, %v, %v) error = %v, wantErr %v", tt.kind, tt.base, tt.max, err, tt.wantErr)
			continue
		}
		if err != nil {
			continue
		}
		_, isFixed := s.(*backoff.Fixed)
		if isFixed != tt.fixed {
			t.Errorf("Parse(%q) fixed = %v, want %v", tt.kind, isFixed, tt.fixed)
		}
	}
}

func TestFunc(t *testing.T) {
	s := backoff.Func(func(attempt int) time.Duration { return time.Duration(attempt) * time.Millisecond })
	if got := s.Delay(3); got != 3*time.Millisecond {
		t.Errorf("Delay(3) = %v, want 3ms", got)
	}
}
