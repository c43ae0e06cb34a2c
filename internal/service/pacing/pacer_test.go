package pacing

import (
	"context"
	"errors"
	"testing"
	"time"
)

type emission struct {
	size int
	at   time.Time
}

func collect(out *[]emission) func([]byte) error {
	return func(b []byte) error {
		*out = append(*out, emission{size: len(b), at: time.Now()})
		return nil
	}
}

func TestPacer_SlicesAndSpacesEmissions(t *testing.T) {
	p := New(10, 100*time.Millisecond)

	var got []emission
	if err := p.Pace(context.Background(), make([]byte, 25), collect(&got)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(got) != 3 {
		t.Fatalf("expected 3 slices, got %d", len(got))
	}
	sizes := []int{10, 10, 5}
	for i, e := range got {
		if e.size != sizes[i] {
			t.Errorf("slice %d: expected %d bytes, got %d", i, sizes[i], e.size)
		}
	}
	for i := 1; i < len(got); i++ {
		if gap := got[i].at.Sub(got[i-1].at); gap < 100*time.Millisecond {
			t.Errorf("gap between slice %d and %d is %v, want >= 100ms", i-1, i, gap)
		}
	}
}

func TestPacer_FirstEmissionIsImmediate(t *testing.T) {
	p := New(10, time.Second)

	start := time.Now()
	var got []emission
	if err := p.Pace(context.Background(), make([]byte, 5), collect(&got)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 slice, got %d", len(got))
	}
	if d := got[0].at.Sub(start); d > 50*time.Millisecond {
		t.Errorf("first emission delayed by %v", d)
	}
}

func TestPacer_KeepsSpacingAcrossCalls(t *testing.T) {
	p := New(0, 80*time.Millisecond)

	var got []emission
	for i := 0; i < 2; i++ {
		if err := p.Pace(context.Background(), []byte("abc"), collect(&got)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if len(got) != 2 {
		t.Fatalf("expected one slice per call, got %d", len(got))
	}
	if got[0].size != 3 {
		t.Errorf("chunkSize 0 should emit the whole payload, got %d bytes", got[0].size)
	}
	if gap := got[1].at.Sub(got[0].at); gap < 80*time.Millisecond {
		t.Errorf("second call emitted after %v, want >= 80ms", gap)
	}
}

func TestPacer_NoWaitWhenIntervalElapsed(t *testing.T) {
	now := time.Unix(1000, 0)
	p := New(4, time.Second, WithClock(func() time.Time { return now }))

	var calls int
	emit := func([]byte) error {
		calls++
		now = now.Add(2 * time.Second)
		return nil
	}

	start := time.Now()
	if err := p.Pace(context.Background(), make([]byte, 12), emit); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 emissions, got %d", calls)
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("pacer waited %v although the interval had elapsed", elapsed)
	}
}

func TestPacer_ContextCancelStopsPacing(t *testing.T) {
	p := New(1, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())

	var got []emission
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := p.Pace(ctx, []byte("abc"), collect(&got))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(got) != 1 {
		t.Errorf("expected only the first slice before cancel, got %d", len(got))
	}
}

func TestPacer_EmitErrorStops(t *testing.T) {
	p := New(2, 0)
	boom := errors.New("boom")

	var calls int
	err := p.Pace(context.Background(), make([]byte, 6), func([]byte) error {
		calls++
		if calls == 2 {
			return boom
		}
		return nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected emit error, got %v", err)
	}
	if calls != 2 {
		t.Errorf("expected pacing to stop after the failing emit, got %d calls", calls)
	}
}

func TestSplit(t *testing.T) {
	tests := []struct {
		name  string
		n     int
		size  int
		sizes []int
	}{
		{"empty", 0, 10, nil},
		{"exact", 20, 10, []int{10, 10}},
		{"remainder", 25, 10, []int{10, 10, 5}},
		{"no slicing", 25, 0, []int{25}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parts := split(make([]byte, tt.n), tt.size)
			if len(parts) != len(tt.sizes) {
				t.Fatalf("expected %d parts, got %d", len(tt.sizes), len(parts))
			}
			for i, part := range parts {
				if len(part) != tt.sizes[i] {
					t.Errorf("part %d: expected %d bytes, got %d", i, tt.sizes[i], len(part))
				}
			}
		})
	}
}
