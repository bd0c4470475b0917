package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPolicy_Delay(t *testing.T) {
	t.Parallel()

	p := Policy{MaxAttempts: 5, Initial: 100 * time.Millisecond, Max: time.Second, Multiplier: 2}
	tests := []struct {
		n    int
		want time.Duration
	}{
		{0, 0},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{9, time.Second},
	}
	for _, tt := range tests {
		if got := p.Delay(tt.n); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
}

func TestPolicy_ZeroValueRunsOnce(t *testing.T) {
	t.Parallel()

	calls := 0
	n, err := Policy{}.Do(context.Background(), func(context.Context, int) error {
		calls++
		return errors.New("boom")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if n != 1 || calls != 1 {
		t.Errorf("attempts = %d, calls = %d, want 1/1", n, calls)
	}
}

func TestPolicy_RetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	p := Policy{MaxAttempts: 3}
	n, err := p.Do(context.Background(), func(_ context.Context, attempt int) error {
		if attempt < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if n != 3 {
		t.Errorf("attempts = %d, want 3", n)
	}
}

func TestPolicy_ExhaustsBudget(t *testing.T) {
	t.Parallel()

	want := errors.New("still down")
	n, err := Policy{MaxAttempts: 3}.Do(context.Background(), func(context.Context, int) error { return want })
	if !errors.Is(err, want) {
		t.Fatalf("err = %v, want %v", err, want)
	}
	if n != 3 {
		t.Errorf("attempts = %d, want 3", n)
	}
}

func TestPolicy_PermanentStops(t *testing.T) {
	t.Parallel()

	root := errors.New("access denied")
	n, err := Policy{MaxAttempts: 5}.Do(context.Background(), func(context.Context, int) error {
		return Permanent(root)
	})
	if n != 1 {
		t.Errorf("attempts = %d, want 1", n)
	}
	if err != root {
		t.Errorf("err = %v, want unwrapped root", err)
	}
	if IsPermanent(err) {
		t.Error("returned error should not carry the permanent marker")
	}
}

func TestPolicy_DoIfPredicate(t *testing.T) {
	t.Parallel()

	stop := errors.New("stop")
	n, err := Policy{MaxAttempts: 4}.DoIf(context.Background(),
		func(err error) bool { return !errors.Is(err, stop) },
		func(context.Context, int) error { return stop })
	if !errors.Is(err, stop) || n != 1 {
		t.Errorf("n = %d, err = %v", n, err)
	}
}

func TestPolicy_ContextCancelledDuringBackoff(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 3, Initial: time.Hour}
	n, err := p.Do(ctx, func(context.Context, int) error {
		cancel()
		return errors.New("transient")
	})
	if n != 1 {
		t.Errorf("attempts = %d, want 1", n)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestPermanent_Nil(t *testing.T) {
	t.Parallel()

	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
}
