package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"
)

func testConfig() Config {
	return Config{MaxAttempts: 5, BaseDelay: 30 * time.Millisecond, Multiplier: 2, RandomFactor: 0}
}

func TestDoRecoversAfterTransientErrors(t *testing.T) {
	var stamps []time.Time
	calls := 0
	got, err := Do(context.Background(), testConfig(), func() (string, error) {
		stamps = append(stamps, time.Now())
		calls++
		if calls < 3 {
			return "", &StatusError{Status: 429}
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ok" {
		t.Fatalf("got %q", got)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}

	firstGap := stamps[1].Sub(stamps[0])
	secondGap := stamps[2].Sub(stamps[1])
	if firstGap < 30*time.Millisecond {
		t.Fatalf("first gap %v shorter than base delay", firstGap)
	}
	if secondGap <= firstGap {
		t.Fatalf("delays not increasing: %v then %v", firstGap, secondGap)
	}
}

func TestDoPermanentErrorShortCircuits(t *testing.T) {
	boom := errors.New("bad credentials")
	calls := 0
	_, err := Do(context.Background(), testConfig(), func() (int, error) {
		calls++
		return 0, boom
	})
	if calls != 1 {
		t.Fatalf("permanent error retried %d times", calls)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("error not preserved: %v", err)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	cfg := Config{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2, RandomFactor: 0}
	calls := 0
	_, err := Do(context.Background(), cfg, func() (int, error) {
		calls++
		return 0, &StatusError{Status: 503}
	})
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	var status *StatusError
	if !errors.As(err, &status) || status.Status != 503 {
		t.Fatalf("last error not surfaced: %v", err)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "deadline exceeded" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "rate limited", err: &StatusError{Status: 429}, want: true},
		{name: "bad gateway", err: &StatusError{Status: 502}, want: true},
		{name: "not found", err: &StatusError{Status: 404}, want: false},
		{name: "forbidden", err: &StatusError{Status: 403}, want: false},
		{name: "timeout", err: timeoutErr{}, want: true},
		{name: "wrapped timeout", err: fmt.Errorf("call failed: %w", timeoutErr{}), want: true},
		{name: "op error", err: &net.OpError{Op: "read", Err: errors.New("connection reset by peer")}, want: true},
		{name: "eof", err: io.ErrUnexpectedEOF, want: true},
		{name: "plain", err: errors.New("invalid field"), want: false},
		{name: "nil", err: nil, want: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsTransient(tc.err); got != tc.want {
				t.Fatalf("IsTransient(%v) = %v want %v", tc.err, got, tc.want)
			}
		})
	}
}
