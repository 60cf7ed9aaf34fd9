package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 3, RecoveryTimeout: time.Minute}, zap.NewNop())

	for i := 0; i < 3; i++ {
		if !cb.Allow() {
			t.Fatalf("request %d should be allowed while closed", i)
		}
		cb.RecordFailure()
	}

	if cb.GetState() != StateOpen {
		t.Fatalf("expected open state, got %s", cb.GetState())
	}
	if cb.Allow() {
		t.Fatal("open circuit must reject requests")
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 3, RecoveryTimeout: time.Minute}, zap.NewNop())

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()

	if cb.GetState() != StateClosed {
		t.Fatalf("non-consecutive failures must not open the circuit, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_HalfOpenProbeRecovers(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 1, RecoveryTimeout: time.Millisecond}, zap.NewNop())

	cb.RecordFailure()
	if cb.GetState() != StateOpen {
		t.Fatal("expected open state")
	}

	time.Sleep(5 * time.Millisecond)

	if !cb.Allow() {
		t.Fatal("probe request should be allowed after recovery timeout")
	}
	if cb.GetState() != StateHalfOpen {
		t.Fatalf("expected half-open state, got %s", cb.GetState())
	}

	cb.RecordSuccess()
	if cb.GetState() != StateClosed {
		t.Fatalf("successful probe should close the circuit, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_HalfOpenProbeFailureReopens(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 1, RecoveryTimeout: time.Millisecond}, zap.NewNop())

	cb.RecordFailure()
	time.Sleep(5 * time.Millisecond)
	cb.Allow()
	cb.RecordFailure()

	if cb.GetState() != StateOpen {
		t.Fatalf("failed probe should reopen the circuit, got %s", cb.GetState())
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := New(Config{Name: "test", MaxFailures: 1, RecoveryTimeout: time.Hour}, zap.NewNop())

	cb.RecordFailure()
	if cb.Allow() {
		t.Fatal("circuit should be open")
	}

	cb.Reset()
	if !cb.Allow() {
		t.Fatal("reset circuit should allow requests")
	}
}

type stubSender struct {
	err   error
	calls int
}

func (s *stubSender) Send(ctx context.Context, to, subject, body string) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return "msg-1", nil
}

func TestProtectedSender_FailsFastWhenOpen(t *testing.T) {
	stub := &stubSender{err: errors.New("ses unavailable")}
	cb := New(Config{Name: "ses", MaxFailures: 2, RecoveryTimeout: time.Hour}, zap.NewNop())
	protected := NewProtectedSender(stub, cb, zap.NewNop())

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := protected.Send(ctx, "a@example.com", "s", "b"); err == nil {
			t.Fatal("expected send error")
		}
	}

	_, err := protected.Send(ctx, "a@example.com", "s", "b")
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if stub.calls != 2 {
		t.Errorf("open circuit must not reach the sender, got %d calls", stub.calls)
	}
}

func TestProtectedSender_PassesThroughOnSuccess(t *testing.T) {
	stub := &stubSender{}
	cb := New(DefaultConfig("ses"), zap.NewNop())
	protected := NewProtectedSender(stub, cb, zap.NewNop())

	messageID, err := protected.Send(context.Background(), "a@example.com", "s", "b")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if messageID != "msg-1" {
		t.Errorf("expected msg-1, got %s", messageID)
	}
}
