package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stratopipe/stratopipe/internal/domain"
)

// testClock is a manually advanced time source.
type testClock struct {
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestAllow_UnknownProvider_Allowed(t *testing.T) {
	cb := New(3, 5*time.Second)
	if err := cb.Allow(domain.ProviderEC2); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestAllow_BelowThreshold_Allowed(t *testing.T) {
	cb := New(3, 5*time.Second)
	cb.RecordFailure(domain.ProviderEC2)
	cb.RecordFailure(domain.ProviderEC2)
	if err := cb.Allow(domain.ProviderEC2); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestAllow_AtThreshold_Open(t *testing.T) {
	cb := New(3, 5*time.Second)
	cb.RecordFailure(domain.ProviderEC2)
	cb.RecordFailure(domain.ProviderEC2)
	cb.RecordFailure(domain.ProviderEC2)
	if err := cb.Allow(domain.ProviderEC2); err == nil {
		t.Fatal("expected ErrCircuitOpen, got nil")
	}
}

func TestAllow_OpenAfterCooldown_HalfOpen(t *testing.T) {
	clock := newTestClock()
	cb := New(3, time.Minute).WithClock(clock.Now)
	cb.RecordFailure(domain.ProviderAzure)
	cb.RecordFailure(domain.ProviderAzure)
	cb.RecordFailure(domain.ProviderAzure)

	clock.Advance(30 * time.Second)
	if err := cb.Allow(domain.ProviderAzure); err == nil {
		t.Fatal("expected ErrCircuitOpen before cooldown elapsed")
	}

	clock.Advance(31 * time.Second)
	if err := cb.Allow(domain.ProviderAzure); err != nil {
		t.Fatalf("expected nil (trial allowed), got %v", err)
	}
	if err := cb.Allow(domain.ProviderAzure); err == nil {
		t.Fatal("expected ErrCircuitOpen while half-open trial in flight")
	}
}

func TestRecordSuccess_ResetsToClose(t *testing.T) {
	clock := newTestClock()
	cb := New(3, time.Minute).WithClock(clock.Now)
	cb.RecordFailure(domain.ProviderGCE)
	cb.RecordFailure(domain.ProviderGCE)
	cb.RecordFailure(domain.ProviderGCE)

	clock.Advance(2 * time.Minute)
	cb.Allow(domain.ProviderGCE)
	cb.RecordSuccess(domain.ProviderGCE)
	if err := cb.Allow(domain.ProviderGCE); err != nil {
		t.Fatalf("expected nil after reset, got %v", err)
	}
}

func TestRecordFailure_HalfOpenReOpens(t *testing.T) {
	clock := newTestClock()
	cb := New(3, time.Minute).WithClock(clock.Now)
	cb.RecordFailure(domain.ProviderGCE)
	cb.RecordFailure(domain.ProviderGCE)
	cb.RecordFailure(domain.ProviderGCE)

	clock.Advance(2 * time.Minute)
	cb.Allow(domain.ProviderGCE)
	cb.RecordFailure(domain.ProviderGCE)
	if err := cb.Allow(domain.ProviderGCE); err == nil {
		t.Fatal("expected ErrCircuitOpen after failed trial re-opens")
	}

	// The re-open starts a fresh cooldown from the trial failure.
	clock.Advance(61 * time.Second)
	if err := cb.Allow(domain.ProviderGCE); err != nil {
		t.Fatalf("expected a new trial after the second cooldown, got %v", err)
	}
}

func TestRecordSuccess_ClosedState_NoOp(t *testing.T) {
	cb := New(3, 5*time.Second)
	cb.RecordSuccess(domain.ProviderOCI)
	if err := cb.Allow(domain.ProviderOCI); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestIndependentProviders(t *testing.T) {
	cb := New(2, 5*time.Second)
	cb.RecordFailure(domain.ProviderEC2)
	cb.RecordFailure(domain.ProviderEC2)
	if err := cb.Allow(domain.ProviderEC2); err == nil {
		t.Fatal("expected ec2 open")
	}
	if err := cb.Allow(domain.ProviderAzure); err != nil {
		t.Fatalf("expected azure allowed, got %v", err)
	}
}
