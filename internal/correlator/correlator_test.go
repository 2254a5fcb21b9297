package correlator

import (
	"testing"
	"time"

	"github.com/jerroldneal/mcp-broker/internal/protocol"
)

func TestCompleteResolvesPending(t *testing.T) {
	c := New()
	id := NewID()
	ch := c.Begin(id, "svc", time.Minute)

	ok := c.Complete(id, Outcome{Result: protocol.TextResult("hi", false)})
	if !ok {
		t.Fatal("Complete should report success for a still-pending id")
	}

	select {
	case out := <-ch:
		if out.Result.Content[0].Text != "hi" {
			t.Fatalf("unexpected outcome: %+v", out)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outcome")
	}

	if c.Len() != 0 {
		t.Fatalf("pending map should be empty after resolution, got %d", c.Len())
	}
}

func TestCompleteOnUnknownIDIsNoOp(t *testing.T) {
	c := New()
	if c.Complete("nope", Outcome{}) {
		t.Fatal("Complete on an unknown id should return false")
	}
}

func TestDeadlineFires(t *testing.T) {
	c := New()
	id := NewID()
	ch := c.Begin(id, "svc", 10*time.Millisecond)

	select {
	case out := <-ch:
		if out.Err == nil {
			t.Fatal("expected a timeout error")
		}
	case <-time.After(time.Second):
		t.Fatal("deadline never fired")
	}
	if c.Len() != 0 {
		t.Fatal("pending entry should be removed once the deadline fires")
	}
}

func TestCompleteAndTimerRaceFirstWins(t *testing.T) {
	c := New()
	id := NewID()
	ch := c.Begin(id, "svc", time.Hour)

	// A late Complete after a simulated timer-fire (resolve twice directly)
	// exercises the "first one observed wins" contract: the second resolve
	// call must be a no-op.
	first := c.resolve(id, Outcome{Err: errTimeout})
	second := c.resolve(id, Outcome{Result: protocol.TextResult("too late", false)})
	if !first || second {
		t.Fatalf("expected exactly one resolve to win, got first=%v second=%v", first, second)
	}
	<-ch // drain the single delivered outcome
}

func TestCancelProviderRejectsOnlyItsOwnCalls(t *testing.T) {
	c := New()
	mine := c.Begin(NewID(), "svc", time.Hour)
	other := c.Begin(NewID(), "other", time.Hour)

	c.CancelProvider("svc", errDisconnected)

	select {
	case out := <-mine:
		if out.Err != errDisconnected {
			t.Fatalf("expected disconnect error, got %+v", out)
		}
	default:
		t.Fatal("expected svc's pending call to be cancelled immediately")
	}

	select {
	case <-other:
		t.Fatal("other provider's pending call should not be cancelled")
	default:
	}
}

var (
	errTimeout      = &testError{"timed out"}
	errDisconnected = &testError{"provider disconnected"}
)

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
