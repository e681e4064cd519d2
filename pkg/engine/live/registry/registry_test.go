package registry

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/medchat-go/consult/pkg/engine/live/protocol"
)

type fakeEndpoint struct {
	delivered []protocol.Frame
	deliverOK bool
	closed    atomic.Bool
	activity  time.Time
}

func newFakeEndpoint() *fakeEndpoint {
	return &fakeEndpoint{deliverOK: true, activity: time.Now()}
}

func (f *fakeEndpoint) Deliver(frame protocol.Frame) bool {
	if !f.deliverOK {
		return false
	}
	f.delivered = append(f.delivered, frame)
	return true
}

func (f *fakeEndpoint) Close()                  { f.closed.Store(true) }
func (f *fakeEndpoint) LastActivity() time.Time { return f.activity }

func TestSendDeliversToRegisteredSession(t *testing.T) {
	r := New(nil)
	ep := newFakeEndpoint()
	unregister := r.Register("sess_aaaa0001", "user-1", ep)
	defer unregister()

	ok := r.Send("sess_aaaa0001", protocol.Frame{Type: protocol.TypePong})
	if !ok {
		t.Fatalf("Send returned false for a live session")
	}
	if len(ep.delivered) != 1 || ep.delivered[0].Type != protocol.TypePong {
		t.Fatalf("delivered = %+v", ep.delivered)
	}
}

func TestSendUnknownSessionReportsFalse(t *testing.T) {
	r := New(nil)
	if r.Send("sess_missing1", protocol.Frame{Type: protocol.TypePong}) {
		t.Fatalf("Send returned true for an unregistered session")
	}
}

func TestUnregisterRemovesBothIndices(t *testing.T) {
	r := New(nil)
	ep := newFakeEndpoint()
	unregister := r.Register("sess_aaaa0001", "user-1", ep)

	unregister()
	unregister() // idempotent

	if r.Len() != 0 {
		t.Fatalf("Len = %d after unregister", r.Len())
	}
	if n := r.Broadcast("user-1", protocol.Frame{Type: protocol.TypePong}); n != 0 {
		t.Fatalf("Broadcast delivered %d after unregister", n)
	}
}

func TestReplacementConnectionWinsTheEntry(t *testing.T) {
	r := New(nil)
	old := newFakeEndpoint()
	unregisterOld := r.Register("sess_aaaa0001", "user-1", old)

	replacement := newFakeEndpoint()
	unregisterNew := r.Register("sess_aaaa0001", "user-1", replacement)
	defer unregisterNew()

	// The displaced handler's deferred unregister must not evict the
	// replacement.
	unregisterOld()

	if r.Len() != 1 {
		t.Fatalf("Len = %d, want the replacement to survive", r.Len())
	}
	r.Send("sess_aaaa0001", protocol.Frame{Type: protocol.TypePong})
	if len(replacement.delivered) != 1 || len(old.delivered) != 0 {
		t.Fatalf("frame went to the wrong connection: old=%d new=%d",
			len(old.delivered), len(replacement.delivered))
	}
}

func TestBroadcastFansOutPerUser(t *testing.T) {
	r := New(nil)
	a := newFakeEndpoint()
	b := newFakeEndpoint()
	b.deliverOK = false
	other := newFakeEndpoint()

	defer r.Register("sess_aaaa0001", "user-1", a)()
	defer r.Register("sess_aaaa0002", "user-1", b)()
	defer r.Register("sess_bbbb0001", "user-2", other)()

	n := r.Broadcast("user-1", protocol.Frame{Type: protocol.TypeEmergencyDetected})
	if n != 1 {
		t.Fatalf("Broadcast delivered %d, want 1 (one endpoint refuses)", n)
	}
	if len(other.delivered) != 0 {
		t.Fatalf("broadcast leaked to another user")
	}
}

func TestSweepClosesOnlyIdleConnections(t *testing.T) {
	r := New(nil)
	idle := newFakeEndpoint()
	idle.activity = time.Now().Add(-time.Hour)
	active := newFakeEndpoint()

	defer r.Register("sess_aaaa0001", "user-1", idle)()
	defer r.Register("sess_aaaa0002", "user-1", active)()

	r.sweepOnce(10 * time.Minute)

	if !idle.closed.Load() {
		t.Fatalf("idle connection was not closed")
	}
	if active.closed.Load() {
		t.Fatalf("active connection was closed")
	}
}
