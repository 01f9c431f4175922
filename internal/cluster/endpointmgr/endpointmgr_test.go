package endpointmgr

import (
	"testing"
	"time"

	"github.com/Icinga/icinga2-sub010/internal/message"
	"github.com/Icinga/icinga2-sub010/internal/transport"
	"github.com/Icinga/icinga2-sub010/testutil"
)

func TestSweepExpiredPassesOriginalTargetAsFrom(t *testing.T) {
	m := New("master1", transport.Dialer{})
	defer m.Close()

	done := make(chan string, 1)
	m.SendAPIMessage("satellite1", message.NewRequest("checker::AssignService"), 10*time.Millisecond,
		func(reply message.Request, from string, ok bool) {
			if ok {
				t.Error("expected the call to time out, not succeed")
			}
			done <- from
		})

	time.Sleep(20 * time.Millisecond)
	m.sweepExpired()

	select {
	case from := <-done:
		if from != "satellite1" {
			t.Errorf("expected timeout to report the original target %q, got %q", "satellite1", from)
		}
	default:
		t.Fatal("expected the handler to have run")
	}
}

func TestResolvePendingDeliversReplyAndConsumesID(t *testing.T) {
	m := New("master1", transport.Dialer{})
	defer m.Close()

	var gotFrom string
	var gotOK bool
	m.SendAPIMessage("satellite1", message.NewRequest("checker::AssignService"), time.Second,
		func(reply message.Request, from string, ok bool) {
			gotFrom = from
			gotOK = ok
		})

	var id string
	m.pending.Range(func(key, _ any) bool {
		id = key.(string)
		return false
	})
	if id == "" {
		t.Fatal("expected a pending call to be registered")
	}

	reply := message.NewRequest("checker::AssignService")
	reply.ID = id
	if !m.resolvePending(reply, "satellite1") {
		t.Fatal("expected resolvePending to find the pending call")
	}
	if gotFrom != "satellite1" || !gotOK {
		t.Errorf("expected handler invoked with (satellite1, true), got (%q, %v)", gotFrom, gotOK)
	}

	// A second delivery for the same (now-consumed) id must not re-invoke the handler.
	if m.resolvePending(reply, "satellite1") {
		t.Error("expected resolvePending to be one-shot per correlation id")
	}
}

func TestBindLearnsIdentityFromPlaintextHandshakeFrame(t *testing.T) {
	m := New("master1", transport.Dialer{})
	defer m.Close()

	// A plaintext channel presents no PeerIdentity; bind must fall back to
	// the identity named in its opening discovery frame.
	first := message.NewRequest("discovery::RegisterComponent")
	first.Set("identity", "satellite1")
	ch := testutil.NewFakeChannel("", first)
	m.bind(ch)

	e, ok := m.GetEndpoint("satellite1")
	if !ok {
		t.Fatal("expected a plaintext connection to bind an endpoint under its claimed identity")
	}
	if e.Channel() == nil {
		t.Error("expected the plaintext channel to be attached to the endpoint")
	}
}

func TestSendMulticastExcludesSourceAndRequiresSubscription(t *testing.T) {
	m := New("master1", transport.Dialer{})
	defer m.Close()
	a := m.RegisterEndpoint("satellite1", false)
	a.RegisterSubscription("config::ObjectUpdate")
	a.SetChannel(testutil.NewFakeChannel("satellite1"))
	a.MarkEstablished()
	b := m.RegisterEndpoint("satellite2", false)
	b.RegisterSubscription("config::ObjectUpdate")
	b.SetChannel(testutil.NewFakeChannel("satellite2"))
	b.MarkEstablished()
	c := m.RegisterEndpoint("satellite3", false)
	c.SetChannel(testutil.NewFakeChannel("satellite3"))
	c.MarkEstablished()

	m.SendMulticast(a, message.NewRequest("config::ObjectUpdate"))

	select {
	case req := <-a.Outbound():
		t.Errorf("expected the source endpoint to be excluded, got %+v", req)
	default:
	}

	select {
	case <-b.Outbound():
	default:
		t.Error("expected the non-source subscribed endpoint to receive the message")
	}

	select {
	case req := <-c.Outbound():
		t.Errorf("expected an endpoint without the subscription to be skipped, got %+v", req)
	default:
	}
}
