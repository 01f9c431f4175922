package endpoint

import (
	"testing"

	"github.com/Icinga/icinga2-sub010/internal/message"
	"github.com/Icinga/icinga2-sub010/testutil"
)

func TestEstablishRequiresBothWelcomeFlags(t *testing.T) {
	e := New("satellite1", false)
	if e.State() != Disconnected {
		t.Fatalf("expected new endpoint to be Disconnected, got %s", e.State())
	}

	e.SetWelcomeSent()
	if e.State() == Established {
		t.Error("expected state to remain unestablished with only one welcome flag set")
	}

	e.SetWelcomeReceived()
	if e.State() != Established {
		t.Errorf("expected Established once both welcome flags are set, got %s", e.State())
	}
}

func TestDisconnectResetsWelcomeFlags(t *testing.T) {
	e := New("satellite1", false)
	e.SetWelcomeSent()
	e.SetWelcomeReceived()
	if !e.Connected() {
		t.Fatal("expected endpoint to be connected before Disconnect")
	}

	e.Disconnect()

	if e.Connected() {
		t.Error("expected Disconnect to clear Established")
	}
	if e.HasSentWelcome() || e.HasReceivedWelcome() {
		t.Error("expected Disconnect to clear both welcome flags")
	}
}

func TestSessionHookFiresOnceOnEstablish(t *testing.T) {
	e := New("satellite1", false)
	calls := 0
	e.OnSessionEstablished(func(*Endpoint) { calls++ })

	e.SetWelcomeSent()
	e.SetWelcomeReceived()

	if calls != 1 {
		t.Errorf("expected session hook to fire exactly once, got %d", calls)
	}

	// A later reconnect (clear, then re-establish) fires it again.
	e.Disconnect()
	e.SetWelcomeSent()
	e.SetWelcomeReceived()
	if calls != 2 {
		t.Errorf("expected session hook to fire again on reconnect, got %d", calls)
	}
}

func TestSendDropsOldestWhenOutboundQueueIsFull(t *testing.T) {
	e := New("satellite1", false)
	e.SetChannel(testutil.NewFakeChannel("satellite1"))

	for i := 0; i < outboundQueueSize+1; i++ {
		req := message.NewRequest("config::ObjectUpdate")
		req.Set("i", i)
		e.Send(req)
	}

	if len(e.Outbound()) != outboundQueueSize {
		t.Fatalf("expected the outbound queue to stay at capacity %d, got %d", outboundQueueSize, len(e.Outbound()))
	}

	first := <-e.Outbound()
	i, _ := first.Get("i")
	if i != 1 {
		t.Errorf("expected the oldest entry (index 0) to have been dropped, first remaining is %v", i)
	}
}

func TestLocalEndpointDispatchesWithoutAChannel(t *testing.T) {
	e := New("master1", true)
	e.MarkEstablished()

	var got message.Request
	e.SetLocalDispatch(func(r message.Request) { got = r })

	req := message.NewRequest("discovery::RegisterComponent")
	e.Send(req)

	if got.Method != req.Method {
		t.Errorf("expected local dispatch to receive the sent request, got %+v", got)
	}
}
