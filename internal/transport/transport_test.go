package transport

import (
	"context"
	"testing"
	"time"

	"github.com/Icinga/icinga2-sub010/internal/message"
)

func TestListenAndDialRoundTripsPlaintext(t *testing.T) {
	l, err := Listen("127.0.0.1:0", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	dialer := Dialer{Timeout: 2 * time.Second}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client, err := dialer.Dial(ctx, l.ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	server, err := l.Accept()
	if err != nil {
		t.Fatal(err)
	}
	defer server.Close()

	if client.PeerIdentity() != "" {
		t.Errorf("expected plaintext connection to have no peer identity, got %q", client.PeerIdentity())
	}

	sent := message.NewRequest("config::ObjectUpdate")
	sent.Set("name", "web")
	if err := client.Send(sent); err != nil {
		t.Fatal(err)
	}

	got, err := server.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if got.Method != sent.Method || got.GetString("name") != "web" {
		t.Errorf("unexpected received request: %+v", got)
	}
}
