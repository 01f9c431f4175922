// Package transport implements the bidirectional, message-framed channel
// abstraction spec.md §6 requires of the core's external transport: connect,
// listen, read, write, close. Channels carry an authenticated peer identity
// established by the TLS handshake performed before the websocket upgrade;
// certificate validation policy itself is the caller's concern, not this
// package's (spec.md §1 Non-goals).
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Icinga/icinga2-sub010/internal/message"
)

// Channel is one framed, bidirectional connection to a peer.
type Channel interface {
	// Send writes one request frame. It may block until the underlying
	// socket accepts the write.
	Send(r message.Request) error
	// Recv blocks for the next inbound request frame.
	Recv() (message.Request, error)
	// Close closes the underlying connection. Idempotent.
	Close() error
	// PeerIdentity returns the identity presented by the TLS certificate
	// the peer connected with, or "" if the connection is not yet
	// authenticated (e.g. plaintext test channels).
	PeerIdentity() string
	// RemoteAddr returns the remote network address, for logging.
	RemoteAddr() string
}

type wsChannel struct {
	conn     *websocket.Conn
	identity string
	mu       sync.Mutex // serializes concurrent writers
}

func (c *wsChannel) Send(r message.Request) error {
	b, err := message.Encode(r)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

func (c *wsChannel) Recv() (message.Request, error) {
	_, b, err := c.conn.ReadMessage()
	if err != nil {
		return message.Request{}, err
	}
	return message.Decode(b)
}

func (c *wsChannel) Close() error {
	return c.conn.Close()
}

func (c *wsChannel) PeerIdentity() string {
	return c.identity
}

func (c *wsChannel) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func peerIdentity(tlsState *tls.ConnectionState) string {
	if tlsState == nil || len(tlsState.PeerCertificates) == 0 {
		return ""
	}
	return tlsState.PeerCertificates[0].Subject.CommonName
}

// Dialer opens outbound channels.
type Dialer struct {
	TLSConfig *tls.Config
	Timeout   time.Duration
}

// Dial opens a channel to addr (host:port). If d.TLSConfig is non-nil the
// underlying connection is upgraded to TLS and the peer's leaf certificate
// CommonName becomes the channel's PeerIdentity.
func (d Dialer) Dial(ctx context.Context, addr string) (Channel, error) {
	scheme := "ws"
	dialer := websocket.Dialer{HandshakeTimeout: d.Timeout}
	if d.TLSConfig != nil {
		scheme = "wss"
		dialer.TLSClientConfig = d.TLSConfig
	}
	u := url.URL{Scheme: scheme, Host: addr, Path: "/cluster"}

	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	identity := ""
	if state := conn.UnderlyingConn(); state != nil {
		if tc, ok := state.(*tls.Conn); ok {
			cs := tc.ConnectionState()
			identity = peerIdentity(&cs)
		}
	}
	return &wsChannel{conn: conn, identity: identity}, nil
}

// Listener accepts inbound channels.
type Listener struct {
	TLSConfig *tls.Config

	ln     net.Listener
	srv    *http.Server
	accept chan Channel
	errs   chan error
	done   chan struct{}
}

// Listen starts accepting connections on addr. Channels arrive on the
// returned Listener's Accept method.
func Listen(addr string, tlsConfig *tls.Config) (*Listener, error) {
	var ln net.Listener
	var err error
	if tlsConfig != nil {
		ln, err = tls.Listen("tcp", addr, tlsConfig)
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	l := &Listener{
		TLSConfig: tlsConfig,
		ln:        ln,
		accept:    make(chan Channel, 16),
		errs:      make(chan error, 1),
		done:      make(chan struct{}),
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/cluster", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		identity := ""
		if r.TLS != nil {
			identity = peerIdentity(r.TLS)
		}
		select {
		case <-l.done:
			conn.Close()
		case l.accept <- &wsChannel{conn: conn, identity: identity}:
		default:
			conn.Close()
		}
	})
	l.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 15 * time.Second}

	go func() {
		l.errs <- l.srv.Serve(ln)
	}()

	return l, nil
}

// Accept blocks until a new inbound Channel is available or the listener is
// closed.
func (l *Listener) Accept() (Channel, error) {
	select {
	case ch := <-l.accept:
		return ch, nil
	case <-l.done:
		return nil, net.ErrClosed
	case err := <-l.errs:
		return nil, err
	}
}

// Close stops accepting new connections.
func (l *Listener) Close() error {
	close(l.done)
	return l.ln.Close()
}
