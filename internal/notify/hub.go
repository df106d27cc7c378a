package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// HubTransport is the primary transport: a websocket hub on a well-known
// loopback address, shared by every engine context of the user. The first
// context to bind the address hosts the hub; later contexts join as plain
// clients. The hosting context also joins its own hub so send and receive
// take one code path everywhere.
type HubTransport struct {
	addr string
	log  *slog.Logger

	conn   *websocket.Conn
	server *http.Server
	msgs   chan Message

	cancel context.CancelFunc

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// NewHubTransport hosts or joins the hub at addr (e.g. "127.0.0.1:48620").
// It returns an error when the hub can neither be hosted nor reached; the
// caller then falls back to the file transport.
func NewHubTransport(addr string, log *slog.Logger) (*HubTransport, error) {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &HubTransport{
		addr:    addr,
		log:     log,
		msgs:    make(chan Message, 16),
		cancel:  cancel,
		clients: make(map[*websocket.Conn]struct{}),
	}

	if ln, err := net.Listen("tcp", addr); err == nil {
		// adopt the resolved address so hosting on port 0 dials correctly
		t.addr = ln.Addr().String()
		t.host(ctx, ln)
	}

	conn, err := t.dial(ctx)
	if err != nil {
		cancel()
		if t.server != nil {
			_ = t.server.Close()
		}
		return nil, fmt.Errorf("could not join notification hub at %s: %w", addr, err)
	}
	t.conn = conn
	go t.readLoop(ctx)
	return t, nil
}

func (t *HubTransport) host(ctx context.Context, ln net.Listener) {
	router := chi.NewRouter()
	router.Get("/channel", func(w http.ResponseWriter, r *http.Request) {
		t.serveClient(ctx, w, r)
	})
	t.server = &http.Server{Handler: router, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := t.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.log.Warn("notification hub stopped", "error", err)
		}
	}()
	t.log.Debug("hosting notification hub", "addr", t.addr)
}

// serveClient registers a joined context and rebroadcasts everything it sends
// to all the other joined contexts.
func (t *HubTransport) serveClient(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		t.log.Warn("failed to accept hub client", "error", err)
		return
	}

	t.mu.Lock()
	t.clients[conn] = struct{}{}
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.clients, conn)
		t.mu.Unlock()
		_ = conn.CloseNow()
	}()

	for {
		var msg Message
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return
		}
		t.broadcast(ctx, conn, msg)
	}
}

func (t *HubTransport) broadcast(ctx context.Context, from *websocket.Conn, msg Message) {
	t.mu.Lock()
	peers := make([]*websocket.Conn, 0, len(t.clients))
	for c := range t.clients {
		if c != from {
			peers = append(peers, c)
		}
	}
	t.mu.Unlock()

	for _, peer := range peers {
		writeCtx, cancel := context.WithTimeout(ctx, time.Second)
		if err := wsjson.Write(writeCtx, peer, msg); err != nil {
			t.log.Debug("failed to relay notification to a peer", "error", err)
		}
		cancel()
	}
}

func (t *HubTransport) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, "ws://"+t.addr+"/channel", nil)
	return conn, err
}

func (t *HubTransport) readLoop(ctx context.Context) {
	defer close(t.msgs)
	for {
		var msg Message
		if err := wsjson.Read(ctx, t.conn, &msg); err != nil {
			return
		}
		select {
		case t.msgs <- msg:
		default:
			// A stalled receiver drops notifications; it will re-read on
			// the next one it does get.
		}
	}
}

func (t *HubTransport) Send(ctx context.Context, msg Message) error {
	return wsjson.Write(ctx, t.conn, msg)
}

func (t *HubTransport) Messages() <-chan Message {
	return t.msgs
}

func (t *HubTransport) Close() error {
	t.cancel()
	if t.conn != nil {
		_ = t.conn.Close(websocket.StatusNormalClosure, "shutting down")
	}
	if t.server != nil {
		return t.server.Close()
	}
	return nil
}
