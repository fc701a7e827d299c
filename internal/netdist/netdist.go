// Package netdist is the distribution layer built on top of the
// single-process search: a websocket relay (gorilla/websocket) that lets
// several processes share one hash table. Clients
// (-c host -sp port) walk locally and stream their distinguished points to
// a server (-s -sp port); the server feeds every incoming DP through the
// exact same internal/hashtable ingestion path a local worker would use,
// and broadcasts the private key back out the moment ingesting a client's
// DP resolves a collision. A key the server's own workers find is not
// broadcast.
package netdist

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/secp-kangaroo/kangaroo/internal/herd"
	"github.com/secp-kangaroo/kangaroo/internal/log"
	"github.com/secp-kangaroo/kangaroo/internal/secp"
)

// dpWire is one distinguished point on the wire: the full x-coordinate (the
// server needs it to re-derive a bucket index, not just a fingerprint) plus
// the unpacked distance and tag bits.
type dpWire struct {
	X        []byte `json:"x"`
	DHi      uint64 `json:"d_hi"`
	DLo      uint64 `json:"d_lo"`
	Kind     uint8  `json:"kind"`
	SymClass uint8  `json:"sym"`
}

// envelope is the one message type every connection exchanges in both
// directions: a batch of DPs going up from client to server, or a solution
// going down from server to every client once found.
type envelope struct {
	Type     string   `json:"type"` // "dp", "solution", "ping"
	DPs      []dpWire `json:"dps,omitempty"`
	Solution string   `json:"solution,omitempty"`
}

func toWire(x *secp.Field, d *secp.Scalar, kind herd.Kind, symClass uint8) dpWire {
	b := secp.FieldBytes(x)
	hi, lo := secp.ScalarToUint128(d)
	return dpWire{X: b[:], DHi: hi, DLo: lo, Kind: uint8(kind), SymClass: symClass}
}

func fromWire(w dpWire) (secp.Field, secp.Scalar, herd.Kind, uint8) {
	var b [32]byte
	copy(b[:], w.X)
	x := secp.FieldFromBytes(&b)
	d := secp.Uint128ToScalar(w.DHi, w.DLo)
	return x, d, herd.Kind(w.Kind), w.SymClass
}

// IngestFunc is how netdist hands a decoded DP to the caller's hash table
// and collision-resolution path, mirroring internal/engine's own
// ingest(dp, ...) — netdist doesn't know about herd.Group or resolver at
// all, it just moves bytes and defers the same decision engine.Engine's
// local workers make.
type IngestFunc func(x *secp.Field, d *secp.Scalar, kind herd.Kind, symClass uint8) (found bool, key *big.Int)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server is the -s side: it accepts any number of client connections on
// one port and funnels every DP it receives through Ingest.
type Server struct {
	Addr   string
	Ingest IngestFunc

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
	srv     *http.Server
}

// NewServer returns a Server bound to addr (host:port, typically
// ":<sp-flag>"), not yet listening.
func NewServer(addr string, ingest IngestFunc) *Server {
	return &Server{Addr: addr, Ingest: ingest, clients: make(map[*websocket.Conn]struct{})}
}

// ListenAndServe blocks until ctx is cancelled or the listener fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	s.srv = &http.Server{Addr: s.Addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.ListenAndServe() }()

	log.NdisLog.Infof("distribution server listening on %s", s.Addr)
	select {
	case <-ctx.Done():
		_ = s.srv.Close()
		return ctx.Err()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.NdisLog.Warnf("websocket upgrade failed: %v", err)
		return
	}
	s.mu.Lock()
	s.clients[conn] = struct{}{}
	s.mu.Unlock()
	log.NdisLog.Infof("client connected: %s", r.RemoteAddr)

	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
		conn.Close()
		log.NdisLog.Infof("client disconnected: %s", r.RemoteAddr)
	}()

	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.NdisLog.Debugf("read from %s failed: %v", r.RemoteAddr, err)
			}
			return
		}
		if env.Type != "dp" {
			continue
		}
		for _, w := range env.DPs {
			x, d, kind, sym := fromWire(w)
			found, key := s.Ingest(&x, &d, kind, sym)
			if found {
				s.BroadcastSolution(key)
				return
			}
		}
	}
}

// BroadcastSolution pushes the recovered private key to every connected
// client, so a collision found anywhere in the fleet stops every peer.
func (s *Server) BroadcastSolution(key *big.Int) {
	env := envelope{Type: "solution", Solution: fmt.Sprintf("%064x", key)}
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.clients {
		_ = conn.WriteJSON(env)
	}
	log.NdisLog.Infof("broadcast solution to %d client(s)", len(s.clients))
}

// Client is the -c/-sp side: it batches locally produced DPs and flushes
// them to the server every SendInterval (the -nt flag), rather than one
// websocket frame per DP.
type Client struct {
	Host         string
	Port         int
	SendInterval time.Duration

	conn *websocket.Conn
	mu   sync.Mutex
	buf  []dpWire

	SolutionCh chan *big.Int
}

// NewClient returns a Client that will dial host:port once Run is called.
func NewClient(host string, port int, sendInterval time.Duration) *Client {
	if sendInterval <= 0 {
		sendInterval = time.Second
	}
	return &Client{
		Host:         host,
		Port:         port,
		SendInterval: sendInterval,
		SolutionCh:   make(chan *big.Int, 1),
	}
}

// Run dials the server, starts the periodic flush loop and the read loop
// that watches for a broadcast solution, and blocks until ctx is cancelled
// or the connection drops.
func (c *Client) Run(ctx context.Context) error {
	url := fmt.Sprintf("ws://%s:%d/ws", c.Host, c.Port)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("netdist: dial %s: %w", url, err)
	}
	c.conn = conn
	log.NdisLog.Infof("connected to distribution server %s", url)

	readErr := make(chan error, 1)
	go func() {
		for {
			var env envelope
			if err := conn.ReadJSON(&env); err != nil {
				readErr <- err
				return
			}
			if env.Type == "solution" {
				if key, ok := new(big.Int).SetString(env.Solution, 16); ok {
					c.SolutionCh <- key
				}
			}
		}
	}()

	ticker := time.NewTicker(c.SendInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			conn.Close()
			return ctx.Err()
		case err := <-readErr:
			return fmt.Errorf("netdist: server connection lost: %w", err)
		case <-ticker.C:
			c.flush()
		}
	}
}

// SendDP enqueues one DP for the next periodic flush rather than writing
// immediately, so a fast-walking client doesn't saturate the link with
// one frame per distinguished point.
func (c *Client) SendDP(x *secp.Field, d *secp.Scalar, kind herd.Kind, symClass uint8) {
	c.mu.Lock()
	c.buf = append(c.buf, toWire(x, d, kind, symClass))
	c.mu.Unlock()
}

func (c *Client) flush() {
	c.mu.Lock()
	if len(c.buf) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.buf
	c.buf = nil
	c.mu.Unlock()

	env := envelope{Type: "dp", DPs: batch}
	b, err := json.Marshal(env)
	if err != nil {
		log.NdisLog.Errorf("marshal DP batch: %v", err)
		return
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		log.NdisLog.Errorf("send DP batch: %v", err)
	}
}
