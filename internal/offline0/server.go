package offline0

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/websocket"

	"offline0/internal/cachestore"
)

const (
	// ControlPrefix is where the platform endpoints live; every other path
	// is intercepted.
	ControlPrefix = "/_offline0"

	outcomeHeader = "X-Offline0"
	maxMessage    = 64 << 10
	postTimeout   = 10 * time.Second

	tunnelDialTimeout = 10 * time.Second
)

// Server is the HTTP surface of the platform: the app talks to it as a
// reverse proxy for its own origin and as a forward proxy for everything
// else.
type Server struct {
	reg     *Registration
	clients *ClientRegistry
	network Fetcher
	origin  *url.URL
	log     zerolog.Logger
	router  chi.Router

	// base is cancelled on Close and bounds background syncs.
	base   context.Context
	cancel context.CancelFunc
	syncs  sync.WaitGroup
}

func NewServer(reg *Registration, clients *ClientRegistry, network Fetcher, origin *url.URL) *Server {
	base, cancel := context.WithCancel(context.Background())
	s := &Server{
		reg:     reg,
		clients: clients,
		network: network,
		origin:  origin,
		log:     log.With().Str("component", "server").Logger(),
		base:    base,
		cancel:  cancel,
	}

	ws := websocket.Server{
		Handshake: s.handshake,
		Handler:   s.serveClient,
	}

	r := chi.NewRouter()
	r.Route(ControlPrefix, func(r chi.Router) {
		r.Method(http.MethodGet, "/ws", ws)
		r.Post("/message", s.handleMessage)
		r.Post("/sync/{tag}", s.handleSync)
		r.Get("/status", s.handleStatus)
	})
	r.HandleFunc("/*", s.intercept)
	s.router = r
	return s
}

// ServeHTTP routes forward-proxy requests (absolute request targets)
// straight to interception, so a foreign path never reaches the control
// endpoints. CONNECT requests are tunnelled to their target.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		s.tunnel(w, r)
		return
	}
	if r.URL.IsAbs() {
		s.intercept(w, r)
		return
	}
	s.router.ServeHTTP(w, r)
}

// Close closes open tunnels, stops background syncs and waits for the
// syncs to return.
func (s *Server) Close(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.syncs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) intercept(w http.ResponseWriter, r *http.Request) {
	ev := NewFetchEvent(r, s.origin)
	res, handled, err := s.reg.Fetch(r.Context(), ev)
	if err != nil {
		setOutcomeHeaders(w.Header(), OutcomeRejected)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	if !handled {
		s.passThrough(w, ev)
		return
	}
	writeResponse(w, res, ev.Outcome())
}

// tunnel relays a CONNECT (https through the proxy) to its target. The
// bytes are encrypted end to end, so tunnelled requests are never
// intercepted.
func (s *Server) tunnel(w http.ResponseWriter, r *http.Request) {
	logger := s.log.With().Str("target", r.Host).Logger()

	d := net.Dialer{Timeout: tunnelDialTimeout}
	upstream, err := d.DialContext(r.Context(), "tcp", r.Host)
	if err != nil {
		logger.Warn().Err(err).Msg("tunnel dial failed")
		setOutcomeHeaders(w.Header(), OutcomeRejected)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	hj, ok := w.(http.Hijacker)
	if !ok {
		_ = upstream.Close()
		http.Error(w, "tunnelling not supported", http.StatusNotImplemented)
		return
	}
	client, buf, err := hj.Hijack()
	if err != nil {
		_ = upstream.Close()
		logger.Warn().Err(err).Msg("hijack failed")
		return
	}
	if _, err := io.WriteString(client, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		_ = client.Close()
		_ = upstream.Close()
		return
	}
	stop := context.AfterFunc(s.base, func() {
		_ = client.Close()
		_ = upstream.Close()
	})
	defer stop()

	logger.Debug().Msg("tunnel open")
	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(upstream, buf.Reader)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(client, upstream)
		done <- struct{}{}
	}()
	<-done
	_ = client.Close()
	_ = upstream.Close()
	<-done
	logger.Debug().Msg("tunnel closed")
}

// passThrough forwards a request the agent left alone.
func (s *Server) passThrough(w http.ResponseWriter, ev *FetchEvent) {
	res, err := s.network.Fetch(ev.Request.Context(), ev.Request)
	if err != nil {
		s.log.Warn().Err(err).Str("url", ev.Request.URL.String()).Str("method", ev.Request.Method).Msg("pass through failed")
		setOutcomeHeaders(w.Header(), OutcomeRejected)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	writeResponse(w, res, OutcomeBypass)
}

func writeResponse(w http.ResponseWriter, res *cachestore.Response, outcome string) {
	for k, vs := range res.Header {
		if strings.EqualFold(k, outcomeHeader) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setOutcomeHeaders(w.Header(), outcome)
	w.WriteHeader(res.Status)
	_, _ = w.Write(res.Body)
}

func setOutcomeHeaders(h http.Header, outcome string) {
	if outcome != "" {
		h.Set(outcomeHeader, outcome)
	}
	// Custom headers are not readable by page scripts in a CORS context
	// unless exposed.
	ensureExposedHeader(h, outcomeHeader)
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

// handshake accepts pages served through this process or from the app
// origin itself.
func (s *Server) handshake(cfg *websocket.Config, r *http.Request) error {
	origin, err := websocket.Origin(cfg, r)
	if err != nil {
		return err
	}
	if origin == nil {
		return nil
	}
	if strings.EqualFold(origin.Host, r.Host) || strings.EqualFold(origin.Host, s.origin.Host) {
		cfg.Origin = origin
		return nil
	}
	return fmt.Errorf("origin %s not allowed", origin)
}

func (s *Server) serveClient(conn *websocket.Conn) {
	defer conn.Close()
	conn.MaxPayloadBytes = maxMessage

	c := &wsClient{id: uuid.New().String(), conn: conn}
	active := s.reg.Active()
	s.clients.Add(c, active)
	defer s.clients.Remove(c.id)

	logger := s.log.With().Str("client", c.id).Logger()
	logger.Info().Int("clients", s.clients.Len()).Msg("client connected")

	hello := Message{Type: MessageConnected, Data: map[string]any{"id": c.id}}
	if active != nil {
		hello.Data["controller"] = active.Name()
	}
	ctx, cancel := context.WithTimeout(s.base, postTimeout)
	err := c.Post(ctx, hello)
	cancel()
	if err != nil {
		logger.Warn().Err(err).Msg("greeting failed")
		return
	}

	for {
		var msg Message
		if err := websocket.JSON.Receive(conn, &msg); err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Debug().Err(err).Msg("client read failed")
			}
			ev := logger.Info()
			if a := s.clients.Controller(c.id); a != nil {
				ev = ev.Str("controller", a.Name())
			}
			ev.Msg("client disconnected")
			return
		}
		if err := s.reg.Message(s.base, msg); err != nil {
			logger.Warn().Err(err).Str("type", msg.Type).Msg("message not delivered")
		}
	}
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg Message
	if err := json.NewDecoder(io.LimitReader(r.Body, maxMessage)).Decode(&msg); err != nil {
		http.Error(w, "invalid message", http.StatusBadRequest)
		return
	}
	if msg.Type == "" {
		http.Error(w, "message type is required", http.StatusBadRequest)
		return
	}
	if err := s.reg.Message(r.Context(), msg); err != nil {
		if errors.Is(err, ErrNoAgent) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		s.log.Warn().Err(err).Str("type", msg.Type).Msg("message failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSync schedules the deferred synchronization for a tag and returns
// without waiting for it.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	tag := chi.URLParam(r, "tag")
	s.syncs.Add(1)
	go func() {
		defer s.syncs.Done()
		_ = s.reg.Sync(s.base, tag)
	}()
	w.WriteHeader(http.StatusAccepted)
}

type agentStatus struct {
	Cache    string        `json:"cache"`
	State    string        `json:"state"`
	Strategy string        `json:"strategy"`
	Stats    StatsSnapshot `json:"stats"`
}

type status struct {
	Active  *agentStatus `json:"active"`
	Waiting *agentStatus `json:"waiting"`
	Clients int          `json:"clients"`
}

func describe(a *Agent) *agentStatus {
	if a == nil {
		return nil
	}
	return &agentStatus{
		Cache:    a.Name(),
		State:    a.State().String(),
		Strategy: a.Strategy(),
		Stats:    a.Stats(),
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st := status{
		Active:  describe(s.reg.Active()),
		Waiting: describe(s.reg.Waiting()),
		Clients: s.clients.Len(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(st)
}

// wsClient is a browsing context connected over a websocket.
type wsClient struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) ID() string { return c.id }

func (c *wsClient) Post(ctx context.Context, msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(postTimeout)
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return websocket.JSON.Send(c.conn, msg)
}
