// Package httpserver serves the rendered document and pushes reload
// notifications to connected browsers over SSE or WebSocket.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"mdview/internal/contracts"
	"mdview/internal/ports"
	"mdview/internal/render"
)

const (
	defaultKeepalive = 30 * time.Second
	// sseRetry is the reconnect delay hint sent to EventSource clients.
	sseRetry     = 2 * time.Second
	writeTimeout = 5 * time.Second

	// EventSource drops events with an empty data field, so the ping carries a payload.
	sseKeepalive = ": keepalive\n\nevent: ping\ndata: keepalive\n\n"
)

// Options configures a PreviewServer.
type Options struct {
	FilePath  string
	Renderer  *render.Renderer
	Keepalive time.Duration
	PID       int
	StartedAt time.Time
	Logger    *zap.Logger
}

// PreviewServer renders the watched file on request and streams reload
// signals to every subscriber.
type PreviewServer struct {
	file      string
	renderer  *render.Renderer
	keepalive time.Duration
	pid       int
	startedAt time.Time
	logger    *zap.Logger

	hub      *hub
	mux      *http.ServeMux
	upgrader websocket.Upgrader

	mu     sync.Mutex
	server *http.Server
	port   int

	cssOnce sync.Once
	css     []byte
	cssErr  error
}

// NewPreviewServer creates a server for opts.FilePath. Nothing listens until Serve.
func NewPreviewServer(opts Options) *PreviewServer {
	if opts.Renderer == nil {
		opts.Renderer = render.NewRenderer("github")
	}
	if opts.Keepalive <= 0 {
		opts.Keepalive = defaultKeepalive
	}
	if opts.StartedAt.IsZero() {
		opts.StartedAt = time.Now()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	s := &PreviewServer{
		file:      opts.FilePath,
		renderer:  opts.Renderer,
		keepalive: opts.Keepalive,
		pid:       opts.PID,
		startedAt: opts.StartedAt,
		logger:    opts.Logger,
		hub:       newHub(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/assets/", s.handleStatic)
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc(render.LocalAssetPrefix, s.handleLocalAsset)
	mux.HandleFunc("/healthz", s.handleHealth)
	s.mux = mux
	return s
}

// Handler exposes the routes without a listener.
func (s *PreviewServer) Handler() http.Handler {
	return s.mux
}

// Serve accepts connections on ln until Shutdown. It returns nil after a
// clean shutdown.
func (s *PreviewServer) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.server != nil {
		s.mu.Unlock()
		return errors.New("preview server already serving")
	}
	s.server = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.port = ports.PortOf(ln)
	srv := s.server
	s.mu.Unlock()

	s.logger.Info("preview server listening", zap.String("addr", ln.Addr().String()))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown closes every subscriber stream and then stops the HTTP server.
func (s *PreviewServer) Shutdown(ctx context.Context) error {
	s.hub.closeAll()

	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Broadcast queues a reload for every current subscriber and returns the new
// revision. It never blocks on a slow client.
func (s *PreviewServer) Broadcast() uint64 {
	rev, dropped := s.hub.broadcast()
	s.logger.Debug("broadcast reload",
		zap.Uint64("rev", rev),
		zap.Int("subscribers", s.hub.count()),
		zap.Int("dropped", dropped))
	return rev
}

// Subscribers returns the number of open update streams.
func (s *PreviewServer) Subscribers() int {
	return s.hub.count()
}

// Status reports the server state served at /healthz.
func (s *PreviewServer) Status() contracts.Status {
	s.mu.Lock()
	port := s.port
	s.mu.Unlock()
	return contracts.Status{
		File:        s.file,
		PID:         s.pid,
		Port:        port,
		Subscribers: s.hub.count(),
		Rev:         s.hub.revision(),
		StartedAt:   s.startedAt,
	}
}

// handleIndex re-reads and renders the file on every request.
func (s *PreviewServer) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")

	source, err := os.ReadFile(s.file)
	if err != nil {
		s.logger.Warn("failed to read document", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(s.renderer.RenderError(s.file, err)))
		return
	}

	page, err := s.renderer.RenderPage(source, s.file)
	if err != nil {
		s.logger.Warn("failed to render document", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(s.renderer.RenderError(s.file, err)))
		return
	}
	_, _ = w.Write([]byte(page))
}

// handleStatic serves the embedded theme files and the generated chroma.css.
func (s *PreviewServer) handleStatic(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/assets/chroma.css" {
		s.cssOnce.Do(func() {
			s.css, s.cssErr = s.renderer.StyleSheet()
		})
		if s.cssErr != nil {
			http.Error(w, s.cssErr.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/css; charset=utf-8")
		_, _ = w.Write(s.css)
		return
	}
	http.StripPrefix("/assets/", http.FileServer(http.FS(render.Assets()))).ServeHTTP(w, r)
}

// handleEvents streams reload notifications as Server-Sent Events.
func (s *PreviewServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub := s.hub.subscribe()
	if sub == nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.hub.unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	if _, err := fmt.Fprintf(w, "retry: %d\n: connected\n\n", sseRetry.Milliseconds()); err != nil {
		return
	}
	flusher.Flush()
	s.logger.Debug("sse subscriber connected", zap.String("remote", r.RemoteAddr))
	defer s.logger.Debug("sse subscriber gone", zap.String("remote", r.RemoteAddr))

	keepalive := time.NewTicker(s.keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sub.done:
			return
		case rev := <-sub.queue:
			if _, err := fmt.Fprintf(w, "id: %d\ndata: %s\n\n", rev, contracts.MessageTypeReload); err != nil {
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			// live.js only sees the ping; comments never reach a listener.
			if _, err := fmt.Fprint(w, sseKeepalive); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleWS is the WebSocket flavour of /events. Inbound frames are only read
// to notice when the browser goes away.
func (s *PreviewServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub := s.hub.subscribe()
	if sub == nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeTimeout))
		return
	}
	defer s.hub.unsubscribe(sub)

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	hello := contracts.HelloMessage{
		Type: contracts.MessageTypeHello,
		Rev:  s.hub.revision(),
		File: s.file,
	}
	if !writeJSON(conn, hello) {
		return
	}

	keepalive := time.NewTicker(s.keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-readDone:
			return
		case <-sub.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(writeTimeout))
			return
		case rev := <-sub.queue:
			if !writeJSON(conn, contracts.ReloadMessage{Type: contracts.MessageTypeReload, Rev: rev}) {
				return
			}
		case <-keepalive.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

// handleLocalAsset serves files referenced by the document via encoded
// absolute paths. Only files under the document's directory are served.
func (s *PreviewServer) handleLocalAsset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, render.LocalAssetPrefix)
	if id == "" {
		http.NotFound(w, r)
		return
	}

	assetPath, err := render.DecodeLocalAsset(id)
	if err != nil || !filepath.IsAbs(assetPath) || !s.withinDocumentDir(assetPath) {
		http.NotFound(w, r)
		return
	}

	info, err := os.Stat(assetPath)
	if err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}

	http.ServeFile(w, r, assetPath)
}

func (s *PreviewServer) withinDocumentDir(path string) bool {
	root := filepath.Dir(s.file)
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		path = resolved
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (s *PreviewServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.Status())
}

// writeJSON writes a JSON message and reports whether the connection is usable.
func writeJSON(conn *websocket.Conn, v any) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(v); err != nil {
		_ = conn.Close()
		return false
	}
	return true
}
