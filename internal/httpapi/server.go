// Package httpapi implements the HTTP Router and the
// WebSocket Protocol: the route table for static assets,
// the REST surface, and the two WebSocket upgrade paths, wired to the
// PTY Manager, Tmux Coordinator, Command Bridge, and State
// Broadcaster.
package httpapi

import (
	"context"
	"crypto/tls"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/cmux/cmux-remote/internal/broadcast"
	"github.com/cmux/cmux-remote/internal/hostbridge"
	"github.com/cmux/cmux-remote/internal/notify"
	"github.com/cmux/cmux-remote/internal/pty"
	"github.com/cmux/cmux-remote/internal/tmux"
	"github.com/cmux/cmux-remote/internal/transcripts"
)

// Config wires every collaborator the router needs. Fields left nil
// disable the corresponding optional surface (push, pairing).
type Config struct {
	Addr     string
	DevMode  bool
	Logger   *slog.Logger
	StaticFS fs.FS
	Version  string
	Port     int

	Host        hostbridge.Host
	Executor    hostbridge.Executor
	PTYManager  *pty.Manager
	Tmux        *tmux.Coordinator
	Broadcaster *broadcast.Broadcaster
	Push        *notify.Manager
	History     *notify.History
	Transcripts *transcripts.Scanner

	// PairURL, if set, enables GET /api/pair.png and returns the URL it
	// should encode (the onboarding QR code).
	PairURL func() string
}

type Server struct {
	logger      *slog.Logger
	bridge      *hostbridge.Bridge
	host        hostbridge.Host
	ptys        *pty.Manager
	tmuxCoord   *tmux.Coordinator
	broadcaster *broadcast.Broadcaster
	push        *notify.Manager
	history     *notify.History
	transcripts *transcripts.Scanner
	pairURL     func() string

	version   string
	port      int
	startedAt time.Time
	devMode   bool

	httpSrv *http.Server
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		logger:      logger,
		bridge:      hostbridge.New(cfg.Host, cfg.Executor, logger),
		host:        cfg.Host,
		ptys:        cfg.PTYManager,
		tmuxCoord:   cfg.Tmux,
		broadcaster: cfg.Broadcaster,
		push:        cfg.Push,
		history:     cfg.History,
		transcripts: cfg.Transcripts,
		pairURL:     cfg.PairURL,
		version:     cfg.Version,
		port:        cfg.Port,
		startedAt:   time.Now(),
		devMode:     cfg.DevMode,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://100.*.*.*:*", "https://*.ts.net", "http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.mountAPI(r)
	s.mountStatic(r, cfg.StaticFS, cfg.DevMode)

	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http", "method", r.Method, "path", r.URL.Path, "dur", time.Since(start))
	})
}

// mountStatic serves the embedded UI bundle, or in dev mode proxies
// everything unrouted to a local Vite dev server.
func (s *Server) mountStatic(r chi.Router, staticFS fs.FS, devMode bool) {
	if devMode {
		viteURL, _ := url.Parse("http://localhost:5173")
		proxy := httputil.NewSingleHostReverseProxy(viteURL)
		r.NotFound(proxy.ServeHTTP)
		return
	}
	if staticFS == nil {
		return
	}

	fileServer := http.FileServer(http.FS(staticFS))
	serveAsset := func(name string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Cache-Control", "no-cache")
			clone := r.Clone(r.Context())
			clone.URL = &url.URL{Path: "/" + name}
			fileServer.ServeHTTP(w, clone)
		}
	}

	r.Get("/", serveAsset("index.html"))
	r.Get("/style.css", serveAsset("style.css"))
	r.Get("/app.js", serveAsset("app.js"))
	r.Get("/manifest.json", serveAsset("manifest.json"))
	r.Get("/sw.js", serveAsset("sw.js"))
}

func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("http server started", "addr", ln.Addr().String())
	return s.httpSrv.Serve(ln)
}

func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

func (s *Server) SetTLSConfig(cfg *tls.Config) { s.httpSrv.TLSConfig = cfg }

// Shutdown tears down the broadcaster's timers and every PTY session
// before closing the listener, so no orphaned child process survives
// a graceful restart.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	if s.broadcaster != nil {
		s.broadcaster.Stop()
	}
	if s.ptys != nil {
		s.ptys.RemoveAll()
	}
	return s.httpSrv.Shutdown(ctx)
}
