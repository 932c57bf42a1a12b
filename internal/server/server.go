package server

import (
	"context"
	"embed"
	"errors"
	"io/fs"
	"net/http"
	"time"

	"github.com/flightdesk/flightsync/internal/utils"
	"github.com/flightdesk/flightsync/pkg/metrics"
	"github.com/flightdesk/flightsync/pkg/status"
	"github.com/flightdesk/flightsync/pkg/storage"
	"github.com/flightdesk/flightsync/pkg/syncer"
)

//go:embed web
var WebFS embed.FS

// StateSource reports the sync engine's state.
type StateSource interface {
	State() syncer.State
}

type Server struct {
	Board    *status.Board
	Engine   StateSource // optional
	DB       *storage.DB // optional
	Username string
	Password string

	started time.Time
}

func New(board *status.Board, engine StateSource, db *storage.DB, user, pass string) *Server {
	return &Server{
		Board:    board,
		Engine:   engine,
		DB:       db,
		Username: user,
		Password: pass,
		started:  time.Now(),
	}
}

// Handler builds the routes served by Start.
func (s *Server) Handler() (http.Handler, error) {
	mux := http.NewServeMux()

	// API Group
	mux.HandleFunc("GET /api/status", s.basicAuth(s.handleStatus))
	mux.HandleFunc("GET /api/runs", s.basicAuth(s.requireDB(s.handleRuns)))
	mux.HandleFunc("GET /api/changes", s.basicAuth(s.requireDB(s.handleChanges)))
	mux.HandleFunc("GET /api/stats", s.basicAuth(s.requireDB(s.handleStats)))
	mux.HandleFunc("GET /api/flights/{category}/{key}", s.basicAuth(s.requireDB(s.handleFlight)))
	mux.Handle("GET /metrics", s.basicAuthMiddlewareForStatic(metrics.Handler()))

	// Static Files
	webRoot, err := fs.Sub(WebFS, "web")
	if err != nil {
		return nil, err
	}
	fileServer := http.FileServer(http.FS(webRoot))
	mux.Handle("/", s.basicAuthMiddlewareForStatic(fileServer))
	return mux, nil
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	h, err := s.Handler()
	if err != nil {
		return err
	}
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	utils.Log.Infof("Starting status server on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) authorized(r *http.Request) bool {
	if s.Username == "" && s.Password == "" {
		return true
	}
	user, pass, ok := r.BasicAuth()
	return ok && user == s.Username && pass == s.Password
}

func (s *Server) basicAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) basicAuthMiddlewareForStatic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireDB(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.DB == nil {
			http.Error(w, "history database disabled", http.StatusServiceUnavailable)
			return
		}
		next(w, r)
	}
}
