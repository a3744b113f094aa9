// Package web serves the controller status page, its JSON twin, the
// Prometheus scrape endpoint and a websocket bridge to the local channel bus.
package web

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/sweeney/pool-controller/internal/channel"
	"github.com/sweeney/pool-controller/internal/logging"
	"github.com/sweeney/pool-controller/internal/metrics"
	"github.com/sweeney/pool-controller/internal/status"
)

// Options configures a Server. Metrics may be nil.
type Options struct {
	Addr    string
	Tracker *status.Tracker
	Bus     *channel.Bus
	Metrics *metrics.Metrics
	Log     *logging.Logger
}

// Server serves the status page over HTTP.
type Server struct {
	httpServer *http.Server
	tracker    *status.Tracker
	hub        *Hub
	log        *logging.Logger
}

// New builds the router. The websocket hub starts observing the bus
// immediately.
func New(o Options) *Server {
	log := o.Log
	if log == nil {
		log = logging.Discard()
	}
	s := &Server{
		tracker: o.Tracker,
		hub:     NewHub(o.Bus, log),
		log:     log.Component("http"),
	}

	instrument := func(route string, h http.Handler) http.Handler {
		if o.Metrics == nil {
			return h
		}
		return o.Metrics.WrapHandler(route, h)
	}

	r := mux.NewRouter()
	r.Handle("/", instrument("/", http.HandlerFunc(s.handleIndex))).Methods(http.MethodGet)
	r.Handle("/index.html", instrument("/index.html", http.HandlerFunc(s.handleIndex))).Methods(http.MethodGet)
	r.Handle("/index.json", instrument("/index.json", http.HandlerFunc(s.handleJSON))).Methods(http.MethodGet)
	if o.Metrics != nil {
		r.Handle("/metrics", o.Metrics.Handler()).Methods(http.MethodGet)
	}
	// Not instrumented: the metrics recorder cannot hijack the connection.
	r.Handle("/ws", s.hub).Methods(http.MethodGet)

	var h http.Handler = r
	h = handlers.CustomLoggingHandler(io.Discard, h, s.logRequest)
	h = handlers.RecoveryHandler(handlers.RecoveryLogger(recoveryLogger{s.log}))(h)

	s.httpServer = &http.Server{
		Addr:              o.Addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener. Useful for tests.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown disconnects websocket clients and gracefully shuts down the
// server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the full middleware chain.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	renderHTML(w, snap)
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	w.Write(status.FormatJSON(snap))
}

func (s *Server) logRequest(_ io.Writer, p handlers.LogFormatterParams) {
	s.log.Debug("http request",
		"method", p.Request.Method,
		"path", p.URL.Path,
		"status", p.StatusCode,
		"size", p.Size,
		"duration", time.Since(p.TimeStamp),
	)
}

// recoveryLogger adapts the slog logger to the Println interface the
// recovery middleware expects.
type recoveryLogger struct{ log *logging.Logger }

func (l recoveryLogger) Println(v ...interface{}) {
	l.log.Error("http handler panic", "error", fmt.Sprint(v...))
}
