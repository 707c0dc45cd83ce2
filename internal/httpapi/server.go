// Package httpapi serves evaluations over HTTP.
//
//	POST /check    evaluate a message, JSON or MessagePack response
//	GET  /healthz  liveness
//	GET  /metrics  Prometheus metrics
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/synqronlabs/mailauth"
)

const (
	CheckRoute   = "/check"
	HealthRoute  = "/healthz"
	MetricsRoute = "/metrics"
)

// DefaultMaxBodyBytes limits check request bodies unless configured.
const DefaultMaxBodyBytes = 10 << 20

// Evaluator runs one evaluation; *mailauth.Engine implements it.
type Evaluator interface {
	Evaluate(ctx context.Context, req mailauth.Request) (*mailauth.Result, error)
}

type Options struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// MaxBodyBytes limits the request body. Default: DefaultMaxBodyBytes
	MaxBodyBytes int64

	// AuthservID adds an Authentication-Results header to check
	// responses when set.
	AuthservID string

	Logger zerolog.Logger
}

type Server struct {
	engine     Evaluator
	logger     zerolog.Logger
	maxBody    int64
	authservID string
	http       *http.Server
}

func NewServer(engine Evaluator, opts Options) *Server {
	s := &Server{
		engine:     engine,
		logger:     opts.Logger,
		maxBody:    opts.MaxBodyBytes,
		authservID: opts.AuthservID,
	}
	if s.maxBody <= 0 {
		s.maxBody = DefaultMaxBodyBytes
	}
	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Routes(),
		ReadTimeout:       opts.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      opts.WriteTimeout,
	}
	return s
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+CheckRoute, s.handleCheck)
	mux.HandleFunc("GET "+HealthRoute, s.handleHealth)
	mux.Handle("GET "+MetricsRoute, promhttp.Handler())

	return s.correlation(
		s.logging(
			s.recoverer(
				mux)))
}

// Serve accepts connections on ln until Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("listening")
	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on the configured address and serves until
// Shutdown is called.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Shutdown stops accepting connections and waits for in-flight requests
// until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down")
	return s.http.Shutdown(ctx)
}
