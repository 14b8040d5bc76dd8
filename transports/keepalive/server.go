// Package keepalive serves the static liveness page hosting platforms poll to
// keep the bot process running.
package keepalive

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"waifubot/core"
)

const (
	Body                   = "Hello. I am alive!"
	DefaultShutdownTimeout = 5 * time.Second
)

type Config struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

func DefaultConfig() Config {
	return Config{Enabled: true, Addr: ":8080"}
}

type Server struct {
	config Config
	logger *core.Logger

	httpServer   *http.Server
	httpListener net.Listener
	wg           sync.WaitGroup
}

func NewServer(config Config, logger *core.Logger) *Server {
	if config.Addr == "" {
		config.Addr = DefaultConfig().Addr
	}
	if logger == nil {
		logger = core.GetLogger()
	}
	return &Server{
		config: config,
		logger: logger.With(map[string]interface{}{"component": "keepalive"}),
	}
}

// Handler answers GET and HEAD on / with a 200 and the static body.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			fmt.Fprint(w, Body)
		}
	})
	return mux
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to start keep-alive listener: %w", err)
	}

	s.httpListener = ln
	s.httpServer = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Keep-alive server stopped", "error", err)
		}
	}()

	s.logger.Info("Keep-alive server listening", "addr", ln.Addr().String())
	return nil
}

// Addr is the bound address, valid after Start.
func (s *Server) Addr() string {
	if s.httpListener == nil {
		return s.config.Addr
	}
	return s.httpListener.Addr().String()
}

// Shutdown stops the server and waits for the serve loop to exit.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	err := s.httpServer.Shutdown(ctx)
	s.wg.Wait()
	return err
}

// Run starts the server and blocks until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}
