package httpserver

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chadiek/call-relay/internal/config"
	"github.com/chadiek/call-relay/internal/metrics"
	"github.com/chadiek/call-relay/internal/relay"
	"github.com/chadiek/call-relay/internal/usecase"
)

// Deps are the collaborators the HTTP layer drives. Conversations may be nil,
// in which case media streams are refused.
type Deps struct {
	Twilio        usecase.TwilioService
	Conversations relay.ConversationFactory
	Metrics       *metrics.Metrics
	Gatherer      prometheus.Gatherer
}

// Server bundles HTTP router and dependencies.
type Server struct {
	Router http.Handler

	cfg      config.Config
	deps     Deps
	relayCfg relay.Config
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[*relay.Controller]struct{}
	wg       sync.WaitGroup
	closing  bool
}

// New constructs the HTTP server with routes.
func New(cfg config.Config, deps Deps) *Server {
	s := &Server{
		cfg:      cfg,
		deps:     deps,
		relayCfg: relayConfig(cfg),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			// Twilio's media stream handshake carries no Origin
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		sessions: make(map[*relay.Controller]struct{}),
	}

	e := newRouter(cfg.TwilioAuthToken, cfg.PublicURL)
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	if deps.Gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}
	e.POST("/twilio/inbound-call", s.inboundCall)
	e.POST("/twilio/recording-status", s.recordingStatus)
	e.GET("/media-stream", s.mediaStream)
	e.POST("/outbound-call", s.outboundCall)

	s.Router = e
	return s
}

// ActiveSessions reports how many media streams are being relayed.
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Shutdown refuses new media streams, ends every active one and waits for
// their teardown or ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	for ctrl := range s.sessions {
		ctrl.End()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) track(ctrl *relay.Controller) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.sessions[ctrl] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(ctrl *relay.Controller) {
	s.mu.Lock()
	delete(s.sessions, ctrl)
	s.mu.Unlock()
	s.wg.Done()
}

func relayConfig(cfg config.Config) relay.Config {
	return relay.Config{
		QueueCapacity: cfg.QueueCapacity,
		PushTimeout:   cfg.PushTimeout,
		PopTimeout:    cfg.PopTimeout,
		StopTimeout:   cfg.StopTimeout,
		EndTimeout:    cfg.EndTimeout,
		WriteTimeout:  cfg.WriteTimeout,
	}
}
