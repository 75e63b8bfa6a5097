package weft

import (
	"context"
	"errors"
	"io"
	"sync"

	"pkt.systems/pslog"
	"pkt.systems/weft/core"
	"pkt.systems/weft/httpapi"
	"pkt.systems/weft/schema"
)

// Server composes the agent service and the local HTTP surface.
type Server interface {
	Start(ctx context.Context) error
	Wait() error
	Stop(ctx context.Context) error
}

// ServerConfig configures the compositor.
type ServerConfig struct {
	Service schema.ServiceConfig
	HTTP    httpapi.Config
}

// ServerDeps captures dependencies required to build the server.
type ServerDeps struct {
	ServiceDeps core.ServiceDeps
	// Closers shut down after live sessions are closed, last to first.
	Closers []io.Closer
}

// New constructs a weft server.
func New(cfg ServerConfig, deps ServerDeps) (Server, error) {
	normalized, err := schema.NormalizeServiceConfig(cfg.Service)
	if err != nil {
		return nil, err
	}
	cfg.Service = normalized

	serviceDeps := deps.ServiceDeps
	hub := httpapi.NewHub(cfg.HTTP.HubHistory, serviceDeps.Logger)
	if serviceDeps.EventSink == nil {
		serviceDeps.EventSink = hub
	} else {
		serviceDeps.EventSink = eventFanout{sinks: []core.EventSink{serviceDeps.EventSink, hub}}
	}

	service, err := core.NewService(cfg.Service, serviceDeps)
	if err != nil {
		return nil, err
	}

	return &compositeServer{
		cfg:     cfg,
		service: service,
		httpSrv: httpapi.NewServer(cfg.HTTP, service, hub),
		closers: deps.Closers,
	}, nil
}

type compositeServer struct {
	cfg     ServerConfig
	service core.Service
	httpSrv *httpapi.Server
	closers []io.Closer
	logger  pslog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	errCh   chan error
	started bool
}

func (s *compositeServer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		pslog.Ctx(ctx).Warn("server start rejected", "reason", "already started")
		return errors.New("server already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.errCh = make(chan error, 1)
	s.started = true
	s.logger = pslog.Ctx(s.ctx)
	s.mu.Unlock()

	log := s.logger
	log.Info("server start", "http_addr", s.cfg.HTTP.Addr, "state_dir", s.cfg.Service.StateDir)
	go func() {
		if err := httpapi.ListenAndServe(s.ctx, s.cfg.HTTP.Addr, s.httpSrv.Handler()); err != nil {
			log.Error("http server failed", "err", err)
			s.errCh <- err
		}
	}()
	return nil
}

func (s *compositeServer) Wait() error {
	s.mu.Lock()
	ctx := s.ctx
	errCh := s.errCh
	started := s.started
	s.mu.Unlock()
	if !started {
		return errors.New("server not started")
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err != nil {
			pslog.Ctx(ctx).Error("server stopped", "err", err)
			_ = s.Stop(context.Background())
			return err
		}
		return nil
	}
}

func (s *compositeServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	started := s.started
	log := s.logger
	s.mu.Unlock()
	if !started {
		return nil
	}
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	log.Info("server stop requested")
	s.closeSessions(log)
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			log.Warn("server store close failed", "err", err)
		}
	}
	if cancel != nil {
		cancel()
	}
	if ctx == nil {
		log.Info("server stop completed")
		return nil
	}
	select {
	case <-ctx.Done():
		log.Warn("server stop timed out", "err", ctx.Err())
		return ctx.Err()
	case <-s.ctx.Done():
		log.Info("server stopped")
		return nil
	}
}

func (s *compositeServer) closeSessions(log pslog.Logger) {
	resp, err := s.service.ListSessions(context.Background(), schema.ListSessionsRequest{})
	if err != nil {
		log.Warn("server session list failed", "err", err)
		return
	}
	for _, session := range resp.Sessions {
		if _, err := s.service.CloseSession(context.Background(), schema.CloseSessionRequest{
			Conversation: session.Conversation,
		}); err != nil {
			log.Warn("server session close failed", "conversation", session.Conversation, "err", err)
		}
	}
	if len(resp.Sessions) > 0 {
		log.Info("server sessions closed", "count", len(resp.Sessions))
	}
}
