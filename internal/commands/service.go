package commands

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/scrybelabs/scrybe-core/internal/bus"
	"github.com/scrybelabs/scrybe-core/internal/protocol"
)

// Handler is the controller surface the command service drives.
type Handler interface {
	Start(ctx context.Context, cmd protocol.Command) error
	Stop(ctx context.Context, cmd protocol.Command) error
	Promote(ctx context.Context, cmd protocol.Command) error
	Cancel(ctx context.Context, cmd protocol.Command) error
}

// Service subscribes to the command subjects and dispatches to the
// controller. Rejected commands are logged and dropped, never retried.
type Service struct {
	bus     *bus.Client
	handler Handler
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	subs   []*nats.Subscription
	wg     sync.WaitGroup
}

func NewService(parent context.Context, busClient *bus.Client, handler Handler, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		bus:     busClient,
		handler: handler,
		logger:  logger.With(slog.String("component", "commands")),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (s *Service) Start() error {
	routes := []struct {
		subject string
		apply   func(context.Context, protocol.Command) error
	}{
		{protocol.SubjectCmdStart, s.handler.Start},
		{protocol.SubjectCmdStop, s.handler.Stop},
		{protocol.SubjectCmdPromote, s.handler.Promote},
		{protocol.SubjectCmdCancel, s.handler.Cancel},
	}
	for _, r := range routes {
		apply := r.apply
		subject := r.subject
		sub, err := s.bus.Conn().Subscribe(subject, func(msg *nats.Msg) {
			s.dispatch(subject, apply, msg)
		})
		if err != nil {
			s.drainAll()
			return err
		}
		s.subs = append(s.subs, sub)
	}
	return nil
}

func (s *Service) dispatch(subject string, apply func(context.Context, protocol.Command) error, msg *nats.Msg) {
	var cmd protocol.Command
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			s.logger.Warn("command decode failed", slog.String("subject", subject), slog.String("error", err.Error()))
			return
		}
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := apply(s.ctx, cmd); err != nil {
			s.logger.Warn("command rejected",
				slog.String("subject", subject),
				slog.String("error", err.Error()))
		}
	}()
}

func (s *Service) Close() {
	s.cancel()
	s.drainAll()
	s.wg.Wait()
}

func (s *Service) drainAll() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) Healthy() bool {
	return len(s.subs) == 4
}
