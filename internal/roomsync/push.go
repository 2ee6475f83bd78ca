package roomsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	syncerr "github.com/alexjbarnes/roomsync/internal/errors"
)

// Event kinds the server sends to end a subscription. They are never
// delivered to OnEvent.
const (
	signalError = "error"
	signalClose = "close"
)

// ErrStreamSignal is returned by a stream the server ended with an error
// or close event.
var ErrStreamSignal = errors.New("server ended the event stream")

// PushConfig holds the collaborators of a PushChannel.
type PushConfig struct {
	Dialer  Dialer
	Backoff Backoff

	// OnEvent receives every named event, unmodified, from the worker
	// goroutine.
	OnEvent func(Event)

	// OnHealth is called from the worker goroutine whenever health
	// changes while the channel is open.
	OnHealth func(Health)
}

// PushChannel owns at most one live push subscription and keeps it alive
// with reconnects until Close.
type PushChannel struct {
	cfg    PushConfig
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	health     atomic.Int32
	reconnects atomic.Uint64
	events     atomic.Uint64
}

// NewPushChannel creates a closed PushChannel.
func NewPushChannel(cfg PushConfig, logger *slog.Logger) *PushChannel {
	return &PushChannel{
		cfg:    cfg,
		logger: logger,
	}
}

// Open starts a subscription for roomID, replacing any existing one. It
// returns once the worker is started; health reports when the transport
// is actually open.
func (p *PushChannel) Open(ctx context.Context, roomID string) error {
	if roomID == "" {
		return syncerr.ErrEmptyRoomID
	}

	p.Close()

	p.mu.Lock()
	defer p.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done

	go func() {
		defer close(done)
		p.run(runCtx, roomID)
	}()

	return nil
}

// Close stops the subscription and any pending retry, and waits for the
// worker to exit. Safe to call more than once.
func (p *PushChannel) Close() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	<-done

	p.health.Store(int32(HealthDisconnected))
}

// Health returns the current health of the channel.
func (p *PushChannel) Health() Health {
	return Health(p.health.Load())
}

// Reconnects returns how many times the channel has scheduled a retry.
func (p *PushChannel) Reconnects() uint64 {
	return p.reconnects.Load()
}

// Events returns how many events the channel has delivered.
func (p *PushChannel) Events() uint64 {
	return p.events.Load()
}

func (p *PushChannel) setHealth(ctx context.Context, h Health) {
	if Health(p.health.Swap(int32(h))) == h {
		return
	}

	if ctx.Err() != nil {
		return
	}

	if p.cfg.OnHealth != nil {
		p.cfg.OnHealth(h)
	}
}

// run dials, reads until the stream fails, and retries after the backoff
// delay. attempt counts consecutive failures since the last open.
func (p *PushChannel) run(ctx context.Context, roomID string) {
	attempt := 0

	for {
		stream, err := p.cfg.Dialer.Dial(ctx, roomID)
		if err == nil {
			attempt = 0

			p.logger.Info("push channel open", slog.String("room", roomID))
			p.setHealth(ctx, HealthConnected)

			err = p.consume(ctx, stream)

			if cerr := stream.Close(); cerr != nil {
				p.logger.Debug("closing push stream", slog.String("error", cerr.Error()))
			}
		}

		if ctx.Err() != nil {
			return
		}

		p.setHealth(ctx, HealthReconnecting)

		delay := p.cfg.Backoff.Delay(attempt)
		attempt++
		p.reconnects.Add(1)

		p.logger.Warn("push channel lost, reconnecting",
			slog.String("room", roomID),
			slog.String("error", err.Error()),
			slog.Duration("backoff", delay),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (p *PushChannel) consume(ctx context.Context, stream Stream) error {
	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			return err
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if ev.Kind == signalError || ev.Kind == signalClose {
			return fmt.Errorf("%w: %s %s", ErrStreamSignal, ev.Kind, sanitizeResponseBody(ev.Data))
		}

		ev.Origin = OriginPush
		p.events.Add(1)

		if p.cfg.OnEvent != nil {
			p.cfg.OnEvent(ev)
		}
	}
}
