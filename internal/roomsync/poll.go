package roomsync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	syncerr "github.com/alexjbarnes/roomsync/internal/errors"
)

// PollConfig holds the collaborators and timing of a PollScheduler.
type PollConfig struct {
	API      RoomAPI
	RoomID   string
	PlayerID string

	// Online is the interval while push is connected; Recovery is used
	// in every other health state.
	Online   time.Duration
	Recovery time.Duration

	// OnSnapshot receives every successfully fetched snapshot from the
	// fetch goroutine.
	OnSnapshot func(*RoomState)

	// OnTerminal is called at most once, when the room no longer exists.
	// The scheduler has already stopped ticking.
	OnTerminal func(error)
}

// PollStats counts poll outcomes.
type PollStats struct {
	Polls     uint64 `json:"polls" yaml:"polls"`
	Skipped   uint64 `json:"skipped" yaml:"skipped"`
	Failures  uint64 `json:"failures" yaml:"failures"`
	Malformed uint64 `json:"malformed" yaml:"malformed"`
}

// PollScheduler fetches the room snapshot on a timer whose interval
// follows push health. At most one fetch is outstanding at a time.
type PollScheduler struct {
	cfg    PollConfig
	logger *slog.Logger

	inflight *semaphore.Weighted
	rearm    chan struct{}
	trigger  chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	health   atomic.Int32
	terminal atomic.Bool

	polls     atomic.Uint64
	skipped   atomic.Uint64
	failures  atomic.Uint64
	malformed atomic.Uint64
}

// NewPollScheduler creates a stopped scheduler. Health starts as
// disconnected, so polling runs at the recovery interval until push
// reports connected.
func NewPollScheduler(cfg PollConfig, logger *slog.Logger) *PollScheduler {
	return &PollScheduler{
		cfg:      cfg,
		logger:   logger,
		inflight: semaphore.NewWeighted(1),
		rearm:    make(chan struct{}, 1),
		trigger:  make(chan struct{}, 1),
	}
}

// Start begins polling. The first fetch is issued immediately. Calling
// Start on a running scheduler is a no-op.
func (p *PollScheduler) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil || p.terminal.Load() {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(1)

	go func() {
		defer p.wg.Done()
		p.run(runCtx)
	}()
}

// Stop halts polling and waits for the ticker loop and any outstanding
// fetch to finish. Safe to call more than once.
func (p *PollScheduler) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	p.wg.Wait()
}

// SetHealth records the push health and re-arms the ticker with the
// matching interval.
func (p *PollScheduler) SetHealth(h Health) {
	if Health(p.health.Swap(int32(h))) == h {
		return
	}

	select {
	case p.rearm <- struct{}{}:
	default:
	}
}

// Trigger requests a fetch outside the regular schedule. It is subject to
// the same one-outstanding rule as a tick.
func (p *PollScheduler) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Interval returns the interval the scheduler uses for the current health.
func (p *PollScheduler) Interval() time.Duration {
	if Health(p.health.Load()) == HealthConnected {
		return p.cfg.Online
	}

	return p.cfg.Recovery
}

// Stats returns a snapshot of the poll counters.
func (p *PollScheduler) Stats() PollStats {
	return PollStats{
		Polls:     p.polls.Load(),
		Skipped:   p.skipped.Load(),
		Failures:  p.failures.Load(),
		Malformed: p.malformed.Load(),
	}
}

func (p *PollScheduler) run(ctx context.Context) {
	p.tick(ctx)

	interval := p.Interval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-p.rearm:
			if next := p.Interval(); next != interval {
				interval = next
				ticker.Reset(interval)
				p.logger.Debug("poll interval changed", slog.Duration("interval", interval))
			}

		case <-p.trigger:
			p.tick(ctx)

		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// tick starts one fetch unless one is already outstanding.
func (p *PollScheduler) tick(ctx context.Context) {
	if !p.inflight.TryAcquire(1) {
		p.skipped.Add(1)
		return
	}

	p.wg.Add(1)

	go func() {
		defer p.wg.Done()
		defer p.inflight.Release(1)

		p.fetch(ctx)
	}()
}

func (p *PollScheduler) fetch(ctx context.Context) {
	rs, err := p.cfg.API.FetchState(ctx, p.cfg.RoomID, p.cfg.PlayerID)
	if ctx.Err() != nil {
		return
	}

	switch {
	case err == nil:
		p.polls.Add(1)

		if p.cfg.OnSnapshot != nil {
			p.cfg.OnSnapshot(rs)
		}

	case errors.Is(err, syncerr.ErrRoomNotFound):
		if !p.terminal.CompareAndSwap(false, true) {
			return
		}

		p.logger.Warn("room gone, polling stopped",
			slog.String("room", p.cfg.RoomID),
			slog.String("error", err.Error()),
		)

		p.mu.Lock()
		if p.cancel != nil {
			p.cancel()
		}
		p.mu.Unlock()

		if p.cfg.OnTerminal != nil {
			p.cfg.OnTerminal(err)
		}

	case errors.Is(err, syncerr.ErrMalformedPayload):
		p.malformed.Add(1)
		p.logger.Warn("dropping malformed snapshot", slog.String("error", err.Error()))

	default:
		p.failures.Add(1)
		p.logger.Warn("poll failed",
			slog.String("room", p.cfg.RoomID),
			slog.Bool("transient", IsTransient(err)),
			slog.String("error", err.Error()),
		)
	}
}
