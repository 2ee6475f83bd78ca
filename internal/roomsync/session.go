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
	"github.com/alexjbarnes/roomsync/internal/logging"
)

const (
	// loopChanSize buffers hand-offs from the push reader and the poll
	// fetcher so a burst does not stall them on a busy loop.
	loopChanSize = 64
)

// SessionConfig holds what a Session needs to join a room and the
// callbacks it reports through. All callbacks run on the session's loop
// goroutine, one at a time, and must not call Leave.
type SessionConfig struct {
	Profile       Profile
	API           RoomAPI
	Dialer        Dialer
	DedupCapacity int

	// OnStateChanged is called once per reconciliation that changed the
	// mirror, with the new immutable Snapshot.
	OnStateChanged func(*Snapshot)

	// OnHealthChange is called when push health changes.
	OnHealthChange func(Health)

	// OnClosed is called once if the session ends on its own, with the
	// reason. It is not called for Leave.
	OnClosed func(error)
}

// SessionStats gathers the counters of a session's components.
type SessionStats struct {
	Revision        uint64    `json:"revision" yaml:"revision"`
	PushEvents      uint64    `json:"push_events" yaml:"push_events"`
	Reconnects      uint64    `json:"reconnects" yaml:"reconnects"`
	Duplicates      uint64    `json:"duplicates" yaml:"duplicates"`
	MalformedEvents uint64    `json:"malformed_events" yaml:"malformed_events"`
	UnknownEvents   uint64    `json:"unknown_events" yaml:"unknown_events"`
	DedupKeys       int       `json:"dedup_keys" yaml:"dedup_keys"`
	Poll            PollStats `json:"poll" yaml:"poll"`
}

// Session mirrors one joined room. It owns the push channel, the poll
// scheduler, the deduplicator and the reconciler, and runs a single loop
// goroutine that applies everything they deliver in arrival order.
type Session struct {
	cfg    SessionConfig
	logger *slog.Logger

	mu       sync.Mutex
	started  bool
	roomID   string
	playerID string

	dedup *Deduplicator
	recon *Reconciler
	push  *PushChannel
	poll  *PollScheduler

	events    chan Event
	snapshots chan *RoomState
	healthCh  chan Health
	terminal  chan error

	phase  atomic.Int32
	health atomic.Int32

	cancel    context.CancelFunc
	loopDone  chan struct{}
	closeOnce sync.Once
	done      chan struct{}
	err       error
}

// NewSession creates a session that has not joined a room yet.
func NewSession(cfg SessionConfig, logger *slog.Logger) *Session {
	if logger == nil {
		logger = logging.Discard()
	}

	return &Session{
		cfg:       cfg,
		logger:    logger,
		events:    make(chan Event, loopChanSize),
		snapshots: make(chan *RoomState, loopChanSize),
		healthCh:  make(chan Health, loopChanSize),
		terminal:  make(chan error, 1),
		loopDone:  make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Create opens a new room on the server and starts mirroring it.
func (s *Session) Create(ctx context.Context, name string) error {
	if err := s.checkFresh(); err != nil {
		return err
	}

	resp, err := s.cfg.API.Create(ctx, name)
	if err != nil {
		return err
	}

	return s.start(ctx, resp.RoomID, resp.PlayerID)
}

// Join takes a seat in roomID and starts mirroring it.
func (s *Session) Join(ctx context.Context, roomID, name string) error {
	if roomID == "" {
		return syncerr.ErrEmptyRoomID
	}

	if err := s.checkFresh(); err != nil {
		return err
	}

	resp, err := s.cfg.API.Join(ctx, roomID, name)
	if err != nil {
		return err
	}

	if resp.Already {
		s.logger.Info("already seated in room", slog.String("room", roomID))
	}

	return s.start(ctx, roomID, resp.PlayerID)
}

// Resume starts mirroring a room with an identity obtained earlier. If
// the room is gone the first poll closes the session.
func (s *Session) Resume(ctx context.Context, roomID, playerID string) error {
	if roomID == "" {
		return syncerr.ErrEmptyRoomID
	}

	if playerID == "" {
		return fmt.Errorf("resuming %s: player id is empty", roomID)
	}

	if err := s.checkFresh(); err != nil {
		return err
	}

	return s.start(ctx, roomID, playerID)
}

func (s *Session) checkFresh() error {
	select {
	case <-s.done:
		return syncerr.ErrSessionClosed
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.New("session already joined a room")
	}

	return nil
}

func (s *Session) start(ctx context.Context, roomID, playerID string) error {
	if roomID == "" {
		return syncerr.ErrEmptyRoomID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.done:
		return syncerr.ErrSessionClosed
	default:
	}

	if s.started {
		return errors.New("session already joined a room")
	}

	// The session outlives the call that started it; Leave ends it.
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	s.started = true
	s.roomID = roomID
	s.playerID = playerID
	s.cancel = cancel

	s.dedup = NewDeduplicator(s.cfg.DedupCapacity)
	s.recon = NewReconciler(roomID, playerID, s.dedup, s.logger)

	s.push = NewPushChannel(PushConfig{
		Dialer:  s.cfg.Dialer,
		Backoff: s.cfg.Profile.Backoff,
		OnEvent: func(ev Event) {
			select {
			case s.events <- ev:
			case <-loopCtx.Done():
			}
		},
		OnHealth: func(h Health) {
			select {
			case s.healthCh <- h:
			case <-loopCtx.Done():
			}
		},
	}, s.logger.With(slog.String("component", "push")))

	s.poll = NewPollScheduler(PollConfig{
		API:      s.cfg.API,
		RoomID:   roomID,
		PlayerID: playerID,
		Online:   s.cfg.Profile.PollOnline,
		Recovery: s.cfg.Profile.PollRecovery,
		OnSnapshot: func(rs *RoomState) {
			select {
			case s.snapshots <- rs:
			case <-loopCtx.Done():
			}
		},
		OnTerminal: func(err error) {
			select {
			case s.terminal <- err:
			default:
			}
		},
	}, s.logger.With(slog.String("component", "poll")))

	s.phase.Store(int32(PhaseJoining))

	s.logger.Info("session started",
		slog.String("room", roomID),
		slog.String("player", playerID),
		slog.String("profile", s.cfg.Profile.Name),
	)

	go s.loop(loopCtx)

	s.poll.Start(loopCtx)

	if err := s.push.Open(loopCtx, roomID); err != nil {
		go s.shutdown(err, false)
		return err
	}

	return nil
}

// loop is the single consumer of everything the components deliver.
func (s *Session) loop(ctx context.Context) {
	defer close(s.loopDone)

	synced := false

	var (
		sweep      *time.Timer
		sweepC     <-chan time.Time
		sweepAlarm time.Time
	)

	defer func() {
		if sweep != nil {
			sweep.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case ev := <-s.events:
			changed, refresh := s.recon.ApplyEvent(ev)
			if changed {
				s.notify()
			}

			if refresh {
				s.poll.Trigger()
			}

		case rs := <-s.snapshots:
			changed := s.recon.ApplySnapshot(rs)

			if !synced {
				synced = true
				s.updatePhase()
			}

			if changed {
				s.notify()
			}

		case h := <-s.healthCh:
			s.health.Store(int32(h))
			s.poll.SetHealth(h)

			if synced {
				s.updatePhase()
			}

			s.logger.Info("push health changed", slog.String("health", h.String()))

			if s.cfg.OnHealthChange != nil {
				s.cfg.OnHealthChange(h)
			}

		case err := <-s.terminal:
			s.shutdown(err, true)
			return

		case <-sweepC:
			sweepC, sweepAlarm = nil, time.Time{}

			if s.recon.Sweep() {
				s.notify()
			}
		}

		// Re-arm the sweep timer for the earliest thinking deadline.
		if deadline := s.recon.NextDeadline(); !deadline.IsZero() && !deadline.Equal(sweepAlarm) {
			if sweep == nil {
				sweep = time.NewTimer(time.Until(deadline))
			} else {
				sweep.Reset(time.Until(deadline))
			}

			sweepC, sweepAlarm = sweep.C, deadline
		}
	}
}

func (s *Session) notify() {
	if s.cfg.OnStateChanged != nil {
		s.cfg.OnStateChanged(s.recon.Snapshot())
	}
}

// updatePhase derives SYNCED or DEGRADED from push health. Only called
// once a snapshot has been applied.
func (s *Session) updatePhase() {
	next := PhaseDegraded
	if Health(s.health.Load()) == HealthConnected {
		next = PhaseSynced
	}

	for {
		cur := s.phase.Load()
		if Phase(cur) == PhaseClosed || Phase(cur) == next {
			return
		}

		if s.phase.CompareAndSwap(cur, int32(next)) {
			s.logger.Info("session phase changed", slog.String("phase", next.String()))
			return
		}
	}
}

// shutdown ends the session exactly once. fromLoop is set when the loop
// goroutine itself is closing the session.
func (s *Session) shutdown(reason error, fromLoop bool) {
	s.closeOnce.Do(func() {
		s.phase.Store(int32(PhaseClosed))

		s.mu.Lock()
		cancel, push, poll := s.cancel, s.push, s.poll
		room := s.roomID
		s.roomID, s.playerID = "", ""
		s.mu.Unlock()

		if cancel != nil {
			cancel()

			if !fromLoop {
				<-s.loopDone
			}
		}

		if push != nil {
			push.Close()
		}

		if poll != nil {
			poll.Stop()
		}

		s.health.Store(int32(HealthDisconnected))
		s.err = reason

		if reason != nil {
			s.logger.Warn("session closed", slog.String("error", reason.Error()))

			if s.cfg.OnClosed != nil {
				s.cfg.OnClosed(reason)
			}
		} else {
			s.logger.Info("left room", slog.String("room", room))
		}

		close(s.done)
	})
}

// Leave stops mirroring and waits for every goroutine the session started
// to exit. No callback runs after Leave returns. Safe to call more than
// once, but not from inside a callback.
func (s *Session) Leave() {
	s.shutdown(nil, false)

	s.mu.Lock()
	started := s.started
	s.mu.Unlock()

	if started {
		<-s.loopDone
	}
}

// Done is closed once the session has ended, by Leave or on its own.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the reason the session closed itself, or nil.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Snapshot returns the current mirror, or nil before a room is joined and
// after the session closes.
func (s *Session) Snapshot() *Snapshot {
	if s.Phase() == PhaseClosed {
		return nil
	}

	s.mu.Lock()
	recon := s.recon
	s.mu.Unlock()

	if recon == nil {
		return nil
	}

	return recon.Snapshot()
}

// Health returns push health as last seen by the loop.
func (s *Session) Health() Health {
	return Health(s.health.Load())
}

// Phase returns the lifecycle phase.
func (s *Session) Phase() Phase {
	return Phase(s.phase.Load())
}

// RoomID returns the joined room, or "" before joining and after close.
func (s *Session) RoomID() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.roomID
}

// PlayerID returns this client's seat, or "" before joining and after close.
func (s *Session) PlayerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.playerID
}

// Stats returns the session's counters.
func (s *Session) Stats() SessionStats {
	s.mu.Lock()
	dedup, recon, push, poll := s.dedup, s.recon, s.push, s.poll
	s.mu.Unlock()

	if recon == nil {
		return SessionStats{}
	}

	return SessionStats{
		Revision:        recon.Snapshot().Revision,
		PushEvents:      push.Events(),
		Reconnects:      push.Reconnects(),
		Duplicates:      dedup.Dropped(),
		MalformedEvents: recon.Malformed(),
		UnknownEvents:   recon.Unknown(),
		DedupKeys:       dedup.Len(),
		Poll:            poll.Stats(),
	}
}
