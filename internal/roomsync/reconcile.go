package roomsync

import (
	"log/slog"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"
)

// defaultThinkingDelay applies when bot_thinking carries no delay.
const defaultThinkingDelay = 10 * time.Second

// eventHandler patches next in place and reports whether the event calls
// for a fresh snapshot. key is the event's dedup key, empty when the
// event carries nothing to log under.
type eventHandler struct {
	required []string
	apply    func(r *Reconciler, next *Snapshot, ev Event, key string) bool
}

// structuralKinds change state the client cannot patch locally. They only
// log when the server gave them an id, and always ask for a refresh.
var structuralKinds = []string{
	"card_given",
	"card_discarded",
	"revolution",
	"direction",
	"mass_discard",
	"auto_transfer",
	"give_submitted",
	"player_finished",
	"player_taken_over",
	"player_lost",
	"game_started",
	"game_over",
	"game_finished",
	"turn_changed",
}

var eventHandlers = map[string]eventHandler{
	"card_played":      {required: []string{"player_id", "cards"}, apply: applyCardPlayed},
	"word_played":      {required: []string{"player_id", "word"}, apply: applyWordPlayed},
	"bot_thinking":     {required: []string{"player_id"}, apply: applyBotThinking},
	"bot_typing_start": {required: []string{"player_id"}, apply: applyTypingStart},
	"bot_typing_stop":  {required: []string{"player_id"}, apply: applyTypingStop},
	"bot_chat":         {required: []string{"text"}, apply: applyChat},
	"message":          {required: []string{"text"}, apply: applyChat},
}

func init() {
	for _, kind := range structuralKinds {
		eventHandlers[kind] = eventHandler{apply: applyStructural}
	}
}

// Reconciler owns the local Snapshot. Writes are serialized; readers get
// an immutable pointer that is replaced in one step per change.
type Reconciler struct {
	dedup  *Deduplicator
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	current atomic.Pointer[Snapshot]

	malformed atomic.Uint64
	unknown   atomic.Uint64
}

// NewReconciler creates a Reconciler holding an empty Snapshot for the
// given identity.
func NewReconciler(roomID, playerID string, dedup *Deduplicator, logger *slog.Logger) *Reconciler {
	r := &Reconciler{
		dedup:  dedup,
		logger: logger,
		now:    time.Now,
	}

	r.current.Store(&Snapshot{
		RoomID:       roomID,
		PlayerID:     playerID,
		Participants: []Participant{},
		SharedArea:   []string{},
		Log:          []LogEntry{},
	})

	return r
}

// Snapshot returns the current published Snapshot. Never nil.
func (r *Reconciler) Snapshot() *Snapshot {
	return r.current.Load()
}

// Malformed returns how many events were dropped for missing or
// unparseable fields.
func (r *Reconciler) Malformed() uint64 {
	return r.malformed.Load()
}

// Unknown returns how many events of unrecognized kinds were ignored.
func (r *Reconciler) Unknown() uint64 {
	return r.unknown.Load()
}

// ApplySnapshot replaces every structural field with the server's view,
// appends unseen history entries to the log and keeps live thinking
// indicators. It reports whether anything changed.
func (r *Reconciler) ApplySnapshot(rs *RoomState) bool {
	if rs == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	prev := r.current.Load()
	next := prev.clone()

	next.Participants = mergeParticipants(rs.Players, prev, now)
	next.Turn = rs.CurrentTurn
	next.Started = rs.Started
	next.SharedArea = orEmpty(slices.Clone(rs.SharedArea()))
	next.Hand = slices.Clone(rs.YourHand)
	next.Revolution = rs.Revolution
	next.Direction = rs.Direction
	next.LastPlayer = rs.LastPlayer
	next.PendingDiscard = nil
	next.PendingGive = nil

	if rs.PendingDiscard != nil {
		pd := *rs.PendingDiscard
		next.PendingDiscard = &pd
	}

	if rs.PendingGive != nil {
		pg := *rs.PendingGive
		next.PendingGive = &pg
	}

	for _, m := range rs.Messages {
		key, ok := r.dedup.AdmitRecord(m)
		if !ok || key == "" {
			continue
		}

		name := m.Name
		if name == "" {
			name = next.NameOf(m.PlayerID)
		}

		next.Log = append(next.Log, LogEntry{
			Key:      key,
			Kind:     "message",
			PlayerID: m.PlayerID,
			Name:     name,
			Text:     m.Text,
			TS:       m.TS,
			Origin:   OriginPoll,
		})
	}

	return r.publish(prev, next, now)
}

// ApplyEvent patches the Snapshot with one push event. It reports whether
// the Snapshot changed and whether the event calls for a fresh snapshot.
// Duplicates, malformed payloads and unknown kinds change nothing.
func (r *Reconciler) ApplyEvent(ev Event) (changed, refresh bool) {
	h, ok := eventHandlers[ev.Kind]
	if !ok {
		r.unknown.Add(1)
		r.logger.Debug("ignoring unknown event", slog.String("kind", ev.Kind))

		return false, false
	}

	if len(ev.Data) == 0 {
		ev.Data = []byte("{}")
	}

	if !gjson.ValidBytes(ev.Data) || !gjson.ParseBytes(ev.Data).IsObject() {
		r.dropMalformed(ev, "payload is not a JSON object")
		return false, false
	}

	for _, path := range h.required {
		if !ev.Get(path).Exists() {
			r.dropMalformed(ev, "missing "+path)
			return false, false
		}
	}

	key, admitted := r.dedup.Admit(ev)
	if !admitted {
		r.logger.Debug("dropping duplicate event", slog.String("kind", ev.Kind), slog.String("key", key))
		return false, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	prev := r.current.Load()
	next := prev.clone()

	refresh = h.apply(r, next, ev, key)

	return r.publish(prev, next, now), refresh
}

// NextDeadline returns the earliest thinking deadline still in the
// future, or the zero time when none is pending.
func (r *Reconciler) NextDeadline() time.Time {
	var next time.Time

	for _, p := range r.current.Load().Participants {
		if !p.Thinking || p.ThinkingUntil.IsZero() {
			continue
		}

		if next.IsZero() || p.ThinkingUntil.Before(next) {
			next = p.ThinkingUntil
		}
	}

	return next
}

// Sweep clears thinking indicators whose deadline has passed.
func (r *Reconciler) Sweep() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	prev := r.current.Load()
	next := prev.clone()

	for i := range next.Participants {
		if next.Participants[i].Thinking && !next.Participants[i].IsThinking(now) {
			next.Participants[i].Thinking = false
			next.Participants[i].ThinkingUntil = time.Time{}
		}
	}

	return r.publish(prev, next, now)
}

func (r *Reconciler) dropMalformed(ev Event, reason string) {
	r.malformed.Add(1)
	r.logger.Warn("dropping malformed event",
		slog.String("kind", ev.Kind),
		slog.String("reason", reason),
	)
}

// publish swaps next in when it differs from prev.
func (r *Reconciler) publish(prev, next *Snapshot, now time.Time) bool {
	if sameState(prev, next) {
		return false
	}

	next.Revision = prev.Revision + 1
	next.UpdatedAt = now
	r.current.Store(next)

	return true
}

func sameState(a, b *Snapshot) bool {
	x, y := *a, *b
	x.Revision, y.Revision = 0, 0
	x.UpdatedAt, y.UpdatedAt = time.Time{}, time.Time{}

	return reflect.DeepEqual(x, y)
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}

	return s
}

// mergeParticipants builds the participant list from the server's view,
// carrying over thinking indicators that are still live.
func mergeParticipants(players []PlayerState, prev *Snapshot, now time.Time) []Participant {
	out := make([]Participant, 0, len(players))

	for _, ps := range players {
		p := Participant{
			ID:     ps.ID,
			Name:   ps.DisplayName,
			IsBot:  ps.IsBot,
			Active: ps.Active == nil || *ps.Active,
		}

		if p.Name == "" {
			p.Name = ps.Name
		}

		if ps.HandCount != nil {
			n := *ps.HandCount
			p.HandCount = &n
		}

		if old, ok := prev.Participant(ps.ID); ok && old.IsThinking(now) {
			p.Thinking = true
			p.ThinkingUntil = old.ThinkingUntil
		}

		out = append(out, p)
	}

	return out
}

func setThinking(s *Snapshot, id string, on bool, until time.Time) {
	for i := range s.Participants {
		if s.Participants[i].ID != id {
			continue
		}

		s.Participants[i].Thinking = on
		s.Participants[i].ThinkingUntil = until

		if !on {
			s.Participants[i].ThinkingUntil = time.Time{}
		}

		return
	}
}

func appendEventLog(s *Snapshot, ev Event, key string) {
	if key == "" {
		return
	}

	actor := ev.Get("player_id").String()

	name := ev.Get("name").String()
	if name == "" && actor != "" {
		name = s.NameOf(actor)
	}

	text := entryText(ev)
	if text == "" {
		text = ev.Kind
	}

	s.Log = append(s.Log, LogEntry{
		Key:      key,
		Kind:     ev.Kind,
		PlayerID: actor,
		Name:     name,
		Text:     text,
		TS:       ev.Get("ts").String(),
		Origin:   ev.Origin,
	})
}

func applyCardPlayed(_ *Reconciler, s *Snapshot, ev Event, key string) bool {
	cards := ev.Get("cards").Array()

	area := make([]string, 0, len(cards))
	for _, c := range cards {
		area = append(area, c.String())
	}

	s.SharedArea = area
	setThinking(s, ev.Get("player_id").String(), false, time.Time{})
	appendEventLog(s, ev, key)

	return true
}

func applyWordPlayed(_ *Reconciler, s *Snapshot, ev Event, key string) bool {
	word := ev.Get("word").String()

	// The used-word list is replayed from the snapshot; only extend it
	// when the word is not already its tail.
	if n := len(s.SharedArea); n == 0 || s.SharedArea[n-1] != word {
		s.SharedArea = append(s.SharedArea, word)
	}

	setThinking(s, ev.Get("player_id").String(), false, time.Time{})
	appendEventLog(s, ev, key)

	return true
}

func applyBotThinking(r *Reconciler, s *Snapshot, ev Event, _ string) bool {
	delay := defaultThinkingDelay

	if d := ev.Get("delay"); d.Exists() && d.Float() > 0 {
		delay = time.Duration(d.Float() * float64(time.Second))
	}

	setThinking(s, ev.Get("player_id").String(), true, r.now().Add(delay))

	return false
}

func applyTypingStart(_ *Reconciler, s *Snapshot, ev Event, _ string) bool {
	setThinking(s, ev.Get("player_id").String(), true, time.Time{})
	return false
}

func applyTypingStop(_ *Reconciler, s *Snapshot, ev Event, _ string) bool {
	setThinking(s, ev.Get("player_id").String(), false, time.Time{})
	return false
}

func applyChat(_ *Reconciler, s *Snapshot, ev Event, key string) bool {
	appendEventLog(s, ev, key)
	return false
}

func applyStructural(_ *Reconciler, s *Snapshot, ev Event, key string) bool {
	if ev.Get("msg_id").Exists() || ev.Get("id").Exists() {
		appendEventLog(s, ev, key)
	}

	return true
}
