package roomsync

import (
	"slices"
	"time"

	"github.com/tidwall/gjson"
)

// Health is the state of the push channel as seen by its consumers.
type Health int32

const (
	HealthDisconnected Health = iota
	HealthReconnecting
	HealthConnected
)

func (h Health) String() string {
	switch h {
	case HealthConnected:
		return "connected"
	case HealthReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Phase is the lifecycle state of a room session.
type Phase int32

const (
	// PhaseJoining means no snapshot has been applied yet.
	PhaseJoining Phase = iota

	// PhaseSynced means a snapshot has been applied and push is live.
	PhaseSynced

	// PhaseDegraded means push is down and polling alone keeps the
	// mirror current.
	PhaseDegraded

	// PhaseClosed is terminal: the session left or the room is gone.
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseJoining:
		return "joining"
	case PhaseSynced:
		return "synced"
	case PhaseDegraded:
		return "degraded"
	default:
		return "closed"
	}
}

// Origin records which update path delivered an event.
type Origin string

const (
	OriginPush Origin = "push"
	OriginPoll Origin = "poll"
)

// Event is one named payload from the push channel. Data is kept raw and
// read lazily, so the transport never has to understand event semantics.
type Event struct {
	Kind   string
	Data   []byte
	Origin Origin
}

// Get returns the value at a gjson path inside the event payload.
func (e Event) Get(path string) gjson.Result {
	return gjson.GetBytes(e.Data, path)
}

// Wire types for the REST API.

// JoinRequest is the payload for create and join.
type JoinRequest struct {
	Name string `json:"name"`
}

// JoinResponse is returned from create and join.
type JoinResponse struct {
	RoomID   string `json:"room_id"`
	PlayerID string `json:"player_id"`
	Already  bool   `json:"already,omitempty"`
}

// APIError is the error body returned by the game server.
type APIError struct {
	Error string `json:"error"`
}

// RoomState is the full snapshot returned by GET .../state. Fields only
// one game uses are left at their zero value by the other.
type RoomState struct {
	ID             string          `json:"id"`
	Players        []PlayerState   `json:"players"`
	Started        bool            `json:"started"`
	CurrentTurn    int             `json:"current_turn"`
	Center         []string        `json:"center"`
	UsedWords      []string        `json:"used_words"`
	YourHand       []string        `json:"your_hand"`
	Messages       []MessageRecord `json:"messages"`
	TurnStartedAt  string          `json:"turn_started_at"`
	Revolution     bool            `json:"revolution"`
	Direction      string          `json:"direction"`
	LastPlayer     string          `json:"last_player"`
	PendingDiscard *PendingDiscard `json:"pending_discard"`
	PendingGive    *PendingGive    `json:"pending_give"`
}

// SharedArea returns the contents of the table: the used-word list for
// the word game, the center pile otherwise.
func (rs *RoomState) SharedArea() []string {
	if rs.UsedWords != nil {
		return rs.UsedWords
	}

	return rs.Center
}

// PlayerState is one entry of RoomState.Players.
type PlayerState struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	IsBot       bool   `json:"is_bot"`
	HandCount   *int   `json:"hand_count"`
	Active      *bool  `json:"active"`
}

// MessageRecord is one entry of the server's message history.
type MessageRecord struct {
	ID       string `json:"id"`
	PlayerID string `json:"player_id"`
	Name     string `json:"name"`
	Text     string `json:"text"`
	TS       string `json:"ts"`
}

// PendingDiscard marks a player who must choose cards to discard.
type PendingDiscard struct {
	PlayerID string `json:"player_id" yaml:"player_id"`
	Allowed  bool   `json:"allowed" yaml:"allowed"`
}

// PendingGive marks that this player must hand Count cards to another.
type PendingGive struct {
	To      string `json:"to" yaml:"to"`
	ToName  string `json:"to_name" yaml:"to_name"`
	Count   int    `json:"count" yaml:"count"`
	Allowed bool   `json:"allowed" yaml:"allowed"`
}

// Local mirror types.

// Participant is one seat in the room as mirrored locally.
type Participant struct {
	ID        string `json:"id" yaml:"id"`
	Name      string `json:"name" yaml:"name"`
	IsBot     bool   `json:"is_bot" yaml:"is_bot"`
	HandCount *int   `json:"hand_count,omitempty" yaml:"hand_count,omitempty"`
	Active    bool   `json:"active" yaml:"active"`

	// Thinking is driven only by push events. ThinkingUntil is zero when
	// the server gave no deadline.
	Thinking      bool      `json:"thinking" yaml:"thinking"`
	ThinkingUntil time.Time `json:"thinking_until,omitzero" yaml:"thinking_until,omitempty"`
}

// IsThinking reports whether the thinking indicator is still live at now.
func (p Participant) IsThinking(now time.Time) bool {
	if !p.Thinking {
		return false
	}

	return p.ThinkingUntil.IsZero() || now.Before(p.ThinkingUntil)
}

// LogEntry is one rendered line of the room log.
type LogEntry struct {
	Key      string `json:"key" yaml:"key"`
	Kind     string `json:"kind" yaml:"kind"`
	PlayerID string `json:"player_id,omitempty" yaml:"player_id,omitempty"`
	Name     string `json:"name" yaml:"name"`
	Text     string `json:"text" yaml:"text"`
	TS       string `json:"ts,omitempty" yaml:"ts,omitempty"`
	Origin   Origin `json:"origin" yaml:"origin"`
}

// Snapshot is the reconciled local view of a room. A published Snapshot
// is never mutated; every reconciliation publishes a new one.
type Snapshot struct {
	RoomID   string `json:"room_id" yaml:"room_id"`
	PlayerID string `json:"player_id" yaml:"player_id"`
	Revision uint64 `json:"revision" yaml:"revision"`

	Participants []Participant `json:"participants" yaml:"participants"`
	Turn         int           `json:"turn" yaml:"turn"`
	Started      bool          `json:"started" yaml:"started"`
	SharedArea   []string      `json:"shared_area" yaml:"shared_area"`
	Hand         []string      `json:"hand,omitempty" yaml:"hand,omitempty"`

	PendingDiscard *PendingDiscard `json:"pending_discard,omitempty" yaml:"pending_discard,omitempty"`
	PendingGive    *PendingGive    `json:"pending_give,omitempty" yaml:"pending_give,omitempty"`

	Revolution bool   `json:"revolution,omitempty" yaml:"revolution,omitempty"`
	Direction  string `json:"direction,omitempty" yaml:"direction,omitempty"`
	LastPlayer string `json:"last_player,omitempty" yaml:"last_player,omitempty"`

	Log []LogEntry `json:"log" yaml:"log"`

	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// clone returns a copy that can be mutated without affecting s. Log
// shares its backing array with s but is capped, so appends reallocate.
func (s *Snapshot) clone() *Snapshot {
	c := *s
	c.Participants = slices.Clone(s.Participants)
	c.SharedArea = slices.Clone(s.SharedArea)
	c.Hand = slices.Clone(s.Hand)
	c.Log = s.Log[:len(s.Log):len(s.Log)]

	if s.PendingDiscard != nil {
		pd := *s.PendingDiscard
		c.PendingDiscard = &pd
	}

	if s.PendingGive != nil {
		pg := *s.PendingGive
		c.PendingGive = &pg
	}

	return &c
}

// Participant returns the participant with the given id.
func (s *Snapshot) Participant(id string) (Participant, bool) {
	for _, p := range s.Participants {
		if p.ID == id {
			return p, true
		}
	}

	return Participant{}, false
}

// NameOf resolves a player id to a display name, falling back to the id.
func (s *Snapshot) NameOf(id string) string {
	if p, ok := s.Participant(id); ok && p.Name != "" {
		return p.Name
	}

	return id
}

// CurrentParticipant returns whoever holds the turn marker.
func (s *Snapshot) CurrentParticipant() (Participant, bool) {
	if s.Turn < 0 || s.Turn >= len(s.Participants) {
		return Participant{}, false
	}

	return s.Participants[s.Turn], true
}

// IsMyTurn reports whether this client holds the turn marker.
func (s *Snapshot) IsMyTurn() bool {
	p, ok := s.CurrentParticipant()
	return ok && s.Started && p.ID == s.PlayerID && p.Active
}

// MustDiscard reports whether this client owes a discard choice.
func (s *Snapshot) MustDiscard() bool {
	return s.PendingDiscard != nil && s.PendingDiscard.PlayerID == s.PlayerID && s.PendingDiscard.Allowed
}
