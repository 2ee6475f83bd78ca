// Package mcpserver registers read-only MCP tools over a live room mirror.
// It adapts the roomsync session to the MCP SDK's tool handler interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/alexjbarnes/roomsync/internal/roomsync"
)

// defaultLogLimit is how many log entries room_log returns by default.
const defaultLogLimit = 20

var (
	errNotJoined = errors.New("no room joined yet")
	errClosed    = errors.New("room session has closed")
)

// Mirror is the read side of a room session. *roomsync.Session
// satisfies it.
type Mirror interface {
	Snapshot() *roomsync.Snapshot
	Health() roomsync.Health
	Phase() roomsync.Phase
	Stats() roomsync.SessionStats
}

// RegisterTools adds all room tools to the given MCP server.
func RegisterTools(server *mcp.Server, m Mirror) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "room_state",
		Description: "Current mirrored state of the joined room: participants, whose turn it is, the shared area, this player's hand and any action owed. Read-only.",
	}, stateHandler(m))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "room_health",
		Description: "Push channel health, session phase and sync counters (polls, reconnects, duplicates, malformed payloads).",
	}, healthHandler(m))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "room_log",
		Description: "Most recent entries of the room log (plays and chat), oldest first. Each entry appears once regardless of how it arrived.",
	}, logHandler(m))
}

// --- Input types ---

// StateInput has no parameters.
type StateInput struct{}

// HealthInput has no parameters.
type HealthInput struct{}

// LogInput holds parameters for room_log.
type LogInput struct {
	Limit int `json:"limit,omitempty" jsonschema:"number of most recent entries to return, defaults to 20"`
}

// --- Output types ---

// ParticipantView is one seat as reported by room_state.
type ParticipantView struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	IsBot     bool   `json:"is_bot"`
	Active    bool   `json:"active"`
	Thinking  bool   `json:"thinking"`
	HandCount int    `json:"hand_count,omitempty"`
	Current   bool   `json:"current"`
}

// StateResult is the output of room_state.
type StateResult struct {
	RoomID       string            `json:"room_id"`
	PlayerID     string            `json:"player_id"`
	Revision     uint64            `json:"revision"`
	Phase        string            `json:"phase"`
	Started      bool              `json:"started"`
	MyTurn       bool              `json:"my_turn"`
	MustDiscard  bool              `json:"must_discard"`
	GiveTo       string            `json:"give_to,omitempty"`
	GiveCount    int               `json:"give_count,omitempty"`
	Revolution   bool              `json:"revolution,omitempty"`
	Participants []ParticipantView `json:"participants"`
	SharedArea   []string          `json:"shared_area"`
	Hand         []string          `json:"hand"`
	UpdatedAt    string            `json:"updated_at,omitempty"`
}

// HealthResult is the output of room_health.
type HealthResult struct {
	Health          string `json:"health"`
	Phase           string `json:"phase"`
	Revision        uint64 `json:"revision"`
	PushEvents      uint64 `json:"push_events"`
	Reconnects      uint64 `json:"reconnects"`
	Duplicates      uint64 `json:"duplicates"`
	MalformedEvents uint64 `json:"malformed_events"`
	Polls           uint64 `json:"polls"`
	PollsSkipped    uint64 `json:"polls_skipped"`
	PollFailures    uint64 `json:"poll_failures"`
	MalformedPolls  uint64 `json:"malformed_polls"`
}

// LogEntryView is one room_log entry.
type LogEntryView struct {
	Kind   string `json:"kind"`
	Name   string `json:"name"`
	Text   string `json:"text"`
	TS     string `json:"ts,omitempty"`
	Origin string `json:"origin"`
}

// LogResult is the output of room_log.
type LogResult struct {
	Total   int            `json:"total"`
	Entries []LogEntryView `json:"entries"`
}

// --- Handlers ---

func currentSnapshot(m Mirror) (*roomsync.Snapshot, error) {
	snap := m.Snapshot()
	if snap != nil {
		return snap, nil
	}

	if m.Phase() == roomsync.PhaseClosed {
		return nil, errClosed
	}

	return nil, errNotJoined
}

func stateHandler(m Mirror) mcp.ToolHandlerFor[StateInput, *StateResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ StateInput) (*mcp.CallToolResult, *StateResult, error) {
		snap, err := currentSnapshot(m)
		if err != nil {
			return nil, nil, err
		}

		result := buildState(snap, m.Phase())

		return textResult(result), result, nil
	}
}

func healthHandler(m Mirror) mcp.ToolHandlerFor[HealthInput, *HealthResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ HealthInput) (*mcp.CallToolResult, *HealthResult, error) {
		st := m.Stats()
		result := &HealthResult{
			Health:          m.Health().String(),
			Phase:           m.Phase().String(),
			Revision:        st.Revision,
			PushEvents:      st.PushEvents,
			Reconnects:      st.Reconnects,
			Duplicates:      st.Duplicates,
			MalformedEvents: st.MalformedEvents,
			Polls:           st.Poll.Polls,
			PollsSkipped:    st.Poll.Skipped,
			PollFailures:    st.Poll.Failures,
			MalformedPolls:  st.Poll.Malformed,
		}

		return textResult(result), result, nil
	}
}

func logHandler(m Mirror) mcp.ToolHandlerFor[LogInput, *LogResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input LogInput) (*mcp.CallToolResult, *LogResult, error) {
		snap, err := currentSnapshot(m)
		if err != nil {
			return nil, nil, err
		}

		if input.Limit < 0 {
			return nil, nil, fmt.Errorf("limit must not be negative, got %d", input.Limit)
		}

		limit := input.Limit
		if limit == 0 {
			limit = defaultLogLimit
		}

		entries := snap.Log
		if len(entries) > limit {
			entries = entries[len(entries)-limit:]
		}

		result := &LogResult{
			Total:   len(snap.Log),
			Entries: make([]LogEntryView, 0, len(entries)),
		}

		for _, e := range entries {
			result.Entries = append(result.Entries, LogEntryView{
				Kind:   e.Kind,
				Name:   e.Name,
				Text:   e.Text,
				TS:     e.TS,
				Origin: string(e.Origin),
			})
		}

		return textResult(result), result, nil
	}
}

func buildState(snap *roomsync.Snapshot, phase roomsync.Phase) *StateResult {
	now := time.Now()

	result := &StateResult{
		RoomID:       snap.RoomID,
		PlayerID:     snap.PlayerID,
		Revision:     snap.Revision,
		Phase:        phase.String(),
		Started:      snap.Started,
		MyTurn:       snap.IsMyTurn(),
		MustDiscard:  snap.MustDiscard(),
		Revolution:   snap.Revolution,
		Participants: make([]ParticipantView, 0, len(snap.Participants)),
		SharedArea:   append([]string{}, snap.SharedArea...),
		Hand:         append([]string{}, snap.Hand...),
	}

	if !snap.UpdatedAt.IsZero() {
		result.UpdatedAt = snap.UpdatedAt.UTC().Format(time.RFC3339)
	}

	if pg := snap.PendingGive; pg != nil && pg.Allowed {
		result.GiveTo = pg.ToName
		if result.GiveTo == "" {
			result.GiveTo = snap.NameOf(pg.To)
		}

		result.GiveCount = pg.Count
	}

	for i, p := range snap.Participants {
		v := ParticipantView{
			ID:       p.ID,
			Name:     p.Name,
			IsBot:    p.IsBot,
			Active:   p.Active,
			Thinking: p.IsThinking(now),
			Current:  snap.Started && i == snap.Turn,
		}

		if p.HandCount != nil {
			v.HandCount = *p.HandCount
		}

		result.Participants = append(result.Participants, v)
	}

	return result
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
