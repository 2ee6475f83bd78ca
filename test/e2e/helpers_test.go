package e2e_test

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/roomsync/internal/config"
	"github.com/alexjbarnes/roomsync/internal/mcpserver"
	"github.com/alexjbarnes/roomsync/internal/roomsync"
	"github.com/alexjbarnes/roomsync/internal/server"
)

const (
	testPlayerName = "Alice"
	botID          = "b1"
	botName        = "Bot"
	firstWord      = "しりとり"
)

// testProfile is the word game with intervals short enough for tests.
var testProfile = roomsync.ProfileWords.WithOverrides(
	20*time.Millisecond, 1.5, 100*time.Millisecond,
	50*time.Millisecond, 30*time.Millisecond,
)

// pushEvent is one event queued for a subscriber.
type pushEvent struct {
	kind string
	data []byte
}

type fakeRoom struct {
	players  []roomsync.PlayerState
	words    []string
	messages []roomsync.MessageRecord
	subs     map[chan pushEvent]struct{}
}

// gameServer is an in-process word game server exposing the REST and
// push endpoints the client talks to.
type gameServer struct {
	URL string

	mu     sync.Mutex
	rooms  map[string]*fakeRoom
	nextID int
	seq    int
}

func newGameServer(t *testing.T) *gameServer {
	t.Helper()

	g := &gameServer{rooms: make(map[string]*fakeRoom)}

	prefix := testProfile.Prefix
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+prefix, g.handleCreate)
	mux.HandleFunc("POST "+prefix+"/{id}/join", g.handleJoin)
	mux.HandleFunc("GET "+prefix+"/{id}/state", g.handleState)
	mux.HandleFunc("GET "+prefix+"/{id}/events", g.handleEvents)

	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		g.closeAll()
		ts.Close()
	})

	g.URL = ts.URL

	return g
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (g *gameServer) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req roomsync.JoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, roomsync.APIError{Error: "bad request"})
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.nextID++
	id := fmt.Sprintf("room%d", g.nextID)
	g.rooms[id] = &fakeRoom{
		players: []roomsync.PlayerState{
			{ID: "p1", Name: req.Name},
			{ID: botID, Name: botName, IsBot: true},
		},
		words:    []string{firstWord},
		messages: []roomsync.MessageRecord{},
		subs:     make(map[chan pushEvent]struct{}),
	}

	writeJSON(w, http.StatusOK, roomsync.JoinResponse{RoomID: id, PlayerID: "p1"})
}

func (g *gameServer) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req roomsync.JoinRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	g.mu.Lock()
	defer g.mu.Unlock()

	room, ok := g.rooms[r.PathValue("id")]
	if !ok {
		writeJSON(w, http.StatusNotFound, roomsync.APIError{Error: "ルームが見つかりません"})
		return
	}

	for _, p := range room.players {
		if p.Name == req.Name {
			writeJSON(w, http.StatusOK, roomsync.JoinResponse{PlayerID: p.ID, Already: true})
			return
		}
	}

	id := fmt.Sprintf("p%d", len(room.players)+1)
	room.players = append(room.players, roomsync.PlayerState{ID: id, Name: req.Name})

	writeJSON(w, http.StatusOK, roomsync.JoinResponse{PlayerID: id})
}

func (g *gameServer) handleState(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	g.mu.Lock()
	room, ok := g.rooms[id]
	if !ok {
		g.mu.Unlock()
		writeJSON(w, http.StatusNotFound, roomsync.APIError{Error: "ルームが見つかりません"})

		return
	}

	rs := roomsync.RoomState{
		ID:          id,
		Players:     append([]roomsync.PlayerState(nil), room.players...),
		Started:     true,
		CurrentTurn: len(room.words) % len(room.players),
		UsedWords:   append([]string{}, room.words...),
		Messages:    append([]roomsync.MessageRecord{}, room.messages...),
	}
	g.mu.Unlock()

	writeJSON(w, http.StatusOK, rs)
}

func (g *gameServer) subscribe(id string) (chan pushEvent, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	room, ok := g.rooms[id]
	if !ok {
		return nil, false
	}

	ch := make(chan pushEvent, 64)
	room.subs[ch] = struct{}{}

	return ch, true
}

func (g *gameServer) unsubscribe(id string, ch chan pushEvent) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if room, ok := g.rooms[id]; ok {
		delete(room.subs, ch)
	}
}

func (g *gameServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	ch, ok := g.subscribe(id)
	if !ok {
		http.NotFound(w, r)
		return
	}
	defer g.unsubscribe(id, ch)

	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		g.serveWS(w, r, ch)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "retry: 2000\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}

			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.kind, ev.data)
			flusher.Flush()
		}
	}
}

func (g *gameServer) serveWS(w http.ResponseWriter, r *http.Request, ch chan pushEvent) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "room closed")
				return
			}

			frame, _ := json.Marshal(map[string]any{"event": ev.kind, "data": json.RawMessage(ev.data)})
			if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
				return
			}
		}
	}
}

func (g *gameServer) broadcastLocked(room *fakeRoom, kind string, payload any) {
	data, _ := json.Marshal(payload)
	for ch := range room.subs {
		ch <- pushEvent{kind: kind, data: data}
	}
}

// play records a word for playerID in history and pushes word_played,
// which carries no message id.
func (g *gameServer) play(roomID, playerID, name, word string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	room := g.rooms[roomID]
	g.seq++
	ts := fmt.Sprintf("2026-01-01T00:00:%02dZ", g.seq)

	room.words = append(room.words, word)
	room.messages = append(room.messages, roomsync.MessageRecord{
		ID:       fmt.Sprintf("msg%d", g.seq),
		PlayerID: playerID,
		Name:     name,
		Text:     word,
		TS:       ts,
	})

	g.broadcastLocked(room, "word_played", map[string]any{
		"player_id": playerID,
		"word":      word,
		"ts":        ts,
	})
}

// thinking pushes bot_thinking with a deadline in seconds.
func (g *gameServer) thinking(roomID, playerID string, delay float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.broadcastLocked(g.rooms[roomID], "bot_thinking", map[string]any{
		"player_id": playerID,
		"delay":     delay,
	})
}

// dropPush ends every open subscription to roomID without deleting it.
func (g *gameServer) dropPush(roomID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	room := g.rooms[roomID]
	for ch := range room.subs {
		close(ch)
		delete(room.subs, ch)
	}
}

// deleteRoom removes roomID; state and events answer 404 afterwards.
func (g *gameServer) deleteRoom(roomID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	room, ok := g.rooms[roomID]
	if !ok {
		return
	}

	for ch := range room.subs {
		close(ch)
	}

	delete(g.rooms, roomID)
}

func (g *gameServer) subscribers(roomID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	if room, ok := g.rooms[roomID]; ok {
		return len(room.subs)
	}

	return 0
}

func (g *gameServer) closeAll() {
	g.mu.Lock()
	ids := make([]string, 0, len(g.rooms))
	for id := range g.rooms {
		ids = append(ids, id)
	}
	g.mu.Unlock()

	for _, id := range ids {
		g.dropPush(id)
	}
}

// harness holds the full e2e stack: a fake game server, a live room
// session against it, and the MCP/health HTTP surface over that session.
type harness struct {
	Game    *gameServer
	Session *roomsync.Session
	URL     string
	Client  *http.Client
}

// newHarness creates a room on a fresh game server over the given push
// transport and serves the mirror through server.NewMux.
func newHarness(t *testing.T, transport string) *harness {
	t.Helper()

	g := newGameServer(t)
	logger := slog.New(slog.DiscardHandler)

	var dialer roomsync.Dialer = &roomsync.SSEDialer{BaseURL: g.URL, Prefix: testProfile.Prefix, Logger: logger}
	if transport == config.TransportWebSocket {
		dialer = &roomsync.WSDialer{BaseURL: g.URL, Prefix: testProfile.Prefix, Logger: logger}
	}

	sess := roomsync.NewSession(roomsync.SessionConfig{
		Profile: testProfile,
		API:     roomsync.NewClient(g.URL, testProfile.Prefix, nil),
		Dialer:  dialer,
	}, logger)
	t.Cleanup(sess.Leave)

	require.NoError(t, sess.Create(t.Context(), testPlayerName))

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "roomsync-e2e", Version: "test"},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, sess)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	ts := httptest.NewServer(server.NewMux(server.MuxConfig{
		Mirror:     sess,
		MCPHandler: mcpHandler,
		Logger:     logger,
	}))
	t.Cleanup(ts.Close)

	return &harness{
		Game:    g,
		Session: sess,
		URL:     ts.URL,
		Client:  ts.Client(),
	}
}

// waitSynced blocks until the first snapshot is applied and push is live.
func (h *harness) waitSynced(t *testing.T) {
	t.Helper()

	require.Eventually(t, func() bool {
		return h.Session.Phase() == roomsync.PhaseSynced &&
			h.Game.subscribers(h.Session.RoomID()) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

// mcpSession creates an MCP client session over streamable HTTP.
func (h *harness) mcpSession(t *testing.T) *mcp.ClientSession {
	t.Helper()

	transport := &mcp.StreamableClientTransport{
		Endpoint:             h.URL + "/mcp",
		HTTPClient:           h.Client,
		DisableStandaloneSSE: true,
	}

	client := mcp.NewClient(
		&mcp.Implementation{Name: "e2e-test-client", Version: "test"},
		nil,
	)

	session, err := client.Connect(t.Context(), transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return session
}

// callJSON calls a tool and decodes its text content into dest.
func callJSON(t *testing.T, session *mcp.ClientSession, name string, args map[string]any, dest any) {
	t.Helper()

	result, err := session.CallTool(t.Context(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	require.NoError(t, err)
	require.False(t, result.IsError, "tool %s returned an error", name)
	require.NotEmpty(t, result.Content)

	tc, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok, "first content is not TextContent")
	require.NoError(t, json.Unmarshal([]byte(tc.Text), dest))
}

// doGet performs a GET request with t.Context().
func (h *harness) doGet(t *testing.T, path string) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, h.URL+path, nil)
	require.NoError(t, err)

	resp, err := h.Client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	return resp
}
