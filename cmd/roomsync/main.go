package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/roomsync/internal/config"
	syncerr "github.com/alexjbarnes/roomsync/internal/errors"
	"github.com/alexjbarnes/roomsync/internal/logging"
	"github.com/alexjbarnes/roomsync/internal/mcpserver"
	"github.com/alexjbarnes/roomsync/internal/roomsync"
	"github.com/alexjbarnes/roomsync/internal/server"
	"github.com/alexjbarnes/roomsync/internal/state"
)

var Version = "dev"

func main() {
	// Handle subcommands before the session starts.
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "forget":
			exitOnErr(forget())
			return
		case "sessions":
			exitOnErr(listSessions())
			return
		}
	}

	exitOnErr(run())
}

func exitOnErr(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// forget drops the stored identity for the configured server and game,
// so the next run joins or creates instead of resuming.
func forget() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	st, err := state.LoadAt(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer st.Close()

	key := state.SessionKey(cfg.ServerURL, cfg.Game)
	if err := st.ClearSession(key); err != nil {
		return fmt.Errorf("clearing session: %w", err)
	}

	fmt.Fprintf(os.Stderr, "forgot session %s\n", key)

	return nil
}

// listSessions prints every stored identity, one per line.
func listSessions() error {
	path := os.Getenv("ROOMSYNC_STATE_PATH")
	if path == "" {
		p, err := config.DefaultStatePath()
		if err != nil {
			return err
		}

		path = p
	}

	st, err := state.LoadAt(path)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer st.Close()

	sessions, err := st.Sessions()
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}

	keys := make([]string, 0, len(sessions))
	for k := range sessions {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	for _, k := range keys {
		s := sessions[k]
		fmt.Printf("%s\troom=%s\tplayer=%s\tname=%s\tjoined=%s\n",
			k, s.RoomID, s.PlayerID, s.Name, s.JoinedAt.Format(time.RFC3339))
	}

	return nil
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("roomsync starting",
		slog.String("version", Version),
		slog.String("server", cfg.ServerURL),
		slog.String("game", cfg.Game),
		slog.String("transport", cfg.Transport),
		slog.Bool("mcp", cfg.EnableMCP),
	)

	profile, ok := roomsync.ProfileFor(cfg.Game)
	if !ok {
		return fmt.Errorf("unknown game %q", cfg.Game)
	}

	profile = profile.WithOverrides(
		cfg.ReconnectBase, cfg.ReconnectFactor, cfg.ReconnectMax,
		cfg.PollOnlineInterval, cfg.PollRecoveryInterval,
	)

	appState, err := state.LoadAt(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := newRenderer(os.Stdout, cfg.OutputFormat)

	sess := roomsync.NewSession(roomsync.SessionConfig{
		Profile:       profile,
		API:           roomsync.NewClient(cfg.ServerURL, profile.Prefix, nil),
		Dialer:        newDialer(cfg, profile, logger),
		DedupCapacity: cfg.DedupCapacity,
		OnStateChanged: func(snap *roomsync.Snapshot) {
			if err := out.State(snap); err != nil {
				logger.Warn("failed to write state", slog.String("error", err.Error()))
			}
		},
		OnHealthChange: func(h roomsync.Health) {
			if err := out.Health(h); err != nil {
				logger.Warn("failed to write health", slog.String("error", err.Error()))
			}
		},
	}, logger)

	key := state.SessionKey(cfg.ServerURL, cfg.Game)
	if err := enterRoom(ctx, sess, appState, key, cfg, logger); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return watchSession(gctx, sess, appState, key, logger)
	})

	if cfg.EnableMCP {
		g.Go(func() error {
			return runMCP(gctx, cfg, sess, logger)
		})
	}

	return g.Wait()
}

func newDialer(cfg *config.Config, profile roomsync.Profile, logger *slog.Logger) roomsync.Dialer {
	pushLogger := logger.With(slog.String("transport", cfg.Transport))

	if cfg.Transport == config.TransportWebSocket {
		return &roomsync.WSDialer{BaseURL: cfg.ServerURL, Prefix: profile.Prefix, Logger: pushLogger}
	}

	return &roomsync.SSEDialer{BaseURL: cfg.ServerURL, Prefix: profile.Prefix, Logger: pushLogger}
}

// enterRoom resumes the stored identity when it matches the configured
// room, otherwise joins or creates, and stores the resulting identity.
func enterRoom(ctx context.Context, sess *roomsync.Session, appState *state.State, key string, cfg *config.Config, logger *slog.Logger) error {
	if cfg.Resume {
		stored, err := appState.GetSession(key)
		if err != nil {
			logger.Warn("failed to read stored session", slog.String("error", err.Error()))
		}

		if stored != nil && (cfg.RoomID == "" || cfg.RoomID == stored.RoomID) {
			logger.Info("resuming stored session",
				slog.String("room", stored.RoomID),
				slog.String("player", stored.PlayerID),
			)

			if err := sess.Resume(ctx, stored.RoomID, stored.PlayerID); err != nil {
				return fmt.Errorf("resuming room %s: %w", stored.RoomID, err)
			}

			return nil
		}
	}

	var err error
	if cfg.RoomID != "" {
		logger.Info("joining room", slog.String("room", cfg.RoomID), slog.String("name", cfg.PlayerName))
		err = sess.Join(ctx, cfg.RoomID, cfg.PlayerName)
	} else {
		logger.Info("creating room", slog.String("name", cfg.PlayerName))
		err = sess.Create(ctx, cfg.PlayerName)
	}

	if err != nil {
		return fmt.Errorf("entering room: %w", err)
	}

	logger.Info("seated",
		slog.String("room", sess.RoomID()),
		slog.String("player", sess.PlayerID()),
	)

	if err := appState.SetSession(key, state.Session{
		RoomID:   sess.RoomID(),
		PlayerID: sess.PlayerID(),
		Name:     cfg.PlayerName,
		JoinedAt: time.Now().UTC(),
	}); err != nil {
		logger.Warn("failed to save session", slog.String("error", err.Error()))
	}

	return nil
}

// watchSession blocks until a signal or the session ends on its own. A
// signal leaves the room but keeps the identity for the next run; a room
// that is gone clears it.
func watchSession(ctx context.Context, sess *roomsync.Session, appState *state.State, key string, logger *slog.Logger) error {
	select {
	case <-ctx.Done():
		roomID := sess.RoomID()
		sess.Leave()
		logger.Info("stored session kept for next run", slog.String("room", roomID))

		return nil
	case <-sess.Done():
	}

	err := sess.Err()
	if errors.Is(err, syncerr.ErrRoomNotFound) {
		if cerr := appState.ClearSession(key); cerr != nil {
			logger.Warn("failed to clear session", slog.String("error", cerr.Error()))
		}
	}

	return fmt.Errorf("room session ended: %w", err)
}

// runMCP serves the read-only room tools over streamable HTTP.
func runMCP(ctx context.Context, cfg *config.Config, sess *roomsync.Session, logger *slog.Logger) error {
	mcpLogger := logger.With(slog.String("service", "mcp"))

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "roomsync-mcp", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, sess)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	httpServer := &http.Server{
		Addr: cfg.MCPListenAddr,
		Handler: server.NewMux(server.MuxConfig{
			Mirror:     sess,
			MCPHandler: mcpHandler,
			Logger:     mcpLogger,
		}),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	mcpLogger.Info("starting MCP server", slog.String("listen", cfg.MCPListenAddr))

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		mcpLogger.Info("shutting down MCP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("MCP server error: %w", err)
	}

	return nil
}
