package roomsync

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	syncerr "github.com/alexjbarnes/roomsync/internal/errors"
	"github.com/alexjbarnes/roomsync/internal/logging"
)

// maxWSFrameBytes caps inbound frames. Event frames are small JSON objects.
const maxWSFrameBytes = 1024 * 1024

// WSDialer opens WebSocket subscriptions at {BaseURL}{Prefix}/{room}/events.
// Frames are JSON objects of the form {"event": kind, "data": {...}}.
type WSDialer struct {
	BaseURL    string
	Prefix     string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// wsURL maps an http(s) base URL onto the ws(s) scheme.
func wsURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parsing server url: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	return u.String(), nil
}

// Dial implements Dialer. It returns once the WebSocket handshake has
// completed.
func (d *WSDialer) Dial(ctx context.Context, roomID string) (Stream, error) {
	if roomID == "" {
		return nil, syncerr.ErrEmptyRoomID
	}

	base, err := wsURL(d.BaseURL)
	if err != nil {
		return nil, err
	}

	endpoint := base + d.Prefix + "/" + url.PathEscape(roomID) + "/events"

	logger := d.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	logger.Debug("dialing websocket", slog.String("url", endpoint))

	conn, resp, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPClient: d.HTTPClient,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone) {
			return nil, fmt.Errorf("websocket for %s: %w", roomID, syncerr.ErrRoomNotFound)
		}

		return nil, &TransientError{Err: fmt.Errorf("dialing websocket: %w", err)}
	}

	return newWSStream(conn, logger), nil
}

type wsStream struct {
	conn   wsConn
	logger *slog.Logger
}

func newWSStream(conn wsConn, logger *slog.Logger) *wsStream {
	conn.SetReadLimit(maxWSFrameBytes)

	return &wsStream{conn: conn, logger: logger}
}

// Next implements Stream. Binary and malformed frames are skipped.
func (s *wsStream) Next(ctx context.Context) (Event, error) {
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			return Event{}, fmt.Errorf("reading message: %w", err)
		}

		if typ == websocket.MessageBinary {
			s.logger.Debug("unexpected binary frame", slog.Int("bytes", len(data)))
			continue
		}

		if !gjson.ValidBytes(data) {
			s.logger.Debug("unparseable text frame", slog.Int("bytes", len(data)))
			continue
		}

		frame := gjson.ParseBytes(data)

		kind := frame.Get("event").String()
		if kind == "" {
			s.logger.Debug("frame without event name", slog.Int("bytes", len(data)))
			continue
		}

		payload := frame.Get("data")

		var raw []byte
		if payload.Exists() {
			raw = []byte(payload.Raw)
		}

		return Event{Kind: kind, Data: raw}, nil
	}
}

// Close implements Stream.
func (s *wsStream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "bye")
}
