package roomsync

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"

	syncerr "github.com/alexjbarnes/roomsync/internal/errors"
	"github.com/alexjbarnes/roomsync/internal/logging"
)

const (
	// maxSSELineBytes caps a single event-stream line. Event payloads are
	// small JSON objects; the cap guards against a runaway stream.
	maxSSELineBytes = 1024 * 1024

	defaultSSEEventKind = "message"
)

// SSEDialer opens server-sent event subscriptions at
// {BaseURL}{Prefix}/{room}/events.
type SSEDialer struct {
	BaseURL string
	Prefix  string

	// HTTPClient must not set a Timeout: the response body stays open for
	// the life of the subscription. Nil uses a client with the same-host
	// redirect policy.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Dial implements Dialer. It returns once the server has answered 200
// with an event-stream body.
func (d *SSEDialer) Dial(ctx context.Context, roomID string) (Stream, error) {
	if roomID == "" {
		return nil, syncerr.ErrEmptyRoomID
	}

	endpoint := d.BaseURL + d.Prefix + "/" + url.PathEscape(roomID) + "/events"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	client := d.HTTPClient
	if client == nil {
		client = &http.Client{CheckRedirect: sameHostRedirectPolicy}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("opening event stream: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
			return nil, fmt.Errorf("event stream for %s: %w", roomID, syncerr.ErrRoomNotFound)
		}

		return nil, &TransientError{Err: fmt.Errorf("event stream returned status %d: %s", resp.StatusCode, sanitizeResponseBody(body))}
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType != "text/event-stream" {
		resp.Body.Close()
		return nil, fmt.Errorf("event stream content type %q: %w", mediaType, syncerr.ErrAPIResponse)
	}

	logger := d.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	return newSSEStream(resp.Body, logger), nil
}

// sseStream decodes the text/event-stream framing: field lines up to a
// blank line make one event.
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	logger  *slog.Logger
}

func newSSEStream(body io.ReadCloser, logger *slog.Logger) *sseStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 4096), maxSSELineBytes)

	return &sseStream{
		body:    body,
		scanner: scanner,
		logger:  logger,
	}
}

// Next implements Stream. Cancelling the dial context unblocks a pending
// read because the request body is bound to it.
func (s *sseStream) Next(ctx context.Context) (Event, error) {
	var (
		kind string
		data bytes.Buffer
	)

	for s.scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return Event{}, err
		}

		line := s.scanner.Text()

		if line == "" {
			if data.Len() == 0 {
				kind = ""
				continue
			}

			if kind == "" {
				kind = defaultSSEEventKind
			}

			return Event{Kind: kind, Data: bytes.Clone(data.Bytes())}, nil
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			kind = value
		case "data":
			if data.Len() > 0 {
				data.WriteByte('\n')
			}

			data.WriteString(value)
		default:
			// id and retry are ignored: reconnects use the profile backoff
			// and resync by polling rather than Last-Event-ID.
			s.logger.Debug("ignoring event-stream field", slog.String("field", field))
		}
	}

	if err := s.scanner.Err(); err != nil {
		return Event{}, fmt.Errorf("reading event stream: %w", err)
	}

	return Event{}, io.EOF
}

// Close implements Stream.
func (s *sseStream) Close() error {
	return s.body.Close()
}
