package roomsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	syncerr "github.com/alexjbarnes/roomsync/internal/errors"
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller should retry on the next tick.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout bounds each REST call made by the default client.
	httpClientTimeout = 10 * time.Second

	// maxAPIResponseBytes caps response body reads to prevent a
	// misbehaving server from consuming unbounded memory.
	maxAPIResponseBytes = 1024 * 1024
)

// Client talks to the game server's REST API under one profile prefix.
type Client struct {
	httpClient *http.Client
	baseURL    string
	prefix     string
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates an API client for baseURL and the REST prefix of a
// profile. If httpClient is nil, a client with a 10-second timeout and
// same-host redirect policy is created.
func NewClient(baseURL, prefix string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		prefix:     prefix,
	}
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// do sends a request with an optional JSON body and decodes a JSON
// response into result.
func (c *Client) do(ctx context.Context, method, endpoint string, body, result any) error {
	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}

		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return &TransientError{Err: fmt.Errorf("%w: %s %s: %w", syncerr.ErrAPIRequest, method, endpoint, err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return &TransientError{Err: fmt.Errorf("reading response from %s: %w", endpoint, err)}
	}

	if resp.StatusCode != http.StatusOK {
		return statusError(endpoint, resp.StatusCode, respBody)
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response from %s: %w: %w", endpoint, syncerr.ErrMalformedPayload, err)
		}
	}

	return nil
}

// statusError maps a non-200 answer onto the error taxonomy: a missing
// room is terminal, server-side trouble is transient, the rest is a
// plain API failure.
func statusError(endpoint string, code int, body []byte) error {
	detail := sanitizeResponseBody(body)

	var apiErr APIError
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
		detail = sanitizeResponseBody([]byte(apiErr.Error))
	}

	if code == http.StatusNotFound || code == http.StatusGone {
		return fmt.Errorf("API %s (%d): %s: %w", endpoint, code, detail, syncerr.ErrRoomNotFound)
	}

	err := fmt.Errorf("%w: %s returned status %d: %s", syncerr.ErrAPIResponse, endpoint, code, detail)
	if isTransientStatus(code) {
		return &TransientError{Err: err}
	}

	return err
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

func (c *Client) roomPath(roomID string) string {
	return c.prefix + "/" + url.PathEscape(roomID)
}

// Create opens a new room with this client as its first player.
func (c *Client) Create(ctx context.Context, name string) (*JoinResponse, error) {
	var resp JoinResponse
	if err := c.do(ctx, http.MethodPost, c.prefix, JoinRequest{Name: name}, &resp); err != nil {
		return nil, fmt.Errorf("creating room: %w", err)
	}

	if resp.RoomID == "" || resp.PlayerID == "" {
		return nil, fmt.Errorf("creating room: %w: missing room or player id", syncerr.ErrMalformedPayload)
	}

	return &resp, nil
}

// Join takes a seat in an existing room.
func (c *Client) Join(ctx context.Context, roomID, name string) (*JoinResponse, error) {
	if roomID == "" {
		return nil, syncerr.ErrEmptyRoomID
	}

	var resp JoinResponse
	if err := c.do(ctx, http.MethodPost, c.roomPath(roomID)+"/join", JoinRequest{Name: name}, &resp); err != nil {
		return nil, fmt.Errorf("joining room %s: %w", roomID, err)
	}

	if resp.PlayerID == "" {
		return nil, fmt.Errorf("joining room %s: %w: missing player id", roomID, syncerr.ErrMalformedPayload)
	}

	if resp.RoomID == "" {
		resp.RoomID = roomID
	}

	return &resp, nil
}

// FetchState returns the authoritative snapshot of a room as seen by
// playerID.
func (c *Client) FetchState(ctx context.Context, roomID, playerID string) (*RoomState, error) {
	if roomID == "" {
		return nil, syncerr.ErrEmptyRoomID
	}

	endpoint := c.roomPath(roomID) + "/state"
	if playerID != "" {
		endpoint += "?player_id=" + url.QueryEscape(playerID)
	}

	var rs RoomState
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &rs); err != nil {
		return nil, fmt.Errorf("fetching state of %s: %w", roomID, err)
	}

	return &rs, nil
}
