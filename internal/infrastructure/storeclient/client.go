// Package storeclient is the participant's view of the room store over the
// REST API.
package storeclient

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

	"boardnet/internal/core/domain"
	"boardnet/internal/core/ports"
	"boardnet/pkg/retry"
	"boardnet/pkg/tracing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// APIError is an error answer from the API.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("store: HTTP %d: %s: %s", e.StatusCode, e.Code, e.Message)
}

// Unwrap maps the answer onto the domain error callers branch on.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return domain.ErrRoomNotFound
	case http.StatusForbidden:
		return domain.ErrRoomAccessDenied
	case http.StatusUnauthorized:
		return domain.ErrUnauthenticated
	case http.StatusBadRequest:
		return domain.ErrInvalidElement
	}
	return nil
}

func (e *APIError) transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	retry      retry.Config
	token      string
}

var _ ports.BoardStore = (*Client)(nil)

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

func WithRetry(cfg retry.Config) Option {
	return func(cl *Client) { cl.retry = cfg }
}

func WithToken(token string) Option {
	return func(cl *Client) { cl.token = token }
}

// New returns a client for the API rooted at baseURL, e.g.
// http://localhost:8080/api/v1.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		retry:      retry.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.retry.Retryable = func(err error) bool {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return apiErr.transient()
		}
		return true
	}
	return c
}

// SetToken replaces the bearer token sent with every request.
func (c *Client) SetToken(token string) { c.token = token }

// CreateSession signs in with a display name and keeps the token.
func (c *Client) CreateSession(ctx context.Context, displayName string) (*domain.Session, error) {
	var session domain.Session
	if err := c.do(ctx, http.MethodPost, "/auth/session", map[string]string{"displayName": displayName}, &session); err != nil {
		return nil, err
	}
	c.SetToken(session.Token)
	return &session, nil
}

func (c *Client) CreateRoom(ctx context.Context, name string) (*domain.Room, error) {
	var resp struct {
		Room *domain.Room `json:"room"`
	}
	if err := c.do(ctx, http.MethodPost, "/rooms", map[string]string{"name": name}, &resp); err != nil {
		return nil, err
	}
	return resp.Room, nil
}

func (c *Client) JoinRoom(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	var resp struct {
		Room *domain.Room `json:"room"`
	}
	if err := c.do(ctx, http.MethodPost, roomPath(id)+"/join", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Room, nil
}

func (c *Client) GetRoom(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	ctx, span := tracing.TraceStoreOperation(ctx, "get_room", string(id))
	var resp struct {
		Room *domain.Room `json:"room"`
	}
	err := c.do(ctx, http.MethodGet, roomPath(id), nil, &resp)
	tracing.End(span, err)
	if err != nil {
		return nil, err
	}
	return resp.Room, nil
}

func (c *Client) GetElements(ctx context.Context, id domain.RoomID) ([]domain.Element, error) {
	ctx, span := tracing.TraceStoreOperation(ctx, "get_elements", string(id))
	var resp struct {
		Elements []domain.Element `json:"elements"`
	}
	err := c.do(ctx, http.MethodGet, roomPath(id)+"/elements", nil, &resp)
	tracing.End(span, err)
	if err != nil {
		return nil, err
	}
	return resp.Elements, nil
}

func (c *Client) ReplaceElements(ctx context.Context, id domain.RoomID, elements []domain.Element, notes *string) error {
	ctx, span := tracing.TraceStoreOperation(ctx, "replace_elements", string(id))
	if elements == nil {
		elements = []domain.Element{}
	}
	body := struct {
		Elements []domain.Element `json:"elements"`
		Notes    *string          `json:"notes,omitempty"`
	}{elements, notes}
	err := c.do(ctx, http.MethodPut, roomPath(id)+"/elements", body, nil)
	tracing.End(span, err)
	return err
}

func (c *Client) ClearElements(ctx context.Context, id domain.RoomID) error {
	ctx, span := tracing.TraceStoreOperation(ctx, "clear_elements", string(id))
	err := c.do(ctx, http.MethodDelete, roomPath(id)+"/elements", nil, nil)
	tracing.End(span, err)
	return err
}

// Generate asks the API's assistant for elements to add to the room's
// board.
func (c *Client) Generate(ctx context.Context, id domain.RoomID, prompt string) ([]domain.Element, error) {
	var resp struct {
		Elements []domain.Element `json:"elements"`
	}
	// Generation is not idempotent and already retried server side.
	cfg := c.retry
	cfg.MaxAttempts = 1
	if err := c.doWith(ctx, cfg, http.MethodPost, roomPath(id)+"/assistant", map[string]string{"prompt": prompt}, &resp); err != nil {
		return nil, err
	}
	return resp.Elements, nil
}

type roomAssistant struct {
	client *Client
	room   domain.RoomID
}

func (a roomAssistant) Generate(ctx context.Context, prompt string) ([]domain.Element, error) {
	return a.client.Generate(ctx, a.room, prompt)
}

// Assistant returns the API's assistant bound to one room.
func (c *Client) Assistant(room domain.RoomID) ports.AssistantService {
	return roomAssistant{client: c, room: room}
}

func roomPath(id domain.RoomID) string {
	return "/rooms/" + url.PathEscape(string(id))
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	return c.doWith(ctx, c.retry, method, path, in, out)
}

// doWith sends one JSON request, retrying transport failures and 5xx
// answers. Every verb the store uses is idempotent.
func (c *Client) doWith(ctx context.Context, cfg retry.Config, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("store: marshaling request: %w", err)
		}
	}
	return retry.Do(ctx, cfg, func(ctx context.Context) error {
		return c.send(ctx, method, path, body, out)
	})
}

func (c *Client) send(ctx context.Context, method, path string, body []byte, out any) error {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return retry.Permanent(fmt.Errorf("store: creating request: %w", err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("store: sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return readAPIError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("store: decoding response: %w", err)
	}
	return nil
}

func readAPIError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	apiErr := &APIError{StatusCode: resp.StatusCode}

	var wire struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &wire); err == nil && wire.Error.Code != "" {
		apiErr.Code = wire.Error.Code
		apiErr.Message = wire.Error.Message
	} else {
		apiErr.Code = http.StatusText(resp.StatusCode)
		apiErr.Message = strings.TrimSpace(string(data))
	}
	return apiErr
}
