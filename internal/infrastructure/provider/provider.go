// Package provider keeps a local replica in sync with the relay: it sends
// local updates, applies remote ones and resyncs after every reconnect.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"boardnet/internal/core/domain"
	"boardnet/internal/crdt"
	"boardnet/internal/infrastructure/relay"
	"boardnet/pkg/retry"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

type Config struct {
	// URL of the relay websocket endpoint, e.g. ws://localhost:8081/ws.
	URL         string
	Room        domain.RoomID
	Participant domain.ParticipantID
	Token       string

	PingInterval time.Duration
	WriteTimeout time.Duration
	Backoff      retry.Config
}

func (c *Config) setDefaults() {
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = retry.Config{
			InitialDelay: 250 * time.Millisecond,
			MaxDelay:     10 * time.Second,
			Multiplier:   2,
			Jitter:       true,
		}
	}
}

const outboxSize = 1024

var errOutboxFull = errors.New("outbox full")

// Provider connects one Doc to one relay topic.
type Provider struct {
	cfg    Config
	doc    *crdt.Doc
	dialer *websocket.Dialer
	logger *zap.SugaredLogger

	outbox   chan []byte
	unsub    func()
	overflow chan struct{}

	mu       sync.Mutex
	status   Status
	synced   bool
	syncedCh chan struct{}
	watchers []func(Status)
}

func New(doc *crdt.Doc, cfg Config, logger *zap.SugaredLogger) *Provider {
	cfg.setDefaults()
	p := &Provider{
		cfg:      cfg,
		doc:      doc,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:   logger.With("room_id", string(cfg.Room)),
		outbox:   make(chan []byte, outboxSize),
		overflow: make(chan struct{}, 1),
		status:   StatusDisconnected,
		syncedCh: make(chan struct{}),
	}
	p.unsub = doc.OnUpdate(p.onLocalUpdate)
	return p
}

// Updates applied from the relay carry the provider as origin and are not
// sent back.
func (p *Provider) onLocalUpdate(update []byte, origin any) {
	if origin == p {
		return
	}
	select {
	case p.outbox <- update:
	default:
		// The resync on reconnect carries everything that was dropped.
		select {
		case p.overflow <- struct{}{}:
		default:
		}
	}
}

// OnStatus registers fn for connection status changes.
func (p *Provider) OnStatus(fn func(Status)) {
	p.mu.Lock()
	p.watchers = append(p.watchers, fn)
	p.mu.Unlock()
}

func (p *Provider) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Provider) setStatus(s Status) {
	p.mu.Lock()
	if p.status == s {
		p.mu.Unlock()
		return
	}
	p.status = s
	watchers := append([]func(Status){}, p.watchers...)
	p.mu.Unlock()
	for _, fn := range watchers {
		fn(s)
	}
}

// WaitSynced blocks until the first full state from the relay is applied.
func (p *Provider) WaitSynced(ctx context.Context) error {
	select {
	case <-p.syncedCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Provider) markSynced() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.synced {
		p.synced = true
		close(p.syncedCh)
	}
}

func (p *Provider) endpoint() (string, error) {
	u, err := url.Parse(p.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("invalid relay url: %w", err)
	}
	q := u.Query()
	q.Set("topic", relay.TopicForRoom(p.cfg.Room))
	q.Set("participant_id", string(p.cfg.Participant))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Run keeps the connection up until ctx ends, reconnecting with backoff.
// Rejections by the relay (bad request, unauthorized, forbidden, not found)
// end Run with an error.
func (p *Provider) Run(ctx context.Context) error {
	defer p.unsub()
	defer p.setStatus(StatusDisconnected)

	endpoint, err := p.endpoint()
	if err != nil {
		return err
	}
	backoff := retry.NewBackoff(p.cfg.Backoff)

	for {
		p.setStatus(StatusConnecting)
		connected, err := p.session(ctx, endpoint)
		if ctx.Err() != nil {
			return nil
		}
		if retry.IsPermanent(err) {
			return err
		}
		if connected {
			backoff.Reset()
		}
		p.setStatus(StatusDisconnected)

		delay := backoff.Next()
		p.logger.Infow("relay connection lost, reconnecting", "error", err, "delay", delay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// session runs one connection. It reports whether the connection got far
// enough to exchange state.
func (p *Provider) session(ctx context.Context, endpoint string) (bool, error) {
	header := http.Header{}
	if p.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+p.cfg.Token)
	}
	conn, resp, err := p.dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusBadRequest, http.StatusUnauthorized:
				return false, retry.Permanent(fmt.Errorf("relay rejected connection: %s", resp.Status))
			case http.StatusForbidden:
				return false, retry.Permanent(fmt.Errorf("%w: relay refused room", domain.ErrRoomAccessDenied))
			case http.StatusNotFound:
				return false, retry.Permanent(fmt.Errorf("%w: relay refused room", domain.ErrRoomNotFound))
			}
		}
		return false, err
	}
	defer conn.Close()

	// Anything queued before now is covered by the full state below.
	p.drainOutbox()
	state, err := p.doc.EncodeState()
	if err != nil {
		return false, err
	}
	if err := p.write(conn, relay.Frame{Kind: relay.FrameSync, Data: state}); err != nil {
		return false, err
	}
	p.setStatus(StatusConnected)
	p.logger.Infow("connected to relay", "url", p.cfg.URL)

	readErr := make(chan error, 1)
	go func() { readErr <- p.readLoop(conn) }()

	ping := time.NewTicker(p.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			return true, ctx.Err()
		case err := <-readErr:
			return true, err
		case update := <-p.outbox:
			if err := p.write(conn, relay.Frame{Kind: relay.FrameUpdate, Data: update}); err != nil {
				return true, err
			}
		case <-p.overflow:
			return true, errOutboxFull
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(p.cfg.WriteTimeout)); err != nil {
				return true, err
			}
		}
	}
}

func (p *Provider) drainOutbox() {
	for {
		select {
		case <-p.outbox:
		case <-p.overflow:
		default:
			return
		}
	}
}

func (p *Provider) write(conn *websocket.Conn, f relay.Frame) error {
	data, err := relay.EncodeFrame(f)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(p.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.BinaryMessage, data)
}

func (p *Provider) readLoop(conn *websocket.Conn) error {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		f, err := relay.DecodeFrame(data)
		if err != nil {
			p.logger.Warnw("dropping undecodable frame", "error", err)
			continue
		}
		switch f.Kind {
		case relay.FrameSync, relay.FrameUpdate:
			if err := p.doc.ApplyUpdate(f.Data, p); err != nil {
				p.logger.Warnw("failed to apply relay update", "kind", f.Kind, "error", err)
				continue
			}
			if f.Kind == relay.FrameSync {
				p.markSynced()
			}
		case relay.FrameError:
			p.logger.Warnw("relay reported error", "message", f.Message)
		}
	}
}
