package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"boardnet/internal/core/domain"
	"boardnet/internal/core/ports"
	"boardnet/internal/crdt"

	"go.uber.org/zap"
)

// SessionConfig carries the per-participant settings of a room session.
type SessionConfig struct {
	Room              domain.RoomID
	Participant       domain.ParticipantID
	DisplayName       string
	SignalHorizon     time.Duration
	GCInterval        time.Duration
	CallStateInterval time.Duration
	StatsInterval     time.Duration
	SaveDebounce      time.Duration
	SaveTimeout       time.Duration
}

func (c *SessionConfig) setDefaults() {
	if c.SignalHorizon <= 0 {
		c.SignalHorizon = 30 * time.Second
	}
	if c.GCInterval <= 0 {
		c.GCInterval = 10 * time.Second
	}
	if c.CallStateInterval <= 0 {
		c.CallStateInterval = 15 * time.Second
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = 5 * time.Second
	}
	if c.SaveDebounce <= 0 {
		c.SaveDebounce = 2 * time.Second
	}
	if c.SaveTimeout <= 0 {
		c.SaveTimeout = 10 * time.Second
	}
}

// SessionDeps are the collaborators a session is built from.
type SessionDeps struct {
	Doc       *crdt.Doc
	Store     ports.BoardStore
	Peers     ports.PeerConnectionFactory
	Devices   ports.MediaDevices
	Assistant ports.AssistantService
	Signals   SignalMetrics
	PeerStats PeerMetrics
	Saves     SaveMetrics
}

// Session is one participant's presence in a room: the shared board, the
// signaling channel, the peer mesh, local media and persistence.
type Session struct {
	cfg    SessionConfig
	logger *zap.SugaredLogger

	board     *BoardDocument
	signals   *SignalingChannel
	roster    *Roster
	peers     *PeerManager
	media     *MediaController
	bridge    *PersistenceBridge
	assistant ports.AssistantService

	mu       sync.Mutex
	joined   bool
	cancel   context.CancelFunc
	loops    sync.WaitGroup
	unsub    func()
	mediaErr error
}

func NewSession(cfg SessionConfig, deps SessionDeps, logger *zap.SugaredLogger) (*Session, error) {
	if cfg.Room == "" || cfg.Participant == "" {
		return nil, errors.New("session needs a room and a participant id")
	}
	if deps.Doc == nil || deps.Store == nil || deps.Peers == nil || deps.Devices == nil {
		return nil, errors.New("session needs a document, a store, a peer factory and media devices")
	}
	cfg.setDefaults()
	logger = logger.With("room_id", string(cfg.Room), "participant_id", string(cfg.Participant))

	s := &Session{cfg: cfg, logger: logger, assistant: deps.Assistant}
	s.board = NewBoardDocument(deps.Doc, cfg.Participant, logger)
	s.signals = NewSignalingChannel(deps.Doc, cfg.Participant, cfg.SignalHorizon, logger, WithSignalMetrics(deps.Signals))
	s.roster = NewRoster()

	var peerOpts []PeerOption
	if deps.PeerStats != nil {
		peerOpts = append(peerOpts, WithPeerMetrics(deps.PeerStats))
	}
	s.peers = NewPeerManager(cfg.Participant, deps.Peers, s.sendSignal, s.roster, logger, peerOpts...)
	s.media = NewMediaController(deps.Devices, s.peers, s.sendSignal, cfg.DisplayName, logger)
	s.peers.SetLocalMedia(s.media)
	bridgeOpts := []BridgeOption{WithSaveTimeout(cfg.SaveTimeout)}
	if deps.Saves != nil {
		bridgeOpts = append(bridgeOpts, WithSaveMetrics(deps.Saves))
	}
	s.bridge = NewPersistenceBridge(deps.Store, cfg.Room, s.board, cfg.SaveDebounce, logger, bridgeOpts...)
	return s, nil
}

func (s *Session) sendSignal(msg domain.SignalMessage) error {
	_, err := s.signals.Send(msg)
	return err
}

func (s *Session) Board() *BoardDocument             { return s.board }
func (s *Session) Roster() *Roster                   { return s.roster }
func (s *Session) Peers() *PeerManager               { return s.peers }
func (s *Session) Media() *MediaController           { return s.media }
func (s *Session) Bridge() *PersistenceBridge        { return s.bridge }
func (s *Session) Signals() *SignalingChannel        { return s.signals }
func (s *Session) Participant() domain.ParticipantID { return s.cfg.Participant }

// MediaError is the microphone failure seen on join, if any. The session
// stays joined without audio.
func (s *Session) MediaError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mediaErr
}

// Join loads the stored board if nobody has populated it yet, announces the
// participant and starts the background loops. A missing or forbidden room
// aborts the join; a denied microphone does not.
func (s *Session) Join(ctx context.Context) error {
	s.mu.Lock()
	if s.joined {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if _, err := s.bridge.LoadOnJoin(ctx); err != nil {
		return fmt.Errorf("join room: %w", err)
	}
	s.bridge.Watch()

	unsub := s.signals.Subscribe(s.peers.HandleSignal)
	s.signals.Replay()

	mediaErr := s.media.Join(ctx)
	if mediaErr != nil {
		s.logger.Warnw("Joined without microphone", "error", mediaErr)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.joined = true
	s.cancel = cancel
	s.unsub = unsub
	s.mediaErr = mediaErr
	s.mu.Unlock()

	s.loops.Add(3)
	go func() {
		defer s.loops.Done()
		s.signals.RunGC(loopCtx, s.cfg.GCInterval)
	}()
	go func() {
		defer s.loops.Done()
		s.every(loopCtx, s.cfg.CallStateInterval, func() {
			if err := s.media.AnnounceCallState(); err != nil && !errors.Is(err, domain.ErrNotJoined) {
				s.logger.Warnw("Call state broadcast failed", "error", err)
			}
		})
	}()
	go func() {
		defer s.loops.Done()
		s.every(loopCtx, s.cfg.StatsInterval, s.peers.RefreshStats)
	}()

	s.logger.Infow("Joined room", "elements", s.board.Len())
	return nil
}

func (s *Session) every(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// Leave says goodbye, tears down the mesh and flushes a pending save.
func (s *Session) Leave(ctx context.Context) error {
	s.mu.Lock()
	if !s.joined {
		s.mu.Unlock()
		return nil
	}
	s.joined = false
	cancel, unsub := s.cancel, s.unsub
	s.mu.Unlock()

	if err := s.sendSignal(domain.SignalMessage{Type: domain.SignalUserLeft}); err != nil {
		s.logger.Warnw("Failed to announce leave", "error", err)
	}
	cancel()
	s.loops.Wait()
	unsub()

	s.peers.Close()
	s.media.Close()
	err := s.bridge.Close(ctx)
	s.signals.Close()
	s.logger.Infow("Left room")
	return err
}

// SetNotes changes the room notes saved with the next snapshot.
func (s *Session) SetNotes(notes string) {
	s.bridge.SetNotes(notes)
}

// Clear empties the board for everyone and deletes the stored snapshot.
func (s *Session) Clear(ctx context.Context) error {
	return s.bridge.Clear(ctx)
}

// Assist asks the assistant for elements and appends them to the board under
// local ids. Malformed output leaves the board untouched.
func (s *Session) Assist(ctx context.Context, prompt string) ([]domain.ElementID, error) {
	if s.assistant == nil {
		return nil, domain.ErrAssistantDisabled
	}
	elements, err := s.assistant.Generate(ctx, prompt)
	if err != nil {
		return nil, err
	}
	return s.board.Import(elements)
}
