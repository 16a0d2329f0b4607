package services

import (
	"context"
	"fmt"
	"sync"

	"boardnet/internal/core/domain"
	"boardnet/internal/core/ports"

	"go.uber.org/zap"
)

// ConnectionSource lists the peer connections local tracks go out on.
type ConnectionSource interface {
	Connections() map[domain.ParticipantID]ports.PeerConnection
}

// MediaController owns the local microphone, camera and screen tracks and
// keeps every peer connection sending the current ones. Each change is
// followed by a call-state broadcast.
type MediaController struct {
	devices     ports.MediaDevices
	conns       ConnectionSource
	send        func(domain.SignalMessage) error
	displayName string
	logger      *zap.SugaredLogger

	// opMu serializes operations, including device prompts. It is never
	// held while the peer manager calls LocalTracks.
	opMu sync.Mutex

	mu     sync.Mutex
	audio  ports.LocalTrack
	camera ports.LocalTrack
	screen ports.LocalTrack
	joined bool
}

func NewMediaController(devices ports.MediaDevices, conns ConnectionSource, send func(domain.SignalMessage) error, displayName string, logger *zap.SugaredLogger) *MediaController {
	return &MediaController{
		devices:     devices,
		conns:       conns,
		send:        send,
		displayName: displayName,
		logger:      logger,
	}
}

// Join acquires a muted microphone and announces the participant. A denied
// microphone still joins the room; the denial is returned so the caller can
// tell the user.
func (c *MediaController) Join(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	tracks, micErr := c.devices.GetUserMedia(ctx, true, false)
	if micErr != nil {
		c.logger.Warnw("Microphone unavailable, joining without audio", "error", micErr)
	}

	c.mu.Lock()
	for _, t := range tracks {
		if t.Kind() == domain.TrackAudio && c.audio == nil {
			t.SetEnabled(false)
			c.audio = t
		}
	}
	c.joined = true
	c.mu.Unlock()

	if err := c.announce(domain.SignalUserJoined); err != nil {
		return err
	}
	if micErr != nil {
		return fmt.Errorf("microphone: %w", micErr)
	}
	return nil
}

// LocalTracks returns what a new peer connection should send: the
// microphone and either the screen or the camera.
func (c *MediaController) LocalTracks() []ports.LocalTrack {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []ports.LocalTrack
	if c.audio != nil {
		out = append(out, c.audio)
	}
	if v := c.outboundVideoLocked(); v != nil {
		out = append(out, v)
	}
	return out
}

func (c *MediaController) outboundVideoLocked() ports.LocalTrack {
	if c.screen != nil {
		return c.screen
	}
	return c.camera
}

func (c *MediaController) CallState() domain.CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.CallState{
		AudioEnabled:  c.audio != nil && c.audio.Enabled(),
		VideoEnabled:  c.camera != nil && c.camera.Enabled(),
		ScreenSharing: c.screen != nil,
	}
}

// ToggleVideo turns the camera on or off. The camera is acquired the first
// time it is enabled; later toggles only flip the track.
func (c *MediaController) ToggleVideo(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if err := c.requireJoined(); err != nil {
		return err
	}

	c.mu.Lock()
	camera := c.camera
	c.mu.Unlock()

	if camera == nil {
		tracks, err := c.devices.GetUserMedia(ctx, false, true)
		if err != nil {
			return fmt.Errorf("camera: %w", err)
		}
		camera = pickTrack(tracks, domain.TrackVideo)
		if camera == nil {
			return domain.ErrNoMediaSource
		}
		camera.SetEnabled(true)

		c.mu.Lock()
		c.camera = camera
		sharing := c.screen != nil
		c.mu.Unlock()
		if !sharing {
			c.attach(domain.TrackVideo, camera, nil)
		}
	} else {
		camera.SetEnabled(!camera.Enabled())
	}
	return c.announce(domain.SignalCallState)
}

// ToggleAudio mutes or unmutes the microphone, acquiring it if the join
// happened without one.
func (c *MediaController) ToggleAudio(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if err := c.requireJoined(); err != nil {
		return err
	}

	c.mu.Lock()
	mic := c.audio
	c.mu.Unlock()

	if mic == nil {
		tracks, err := c.devices.GetUserMedia(ctx, true, false)
		if err != nil {
			return fmt.Errorf("microphone: %w", err)
		}
		mic = pickTrack(tracks, domain.TrackAudio)
		if mic == nil {
			return domain.ErrNoMediaSource
		}
		mic.SetEnabled(true)
		c.mu.Lock()
		c.audio = mic
		c.mu.Unlock()
		c.attach(domain.TrackAudio, mic, nil)
	} else {
		mic.SetEnabled(!mic.Enabled())
	}
	return c.announce(domain.SignalCallState)
}

// ToggleScreenShare starts sharing the screen in place of the camera, or
// stops sharing and puts the camera back.
func (c *MediaController) ToggleScreenShare(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if err := c.requireJoined(); err != nil {
		return err
	}

	c.mu.Lock()
	sharing := c.screen != nil
	c.mu.Unlock()
	if sharing {
		return c.stopScreenShare(nil)
	}

	screen, err := c.devices.GetDisplayMedia(ctx)
	if err != nil {
		return fmt.Errorf("screen share: %w", err)
	}
	c.mu.Lock()
	c.screen = screen
	camera := c.camera
	c.mu.Unlock()

	screen.OnEnded(func() {
		c.opMu.Lock()
		defer c.opMu.Unlock()
		if err := c.stopScreenShare(screen); err != nil {
			c.logger.Warnw("Failed to restore camera after screen share ended", "error", err)
		}
	})
	c.attach(domain.TrackVideo, screen, camera)
	return c.announce(domain.SignalCallState)
}

// stopScreenShare must be called with opMu held. When only is set the call
// is ignored unless that track is still the active share.
func (c *MediaController) stopScreenShare(only ports.LocalTrack) error {
	c.mu.Lock()
	screen := c.screen
	if screen == nil || (only != nil && screen != only) {
		c.mu.Unlock()
		return nil
	}
	c.screen = nil
	camera := c.camera
	c.mu.Unlock()

	screen.Stop()
	c.attach(domain.TrackVideo, camera, screen)
	return c.announce(domain.SignalCallState)
}

// AnnounceCallState re-broadcasts the current flags.
func (c *MediaController) AnnounceCallState() error {
	if err := c.requireJoined(); err != nil {
		return err
	}
	return c.announce(domain.SignalCallState)
}

// Close stops every local track.
func (c *MediaController) Close() {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.mu.Lock()
	tracks := []ports.LocalTrack{c.audio, c.camera, c.screen}
	c.audio, c.camera, c.screen = nil, nil, nil
	c.joined = false
	c.mu.Unlock()
	for _, t := range tracks {
		if t != nil {
			t.Stop()
		}
	}
}

func (c *MediaController) requireJoined() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.joined {
		return domain.ErrNotJoined
	}
	return nil
}

// attach puts track in place of prev on every connection. A nil track
// clears the sender carrying prev.
func (c *MediaController) attach(kind domain.TrackKind, track, prev ports.LocalTrack) {
	for id, pc := range c.conns.Connections() {
		if err := replaceOrAdd(pc, kind, track, prev); err != nil {
			c.logger.Warnw("Failed to attach track", "remote", id, "kind", kind, "error", err)
		}
	}
}

// replaceOrAdd puts track on a sender of the given kind. The sender
// carrying prev wins, then one with no track, then any of that kind. With
// no sender of that kind the track is added, which renegotiates.
func replaceOrAdd(pc ports.PeerConnection, kind domain.TrackKind, track, prev ports.LocalTrack) error {
	var carrying, empty, other ports.TrackSender
	for _, s := range pc.Senders() {
		if s.Kind() != kind {
			continue
		}
		switch cur := s.Track(); {
		case prev != nil && cur == prev:
			if carrying == nil {
				carrying = s
			}
		case cur == nil:
			if empty == nil {
				empty = s
			}
		case cur == track:
			return nil
		default:
			if other == nil {
				other = s
			}
		}
	}
	if track == nil {
		if carrying == nil {
			return nil
		}
		return carrying.ReplaceTrack(nil)
	}
	target := carrying
	if target == nil {
		target = empty
	}
	if target == nil {
		target = other
	}
	if target != nil {
		return target.ReplaceTrack(track)
	}
	_, err := pc.AddTrack(track)
	return err
}

func pickTrack(tracks []ports.LocalTrack, kind domain.TrackKind) ports.LocalTrack {
	for _, t := range tracks {
		if t.Kind() == kind {
			return t
		}
	}
	return nil
}

func (c *MediaController) announce(t domain.SignalType) error {
	cs := c.CallState()
	return c.send(domain.SignalMessage{
		Type:          t,
		UserName:      c.displayName,
		AudioEnabled:  cs.AudioEnabled,
		VideoEnabled:  cs.VideoEnabled,
		ScreenSharing: cs.ScreenSharing,
	})
}
