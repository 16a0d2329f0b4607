package webrtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"boardnet/internal/core/domain"
	"boardnet/internal/core/ports"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/ivfreader"
	"go.uber.org/zap"
)

const opusFrame = 20 * time.Millisecond

// An Opus TOC byte for a 20ms CELT frame followed by an empty payload
// decodes as silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// DeviceConfig describes the capture sources of a headless participant.
// Video sources are IVF files; without one the device is unavailable.
type DeviceConfig struct {
	Microphone bool
	CameraIVF  string
	ScreenIVF  string
	// LoopScreen replays the screen file instead of ending the share at EOF.
	LoopScreen bool
}

// Devices produces synthetic local media: Opus silence for the microphone
// and IVF playback for camera and screen.
type Devices struct {
	cfg    DeviceConfig
	logger *zap.SugaredLogger
}

var _ ports.MediaDevices = (*Devices)(nil)

func NewDevices(cfg DeviceConfig, logger *zap.SugaredLogger) *Devices {
	return &Devices{cfg: cfg, logger: logger}
}

func (d *Devices) GetUserMedia(ctx context.Context, audio, video bool) ([]ports.LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var tracks []ports.LocalTrack
	if audio {
		if !d.cfg.Microphone {
			return nil, fmt.Errorf("microphone: %w", domain.ErrPermissionDenied)
		}
		t, err := newSilenceTrack(d.logger)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}
	if video {
		if d.cfg.CameraIVF == "" {
			stopAll(tracks)
			return nil, fmt.Errorf("camera: %w", domain.ErrNoMediaSource)
		}
		t, err := newIVFTrack(d.cfg.CameraIVF, domain.SourceCamera, true, d.logger)
		if err != nil {
			stopAll(tracks)
			return nil, err
		}
		tracks = append(tracks, t)
	}
	return tracks, nil
}

func (d *Devices) GetDisplayMedia(ctx context.Context) (ports.LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.cfg.ScreenIVF == "" {
		return nil, fmt.Errorf("screen: %w", domain.ErrPermissionDenied)
	}
	return newIVFTrack(d.cfg.ScreenIVF, domain.SourceScreen, d.cfg.LoopScreen, d.logger)
}

func stopAll(tracks []ports.LocalTrack) {
	for _, t := range tracks {
		t.Stop()
	}
}

// sampleTrack is a local track fed by a writer goroutine. While disabled
// the writer keeps its clock running but sends nothing.
type sampleTrack struct {
	track   *webrtc.TrackLocalStaticSample
	kind    domain.TrackKind
	source  domain.TrackSource
	enabled atomic.Bool

	stop     chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	ended   bool
	onEnded []func()
}

func newSampleTrack(capability webrtc.RTPCodecCapability, kind domain.TrackKind, source domain.TrackSource) (*sampleTrack, error) {
	id := uuid.New().String()
	t, err := webrtc.NewTrackLocalStaticSample(capability, string(source)+"-"+id[:8], "boardnet-"+id[:8])
	if err != nil {
		return nil, err
	}
	st := &sampleTrack{track: t, kind: kind, source: source, stop: make(chan struct{})}
	st.enabled.Store(true)
	return st, nil
}

func (t *sampleTrack) local() webrtc.TrackLocal   { return t.track }
func (t *sampleTrack) ID() string                 { return t.track.ID() }
func (t *sampleTrack) Kind() domain.TrackKind     { return t.kind }
func (t *sampleTrack) Source() domain.TrackSource { return t.source }
func (t *sampleTrack) Enabled() bool              { return t.enabled.Load() }
func (t *sampleTrack) SetEnabled(enabled bool)    { t.enabled.Store(enabled) }

func (t *sampleTrack) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *sampleTrack) OnEnded(fn func()) {
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		go fn()
		return
	}
	t.onEnded = append(t.onEnded, fn)
	t.mu.Unlock()
}

// end reports that the source ran out by itself. A stopped track does not
// report an end.
func (t *sampleTrack) end() {
	select {
	case <-t.stop:
		return
	default:
	}
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		return
	}
	t.ended = true
	fns := t.onEnded
	t.onEnded = nil
	t.mu.Unlock()
	t.Stop()
	for _, fn := range fns {
		fn()
	}
}

func (t *sampleTrack) write(data []byte, d time.Duration) error {
	if !t.Enabled() {
		return nil
	}
	err := t.track.WriteSample(media.Sample{Data: data, Duration: d})
	if errors.Is(err, io.ErrClosedPipe) {
		return nil
	}
	return err
}

func newSilenceTrack(logger *zap.SugaredLogger) (*sampleTrack, error) {
	t, err := newSampleTrack(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	}, domain.TrackAudio, domain.SourceMicrophone)
	if err != nil {
		return nil, err
	}
	go func() {
		ticker := time.NewTicker(opusFrame)
		defer ticker.Stop()
		for {
			select {
			case <-t.stop:
				return
			case <-ticker.C:
				if err := t.write(opusSilence, opusFrame); err != nil {
					logger.Debugw("audio write failed", "error", err)
				}
			}
		}
	}()
	return t, nil
}

func newIVFTrack(path string, source domain.TrackSource, loop bool, logger *zap.SugaredLogger) (*sampleTrack, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	reader, header, err := ivfreader.NewWith(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read ivf header: %w", err)
	}

	var mime string
	switch header.FourCC {
	case "VP80":
		mime = webrtc.MimeTypeVP8
	case "VP90":
		mime = webrtc.MimeTypeVP9
	default:
		f.Close()
		return nil, fmt.Errorf("unsupported ivf codec %q", header.FourCC)
	}

	t, err := newSampleTrack(webrtc.RTPCodecCapability{MimeType: mime, ClockRate: 90000}, domain.TrackVideo, source)
	if err != nil {
		f.Close()
		return nil, err
	}

	frame := time.Second
	if header.TimebaseDenominator > 0 {
		frame = time.Duration(float64(time.Second) * float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator))
	}

	go func() {
		defer f.Close()
		ticker := time.NewTicker(frame)
		defer ticker.Stop()
		for {
			select {
			case <-t.stop:
				return
			case <-ticker.C:
			}

			data, _, err := reader.ParseNextFrame()
			if errors.Is(err, io.EOF) {
				if !loop {
					t.end()
					return
				}
				if _, err := f.Seek(0, io.SeekStart); err != nil {
					logger.Warnw("ivf rewind failed", "path", path, "error", err)
					t.end()
					return
				}
				if reader, _, err = ivfreader.NewWith(f); err != nil {
					t.end()
					return
				}
				continue
			}
			if err != nil {
				logger.Warnw("ivf read failed", "path", path, "error", err)
				t.end()
				return
			}
			if err := t.write(data, frame); err != nil {
				logger.Debugw("video write failed", "error", err)
			}
		}
	}()
	return t, nil
}
