package webrtc

import (
	"fmt"

	"boardnet/internal/core/domain"
	"boardnet/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Config is the WebRTC configuration shared by every peer connection.
type Config struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
}

// Factory builds pion peer connections with one audio and one video
// transceiver already in place, so tracks can be swapped later without
// renegotiating.
type Factory struct {
	api    *webrtc.API
	config webrtc.Configuration
	logger *zap.SugaredLogger
}

var _ ports.PeerConnectionFactory = (*Factory)(nil)

func NewFactory(cfg Config, logger *zap.SugaredLogger) (*Factory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("invalid port range: %w", err)
		}
	}

	return &Factory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithSettingEngine(settingEngine),
		),
		config: webrtc.Configuration{
			ICEServers:   cfg.ICEServers,
			SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
		},
		logger: logger,
	}, nil
}

func (f *Factory) NewPeerConnection(remote domain.ParticipantID) (ports.PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendrecv,
		}); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("failed to add %s transceiver: %w", kind, err)
		}
	}

	return newPeerConnection(pc, f.logger.With("remote", string(remote))), nil
}
