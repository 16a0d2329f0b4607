// Command board joins a whiteboard room as a headless participant: it syncs
// the board through the relay, keeps a WebRTC mesh with the other
// participants and reads drawing commands from stdin.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"boardnet/internal/core/domain"
	"boardnet/internal/core/services"
	"boardnet/internal/crdt"
	"boardnet/internal/infrastructure/monitoring"
	"boardnet/internal/infrastructure/provider"
	"boardnet/internal/infrastructure/storeclient"
	webrtcinfra "boardnet/internal/infrastructure/webrtc"
	"boardnet/pkg/config"
	"boardnet/pkg/logger"
	"boardnet/pkg/utils"
	"boardnet/pkg/validation"

	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	var (
		configPath = pflag.StringP("config", "c", "", "path to config.yaml")
		apiURL     = pflag.String("api", "http://localhost:8080/api/v1", "REST API base URL")
		relayURL   = pflag.String("relay", "ws://localhost:8081/ws", "relay websocket URL")
		name       = pflag.StringP("name", "n", "guest", "display name")
		roomID     = pflag.StringP("room", "r", "", "room to join; a new room is created when empty")
		camera     = pflag.String("camera", "", "IVF file played as the camera")
		screen     = pflag.String("screen", "", "IVF file played as the shared screen")
		loopScreen = pflag.Bool("loop-screen", false, "replay the screen file instead of ending the share")
		noMic      = pflag.Bool("no-mic", false, "join without a microphone")
		metrics    = pflag.String("metrics", "", "serve Prometheus metrics on this address")
	)
	pflag.Parse()

	cfg, _, err := config.LoadFirst(*configPath, "configs/config.yaml", "config.yaml")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	zapLogger := logger.Must(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if err := validation.ValidateDisplayName(*name); err != nil {
		log.Fatalw("invalid display name", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, options{
		apiURL:   *apiURL,
		relayURL: *relayURL,
		name:     *name,
		room:     domain.RoomID(*roomID),
		metrics:  *metrics,
		devices: webrtcinfra.DeviceConfig{
			Microphone: !*noMic,
			CameraIVF:  *camera,
			ScreenIVF:  *screen,
			LoopScreen: *loopScreen,
		},
	}, os.Stdin, os.Stdout, log); err != nil {
		log.Fatalw("board session failed", "error", err)
	}
}

type options struct {
	apiURL   string
	relayURL string
	name     string
	room     domain.RoomID
	metrics  string
	devices  webrtcinfra.DeviceConfig
}

func run(ctx context.Context, cfg *config.Config, opts options, in io.Reader, out io.Writer, log *zap.SugaredLogger) error {
	store := storeclient.New(opts.apiURL, storeclient.WithHTTPClient(&http.Client{
		Timeout: cfg.Assistant.Timeout + 10*time.Second,
	}))
	user, err := store.CreateSession(ctx, opts.name)
	if err != nil {
		return fmt.Errorf("sign in: %w", err)
	}

	room, err := openRoom(ctx, store, opts.room)
	if err != nil {
		return err
	}
	participant := domain.ParticipantID(utils.GenerateParticipantID(string(user.User.ID)))
	log = log.With("room_id", string(room.ID), "participant_id", string(participant))
	fmt.Fprintf(out, "joined %q (%s) as %s\n", room.Name, room.ID, user.User.DisplayName)

	doc := crdt.NewDoc(string(participant))
	prov := provider.New(doc, provider.Config{
		URL:         opts.relayURL,
		Room:        room.ID,
		Participant: participant,
		Token:       user.Token,
	}, log)
	prov.OnStatus(func(s provider.Status) { log.Infow("relay status", "status", s) })

	provCtx, stopProvider := context.WithCancel(context.Background())
	provDone := make(chan error, 1)
	go func() { provDone <- prov.Run(provCtx) }()
	defer func() {
		stopProvider()
		<-provDone
	}()

	syncCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = prov.WaitSynced(syncCtx)
	cancel()
	if err != nil {
		select {
		case runErr := <-provDone:
			provDone <- runErr
			return fmt.Errorf("relay: %w", runErr)
		default:
		}
		log.Warnw("relay not synced yet, continuing offline", "error", err)
	}

	collector := monitoring.NewPrometheusCollector()
	if opts.metrics != "" {
		srv := &http.Server{Addr: opts.metrics, Handler: promhttp.Handler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warnw("metrics server stopped", "error", err)
			}
		}()
		defer srv.Close()
	}

	factory, err := webrtcinfra.NewFactory(webrtcConfig(cfg), log)
	if err != nil {
		return err
	}
	session, err := services.NewSession(services.SessionConfig{
		Room:              room.ID,
		Participant:       participant,
		DisplayName:       opts.name,
		SignalHorizon:     cfg.Signaling.MessageHorizon,
		GCInterval:        cfg.Signaling.GCInterval,
		CallStateInterval: cfg.Signaling.CallStateInterval,
		SaveDebounce:      cfg.Persistence.SaveDebounce,
		SaveTimeout:       cfg.Persistence.SaveTimeout,
	}, services.SessionDeps{
		Doc:       doc,
		Store:     store,
		Peers:     factory,
		Devices:   webrtcinfra.NewDevices(opts.devices, log),
		Assistant: store.Assistant(room.ID),
		Signals:   collector,
		PeerStats: collector,
		Saves:     collector,
	}, log)
	if err != nil {
		return err
	}

	if err := session.Join(ctx); err != nil {
		return err
	}
	if err := session.MediaError(); err != nil {
		fmt.Fprintf(out, "microphone unavailable: %v\n", err)
	}

	repl(ctx, session, in, out)

	leaveCtx, cancel := context.WithTimeout(context.Background(), cfg.Persistence.SaveTimeout)
	defer cancel()
	return session.Leave(leaveCtx)
}

// openRoom creates a room when id is empty and joins it otherwise.
func openRoom(ctx context.Context, store *storeclient.Client, id domain.RoomID) (*domain.Room, error) {
	if id == "" {
		room, err := store.CreateRoom(ctx, "")
		if err != nil {
			return nil, fmt.Errorf("create room: %w", err)
		}
		return room, nil
	}
	room, err := store.JoinRoom(ctx, id)
	switch {
	case errors.Is(err, domain.ErrRoomNotFound):
		return nil, fmt.Errorf("room %s does not exist", id)
	case errors.Is(err, domain.ErrRoomAccessDenied):
		return nil, fmt.Errorf("room %s is private", id)
	case err != nil:
		return nil, fmt.Errorf("join room: %w", err)
	}
	return room, nil
}

func webrtcConfig(cfg *config.Config) webrtcinfra.Config {
	var wc webrtcinfra.Config
	for _, s := range cfg.WebRTC.ICEServers {
		wc.ICEServers = append(wc.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	wc.PortRange.Min = cfg.WebRTC.PortRange.Min
	wc.PortRange.Max = cfg.WebRTC.PortRange.Max
	return wc
}

func repl(ctx context.Context, session *services.Session, in io.Reader, out io.Writer) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	st := style{stroke: "#1e1e1e"}
	fmt.Fprintln(out, `type "help" for commands`)
	for {
		var line string
		select {
		case <-ctx.Done():
			return
		case l, ok := <-lines:
			if !ok {
				return
			}
			line = l
		}

		c, ok := parseCommand(line)
		if !ok {
			continue
		}
		if c.name == "quit" || c.name == "exit" {
			return
		}
		if err := execute(ctx, session, c, &st, out); err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
}

func execute(ctx context.Context, session *services.Session, c command, st *style, out io.Writer) error {
	board := session.Board()
	if isDrawing(c.name) {
		el, _, err := buildElement(board.NextElementID(), c, *st)
		if err != nil {
			return err
		}
		if err := board.Append(el); err != nil {
			return err
		}
		fmt.Fprintln(out, describe(el))
		return nil
	}

	switch c.name {
	case "help":
		fmt.Fprintln(out, usage)
	case "color":
		if len(c.args) == 0 {
			return fmt.Errorf("%w: color STROKE [FILL]", errUsage)
		}
		st.stroke, st.fill = c.args[0], ""
		if len(c.args) > 1 {
			st.fill = c.args[1]
		}
	case "clear":
		return session.Clear(ctx)
	case "notes":
		session.SetNotes(c.rest)
	case "ai":
		ids, err := session.Assist(ctx, c.rest)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "assistant drew %d elements\n", len(ids))
	case "audio":
		return session.Media().ToggleAudio(ctx)
	case "video":
		return session.Media().ToggleVideo(ctx)
	case "screen":
		return session.Media().ToggleScreenShare(ctx)
	case "list":
		for _, el := range board.SnapshotArray() {
			fmt.Fprintln(out, describe(el))
		}
	case "peers":
		cs := session.Media().CallState()
		fmt.Fprintf(out, "%-36s (you) audio=%t video=%t screen=%t\n",
			session.Participant(), cs.AudioEnabled, cs.VideoEnabled, cs.ScreenSharing)
		for _, p := range session.Roster().List() {
			fmt.Fprintf(out, "%-36s %-12s %s audio=%t video=%t screen=%t\n",
				p.ID, p.DisplayName, p.State, p.AudioEnabled, p.VideoEnabled, p.ScreenSharing)
		}
	default:
		return fmt.Errorf("%w: unknown command %q, try help", errUsage, c.name)
	}
	return nil
}
