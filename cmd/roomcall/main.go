package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/pion/mediadevices/pkg/driver/camera"     // registers camera adapters
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // registers microphone adapters
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mikeyg42/roomcall/internal/config"
	"github.com/mikeyg42/roomcall/internal/iceservers"
	"github.com/mikeyg42/roomcall/internal/media"
	"github.com/mikeyg42/roomcall/internal/media/devices"
	"github.com/mikeyg42/roomcall/internal/media/synthetic"
	"github.com/mikeyg42/roomcall/internal/metrics"
	"github.com/mikeyg42/roomcall/internal/participant"
	"github.com/mikeyg42/roomcall/internal/roomapi"
	"github.com/mikeyg42/roomcall/internal/rtcManager"
	"github.com/mikeyg42/roomcall/internal/session"
	"github.com/mikeyg42/roomcall/internal/signaling"
)

// Application holds every long-lived component of one CLI run.
type Application struct {
	config  *config.Config
	logger  *zap.Logger
	rooms   *roomapi.Client
	metrics *metrics.Metrics
	source  media.Source
	session *session.Session
	server  *http.Server

	roomID string
	create bool
	probe  bool
	fatal  chan error
}

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	roomID := flag.String("room", "", "room to join")
	create := flag.Bool("create", false, "create a new room and join it")
	userID := flag.String("user", "", "user id (random when empty)")
	userName := flag.String("name", "", "display name")
	useSynthetic := flag.Bool("synthetic", false, "send generated silence and blank video instead of capture devices")
	probe := flag.Bool("probe", false, "check every ICE server before joining")
	metricsAddr := flag.String("metrics", "", "address to serve Prometheus metrics on (empty uses the config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *userID != "" {
		cfg.UserID = *userID
	}
	if *userName != "" {
		cfg.UserName = *userName
	}
	if *useSynthetic {
		cfg.Media.Synthetic = true
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	if *roomID == "" && !*create {
		log.Fatal("Either -room or -create is required")
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	app, err := NewApplication(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create application", zap.Error(err))
	}
	app.roomID = *roomID
	app.create = *create
	app.probe = *probe

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx); err != nil {
		logger.Error("Session ended with error", zap.Error(err))
		os.Exit(1)
	}
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func NewApplication(cfg *config.Config, logger *zap.Logger) (*Application, error) {
	rooms, err := roomapi.New(roomapi.Config{BaseURL: cfg.RoomAPIURL, Logger: logger.Named("roomapi")})
	if err != nil {
		return nil, fmt.Errorf("failed to create room API client: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	var source media.Source
	if cfg.Media.Synthetic {
		source = synthetic.NewSource(logger.Named("synthetic"))
	} else {
		selector, err := devices.NewDefaultCodecSelector()
		if err != nil {
			return nil, err
		}
		if source, err = devices.NewSource(selector, logger.Named("devices")); err != nil {
			return nil, err
		}
		for _, d := range devices.List() {
			logger.Info("Capture device", zap.String("kind", d.Kind), zap.String("label", d.Label), zap.String("id", d.ID))
		}
	}

	app := &Application{
		config:  cfg,
		logger:  logger,
		rooms:   rooms,
		metrics: m,
		source:  source,
		fatal:   make(chan error, 1),
	}
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		app.server = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	}
	return app, nil
}

// Run joins the room and blocks until ctx ends or the session fails for good.
func (app *Application) Run(ctx context.Context) error {
	if app.server != nil {
		go func() {
			app.logger.Info("Serving metrics", zap.String("addr", app.server.Addr))
			if err := app.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				app.logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
		defer app.server.Close()
	}

	if app.create {
		room, err := app.rooms.Create(ctx, roomapi.CreateOptions{RoomType: app.roomType()})
		if err != nil {
			return err
		}
		app.roomID = room.RoomID
		fmt.Printf("Created room %s\n", room.RoomID)
	}

	fallback := fallbackServers(app.config.ICE.FallbackServers)
	if app.probe {
		app.probeServers(ctx, fallback)
	}

	if err := app.Initialize(fallback); err != nil {
		return err
	}
	defer app.Cleanup()

	if err := joinRoom(ctx, app.session, app.constraints(), app.logger); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		app.logger.Info("Shutting down")
		return nil
	case err := <-app.fatal:
		return err
	}
}

type roomJoiner interface {
	StartLocalMedia(ctx context.Context, c media.Constraints) (*media.Stream, error)
	Connect(ctx context.Context) error
}

// joinRoom acquires local media before connecting so the first offers already
// carry local tracks.
func joinRoom(ctx context.Context, s roomJoiner, c media.Constraints, logger *zap.Logger) error {
	if c.Audio || c.Video {
		if _, err := s.StartLocalMedia(ctx, c); err != nil {
			// Receive-only participation still works.
			logger.Warn("Continuing without local media", zap.Error(err))
		}
	}
	if err := s.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	return nil
}

func (app *Application) roomType() string {
	if app.config.Media.Video {
		return "video"
	}
	return "audio"
}

func (app *Application) constraints() media.Constraints {
	mc := app.config.Media
	return media.Constraints{
		Audio:         mc.Audio,
		Video:         mc.Video,
		AudioDeviceID: mc.AudioDevice,
		VideoDeviceID: mc.VideoDevice,
		Width:         mc.Width,
		Height:        mc.Height,
		FrameRate:     mc.FrameRate,
	}
}

func (app *Application) probeServers(ctx context.Context, fallback []iceservers.Server) {
	servers := iceservers.Normalize(fallback)
	if app.roomID != "" {
		if fetched, err := app.rooms.ICEServers(ctx, app.roomID); err == nil && len(fetched) > 0 {
			servers = iceservers.Normalize(fetched)
		}
	}
	probeCtx, cancel := context.WithTimeout(ctx, app.config.ICE.ProbeTimeout)
	defer cancel()
	for _, r := range iceservers.Probe(probeCtx, servers) {
		if r.Reachable() {
			app.logger.Info("ICE server reachable",
				zap.String("url", r.URL), zap.Duration("rtt", r.RTT), zap.String("relay", r.RelayAddress))
			continue
		}
		app.logger.Warn("ICE server unreachable", zap.String("url", r.URL), zap.Error(r.Err))
	}
}

// Initialize builds the session and registers logging callbacks.
func (app *Application) Initialize(fallback []iceservers.Server) error {
	factory, err := rtcManager.NewPionFactory(app.logger.Named("pion"))
	if err != nil {
		return err
	}

	sc := app.config.Signaling
	s, err := session.New(session.Options{
		RoomID:   app.roomID,
		UserID:   app.config.UserID,
		UserName: app.config.UserName,
		Dialer: signaling.WebsocketDialer{
			BaseURL: app.config.SignalingURL,
			Config: signaling.Config{
				WriteTimeout: sc.WriteTimeout,
				PongWait:     sc.PongWait,
				PingInterval: sc.PingInterval,
				SendBuffer:   sc.SendBuffer,
				Logger:       app.logger.Named("signaling"),
				Metrics:      app.metrics,
			},
		},
		Factory:            factory,
		Rooms:              app.rooms,
		Media:              app.source,
		FallbackICEServers: fallback,
		ICEFetchTimeout:    app.config.ICE.FetchTimeout,
		Health:             app.config.Health,
		Reconnect:          app.config.Reconnect,
		Logger:             app.logger.Named("session"),
		Metrics:            app.metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	app.session = s

	logger := app.logger
	s.OnConnectionStateChange(func(st session.State) {
		logger.Info("Connection state", zap.String("state", string(st)))
	})
	s.OnParticipantJoined(func(p participant.Participant) {
		logger.Info("Participant joined", zap.String("id", p.ID), zap.String("name", p.DisplayName))
	})
	s.OnParticipantLeft(func(p participant.Participant) {
		logger.Info("Participant left", zap.String("id", p.ID))
	})
	s.OnParticipantUpdated(func(p participant.Participant) {
		logger.Debug("Participant updated", zap.String("id", p.ID))
	})
	s.OnRemoteStream(func(id string, stream *media.RemoteStream) {
		logger.Info("Remote stream", zap.String("participant", id), zap.Int("tracks", len(stream.Tracks())))
	})
	s.OnRemoteStreamRemoved(func(id string) {
		logger.Info("Remote stream removed", zap.String("participant", id))
	})
	s.OnChatMessage(func(m signaling.ChatMessage) {
		fmt.Printf("[%s] %s: %s\n", m.Timestamp.Format(time.Kitchen), m.UserName, m.Text)
	})
	s.OnConnectionQualityChange(func(q rtcManager.Quality) {
		logger.Info("Connection quality", zap.String("quality", string(q)))
	})
	s.OnError(func(err error) {
		if !session.IsFatal(err) {
			logger.Warn("Session error", zap.Error(err))
			return
		}
		select {
		case app.fatal <- err:
		default:
		}
	})
	return nil
}

func (app *Application) Cleanup() {
	if app.session == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.session.Disconnect(ctx); err != nil {
		app.logger.Warn("Disconnect failed", zap.Error(err))
	}
}

func fallbackServers(in []config.ICEServer) []iceservers.Server {
	out := make([]iceservers.Server, 0, len(in))
	for _, s := range in {
		out = append(out, iceservers.Server{
			URLs:       iceservers.URLList(s.URLs),
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}
