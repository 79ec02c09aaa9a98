// Package app assembles a gestalyze client from its configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"gocv.io/x/gocv"

	"github.com/rbcorrales/gestalyze/internal/capture"
	"github.com/rbcorrales/gestalyze/internal/channel"
	"github.com/rbcorrales/gestalyze/internal/config"
	"github.com/rbcorrales/gestalyze/internal/protocol"
	"github.com/rbcorrales/gestalyze/internal/relay"
	"github.com/rbcorrales/gestalyze/internal/server"
	"github.com/rbcorrales/gestalyze/internal/session"
	"github.com/rbcorrales/gestalyze/internal/store"
	"github.com/rbcorrales/gestalyze/internal/tray"
)

// Options replaces parts of the assembly. Zero values use the real devices and network.
type Options struct {
	// Mock streams synthetic frames from a single virtual camera instead of real devices.
	Mock bool
	// Camera overrides the configured camera.device.
	Camera string
	// Dialer overrides the WebSocket dialer.
	Dialer channel.Dialer
	// Publisher overrides the MQTT connection used by the relay.
	Publisher relay.Publisher
}

// App is the running client: store, camera, backend channel, session and adapters.
type App struct {
	config *config.Config
	logger *slog.Logger

	store   *store.Store
	camera  *capture.Controller
	channel *channel.Manager
	session *session.Coordinator
	relay   *relay.Relay
	server  *server.Server
	tray    *tray.Tray

	mqtt       *relay.MQTTPublisher
	mockFrames []*gocv.Mat
	closeOnce  sync.Once
}

// New builds every component from cfg. Nothing is started until Run.
func New(cfg *config.Config, opts Options, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	endpoint, err := cfg.Backend.Endpoint()
	if err != nil {
		return nil, err
	}

	st, err := store.New(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	logger.Debug("store opened", "path", st.Path())
	if n, err := st.Preferences().PurgeExpired(); err != nil {
		logger.Warn("purge expired preferences", "error", err)
	} else if n > 0 {
		logger.Debug("purged expired preferences", "count", n)
	}

	a := &App{config: cfg, logger: logger, store: st}

	enumerator, opener := a.cameraBackend(opts.Mock)
	a.camera = capture.NewController(capture.Config{
		Interval:      cfg.Camera.Interval,
		MinInterval:   cfg.Camera.MinInterval,
		MaxInterval:   cfg.Camera.MaxInterval,
		Step:          cfg.Camera.Step,
		Quality:       cfg.Camera.Quality,
		Width:         cfg.Camera.Width,
		Height:        cfg.Camera.Height,
		PreferenceTTL: cfg.Store.PreferenceTTL,
	}, enumerator, opener, st.Preferences(), logger)

	dialer := opts.Dialer
	if dialer == nil {
		dialer = &channel.WebSocketDialer{
			HandshakeTimeout: cfg.Backend.HandshakeTimeout,
			PingInterval:     cfg.Backend.PingInterval,
		}
	}
	a.channel = channel.NewManager(channel.Config{
		URL:            endpoint,
		ReconnectDelay: cfg.Backend.ReconnectDelay,
	}, dialer, logger)

	cameraID := cfg.Camera.Device
	if opts.Camera != "" {
		cameraID = opts.Camera
	}
	a.session = session.New(session.Config{
		Control: protocol.Control{
			EnableASL: cfg.ASL.Enabled,
			ModelType: protocol.ModelType(cfg.ASL.Model),
		},
		Camera: cameraID,
	}, a.channel, a.camera, logger)

	if err := a.setupRelay(opts.Publisher); err != nil {
		a.Close()
		return nil, err
	}

	if cfg.Server.Enabled {
		a.server = server.New(server.Config{Session: a.session, Camera: a.camera, Logger: logger})
	}
	if cfg.Tray.Enabled {
		a.tray = tray.New(a.session, logger)
		a.session.OnUpdate(a.tray.Update)
	}

	return a, nil
}

func (a *App) cameraBackend(mock bool) (capture.Enumerator, capture.Opener) {
	if !mock {
		return &capture.GocvEnumerator{MaxDevices: a.config.Camera.MaxDevices}, nil
	}

	// Mats stay alive until Close; the mock camera only borrows them.
	for _, bgr := range []gocv.Scalar{
		gocv.NewScalar(0, 0, 200, 0),
		gocv.NewScalar(0, 200, 0, 0),
		gocv.NewScalar(200, 0, 0, 0),
	} {
		m := gocv.NewMatWithSizeFromScalar(bgr, 240, 320, gocv.MatTypeCV8UC3)
		a.mockFrames = append(a.mockFrames, &m)
	}
	enumerator := &capture.StaticEnumerator{Sources: []capture.Source{{ID: "mock", Label: "Synthetic camera"}}}
	opener := func(string) capture.Camera {
		return capture.NewMockCamera(a.mockFrames, true)
	}
	return enumerator, opener
}

func (a *App) setupRelay(pub relay.Publisher) error {
	if pub == nil {
		if !a.config.MQTT.Enabled {
			return nil
		}
		mq, err := relay.DialMQTT(relay.MQTTConfig{
			Broker:   a.config.MQTT.Broker,
			ClientID: a.config.MQTT.ClientID,
			Username: a.config.MQTT.Username,
			Password: a.config.MQTT.Password,
		}, a.logger)
		if err != nil {
			return fmt.Errorf("connect mqtt: %w", err)
		}
		a.mqtt = mq
		pub = mq
	}

	a.relay = relay.New(pub, a.config.MQTT.TopicPrefix, a.logger)
	a.session.OnUpdate(a.relay.Handle)
	return nil
}

// Session returns the session coordinator.
func (a *App) Session() *session.Coordinator {
	return a.session
}

// Camera returns the capture controller.
func (a *App) Camera() *capture.Controller {
	return a.camera
}

// Store returns the preference store.
func (a *App) Store() *store.Store {
	return a.store
}

// Tray returns the tray menu, or nil when the tray is disabled.
func (a *App) Tray() *tray.Tray {
	return a.tray
}

// Run starts the session and the HTTP server and blocks until ctx is done.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg     sync.WaitGroup
		srvErr error
	)
	if a.server != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.server.ListenAndServe(ctx, a.config.Server.Addr); err != nil {
				srvErr = fmt.Errorf("http server: %w", err)
				cancel()
			}
		}()
	}

	err := a.session.Run(ctx)
	cancel()
	wg.Wait()

	return errors.Join(err, srvErr)
}

// Close releases the store, the MQTT connection and the mock frames. Call it after Run
// returns.
func (a *App) Close() error {
	var err error
	a.closeOnce.Do(func() {
		if a.mqtt != nil {
			a.mqtt.Close()
		}
		for _, m := range a.mockFrames {
			m.Close()
		}
		err = a.store.Close()
	})
	return err
}
