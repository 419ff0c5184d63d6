package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/banshee-data/visionpick/internal/acquire"
	"github.com/banshee-data/visionpick/internal/api"
	"github.com/banshee-data/visionpick/internal/config"
	"github.com/banshee-data/visionpick/internal/control"
	"github.com/banshee-data/visionpick/internal/conveyor"
	"github.com/banshee-data/visionpick/internal/db"
	"github.com/banshee-data/visionpick/internal/geometry"
	"github.com/banshee-data/visionpick/internal/gpio"
	"github.com/banshee-data/visionpick/internal/health"
	"github.com/banshee-data/visionpick/internal/monitoring"
	"github.com/banshee-data/visionpick/internal/mqttctl"
	"github.com/banshee-data/visionpick/internal/occlusion"
	"github.com/banshee-data/visionpick/internal/picklock"
	"github.com/banshee-data/visionpick/internal/roi"
	"github.com/banshee-data/visionpick/internal/scene"
	"github.com/banshee-data/visionpick/internal/serialmux"
	"github.com/banshee-data/visionpick/internal/transport"
	"github.com/banshee-data/visionpick/internal/vision"
)

type appOptions struct {
	// Dev serves the fixture scene at ScenePath as camera and detector and
	// drives an emulated relay board.
	Dev       bool
	ScenePath string
}

// app is one wired controller.
type app struct {
	cfg *config.Config

	journal  *db.DB
	calib    *geometry.CalibrationStore
	sensor   *vision.Sensor
	analyzer *scene.Analyzer
	catches  *acquire.Service
	loop     *conveyor.Loop
	dispatch *control.Dispatcher
	robots   *transport.Server
	remote   *mqttctl.Handler // nil unless the MQTT command plane is enabled
	health   *health.Monitor
	api      *api.Server

	relay serialmux.SerialMuxInterface // nil when GPIO is simulated in memory
	board *gpio.RelayBoard

	mu      sync.Mutex
	httpLn  net.Listener
	robotLn net.Listener
	grpcLn  net.Listener
}

func newApp(cfg *config.Config, opts appOptions) (*app, error) {
	configureLogging(cfg.GetLogLevel())

	a := &app{cfg: cfg}
	var err error
	a.journal, err = db.NewDB(cfg.GetDBPath())
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	a.calib = geometry.NewCalibrationStore(cfg.GetCalibrationPath(), cfg.GetZFloor())
	if cfg.GetCalibrationPath() != "" {
		if err := a.calib.Reload(); err != nil {
			log.Printf("calibration not loaded, replying world coordinates: %v", err)
		}
	}

	zones := cfg.ZoneList()
	idx, err := roi.NewIndex(zones)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.analyzer = scene.NewAnalyzer(idx, a.calib, cfg.SceneOptions())

	var (
		camera   vision.Camera   = vision.Offline{}
		detector vision.Detector = vision.Offline{}
	)
	if opts.Dev {
		sc, err := vision.LoadScene(opts.ScenePath)
		if err != nil {
			a.Close()
			return nil, err
		}
		fx := vision.NewFixture(sc)
		camera, detector = fx.Camera(), fx.Detector()
		log.Printf("dev mode: serving fixture scene %s", opts.ScenePath)
	} else {
		log.Printf("no camera driver attached: catches answer not-ready until one is")
	}
	a.sensor = vision.NewSensor(camera, detector)

	guard := occlusion.New(cfg.OcclusionConfig(), nil)
	a.catches = acquire.New(a.sensor, a.analyzer, guard, nil, a.journal)

	bind := gpio.BindingsFor(zones)
	var driver gpio.Driver
	switch {
	case opts.Dev:
		a.relay = serialmux.NewEmulatedRelayMux()
	case cfg.Relay != nil && cfg.Relay.Enable:
		mux, err := serialmux.NewRealSerialMux(cfg.Relay.Port, cfg.Relay.PortOptions)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.relay = mux
	}
	if a.relay != nil {
		a.board = gpio.NewRelayBoard(a.relay, bind)
		driver = a.board
	} else {
		log.Printf("no relay board configured: conveyor lines are simulated in memory")
		driver = gpio.NewMemory(bind)
	}

	a.robots = transport.NewServer(cfg.TransportConfig(), transport.HandlerFunc(
		func(ctx context.Context, peer transport.Peer, line string) (string, bool) {
			return a.dispatch.Handle(ctx, peer, line)
		}))
	a.loop = conveyor.New(a.sensor, a.analyzer, driver, bind, picklock.New(nil), a.robots, a.journal, nil, cfg.ConveyorConfig())
	a.dispatch = control.NewDispatcher(a.catches, a.loop, a.calib)
	if mc, ok := cfg.MQTTCommandConfig(); ok {
		a.remote = mqttctl.New(mc, a.dispatch, func() any { return cfg })
		log.Printf("MQTT commands on %s via %s", mc.CommandTopic, mc.Broker)
	}

	a.health = health.NewMonitor(time.Second, nil)
	a.health.Add(health.ServiceCamera, a.sensor.CameraReady, true)
	a.health.Add(health.ServiceDetector, a.sensor.DetectorReady, true)
	a.health.Add(health.ServiceConveyor, a.loop.Running, false)

	a.api = api.NewServer(api.Deps{
		Commands: a.dispatch,
		Journal:  a.journal,
		Analyzer: a.analyzer,
		Loop:     a.loop,
		Catches:  a.catches,
		Clients:  a.robots,
		Health:   a.health,
	})
	return a, nil
}

func configureLogging(level string) {
	ops, diag, trace := monitoring.LogWriters(level, os.Stderr)
	acquire.SetLogWriters(ops, diag, trace)
	conveyor.SetLogWriters(ops, diag, trace)
	transport.SetLogWriters(ops, diag, trace)
	gpio.SetLogWriters(ops, diag, trace)
}

func (a *app) listen() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var opened []net.Listener
	for _, l := range []struct {
		addr string
		dst  *net.Listener
	}{
		{a.cfg.GetListenAddress(), &a.robotLn},
		{a.cfg.GetHTTPAddress(), &a.httpLn},
		{a.cfg.GetHealthAddress(), &a.grpcLn},
	} {
		ln, err := net.Listen("tcp", l.addr)
		if err != nil {
			for _, o := range opened {
				o.Close()
			}
			a.robotLn, a.httpLn, a.grpcLn = nil, nil, nil
			return fmt.Errorf("failed to listen on %s: %w", l.addr, err)
		}
		opened = append(opened, ln)
		*l.dst = ln
	}
	return nil
}

// addrs returns the bound robot, HTTP and health addresses once Run is
// listening.
func (a *app) addrs() (robotAddr, httpAddr, healthAddr net.Addr) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.robotLn == nil || a.httpLn == nil || a.grpcLn == nil {
		return nil, nil, nil
	}
	return a.robotLn.Addr(), a.httpLn.Addr(), a.grpcLn.Addr()
}

// Run serves until ctx is cancelled. On the way out the conveyor loop is
// stopped, which drives every line low.
func (a *app) Run(ctx context.Context) error {
	if err := a.listen(); err != nil {
		return err
	}

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if a.relay != nil {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := a.relay.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("failed to monitor relay board: %v", err)
			}
			log.Print("relay monitor routine terminated")
		}()
		go func() {
			defer wg.Done()
			if err := a.board.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("relay watch: %v", err)
			}
		}()
		if err := a.board.Init(); err != nil {
			cancel()
			wg.Wait()
			return fmt.Errorf("failed to initialise relay board: %w", err)
		}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.robots.Serve(ctx, a.robotLn); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("robot server: %v", err)
			cancel()
		}
	}()

	if a.remote != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.remote.Run(ctx); err != nil {
				log.Printf("mqtt command plane: %v", err)
			}
		}()
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		a.health.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		if err := a.health.Serve(ctx, a.grpcLn); err != nil {
			log.Printf("health server: %v", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.serveHTTP(ctx)
	}()

	<-ctx.Done()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := a.loop.Stop(stopCtx); err != nil {
		log.Printf("conveyor stop: %v", err)
	}
	wg.Wait()
	return nil
}

func (a *app) serveHTTP(ctx context.Context) {
	mux := a.api.ServeMux()
	a.api.AttachAdminRoutes(mux)
	a.journal.AttachAdminRoutes(mux)
	if a.relay != nil {
		a.relay.AttachAdminRoutes(mux)
	}

	server := &http.Server{Handler: api.LoggingMiddleware(mux)}
	go func() {
		log.Printf("HTTP listening on %s", a.httpLn.Addr())
		if err := server.Serve(a.httpLn); err != nil && err != http.ErrServerClosed {
			log.Printf("HTTP server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}
	log.Printf("HTTP server routine stopped")
}

// Close releases the relay port and the journal.
func (a *app) Close() {
	if a.relay != nil {
		if err := a.relay.Close(); err != nil {
			log.Printf("relay close: %v", err)
		}
	}
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			log.Printf("journal close: %v", err)
		}
	}
}
