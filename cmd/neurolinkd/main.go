// Command neurolinkd is the host-side driver for the implantable stimulator:
// it owns the Session lifecycle, arms streaming and seizure monitoring on
// operator request, and exposes a minimal interactive CLI (spec §6) plus a
// Prometheus metrics endpoint.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/alxayo/neurolink/internal/config"
	"github.com/alxayo/neurolink/internal/logger"
	"github.com/alxayo/neurolink/internal/logsink"
	"github.com/alxayo/neurolink/internal/metrics"
	"github.com/alxayo/neurolink/internal/neuro/conn"
	"github.com/alxayo/neurolink/internal/neuro/eventbus"
	"github.com/alxayo/neurolink/internal/neuro/streaming"
	"github.com/alxayo/neurolink/internal/neuro/therapy"
	"github.com/alxayo/neurolink/internal/serialport"
)

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	if cfg.showVersion {
		fmt.Println(version)
		return
	}

	logger.Init()
	if err := logger.SetLevel(cfg.logLevel); err != nil {
		fmt.Printf("Warning: invalid log level, using default: %v\n", err)
	}
	log := logger.Logger().With("component", "cli")

	fileCfg := loadFileConfigOrDefaults(cfg.configPath, log)
	portName := cfg.port
	if portName == "" {
		portName = fileCfg.Serial.Port
	}
	if portName == "" {
		portName = selectPortInteractively(log)
	}
	baud := int(cfg.baud)
	if fileCfg.Serial.Baud != 0 && cfg.baud == 115200 {
		baud = fileCfg.Serial.Baud
	}

	mtr := metrics.New()
	if fileCfg.Metrics.Enabled || cfg.metricsAddr != "" {
		addr := cfg.metricsAddr
		if addr == "" {
			addr = fileCfg.Metrics.Addr
		}
		go func() {
			log.Info("metrics endpoint listening", "addr", addr)
			srv := &http.Server{Addr: addr, Handler: mtr.Handler()}
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics endpoint stopped", "error", err)
			}
		}()
	}

	hub := eventbus.New(log)
	session := conn.New(portName, baud, nil, hub, log, mtr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	status := session.Open(ctx)
	log.Info("session open attempt finished", "status", status.String())
	if status != eventbus.Connected && status != eventbus.AlreadyConnected {
		log.Error("failed to open session", "status", status.String())
		os.Exit(1)
	}
	defer session.Close()

	app := &application{
		session: session,
		hub:     hub,
		log:     log,
		metrics: mtr,
		logDir:  fileCfg.Logging.Dir,
		archive: fileCfg.Archive,
	}

	statusCh, unsub := hub.SubscribeConnectionStatus(16)
	defer unsub()
	go func() {
		for s := range statusCh {
			log.Info("connection status changed", "status", s.String())
		}
	}()

	fmt.Println("Connected. Press 'S' to toggle streaming, 'Q' to quit.")
	inputDone := make(chan struct{})
	go app.runInputLoop(ctx, inputDone)

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case <-inputDone:
		log.Info("operator requested quit")
	}

	app.stopStreamingIfActive(context.Background())
}

// application bundles the running session with the optional
// streaming/therapy/log-sink trio that exists only while streaming is armed.
type application struct {
	session *conn.Session
	hub     *eventbus.Hub
	log     interface {
		Info(string, ...any)
		Warn(string, ...any)
		Error(string, ...any)
	}
	metrics *metrics.Metrics
	logDir  string
	archive config.ArchiveConfig

	mu         sync.Mutex
	streamLife *streamingBundle
}

// streamingBundle implements conn.StreamingLifecycle by tearing down the
// StreamingController, the TherapyMonitor, and the log sink together.
type streamingBundle struct {
	controller       *streaming.Controller
	monitor          *therapy.Monitor
	logWriter        *logsink.Writer
	unsubTherapyStat func()
}

func (b *streamingBundle) Cancel(ctx context.Context) {
	b.unsubTherapyStat()
	b.controller.Cancel(ctx)
	b.monitor.Close()
	if b.logWriter != nil {
		_ = b.logWriter.Close(ctx)
	}
}

func (app *application) runInputLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		switch scanner.Text() {
		case "S", "s":
			app.toggleStreaming(ctx)
		case "Q", "q":
			return
		}
	}
}

func (app *application) toggleStreaming(ctx context.Context) {
	app.mu.Lock()
	defer app.mu.Unlock()

	if app.streamLife != nil {
		app.session.StopStreaming(ctx)
		app.streamLife = nil
		app.log.Info("streaming stopped")
		return
	}

	if status := app.session.StartStreaming(); status != eventbus.Streaming {
		app.log.Warn("cannot start streaming", "status", status.String())
		return
	}

	var logWriter *logsink.Writer
	var sink streaming.LogWriter
	if app.logDir != "" {
		var archiver logsink.Archiver
		if app.archive.Enabled {
			a, err := logsink.NewS3Archiver(ctx, app.archive.Bucket, app.archive.Prefix)
			if err != nil {
				app.log.Warn("s3 archiver unavailable, continuing without archival", "error", err)
			} else {
				archiver = a
			}
		}
		w, err := logsink.New(app.logDir, nil, archiver)
		if err != nil {
			app.log.Warn("log sink unavailable, continuing without durable logging", "error", err)
		} else {
			logWriter = w
			sink = w
		}
	}

	monitor := therapy.New(ctx, app.session.Transport(), app.hub, nil, app.metrics)
	controller := streaming.New(ctx, app.session.Transport(), app.session.Dispatcher(), app.hub, monitor, sink, nil, app.metrics)

	statusCh, unsubStatus := app.hub.SubscribeTherapyStatus(8)
	go func() {
		for s := range statusCh {
			controller.ObserveTherapyStatus(s)
		}
	}()

	bundle := &streamingBundle{controller: controller, monitor: monitor, logWriter: logWriter, unsubTherapyStat: unsubStatus}
	app.streamLife = bundle
	app.session.SetStreaming(bundle)
	app.log.Info("streaming started")
}

func (app *application) stopStreamingIfActive(ctx context.Context) {
	app.mu.Lock()
	active := app.streamLife != nil
	app.mu.Unlock()
	if active {
		app.session.StopStreaming(ctx)
	}
}

func loadFileConfigOrDefaults(path string, log *slog.Logger) *config.Config {
	if path == "" {
		return &config.Config{}
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Warn("failed to load config file, using flag defaults", "error", err, "path", path)
		return &config.Config{}
	}
	return cfg
}

func selectPortInteractively(log *slog.Logger) string {
	ports, err := serialport.ListPorts()
	if err != nil || len(ports) == 0 {
		log.Warn("no serial ports discovered automatically; falling back to manual entry")
		fmt.Print("Enter serial port device path: ")
		var path string
		fmt.Scanln(&path)
		return path
	}
	fmt.Println("Available serial ports:")
	for i, p := range ports {
		fmt.Printf("  [%d] %s\n", i, p)
	}
	fmt.Print("Select a port by number: ")
	var idx int
	fmt.Scanln(&idx)
	if idx < 0 || idx >= len(ports) {
		return ports[0]
	}
	return ports[idx]
}
