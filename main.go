package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/elhananby/ximea-camera/camera"
	"github.com/elhananby/ximea-camera/config"
	"github.com/elhananby/ximea-camera/export"
	"github.com/elhananby/ximea-camera/fault"
	"github.com/elhananby/ximea-camera/recorder"
	"github.com/elhananby/ximea-camera/trigger"
	"github.com/elhananby/ximea-camera/web"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	DefaultConfigPath = "config.toml"
	AppName           = "Ximea Triggered Capture"
	AppVersion        = "1.0.0"
)

// Application wires the capture pipeline together
type Application struct {
	config    *config.Config
	logger    *zap.Logger
	sessionID string

	// Components
	source     camera.Source
	transport  trigger.Transport
	injector   *trigger.MemoryTransport
	socket     *trigger.WebSocketTransport
	listener   *trigger.Listener
	queue      *export.Queue
	worker     *export.Worker
	watchdog   *export.Watchdog
	controller *recorder.Controller
	webServer  *web.Server

	// Lifecycle
	ctx            context.Context // background loops: stats, watchdog
	cancel         context.CancelFunc
	listenerCancel context.CancelFunc
	listenerDone   chan struct{}
	started        bool
	wg             sync.WaitGroup
}

func main() {
	var (
		configPath = flag.String("config", DefaultConfigPath, "Path to configuration file (.toml, .yaml)")
		logLevel   = flag.String("log-level", "", "Log level (debug, info, warn, error); overrides the config file")
		saveFolder = flag.String("save-folder", "", "Directory for exported clips; overrides the config file")
		writeCfg   = flag.String("write-config", "", "Write the effective configuration to this path (.toml, .yaml) and exit")
		version    = flag.Bool("version", false, "Show version information")
		help       = flag.Bool("help", false, "Show help information")
	)
	flag.Parse()

	if *version {
		fmt.Printf("%s v%s\n", AppName, AppVersion)
		fmt.Printf("Go version: %s\n", runtime.Version())
		fmt.Printf("Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	if *help {
		fmt.Printf("%s v%s\n\n", AppName, AppVersion)
		fmt.Println("Buffers a high-speed camera stream and exports a clip around every trigger")
		fmt.Println("\nUsage:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	cfg, err := config.LoadConfig(*configPath, zap.NewNop())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *saveFolder != "" {
		cfg.Output.SaveFolder = *saveFolder
	}

	if *writeCfg != "" {
		if err := writeEffectiveConfig(cfg, *writeCfg); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write configuration: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Configuration written to %s\n", *writeCfg)
		os.Exit(0)
	}

	logger, err := createLogger(cfg.Logging, cfg.Limits.MaxLogFiles)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting "+AppName,
		zap.String("version", AppVersion),
		zap.String("go_version", runtime.Version()),
		zap.String("platform", runtime.GOOS+"/"+runtime.GOARCH),
		zap.String("config", *configPath))

	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("Configuration loaded",
		zap.String("camera_source", cfg.Camera.Source),
		zap.String("resolution", fmt.Sprintf("%dx%d", cfg.Camera.Width, cfg.Camera.Height)),
		zap.Int("fps", cfg.Camera.FPS),
		zap.Int("exposure_us", cfg.Camera.ExposureUs),
		zap.Float64("t_before", cfg.Buffer.TBefore),
		zap.Float64("t_after", cfg.Buffer.TAfter),
		zap.String("trigger_transport", cfg.Trigger.Transport),
		zap.String("save_folder", cfg.Output.SaveFolder))

	app := NewApplication(cfg, logger)
	if err := app.Start(); err != nil {
		logger.Error("Failed to start application", zap.Error(err))
		app.Stop(context.Background())
		os.Exit(1)
	}

	// Signals stop ingestion the same way a kill command does
	captureCtx, captureCancel := context.WithCancel(context.Background())
	defer captureCancel()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-signalCh:
			logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
			captureCancel()
		case <-captureCtx.Done():
		}
	}()

	runErr := app.Run(captureCtx)
	captureCancel()

	logger.Info("Shutting down...")
	shutdownCtx, shutdownCancel := context.Background(), context.CancelFunc(func() {})
	if cfg.Timeouts.ShutdownTimeout > 0 {
		shutdownCtx, shutdownCancel = context.WithTimeout(context.Background(), time.Duration(cfg.Timeouts.ShutdownTimeout)*time.Second)
	}
	defer shutdownCancel()

	if err := app.Stop(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
		os.Exit(1)
	}

	if runErr != nil {
		if errors.Is(runErr, camera.ErrExhausted) {
			logger.Info("Frame source exhausted")
		} else {
			logger.Error("Capture failed", zap.Error(runErr))
			logger.Sync()
			os.Exit(1)
		}
	}

	logger.Info("Shutdown complete")
}

// NewApplication creates a new application instance
func NewApplication(cfg *config.Config, logger *zap.Logger) *Application {
	ctx, cancel := context.WithCancel(context.Background())
	sessionID := uuid.New().String()

	return &Application{
		config:    cfg,
		logger:    logger.With(zap.String("session", sessionID[:8])),
		sessionID: sessionID,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start builds every component and starts the background ones. The capture
// controller itself is driven by Run.
func (a *Application) Start() error {
	a.logger.Info("Starting application components", zap.String("session_id", a.sessionID))

	if err := a.initializeExport(); err != nil {
		return fmt.Errorf("failed to initialize export: %w", err)
	}

	if err := a.initializeTriggers(); err != nil {
		return fmt.Errorf("failed to initialize triggers: %w", err)
	}

	source, err := camera.Open(a.config.Camera, a.logger.With(zap.String("component", "camera")))
	if err != nil {
		return fmt.Errorf("failed to open camera: %w", err)
	}
	a.source = source

	var messages <-chan trigger.Message
	if a.listener != nil {
		messages = a.listener.Messages()
	}
	a.controller, err = recorder.NewController(a.source, messages, a.queue, recorder.Options{
		NBefore:            a.config.NBefore(),
		NAfter:             a.config.NAfter(),
		BacklogLogInterval: a.config.Logging.BacklogLogInterval,
	}, a.logger.With(zap.String("component", "controller")))
	if err != nil {
		return fmt.Errorf("failed to create capture controller: %w", err)
	}

	if a.config.Server.Enabled {
		if err := a.initializeWebServer(); err != nil {
			return fmt.Errorf("failed to initialize web server: %w", err)
		}
	}

	a.startComponents()

	a.logger.Info("Application started successfully",
		zap.Int("n_before", a.config.NBefore()),
		zap.Int("n_after", a.config.NAfter()),
		zap.Int("ring_capacity", a.config.NBefore()+a.config.NAfter()))
	return nil
}

// initializeExport sets up the export queue, encoder, worker and watchdog
func (a *Application) initializeExport() error {
	policy, err := export.ParseOverflowPolicy(a.config.Export.OverflowPolicy)
	if err != nil {
		return err
	}
	a.queue = export.NewQueue(a.config.Export.MaxPending, policy)

	logger := a.logger.With(zap.String("component", "export"))
	encoder, err := export.NewFFmpegEncoder(export.FFmpegConfig{
		Binary:      a.config.Output.EncoderBinary,
		Codec:       a.config.Output.Codec,
		Preset:      a.config.Output.Preset,
		PixelFormat: a.config.Output.PixelFormat,
		ExtraArgs:   a.config.Output.ExtraArgs,
	}, logger)
	if err != nil {
		return err
	}

	a.worker, err = export.NewWorker(a.queue, encoder, export.WorkerConfig{
		SaveFolder: a.config.Output.SaveFolder,
		FPS:        a.config.EncoderFPS(),
	}, logger)
	if err != nil {
		return err
	}

	if a.config.Limits.MaxMemoryUsageMB > 0 {
		a.watchdog, err = export.NewWatchdog(a.queue, a.config.Limits.MaxMemoryUsageMB,
			time.Duration(a.config.Limits.WatchdogInterval)*time.Second, logger)
		if err != nil {
			a.logger.Warn("Memory watchdog unavailable", zap.Error(err))
			a.watchdog = nil
		}
	}
	return nil
}

// initializeTriggers builds the configured transport plus the HTTP injector
func (a *Application) initializeTriggers() error {
	tc := a.config.Trigger
	logger := a.logger.With(zap.String("component", "trigger"))
	var transports []trigger.Transport

	switch tc.Transport {
	case "zmq":
		zt := trigger.NewZMQTransport(trigger.ZMQConfig{
			Address:    tc.Address,
			Port:       tc.SubPort,
			Topic:      tc.Topic,
			RetryDelay: time.Duration(tc.RetryDelay) * time.Millisecond,
			BufferSize: tc.QueueSize,
		}, logger)
		a.logger.Info("Subscribing to triggers", zap.String("endpoint", zt.Endpoint()), zap.String("topic", tc.Topic))
		transports = append(transports, zt)
	case "mqtt":
		mt, err := trigger.NewMQTTTransport(trigger.MQTTConfig{
			Broker:     tc.MQTTBroker,
			ClientID:   tc.MQTTClientID,
			Topic:      tc.Topic,
			QoS:        byte(tc.MQTTQoS),
			BufferSize: tc.QueueSize,
		}, logger)
		if err != nil {
			return err
		}
		transports = append(transports, mt)
	case "websocket":
		a.socket = trigger.NewWebSocketTransport(tc.AllowedOrigins, tc.QueueSize, logger)
		transports = append(transports, a.socket)
	}

	if a.config.Server.Enabled {
		a.injector = trigger.NewMemoryTransport()
		transports = append(transports, a.injector)
	}

	if len(transports) == 0 {
		a.logger.Warn("No trigger transport configured, clips will never be exported")
		return nil
	}

	a.transport = trigger.Merge(transports...)
	a.listener = trigger.NewListener(a.transport,
		time.Duration(tc.PollInterval)*time.Millisecond, tc.QueueSize, logger)
	return nil
}

// initializeWebServer creates the status/control server
func (a *Application) initializeWebServer() error {
	a.webServer = web.NewServer(a.config, a.logger.With(zap.String("component", "web")))

	h := a.webServer.Handlers()
	h.SetSessionID(a.sessionID)
	h.SetController(a.controller)
	h.SetWorker(a.worker)
	if a.listener != nil {
		h.SetListener(a.listener)
	}
	if a.injector != nil {
		h.SetInjector(a.injector)
	}
	if a.socket != nil {
		h.SetTriggerSocket(a.socket)
	}
	if a.watchdog != nil {
		h.SetWatchdog(a.watchdog)
	}

	return a.webServer.Start()
}

// startComponents starts the background goroutines
func (a *Application) startComponents() {
	a.started = true
	go a.worker.Run()

	if a.listener != nil {
		var listenerCtx context.Context
		listenerCtx, a.listenerCancel = context.WithCancel(context.Background())
		a.listenerDone = make(chan struct{})
		go func() {
			defer close(a.listenerDone)
			a.listener.Run(listenerCtx)
		}()
	}

	if a.watchdog != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.watchdog.Run(a.ctx)
		}()
	}

	if a.config.Logging.StatsLogInterval > 0 {
		a.wg.Add(1)
		go a.logStats()
	}
}

// Run drives the capture controller until a kill command, ctx cancellation,
// loss of the trigger listener, or an acquisition failure
func (a *Application) Run(ctx context.Context) error {
	return a.controller.Run(ctx)
}

// logStats periodically logs pipeline counters
func (a *Application) logStats() {
	defer a.wg.Done()

	ticker := time.NewTicker(time.Duration(a.config.Logging.StatsLogInterval) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			cs := a.controller.Stats()
			ws := a.worker.Stats()
			a.logger.Info("Pipeline stats",
				zap.String("state", cs.State),
				zap.Uint64("frames_ingested", cs.FramesIngested),
				zap.Uint64("triggers", cs.Triggers),
				zap.Uint64("clips_emitted", cs.PacketsEmitted),
				zap.Int("queue_depth", a.queue.Len()),
				zap.Uint64("exports_ok", ws.Exported),
				zap.Uint64("exports_failed", ws.Failed),
				zap.Uint64("dropped", a.queue.Dropped()))
		}
	}
}

// Stop shuts components down in dependency order: camera, trigger listener,
// export drain, then the web server and background loops
func (a *Application) Stop(ctx context.Context) error {
	a.logger.Info("Stopping application")

	if a.source != nil {
		if err := a.source.Close(); err != nil {
			a.logger.Error("Error closing camera", zap.Error(err))
		}
	}

	if a.listenerCancel != nil {
		a.listenerCancel()
		<-a.listenerDone
	}
	if a.transport != nil {
		if err := a.transport.Close(); err != nil {
			a.logger.Warn("Error closing trigger transport", zap.Error(err))
		}
	}

	var stopErr error
	if a.started {
		a.logger.Info("Waiting for pending exports", zap.Int("pending", a.queue.Len()))
		select {
		case <-a.worker.Done():
			a.logger.Info("Export worker drained")
		case <-ctx.Done():
			stopErr = fault.Errorf(fault.KindShutdown, "drain exports",
				fmt.Errorf("%d clips still pending after timeout", a.queue.Len()))
			a.queue.Close()
		}
	} else if a.queue != nil {
		a.queue.Close()
	}

	if a.webServer != nil {
		if err := a.webServer.Stop(); err != nil {
			a.logger.Error("Error stopping web server", zap.Error(err))
		}
	}

	a.cancel()
	a.wg.Wait()

	a.logger.Info("All components stopped")
	return stopErr
}

// writeEffectiveConfig saves cfg, flag overrides included, and reads it back
// so a file that would not load is reported here
func writeEffectiveConfig(cfg *config.Config, path string) error {
	if err := config.SaveConfig(cfg, path); err != nil {
		return err
	}
	if _, err := config.LoadConfig(path, zap.NewNop()); err != nil {
		return fmt.Errorf("written config does not load: %w", err)
	}
	return nil
}

// createLogger creates a structured logger writing to stdout and a
// timestamped file under cfg.Dir
func createLogger(cfg config.LoggingConfig, maxFiles int) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch cfg.Level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	logDir := cfg.Dir
	if logDir == "" {
		logDir = "logs"
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log dir: %w", err)
	}
	ts := time.Now().Format("20060102-150405")
	logFile := filepath.Join(logDir, fmt.Sprintf("ximea-camera-%s.log", ts))

	if maxFiles > 0 {
		pruneLogs(logDir, maxFiles-1)
	}

	zapConfig := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout", logFile},
		ErrorOutputPaths: []string{"stderr", logFile},
	}

	return zapConfig.Build()
}

// pruneLogs keeps the newest keep log files
func pruneLogs(logDir string, keep int) {
	files, _ := filepath.Glob(filepath.Join(logDir, "ximea-camera-*.log"))
	if len(files) <= keep {
		return
	}
	sort.Strings(files) // lexicographic order matches timestamp
	for _, f := range files[:len(files)-keep] {
		_ = os.Remove(f)
	}
}
