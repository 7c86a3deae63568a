package main

import (
	"context"
	"fmt"
	"log/slog"

	"emperror.dev/errors"

	"github.com/e7canasta/orion-camnode/config"
	"github.com/e7canasta/orion-camnode/decode"
	"github.com/e7canasta/orion-camnode/framesource"
	"github.com/e7canasta/orion-camnode/framesource/gstdriver"
	"github.com/e7canasta/orion-camnode/framesource/sim"
	"github.com/e7canasta/orion-camnode/httpserver"
	"github.com/e7canasta/orion-camnode/network"
	"github.com/e7canasta/orion-camnode/observability"
	"github.com/e7canasta/orion-camnode/publish"
	"github.com/e7canasta/orion-camnode/shutdown"
	"github.com/e7canasta/orion-camnode/snapshot"
	"github.com/e7canasta/orion-camnode/throughput"
)

// node wires every component of a running camnode.
type node struct {
	cfg    *config.Config
	fsCfg  framesource.Config
	logger *slog.Logger

	metrics  *observability.Recorder
	source   *framesource.Source
	monitor  *throughput.Monitor
	reporter *publish.MQTTReporter // nil when mqtt is disabled
	link     network.Link
	signal   *shutdown.Signal
	server   *httpserver.Server
}

func newNode(cfg *config.Config, logger *slog.Logger) (*node, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fsCfg, err := cfg.FrameSource()
	if err != nil {
		return nil, err
	}

	n := &node{
		cfg:     cfg,
		fsCfg:   fsCfg,
		logger:  logger,
		metrics: observability.NewRecorder(),
		signal:  shutdown.NewSignal(),
	}

	n.source = framesource.New(n.newDriver(),
		framesource.WithObserver(n.metrics),
		framesource.WithLogger(logger),
	)

	reporters := []throughput.Reporter{throughput.LogReporter{Logger: logger}}
	if cfg.MQTT.Enabled {
		format, err := publish.ParseFormat(cfg.MQTT.Format)
		if err != nil {
			return nil, err
		}
		n.reporter, err = publish.NewMQTTReporter(publish.Options{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Topic:    cfg.MQTT.Topic,
			QoS:      cfg.MQTT.QoS,
			Format:   format,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		reporters = append(reporters, n.reporter)
	}

	decoder := decode.Nop
	if cfg.Monitor.Decode {
		w, h := fsCfg.FrameSize.Dimensions()
		decoder = decode.ForFormat(fsCfg.PixelFormat, w, h)
	}

	n.monitor = throughput.NewMonitor(n.source, throughput.Options{
		Cycles:         cfg.Monitor.Cycles,
		ReportInterval: cfg.Monitor.ReportInterval,
		Decoder:        decoder,
		Reporters:      reporters,
		Recorder:       n.metrics,
		Logger:         logger,
	})

	if cfg.Network.Enabled {
		n.link = network.NewNetlinkLink(network.Options{
			Interface:      cfg.Network.Interface,
			RequireGateway: cfg.Network.RequireGateway,
			PingTimeout:    cfg.Network.PingTimeout,
			PingCount:      cfg.Network.PingCount,
			Logger:         logger,
		})
	} else {
		n.link = network.Static{}
	}

	metricsHandler := n.metrics.Handler()
	if !cfg.HTTP.Metrics {
		metricsHandler = nil
	}
	n.server = httpserver.New(httpserver.Options{
		Addr:         cfg.HTTP.Listen,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
		Greeting:     cfg.HTTP.Greeting,
		Snapshot:     snapshot.NewResponder(n.source, snapshot.Options{Recorder: n.metrics, Logger: logger}),
		Metrics:      metricsHandler,
		Quit:         n.signal,
		Source:       n.source,
		Monitor:      n.monitor,
		Logger:       logger,
	})

	return n, nil
}

func (n *node) newDriver() framesource.Driver {
	switch n.cfg.Camera.Driver {
	case config.DriverGStreamer:
		return gstdriver.New(gstdriver.Options{Device: n.cfg.Camera.Device, Logger: n.logger})
	default:
		return sim.New(sim.Options{
			FPS:            n.cfg.Camera.SimFPS,
			StartTimestamp: n.cfg.Camera.SimStartTimestamp,
			Logger:         n.logger,
		})
	}
}

func (n *node) connectReporter(ctx context.Context) {
	if n.reporter == nil {
		return
	}
	if err := n.reporter.Connect(ctx); err != nil {
		n.logger.Warn("camnode: mqtt unavailable, reports stay local", "error", err)
	}
}

// serve runs the full lifecycle: network up, camera init, HTTP and the
// optional background monitor, then waits for the shutdown signal and tears down.
func (n *node) serve(ctx context.Context) error {
	n.logger.Info("camnode: starting", "version", version, "driver", n.cfg.Camera.Driver)

	if err := n.link.Up(ctx); err != nil {
		return fmt.Errorf("camnode: network up: %w", err)
	}
	n.connectReporter(ctx)

	if err := n.source.Init(n.fsCfg); err != nil {
		return errors.Combine(
			fmt.Errorf("camnode: camera init: %w", err),
			n.link.Release(),
		)
	}

	if err := n.server.Start(); err != nil {
		return errors.Combine(
			fmt.Errorf("camnode: http start: %w", err),
			n.source.Deinit(),
			n.link.Release(),
		)
	}

	camera := n.startMonitor(ctx)

	coord := &shutdown.Coordinator{
		Signal:      n.signal,
		Grace:       n.cfg.Shutdown.Grace,
		StopTimeout: n.cfg.Shutdown.StopTimeout,
		Camera:      camera,
		Server:      n.server,
		Network:     n.link,
		Logger:      n.logger,
	}
	if n.reporter != nil {
		coord.Events = n.reporter
	}

	err := coord.Wait(ctx)
	if n.reporter != nil {
		n.reporter.Disconnect()
	}
	return err
}

// startMonitor runs the monitor next to the HTTP workers when
// monitor.run_on_start is set. The returned Deinitializer stops it before
// deinitializing the camera.
func (n *node) startMonitor(ctx context.Context) shutdown.Deinitializer {
	if !n.cfg.Monitor.RunOnStart {
		return n.source
	}

	monitorCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := n.monitor.Run(monitorCtx); err != nil {
			n.logger.Warn("camnode: background monitor ended early", "error", err)
		}
	}()

	return &monitoredCamera{camera: n.source, cancel: cancel, done: done}
}

// monitoredCamera cancels the monitor and waits for its last cycle to release
// its handle before the camera goes down.
type monitoredCamera struct {
	camera shutdown.Deinitializer
	cancel context.CancelFunc
	done   <-chan struct{}
}

func (m *monitoredCamera) Deinit() error {
	m.cancel()
	<-m.done
	return m.camera.Deinit()
}

// bench initializes the camera, runs the monitor and deinitializes.
func (n *node) bench(ctx context.Context) (err error) {
	if err := n.source.Init(n.fsCfg); err != nil {
		return fmt.Errorf("camnode: camera init: %w", err)
	}
	defer func() {
		err = errors.Combine(err, n.source.Deinit())
	}()

	n.connectReporter(ctx)
	if n.reporter != nil {
		defer n.reporter.Disconnect()
	}

	if err := n.monitor.Run(ctx); err != nil {
		return err
	}

	st := n.monitor.Stats()
	n.logger.Info("camnode: benchmark done",
		"cycles", st.Cycles,
		"frames", st.Frames,
		"skipped", st.Skipped,
		"reports", st.Reports,
		"decode_errors", st.DecodeErrors,
	)
	return nil
}
