// Package app wires the smearscan services together.
package app

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/malarialab/smearscan/internal/analysis"
	"github.com/malarialab/smearscan/internal/api"
	"github.com/malarialab/smearscan/internal/conf"
	"github.com/malarialab/smearscan/internal/datastore"
	"github.com/malarialab/smearscan/internal/detector"
	"github.com/malarialab/smearscan/internal/diagnosis"
	"github.com/malarialab/smearscan/internal/errors"
	"github.com/malarialab/smearscan/internal/httpclient"
	"github.com/malarialab/smearscan/internal/logger"
	"github.com/malarialab/smearscan/internal/mqtt"
	"github.com/malarialab/smearscan/internal/notification"
	"github.com/malarialab/smearscan/internal/observability/metrics"
)

const (
	readinessTimeout = 10 * time.Second
	shutdownTimeout  = 30 * time.Second
	telemetryFlush   = 2 * time.Second
)

// App is the long running service.
type App struct {
	settings *conf.Settings
	log      logger.Logger

	metrics  *metrics.Metrics
	store    datastore.Interface
	client   *httpclient.Client
	adapter  *detector.Adapter
	queue    *analysis.Queue
	server   *api.Server
	mqtt     mqtt.Client
	modelErr error
}

// NewDetector builds the detection adapter talking to the inference
// service configured in settings.
func NewDetector(settings *conf.Settings, log logger.Logger, recorder metrics.Recorder) (*detector.Adapter, *httpclient.Client, error) {
	client := httpclient.New(&httpclient.Config{
		DefaultTimeout: settings.Detector.Timeout,
		RateLimit:      settings.Detector.RateLimit,
	})
	detector.Instrument(client, recorder)
	model := detector.NewHTTPModel(client, settings.Detector.InferenceURL, settings.Detector.ModelPath)
	adapter, err := detector.NewAdapter(model, log, recorder)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	adapter.SetModelInfo(settings.Detector.ModelPath, settings.Detector.ModelVersion)
	return adapter, client, nil
}

// New builds every service. The detection model being unreachable is not
// an error: the queue then rejects jobs and /health reports degraded.
func New(ctx context.Context, settings *conf.Settings, log logger.Logger) (*App, error) {
	if log == nil {
		log = logger.Global().Module("app")
	}
	a := &App{settings: settings, log: log}

	m, err := metrics.New()
	if err != nil {
		return nil, err
	}
	a.metrics = m
	recorder := m.Pipeline

	a.store = datastore.New(settings, log.Module("datastore"))
	if a.store == nil {
		return nil, errors.Newf("no datastore enabled").
			Component("app").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if err := a.store.Open(); err != nil {
		return nil, err
	}

	writer := diagnosis.NewWriter(a.store,
		diagnosis.WithLogger(log.Module("diagnosis")),
		diagnosis.WithRecorder(recorder),
		diagnosis.WithModelVersion(settings.Detector.ModelVersion))

	if settings.MQTT.Enabled {
		a.mqtt = mqtt.NewClient(settings, log.Module("mqtt"), recorder)
		writer.AddListener(mqtt.NewPublisher(a.mqtt, settings.MQTT.Topic))
	}
	if settings.Notification.Enabled {
		notifier, err := notification.NewNotifier(&settings.Notification, log.Module("notification"), recorder)
		if err != nil {
			a.Close()
			return nil, err
		}
		writer.AddListener(notifier)
	}

	adapter, client, err := NewDetector(settings, log.Module("detector"), recorder)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.adapter, a.client = adapter, client

	readyCtx, cancel := context.WithTimeout(ctx, readinessTimeout)
	a.modelErr = adapter.CheckReady(readyCtx)
	cancel()
	m.Pipeline.SetModelReady(a.modelErr == nil)

	// a nil Runner marks the model unavailable
	var runner analysis.Runner
	if a.modelErr == nil {
		runner = analysis.NewAnalyzer(adapter, writer, settings.Detector.Threshold, log, recorder)
	} else {
		log.Error("detection model not ready",
			logger.String("inference_url", settings.Detector.InferenceURL),
			logger.Error(a.modelErr))
	}
	a.queue = analysis.NewQueue(runner, analysis.Config{
		StatusRetention: settings.Queue.StatusRetention,
		Logger:          log,
		Recorder:        recorder,
	})

	if settings.WebServer.Enabled {
		a.server = api.New(settings, a.queue, adapter, m.Handler(), log.Module("api"))
	}
	return a, nil
}

// Queue returns the job queue.
func (a *App) Queue() *analysis.Queue {
	return a.queue
}

// Run starts the worker and the HTTP server and blocks until ctx is done,
// then shuts both down. The job in progress is given shutdownTimeout to
// finish.
func (a *App) Run(ctx context.Context) error {
	a.queue.Start()
	a.log.Info("smearscan started",
		logger.Bool("model_ready", a.modelErr == nil),
		logger.Bool("webserver", a.server != nil))

	g, gctx := errgroup.WithContext(ctx)
	if a.server != nil {
		g.Go(a.server.Start)
	}
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if a.server != nil {
			errs = append(errs, a.server.Shutdown(shutdownCtx))
		}
		errs = append(errs, a.queue.Stop(shutdownCtx))
		return errors.Join(errs...)
	})
	return g.Wait()
}

// Close releases connections. It is safe to call on a partially built App.
func (a *App) Close() error {
	var errs []error
	if a.mqtt != nil {
		a.mqtt.Disconnect()
	}
	if a.client != nil {
		a.client.Close()
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	errors.FlushTelemetry(telemetryFlush)
	return errors.Join(errs...)
}
