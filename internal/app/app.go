// Package app assembles auditcore from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"auditcore/config"
	"auditcore/internal/aggregate"
	"auditcore/internal/anomaly"
	"auditcore/internal/api"
	"auditcore/internal/auditlog"
	"auditcore/internal/cache"
	"auditcore/internal/logger"
	"auditcore/internal/narrative"
	"auditcore/internal/output/alerthttp"
	"auditcore/internal/output/jsonl"
	"auditcore/internal/output/recordclickhouse"
	"auditcore/internal/pipeline"
	"auditcore/internal/queue"
	"auditcore/internal/report"
	"auditcore/internal/rules"
	"auditcore/internal/service"
	transformevent "auditcore/internal/transform/event"
	"auditcore/pkg/models"
)

// App holds every long-lived component.
type App struct {
	cfg config.AuditCoreConfig

	Store       auditlog.Store
	Cache       *cache.Layer
	Adapter     *queue.Adapter
	Detector    *anomaly.Detector
	Aggregator  *aggregate.Aggregator
	Counters    *aggregate.CounterMirror
	Hub         *pipeline.Hub
	Sink        *pipeline.Sink
	Coordinator *pipeline.Coordinator
	Reports     *report.Generator
	Service     *service.Service

	closers []func() error
}

// New builds the application. Connections to optional collaborators are
// lazy, so only the audit store must be reachable here.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	c := cfg.AuditCore
	a := &App{cfg: c}

	base, err := auditlog.Open(ctx, c.Store.URL)
	if err != nil {
		return nil, fmt.Errorf("open audit store: %w", err)
	}
	a.Store = auditlog.NewRetrying(base, auditlog.RetryConfig{
		Attempts:        c.Store.Retry.Attempts,
		InitialInterval: c.Store.Retry.InitialInterval,
		MaxInterval:     c.Store.Retry.MaxInterval,
	})
	a.onClose(base.Close)

	a.Cache = newCache(c.Cache)

	broker, err := newBroker(c.Broker)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Adapter = queue.NewAdapter(broker, queue.AdapterConfig{
		TopicPrefix:      c.Broker.TopicPrefix,
		PublishTimeout:   c.Broker.PublishTimeout,
		FailureThreshold: c.Broker.FailureThreshold,
		Cooldown:         c.Broker.Cooldown,
	})
	a.onClose(a.Adapter.Close)

	a.Detector = anomaly.NewDetector(anomaly.Config{
		Window:             c.Anomaly.Window,
		Slide:              c.Anomaly.Slide,
		Alpha:              c.Anomaly.Alpha,
		Epsilon:            c.Anomaly.Epsilon,
		Threshold:          c.Anomaly.Threshold,
		MinSupport:         c.Anomaly.MinSupport,
		MinBaselineWindows: c.Anomaly.MinBaselineWindows,
		CooldownWindows:    cooldownWindows(c.Anomaly.CooldownWindows),
		Scopes:             c.Anomaly.Scopes,
		MaxRelated:         c.Anomaly.MaxRelated,
	})
	a.Aggregator = aggregate.New(a.Store, aggregate.Config{
		Window:        c.Metrics.Window,
		Grace:         c.Metrics.Grace,
		SummaryPeriod: c.Metrics.SummaryPeriod,
		Retention:     c.Metrics.Retention,
	})

	var counters pipeline.CounterWriter
	if c.Metrics.Mirror.Enabled {
		a.Counters = aggregate.NewCounterMirror(aggregate.MirrorConfig{
			Addr:      c.Metrics.Mirror.Addr,
			Password:  c.Metrics.Mirror.Password,
			DB:        c.Metrics.Mirror.DB,
			KeyPrefix: c.Metrics.Mirror.KeyPrefix,
		})
		counters = a.Counters
		logger.Infof("Counter mirror enabled (%s)", c.Metrics.Mirror.Addr)
	}

	engine, err := newEngine(c.Rules)
	if err != nil {
		a.Close()
		return nil, err
	}

	records, alerts, deadLetter, err := newSinks(c.Sinks)
	if err != nil {
		a.Close()
		return nil, err
	}
	if records != nil || alerts != nil {
		a.Sink = pipeline.NewSink(records, alerts, pipeline.SinkConfig{
			BatchSize:     c.Pipeline.BatchSize,
			FlushInterval: c.Pipeline.FlushInterval,
		})
	}

	a.Hub = pipeline.NewHub(0)
	a.Adapter.Subscribe(models.EventAuditLog, a.Hub.Handle)
	a.Coordinator = pipeline.NewCoordinator(pipeline.CoordinatorOptions{
		Adapter:    a.Adapter,
		Store:      a.Store,
		Engine:     engine,
		Detector:   a.Detector,
		Aggregator: a.Aggregator,
		Counters:   counters,
		Sink:       a.Sink,
		DeadLetter: deadLetter,
	})
	a.Coordinator.Register()

	var narrator narrative.Narrator
	if c.LLM.Endpoint != "" {
		narrator = narrative.NewOllamaNarrator(narrative.OllamaConfig{
			Endpoint: c.LLM.Endpoint,
			Model:    c.LLM.Model,
			Timeout:  c.LLM.Timeout,
		})
		logger.Infof("Narrative collaborator: %s (model %s)", c.LLM.Endpoint, c.LLM.Model)
	} else {
		logger.Infof("No LLM endpoint configured; reports use the template narrative")
	}
	a.Reports = report.New(a.Store, a.Aggregator, narrator, a.Cache, report.Config{
		DefaultRange:     c.Report.DefaultRange,
		NarrativeTimeout: c.LLM.Timeout,
		NarrativeTTL:     c.LLM.CacheTTL,
		FailureThreshold: c.LLM.FailureThreshold,
		Cooldown:         c.LLM.Cooldown,
	})

	a.Service = service.New(service.Options{
		Adapter:            a.Adapter,
		Reports:            a.Reports,
		Aggregator:         a.Aggregator,
		Cache:              a.Cache,
		Hub:                a.Hub,
		MaxMonitorDuration: c.API.MaxMonitorDuration,
	})
	return a, nil
}

func (a *App) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

func newCache(c config.CacheConfig) *cache.Layer {
	var primary cache.Cache
	if addr := c.Addr(); addr != "" {
		primary = cache.NewRedisCache(cache.RedisConfig{
			Addr:      addr,
			Password:  c.Password,
			DB:        c.DB,
			KeyPrefix: c.KeyPrefix,
		})
		logger.Infof("Cache primary tier: redis (%s)", addr)
	} else {
		logger.Infof("No cache host configured; caching in process memory")
	}
	return cache.NewLayer(primary, nil, cache.LayerConfig{
		Timeout:          c.Timeout,
		FailureThreshold: c.FailureThreshold,
		Cooldown:         c.Cooldown,
	})
}

func newBroker(c config.BrokerConfig) (queue.Broker, error) {
	switch c.Mode {
	case config.BrokerRedis:
		logger.Infof("Broker: redis (%s)", c.Addr)
		return queue.NewRedisBroker(queue.RedisBrokerConfig{
			Addr:         c.Addr,
			Password:     c.Password,
			DB:           c.DB,
			KeyPrefix:    c.KeyPrefix,
			BlockTimeout: c.BlockTimeout,
		}), nil
	case config.BrokerKafka:
		logger.Infof("Broker: kafka (%s)", strings.Join(c.Brokers(), ","))
		b, err := queue.NewKafkaBroker(queue.KafkaBrokerConfig{
			Brokers:       c.Brokers(),
			ConsumerGroup: c.ConsumerGroup,
			ClientID:      c.ClientID,
		})
		if err != nil {
			return nil, fmt.Errorf("create kafka broker: %w", err)
		}
		return b, nil
	default:
		logger.Warnf("No broker configured; events are delivered in process and marked degraded")
		return nil, nil
	}
}

func newEngine(c config.RulesConfig) (rules.Engine, error) {
	if !c.Enabled {
		return &rules.NoopEngine{}, nil
	}
	if strings.TrimSpace(c.Path) == "" {
		logger.Warnf("Rules enabled but rules.path is empty; flag tagging disabled")
		return &rules.NoopEngine{}, nil
	}
	engine, stats, err := rules.NewSigmaEngine(c.Path)
	if err != nil {
		return nil, fmt.Errorf("load sigma rules from %s: %w", c.Path, err)
	}
	logger.Infof("Sigma rules loaded: loaded=%d skipped_complex=%d skipped_datasource=%d skipped_invalid=%d files=%d",
		stats.Loaded, stats.SkippedComplex, stats.SkippedDatasource, stats.SkippedInvalid, stats.TotalFiles)
	if stats.Loaded == 0 {
		logger.Warnf("No compatible Sigma rules loaded; flag tagging is effectively disabled")
	}
	return engine, nil
}

// newSinks opens the configured writers. They are owned by the coordinator
// from then on; on error the ones already opened are closed here.
func newSinks(c config.SinksConfig) (records pipeline.RecordWriter, alerts pipeline.AlertWriter, deadLetter pipeline.RawWriter, err error) {
	var opened []func() error
	defer func() {
		if err != nil {
			for _, closeFn := range opened {
				_ = closeFn()
			}
		}
	}()

	switch c.Records.Mode {
	case "", "none":
	case "file":
		w, err := jsonl.NewWriter(c.Records.File.Path)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("create record file writer: %w", err)
		}
		records = w
		opened = append(opened, w.Close)
		logger.Infof("Record sink: file (%s)", c.Records.File.Path)
	case "clickhouse":
		ch := c.Records.ClickHouse
		w, err := recordclickhouse.NewWriter(recordclickhouse.Config{
			URL:      ch.URL,
			Database: ch.Database,
			Table:    ch.Table,
			Username: ch.Username,
			Password: ch.Password,
			Timeout:  ch.Timeout,
			Headers:  ch.Headers,
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("create record clickhouse writer: %w", err)
		}
		records = w
		opened = append(opened, w.Close)
		logger.Infof("Record sink: clickhouse (%s)", ch.URL)
	default:
		return nil, nil, nil, fmt.Errorf("unknown record sink mode: %s", c.Records.Mode)
	}

	switch c.Alerts.Mode {
	case "", "none":
	case "file":
		w, err := jsonl.NewWriter(c.Alerts.File.Path)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("create alert file writer: %w", err)
		}
		alerts = w
		opened = append(opened, w.Close)
		logger.Infof("Alert sink: file (%s)", c.Alerts.File.Path)
	case "http":
		w, err := alerthttp.NewWriter(alerthttp.Config{
			URL:     c.Alerts.HTTP.URL,
			Timeout: c.Alerts.HTTP.Timeout,
			Headers: c.Alerts.HTTP.Headers,
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("create alert http writer: %w", err)
		}
		alerts = w
		opened = append(opened, w.Close)
		logger.Infof("Alert sink: http (%s)", c.Alerts.HTTP.URL)
	default:
		return nil, nil, nil, fmt.Errorf("unknown alert sink mode: %s", c.Alerts.Mode)
	}

	if c.DeadLetter.Path != "" {
		w, err := jsonl.NewWriter(c.DeadLetter.Path)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("create dead letter writer: %w", err)
		}
		deadLetter = w
		opened = append(opened, w.Close)
	}
	return records, alerts, deadLetter, nil
}

// Warm rebuilds the in-memory views from the audit log: the aggregator over
// its retention and the detector over the configured warm period.
func (a *App) Warm(ctx context.Context) error {
	n, err := a.Aggregator.Warm(ctx)
	if err != nil {
		return fmt.Errorf("warm metrics: %w", err)
	}
	logger.Infof("Metrics warmed from %d records", n)

	period := a.cfg.Anomaly.WarmPeriod
	if period <= 0 {
		return nil
	}
	recs, err := a.Store.Query(ctx, auditlog.Filter{Start: time.Now().Add(-period)})
	if err != nil {
		return fmt.Errorf("warm anomaly baselines: %w", err)
	}
	a.Detector.Warm(recs)
	logger.Infof("Anomaly baselines warmed from %d records", len(recs))
	return nil
}

// Run serves the API and consumes the broker until ctx ends.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	srv := api.New(a.Service, api.Config{
		Addr:            a.cfg.API.Addr,
		ReadTimeout:     a.cfg.API.ReadTimeout,
		ShutdownTimeout: a.cfg.API.ShutdownTimeout,
	})
	g.Go(func() error {
		return srv.ListenAndServe(ctx)
	})

	bp := pipeline.NewBrokerPipeline(a.Adapter, transformevent.NewParser(), a.Sink, a.cfg.Pipeline.Workers)
	g.Go(func() error {
		if err := bp.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		a.sweep(ctx)
		return nil
	})

	return g.Wait()
}

// sweep drops expired entries from the memory cache tier.
func (a *App) sweep(ctx context.Context) {
	interval := a.cfg.Cache.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.Cache.Local().Sweep(); n > 0 {
				logger.Debugf("Swept %d expired cache entries", n)
			}
		}
	}
}

// Close releases the coordinator's writers, then every other component in
// reverse order of creation.
func (a *App) Close() error {
	var errs []error
	if a.Coordinator != nil {
		if err := a.Coordinator.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// cooldownWindows maps the configured count onto the detector, where zero
// selects its default and a negative value disables the cooldown.
func cooldownWindows(n *int) int {
	switch {
	case n == nil:
		return 0
	case *n == 0:
		return -1
	default:
		return *n
	}
}
