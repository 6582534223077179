package main

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"

	"carbon-scribe/analytics-engine/internal/catalog"
	"carbon-scribe/analytics-engine/internal/config"
	"carbon-scribe/analytics-engine/internal/logger"
	"carbon-scribe/analytics-engine/internal/notifications/websocket"
	"carbon-scribe/analytics-engine/internal/plugin"
	"carbon-scribe/analytics-engine/internal/records"
	"carbon-scribe/analytics-engine/internal/reports"
	"carbon-scribe/analytics-engine/internal/reports/cache"
	"carbon-scribe/analytics-engine/internal/reports/dashboard"
	"carbon-scribe/analytics-engine/internal/reports/scheduler"
	"carbon-scribe/analytics-engine/pkg/storage"
)

// app holds what every command needs: settings, a logger and the catalog.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	catalog *catalog.Catalog
	closers []func()
}

func bootstrap(configPath string) (*app, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	cat, err := catalog.Load(cfg.Catalog.Path)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, logger: log, catalog: cat}, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	_ = a.logger.Sync()
}

// host is the in-process plugin host used by the CLI.
type host struct {
	manifest plugin.HostManifest
	store    records.Store
	logger   *zap.Logger
}

func (h *host) Manifest() plugin.HostManifest { return h.manifest }
func (h *host) RecordStore() records.Store    { return h.store }
func (h *host) Logger() *zap.Logger           { return h.logger }

func (a *app) host(store records.Store, capabilities ...string) *host {
	return &host{
		manifest: plugin.HostManifest{Name: "analytics-cli", Version: version, Capabilities: capabilities},
		store:    store,
		logger:   a.logger,
	}
}

// pluginOptions maps configuration onto the plugin. Router, store and
// repository are filled in by the caller.
func (a *app) pluginOptions() plugin.Options {
	cfg := a.cfg
	return plugin.Options{
		Name:    cfg.Plugin.Name,
		Version: cfg.Plugin.Version,
		Catalog: a.catalog,
		Cache: cache.Config{
			DefaultTTL:      cfg.Cache.DefaultTTL.Std(),
			MaxEntries:      cfg.Cache.MaxEntries,
			CleanupInterval: cfg.Cache.CleanupInterval.Std(),
		},
		Dashboard: dashboard.Config{
			MaxConcurrency: cfg.Dashboard.MaxConcurrency,
			WidgetTimeout:  cfg.Dashboard.WidgetTimeout.Std(),
		},
		Scheduler: scheduler.Config{
			PollInterval:   cfg.Scheduler.PollInterval.Std(),
			MaxAttempts:    cfg.Scheduler.MaxAttempts,
			InitialBackoff: cfg.Scheduler.InitialBackoff.Std(),
			MaxBackoff:     cfg.Scheduler.MaxBackoff.Std(),
			RunTimeout:     cfg.Scheduler.RunTimeout.Std(),
		},
	}
}

// =====================================================
// Backends
// =====================================================

// openRecordStore connects the configured backend. The memory backend is
// seeded with the catalog's inline data.
func (a *app) openRecordStore(ctx context.Context) (records.Store, error) {
	rc := a.cfg.Records
	var store records.Store

	switch rc.Backend {
	case config.BackendMemory:
		reg, err := a.catalog.Registry()
		if err != nil {
			return nil, err
		}
		mem := records.NewMemoryStore()
		if err := a.catalog.Seed(mem, reg); err != nil {
			return nil, err
		}
		store = mem
	case config.BackendPostgres:
		s, err := records.OpenPostgres(rc.DSN, rc.Tables)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = s.Close() })
		store = s
	case config.BackendClickHouse:
		s, err := records.OpenClickHouse(rc.DSN, rc.Tables)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = s.Close() })
		store = s
	case config.BackendMongo:
		s, err := records.OpenMongo(ctx, rc.MongoURI, rc.MongoDatabase)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = s.Close(context.Background()) })
		store = s
	case config.BackendElastic:
		s, err := records.NewElasticStore(rc.ElasticURLs, rc.ElasticUser, rc.ElasticPass, rc.IndexPrefix)
		if err != nil {
			return nil, err
		}
		store = s
	default:
		return nil, fmt.Errorf("unknown record store backend %q", rc.Backend)
	}

	a.logger.Info("Record store ready", zap.String("backend", rc.Backend))
	if rc.RateLimit > 0 {
		return records.NewRateLimitedStore(store, rc.RateLimit, rc.RateBurst), nil
	}
	return store, nil
}

// openRepository returns nil when report definitions come from the catalog.
func (a *app) openRepository() (reports.Repository, error) {
	if a.cfg.Catalog.ReportSource != "database" {
		return nil, nil
	}
	repo, err := reports.OpenGormRepository(a.cfg.Database.GetDatabaseURL())
	if err != nil {
		return nil, err
	}
	return repo, nil
}

func (a *app) awsConfig(ctx context.Context) (aws.Config, error) {
	c := a.cfg.Delivery.AWS
	return storage.LoadAWSConfig(ctx, storage.AWSConfig{
		Region:          c.Region,
		AccessKeyID:     c.AccessKeyID,
		SecretAccessKey: c.SecretAccessKey,
		Endpoint:        c.Endpoint,
	})
}

func (a *app) needsAWS() bool {
	d := a.cfg.Delivery
	return d.SES.FromAddress != "" || d.SNS.TopicARN != "" || d.S3.Bucket != "" || a.cfg.Scheduler.Store == "dynamodb"
}

// buildDelivery registers a sink for every configured delivery method and
// opens the schedule state store. ws may be nil.
func (a *app) buildDelivery(ctx context.Context, ws *websocket.Manager) (*scheduler.Router, scheduler.Store, error) {
	d := a.cfg.Delivery
	router := scheduler.NewRouter(a.logger)
	router.Handle(scheduler.DeliveryLog, scheduler.NewLogSink(a.logger))
	router.Handle(scheduler.DeliveryWebhook, scheduler.NewWebhookSink(d.Webhook.Timeout.Std(), d.Webhook.Headers, a.logger))
	if ws != nil {
		router.Handle(scheduler.DeliveryWebsocket, ws)
	}
	if d.SMTP.Host != "" {
		router.Handle(scheduler.DeliveryEmail, scheduler.NewEmailSink(scheduler.EmailConfig{
			SMTPHost:    d.SMTP.Host,
			SMTPPort:    d.SMTP.Port,
			Username:    d.SMTP.Username,
			Password:    d.SMTP.Password,
			FromAddress: d.SMTP.FromAddress,
			FromName:    d.SMTP.FromName,
		}, a.logger))
	}

	var store scheduler.Store = scheduler.NewMemoryStore()
	if !a.needsAWS() {
		return router, store, nil
	}

	awsCfg, err := a.awsConfig(ctx)
	if err != nil {
		return nil, nil, err
	}
	if d.SES.FromAddress != "" {
		router.Handle(scheduler.DeliverySES, scheduler.NewSESSink(sesv2.NewFromConfig(awsCfg), d.SES.FromAddress, d.SES.FromName))
	}
	if d.SNS.TopicARN != "" {
		router.Handle(scheduler.DeliverySNS, scheduler.NewSNSSink(sns.NewFromConfig(awsCfg), d.SNS.TopicARN))
	}
	if d.S3.Bucket != "" {
		router.Handle(scheduler.DeliveryS3, scheduler.NewS3Sink(storage.NewS3Client(awsCfg), d.S3.Bucket, d.S3.Prefix, a.logger))
	}
	if a.cfg.Scheduler.Store == "dynamodb" {
		store = scheduler.NewDynamoStore(dynamodb.NewFromConfig(awsCfg), a.cfg.Scheduler.DynamoTable)
		a.logger.Info("Schedule state in DynamoDB", zap.String("table", a.cfg.Scheduler.DynamoTable))
	}
	return router, store, nil
}
