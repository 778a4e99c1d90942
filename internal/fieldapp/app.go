// Package fieldapp assembles the offline queue, its local stores and the
// remote clients into one explicit application context.
package fieldapp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/fieldqueue/internal/config"
	"github.com/agentworkforce/fieldqueue/internal/connectivity"
	"github.com/agentworkforce/fieldqueue/internal/documents"
	"github.com/agentworkforce/fieldqueue/internal/drafts"
	"github.com/agentworkforce/fieldqueue/internal/queue"
	"github.com/agentworkforce/fieldqueue/internal/remote"
	"github.com/agentworkforce/fieldqueue/internal/storage"
	"github.com/agentworkforce/fieldqueue/internal/submission"
	"github.com/agentworkforce/fieldqueue/internal/syncer"
)

type Logger interface {
	Printf(format string, args ...any)
}

// Options override pieces New would otherwise build from config.
type Options struct {
	Store     storage.Store
	API       remote.ApplicationAPI
	Uploader  remote.DocumentUploader
	Validator remote.Validator
	Source    connectivity.Source
	Now       func() time.Time
	Logger    Logger
}

type App struct {
	Config    config.Config
	Store     storage.Store
	Blobs     *storage.BlobCache
	Queue     *queue.Queue
	Drafts    *drafts.Store
	Documents *documents.Manager
	Records   *submission.Records
	Gate      *submission.Gate
	Monitor   *connectivity.Monitor
	Processor *syncer.Processor

	source  connectivity.Source
	logger  Logger
	closers []func() error

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// CycleResult summarizes one maintenance cycle.
type CycleResult struct {
	Drain       syncer.DrainResult
	Reconciled  map[string]drafts.Resolution
	BlobsPruned int
}

func New(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	app := &App{Config: cfg, logger: opts.Logger, source: opts.Source}
	ok := false
	defer func() {
		if !ok {
			_ = app.Close()
		}
	}()

	store := opts.Store
	if store == nil {
		built, err := storage.BuildStoreFromDSN(cfg.ResolveStoreDSN())
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		store = built
		app.closers = append(app.closers, built.Close)
	}
	app.Store = store

	blobKey, err := cfg.BlobKeyBytes()
	if err != nil {
		return nil, err
	}
	blobs, err := storage.NewBlobCache(store, storage.BlobCacheOptions{EncryptionKey: blobKey, Now: opts.Now})
	if err != nil {
		return nil, fmt.Errorf("open blob cache: %w", err)
	}
	app.Blobs = blobs

	q, err := queue.Open(ctx, store, queue.Options{
		MaxRetries:    cfg.MaxRetries,
		RetryDelay:    cfg.RetryDelay,
		MaxRetryDelay: cfg.MaxRetryDelay,
		Now:           opts.Now,
		Logger:        opts.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}
	app.Queue = q

	api, uploader, validator, err := app.remotes(ctx, opts)
	if err != nil {
		return nil, err
	}

	app.Drafts, err = drafts.New(store, q, api, drafts.Options{Now: opts.Now, Logger: opts.Logger})
	if err != nil {
		return nil, err
	}
	app.Documents, err = documents.New(store, blobs, q, uploader, documents.Options{
		MaxFileSize: cfg.MaxFileSize,
		Now:         opts.Now,
		Logger:      opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	app.Records = submission.NewRecords(store, opts.Now)
	app.Monitor = connectivity.NewMonitor(cfg.StartOnline, opts.Logger)

	app.Processor, err = syncer.New(syncer.Options{
		Queue:        q,
		Blobs:        blobs,
		Documents:    app.Documents,
		Drafts:       app.Drafts,
		Applications: app.Records,
		API:          api,
		Uploader:     uploader,
		Validator:    validator,
		Online:       app.Monitor.IsOnline,
		CallTimeout:  cfg.CallTimeout,
		Workers:      cfg.Workers,
		BlobGrace:    cfg.BlobGrace,
		Now:          opts.Now,
		Logger:       opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	app.Gate, err = submission.NewGate(submission.Options{
		Drafts:    app.Drafts,
		Queue:     q,
		Records:   app.Records,
		Validator: validator,
		Online:    app.Monitor.IsOnline,
		Timeout:   cfg.CallTimeout,
		Logger:    opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	if app.source == nil {
		app.source = sourceFromConfig(cfg)
	}
	ok = true
	return app, nil
}

func (a *App) remotes(ctx context.Context, opts Options) (remote.ApplicationAPI, remote.DocumentUploader, remote.Validator, error) {
	cfg := a.Config
	var client *remote.HTTPClient
	httpClient := func() (*remote.HTTPClient, error) {
		if client != nil {
			return client, nil
		}
		tokens, err := tokenSource(cfg)
		if err != nil {
			return nil, err
		}
		client = remote.NewHTTPClient(cfg.RemoteURL, remote.HTTPClientOptions{
			Tokens:     tokens,
			HTTPClient: &http.Client{Timeout: cfg.CallTimeout},
		})
		return client, nil
	}

	api := opts.API
	if api == nil {
		switch cfg.RecordsBackend {
		case config.BackendPostgres:
			records, err := remote.NewPostgresRecords(ctx, cfg.RecordsDSN)
			if err != nil {
				return nil, nil, nil, fmt.Errorf("connect records database: %w", err)
			}
			a.closers = append(a.closers, func() error { records.Close(); return nil })
			api = records
		default:
			c, err := httpClient()
			if err != nil {
				return nil, nil, nil, err
			}
			api = c
		}
	}

	uploader := opts.Uploader
	if uploader == nil {
		switch cfg.UploadBackend {
		case config.BackendS3:
			s3Uploader, err := remote.NewS3Uploader(ctx, remote.S3Config{
				Bucket:        cfg.S3Bucket,
				Region:        cfg.S3Region,
				BaseEndpoint:  cfg.S3Endpoint,
				AccessKey:     cfg.S3AccessKey,
				SecretKey:     cfg.S3SecretKey,
				PublicBaseURL: cfg.S3PublicURL,
				UsePathStyle:  cfg.S3PathStyle,
			})
			if err != nil {
				return nil, nil, nil, fmt.Errorf("configure s3 uploader: %w", err)
			}
			uploader = s3Uploader
		default:
			c, err := httpClient()
			if err != nil {
				return nil, nil, nil, err
			}
			uploader = c
		}
	}

	validator := opts.Validator
	if validator == nil {
		c, err := httpClient()
		if err != nil {
			return nil, nil, nil, err
		}
		validator = c
	}
	return api, uploader, validator, nil
}

func tokenSource(cfg config.Config) (remote.TokenSource, error) {
	if secret := strings.TrimSpace(cfg.DeviceSecret); secret != "" {
		return remote.NewDeviceTokenSource([]byte(secret), cfg.DeviceID, cfg.AgentID, cfg.TokenTTL)
	}
	if token := strings.TrimSpace(cfg.RemoteToken); token != "" {
		return remote.StaticToken(token), nil
	}
	return nil, nil
}

func sourceFromConfig(cfg config.Config) connectivity.Source {
	switch cfg.Connectivity {
	case config.ConnectivityStatic:
		return connectivity.Static(cfg.StartOnline)
	case config.ConnectivityFile:
		return connectivity.FileSource{Path: cfg.ConnectivityFile}
	case config.ConnectivityWebSocket:
		return connectivity.WebSocketSource{URL: cfg.ConnectivityTarget()}
	default:
		return connectivity.ProbeSource{URL: cfg.ConnectivityTarget(), Interval: cfg.ProbeInterval}
	}
}

// Start runs the connectivity source and drains the queue on every
// offline-to-online transition until ctx is done.
func (a *App) Start(ctx context.Context) {
	a.Monitor.OnOnline(func() {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.drain(ctx, "online")
		}()
	})
	a.Watch(ctx)
}

// Watch runs the connectivity source without triggering drains.
func (a *App) Watch(ctx context.Context) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.Monitor.Run(ctx, a.source); err != nil {
			a.logf("connectivity source stopped: %v", err)
		}
	}()
}

// WaitOnline blocks until the monitor reports online, limit elapses or ctx
// ends, and returns the resulting state.
func (a *App) WaitOnline(ctx context.Context, limit time.Duration) bool {
	online := make(chan struct{}, 1)
	unsubscribe := a.Monitor.Subscribe(func(up bool) {
		if up {
			select {
			case online <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()
	if a.Monitor.IsOnline() {
		return true
	}
	timer := time.NewTimer(limit)
	defer timer.Stop()
	select {
	case <-online:
	case <-timer.C:
	case <-ctx.Done():
	}
	return a.Monitor.IsOnline()
}

// RunCycle drains the queue, reconciles drafts against the remote when
// online and prunes unreferenced blobs.
func (a *App) RunCycle(ctx context.Context) (CycleResult, error) {
	var result CycleResult
	var errs []error

	drained, err := a.Processor.Drain(ctx)
	result.Drain = drained
	if err != nil {
		errs = append(errs, fmt.Errorf("drain: %w", err))
	}
	if a.Monitor.IsOnline() {
		reconciled, err := a.Drafts.ReconcileAll(ctx)
		result.Reconciled = reconciled
		if err != nil {
			errs = append(errs, fmt.Errorf("reconcile drafts: %w", err))
		}
	}
	pruned, err := a.Processor.CollectGarbage(ctx)
	result.BlobsPruned = pruned
	if err != nil {
		errs = append(errs, fmt.Errorf("collect blobs: %w", err))
	}
	return result, errors.Join(errs...)
}

func (a *App) drain(ctx context.Context, reason string) {
	result, err := a.Processor.Drain(ctx)
	if err != nil {
		a.logf("drain (%s) failed: %v", reason, err)
		return
	}
	if result.Skipped {
		a.logf("drain (%s) skipped: %s", reason, result.SkipReason)
		return
	}
	a.logf("drain (%s): attempted=%d succeeded=%d retrying=%d failed=%d rejected=%d", reason,
		result.Attempted, result.Succeeded, result.Retrying, result.Failed, result.Rejected)
}

// Wait blocks until goroutines started by Start have returned.
func (a *App) Wait() {
	a.wg.Wait()
}

// Close releases owned stores and connections. Cancel the Start context and
// call Wait first.
func (a *App) Close() error {
	var errs []error
	a.closeOnce.Do(func() {
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

func (a *App) logf(format string, args ...any) {
	if a.logger == nil {
		return
	}
	a.logger.Printf(format, args...)
}
