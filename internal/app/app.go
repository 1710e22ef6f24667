// Package app wires the trace table server together and manages its
// lifecycle.
package app

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	grpcapi "github.com/tracetab/tracetab/internal/api/grpc"
	httpapi "github.com/tracetab/tracetab/internal/api/http"
	"github.com/tracetab/tracetab/internal/cache"
	"github.com/tracetab/tracetab/internal/config"
	"github.com/tracetab/tracetab/internal/engine"
	"github.com/tracetab/tracetab/internal/logging"
	"github.com/tracetab/tracetab/internal/observability"
	"github.com/tracetab/tracetab/internal/server"
	"github.com/tracetab/tracetab/internal/source"
	"github.com/tracetab/tracetab/internal/storage"
)

// statsWindow is how long per-path load statistics survive without a load.
const statsWindow = time.Hour

// App owns the engine and the servers exposing it.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	// Shared resources
	storage  storage.ObjectStorage
	resolver *source.Resolver
	cache    *cache.TraceCache
	engine   *engine.Serialized
	stats    *observability.LoadStats
	shutdown *server.ShutdownManager

	s3Once sync.Once
	s3Base *storage.S3Storage
	s3Err  error

	// Servers
	router       *httpapi.Router
	httpServer   *http.Server
	httpListener net.Listener
	grpcServer   *grpc.Server
	grpcListener net.Listener

	// Lifecycle
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an App with the given configuration. A nil logger is replaced
// by one built from cfg.Log.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	if logger == nil {
		var err error
		logger, err = logging.New(cfg.Log)
		if err != nil {
			return nil, fmt.Errorf("failed to build logger: %w", err)
		}
	}

	a := &App{cfg: cfg, logger: logger}
	if err := a.initSharedResources(); err != nil {
		return nil, fmt.Errorf("failed to initialize shared resources: %w", err)
	}
	return a, nil
}

func (a *App) initSharedResources() error {
	var err error

	switch a.cfg.Storage.Type {
	case "local":
		a.storage, err = storage.NewLocalStorage(a.cfg.Storage.Path)
	case "s3":
		a.s3Base, err = storage.NewS3Storage(context.Background(), a.cfg.Storage.S3.Bucket, a.s3Config())
		a.storage = a.s3Base
		a.s3Once.Do(func() {})
	default:
		return fmt.Errorf("unsupported storage type: %s", a.cfg.Storage.Type)
	}
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	a.logger.Info("storage initialized",
		zap.String("type", a.cfg.Storage.Type),
		zap.String("path", a.cfg.Storage.Path),
		zap.String("bucket", a.cfg.Storage.S3.Bucket))

	opts := []source.Option{
		source.WithStore(a.storage),
		source.WithBuckets(a.bucketStorage),
		source.WithLogger(logging.Component(a.logger, "source")),
	}
	if a.cfg.Storage.CacheBytes > 0 {
		a.cache, err = cache.New(a.cfg.Storage.CacheDir, a.cfg.Storage.CacheBytes, logging.Component(a.logger, "cache"))
		if err != nil {
			return fmt.Errorf("failed to initialize trace cache: %w", err)
		}
		opts = append(opts, source.WithCache(a.cache))
	}
	a.resolver = source.NewResolver(a.cfg.Storage.DownloadDir, opts...)

	e, err := engine.New(engine.Config{
		MaxParams:   a.cfg.Engine.MaxParams,
		SeedRows:    a.cfg.Engine.SeedRows,
		MaxRows:     a.cfg.Engine.MaxRows,
		TraceEvents: a.cfg.Engine.TraceEvents,
	}, a.resolver, engine.WithLogger(logging.Component(a.logger, "engine")))
	if err != nil {
		return err
	}
	a.engine = engine.NewSerialized(e)
	a.stats = observability.NewLoadStats(statsWindow)

	a.shutdown = server.NewShutdownManager(server.ShutdownConfig{
		ShutdownTimeout: a.cfg.HTTP.ShutdownTimeout,
	}, logging.Component(a.logger, "shutdown"))
	return nil
}

func (a *App) s3Config() storage.S3Config {
	s3Cfg := storage.DefaultS3Config()
	if a.cfg.Storage.S3.Region != "" {
		s3Cfg.Region = a.cfg.Storage.S3.Region
	}
	s3Cfg.Endpoint = a.cfg.Storage.S3.Endpoint
	s3Cfg.UsePathStyle = a.cfg.Storage.S3.UsePathStyle
	return s3Cfg
}

// bucketStorage serves s3:// trace paths. All buckets share one client,
// created on first use unless the object store is S3 already.
func (a *App) bucketStorage(ctx context.Context, bucket string) (storage.ObjectStorage, error) {
	a.s3Once.Do(func() {
		a.s3Base, a.s3Err = storage.NewS3Storage(ctx, bucket, a.s3Config())
	})
	if a.s3Err != nil {
		return nil, a.s3Err
	}
	return a.s3Base.WithBucket(bucket), nil
}

// Engine returns the serialized engine.
func (a *App) Engine() *engine.Serialized { return a.engine }

// Resolver returns the trace path resolver.
func (a *App) Resolver() *source.Resolver { return a.resolver }

// Cache returns the trace cache, or nil when caching is disabled.
func (a *App) Cache() *cache.TraceCache { return a.cache }

// Stats returns the load statistics.
func (a *App) Stats() *observability.LoadStats { return a.stats }

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Start starts the HTTP server and, when enabled, the gRPC server.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("app is already running")
	}
	a.running = true
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.startHTTP(); err != nil {
		a.Stop(context.Background())
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	if a.cfg.GRPC.Enabled {
		if err := a.startGRPC(); err != nil {
			a.Stop(context.Background())
			return fmt.Errorf("failed to start gRPC server: %w", err)
		}
	}

	a.wg.Add(1)
	go a.pruneStats(ctx)

	a.logger.Info("tracetab started",
		zap.String("http", a.HTTPAddr()),
		zap.String("grpc", a.GRPCAddr()))
	return nil
}

func (a *App) startHTTP() error {
	a.router = httpapi.NewRouter(httpapi.RouterConfig{
		Engine:        a.engine,
		Stats:         a.stats,
		Logger:        logging.Component(a.logger, "http"),
		MaxResultRows: a.cfg.SQL.MaxResultRows,
	})

	lis, err := net.Listen("tcp", a.cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on HTTP address: %w", err)
	}
	a.httpListener = lis
	a.httpServer = &http.Server{
		Handler:      server.ShutdownMiddleware(a.shutdown)(a.router),
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}
	a.shutdown.RegisterCloser(a.router)
	a.shutdown.RegisterCloser(server.HTTPServerCloser(a.httpServer, a.cfg.HTTP.ShutdownTimeout))

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.logger.Info("HTTP server listening", zap.String("addr", lis.Addr().String()))
		if err := a.httpServer.Serve(lis); err != nil && err != http.ErrServerClosed {
			a.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

func (a *App) startGRPC() error {
	lis, err := net.Listen("tcp", a.cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on gRPC address: %w", err)
	}
	a.grpcListener = lis
	a.grpcServer = grpc.NewServer(
		grpc.UnaryInterceptor(a.shutdown.UnaryServerInterceptor()),
		grpc.StreamInterceptor(a.shutdown.StreamServerInterceptor()),
	)
	grpcapi.RegisterTraceServiceServer(a.grpcServer,
		grpcapi.NewTraceServer(a.engine, a.stats, logging.Component(a.logger, "grpc")))

	a.shutdown.RegisterCloser(server.CloserFunc(func() error {
		a.grpcServer.GracefulStop()
		return nil
	}))

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.logger.Info("gRPC server listening", zap.String("addr", lis.Addr().String()))
		if err := a.grpcServer.Serve(lis); err != nil {
			a.logger.Error("gRPC server error", zap.Error(err))
		}
	}()
	return nil
}

func (a *App) pruneStats(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.stats.Prune()
		}
	}
}

// HTTPAddr returns the address the HTTP server listens on.
func (a *App) HTTPAddr() string {
	if a.httpListener == nil {
		return ""
	}
	return a.httpListener.Addr().String()
}

// GRPCAddr returns the address the gRPC server listens on.
func (a *App) GRPCAddr() string {
	if a.grpcListener == nil {
		return ""
	}
	return a.grpcListener.Addr().String()
}

// Stop drains in-flight requests, stops the servers and releases the table.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	if a.cancel != nil {
		a.cancel()
	}

	err := a.shutdown.Shutdown(ctx, "stop requested")

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn("shutdown timeout, some goroutines may not have finished")
	}

	a.engine.Release()
	a.logger.Sync()
	return err
}

// WaitForShutdown blocks until a signal arrives or ctx is done, then stops.
func (a *App) WaitForShutdown(ctx context.Context) error {
	if err := a.shutdown.ListenForSignals(ctx); err != nil {
		return err
	}
	return a.Stop(context.Background())
}
