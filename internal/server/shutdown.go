// Package server provides server lifecycle management including graceful shutdown.
package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Surfaces whose requests are tracked.
const (
	SurfaceHTTP = "http"
	SurfaceGRPC = "grpc"
)

// ShutdownManager gates the HTTP and gRPC APIs during shutdown: it stops
// admitting requests, waits for the admitted ones per surface, then closes
// registered resources in reverse order.
type ShutdownManager struct {
	shutdownTimeout time.Duration
	drainTimeout    time.Duration
	logger          *zap.Logger

	shutdownCh   chan struct{}
	shutdownOnce sync.Once

	mu       sync.Mutex
	closing  bool
	inFlight map[string]int
	total    int
	drained  chan struct{} // closed once closing and total is zero
	isIdle   bool
	closers  []io.Closer
}

// ShutdownConfig holds configuration for the shutdown manager.
type ShutdownConfig struct {
	// ShutdownTimeout bounds the whole shutdown. Default: 30 seconds
	ShutdownTimeout time.Duration

	// DrainTimeout bounds the wait for admitted requests. Default: 15 seconds
	DrainTimeout time.Duration
}

// NewShutdownManager creates a shutdown manager.
func NewShutdownManager(config ShutdownConfig, logger *zap.Logger) *ShutdownManager {
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = 30 * time.Second
	}
	if config.DrainTimeout == 0 {
		config.DrainTimeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ShutdownManager{
		shutdownTimeout: config.ShutdownTimeout,
		drainTimeout:    config.DrainTimeout,
		logger:          logger,
		shutdownCh:      make(chan struct{}),
		inFlight:        make(map[string]int),
		drained:         make(chan struct{}),
	}
}

// RegisterCloser adds a closer to run during shutdown, after the drain.
// Closers run last registered first.
func (sm *ShutdownManager) RegisterCloser(closer io.Closer) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.closers = append(sm.closers, closer)
}

// ListenForSignals blocks until SIGTERM or SIGINT arrives, ctx is done, or
// shutdown is started elsewhere, and then shuts down.
func (sm *ShutdownManager) ListenForSignals(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		return sm.Shutdown(context.Background(), fmt.Sprintf("received signal: %v", sig))
	case <-ctx.Done():
		return sm.Shutdown(context.Background(), "context cancelled")
	case <-sm.shutdownCh:
		return nil
	}
}

// Shutdown stops admitting requests, waits for admitted ones and closes
// the registered resources. Only the first call does any work.
func (sm *ShutdownManager) Shutdown(ctx context.Context, reason string) error {
	var shutdownErr error

	sm.shutdownOnce.Do(func() {
		sm.mu.Lock()
		sm.closing = true
		sm.markIdleLocked()
		pending := sm.describeLocked()
		sm.mu.Unlock()
		close(sm.shutdownCh)
		sm.logger.Info("shutting down", zap.String("reason", reason), zap.String("in_flight", pending))

		ctx, cancel := context.WithTimeout(ctx, sm.shutdownTimeout)
		defer cancel()
		if err := sm.drain(ctx); err != nil {
			shutdownErr = err
		}

		sm.mu.Lock()
		closers := sm.closers
		sm.mu.Unlock()
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				sm.logger.Warn("close failed during shutdown", zap.Error(err))
				if shutdownErr == nil {
					shutdownErr = fmt.Errorf("close failed: %w", err)
				}
			}
		}
		sm.logger.Info("shutdown complete")
	})

	return shutdownErr
}

func (sm *ShutdownManager) drain(ctx context.Context) error {
	timer := time.NewTimer(sm.drainTimeout)
	defer timer.Stop()

	select {
	case <-sm.drained:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.total == 0 {
		return nil
	}
	return fmt.Errorf("drain failed: timeout waiting for %d in-flight requests (%s)", sm.total, sm.describeLocked())
}

// Track admits a request on surface. It returns false once shutdown has
// begun; the caller must then reject the request.
func (sm *ShutdownManager) Track(surface string) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.closing {
		return false
	}
	sm.inFlight[surface]++
	sm.total++
	return true
}

// Untrack marks a request admitted by Track as finished.
func (sm *ShutdownManager) Untrack(surface string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.inFlight[surface] == 0 {
		return
	}
	sm.inFlight[surface]--
	sm.total--
	sm.markIdleLocked()
}

func (sm *ShutdownManager) markIdleLocked() {
	if sm.closing && sm.total == 0 && !sm.isIdle {
		sm.isIdle = true
		close(sm.drained)
	}
}

// describeLocked renders per-surface counts, e.g. "grpc=1 http=2".
func (sm *ShutdownManager) describeLocked() string {
	parts := make([]string, 0, len(sm.inFlight))
	for surface, n := range sm.inFlight {
		if n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", surface, n))
		}
	}
	sort.Strings(parts)
	return strings.Join(parts, " ")
}

// IsShuttingDown returns true if shutdown has been initiated.
func (sm *ShutdownManager) IsShuttingDown() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.closing
}

// InFlightCount returns the number of admitted requests across surfaces.
func (sm *ShutdownManager) InFlightCount() int64 {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return int64(sm.total)
}

// ShutdownCh returns a channel that is closed when shutdown begins.
func (sm *ShutdownManager) ShutdownCh() <-chan struct{} {
	return sm.shutdownCh
}

// HTTPServerCloser shuts an http.Server down gracefully within timeout.
func HTTPServerCloser(srv *http.Server, timeout time.Duration) io.Closer {
	return CloserFunc(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return srv.Shutdown(ctx)
	})
}

// ShutdownMiddleware rejects HTTP requests with 503 once shutdown begins.
func ShutdownMiddleware(sm *ShutdownManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !sm.Track(SurfaceHTTP) {
				w.Header().Set("Connection", "close")
				http.Error(w, "Service Unavailable - Shutting Down", http.StatusServiceUnavailable)
				return
			}
			defer sm.Untrack(SurfaceHTTP)
			next.ServeHTTP(w, r)
		})
	}
}

// UnaryServerInterceptor rejects gRPC calls with Unavailable once shutdown
// begins.
func (sm *ShutdownManager) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if !sm.Track(SurfaceGRPC) {
			return nil, status.Error(codes.Unavailable, "shutting down")
		}
		defer sm.Untrack(SurfaceGRPC)
		return handler(ctx, req)
	}
}

// StreamServerInterceptor is the streaming counterpart of
// UnaryServerInterceptor. A stream is in flight until its handler returns.
func (sm *ShutdownManager) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if !sm.Track(SurfaceGRPC) {
			return status.Error(codes.Unavailable, "shutting down")
		}
		defer sm.Untrack(SurfaceGRPC)
		return handler(srv, ss)
	}
}

// CloserFunc adapts a function to io.Closer.
type CloserFunc func() error

// Close calls f.
func (f CloserFunc) Close() error {
	return f()
}
