// Package server runs the HTTP API and the gRPC health service until a
// shutdown signal arrives.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported alongside "".
const ServiceName = "faceverify"

// Options configure a Server. Listeners, when set, take precedence over the
// addresses.
type Options struct {
	HTTPAddr        string
	HealthAddr      string
	ShutdownTimeout time.Duration

	HTTPListener   net.Listener
	HealthListener net.Listener
}

// Server owns the HTTP and gRPC listeners.
type Server struct {
	http   *http.Server
	grpc   *grpc.Server
	health *health.Server
	opts   Options
	logger *zap.Logger
}

// New builds a server for handler. The health service starts as NOT_SERVING.
func New(handler http.Handler, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 15 * time.Second
	}

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	return &Server{
		http: &http.Server{
			Addr:              opts.HTTPAddr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		grpc:   gs,
		health: hs,
		opts:   opts,
		logger: logger.Named("server"),
	}
}

// SetServing flips the gRPC health status.
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Serve blocks until a server fails or a signal arrives on signalCh, then
// shuts both servers down gracefully. A nil signalCh listens for SIGINT and
// SIGTERM.
func (s *Server) Serve(signalCh <-chan os.Signal) error {
	errCh := make(chan error, 2)

	httpListener := s.opts.HTTPListener
	if httpListener == nil {
		l, err := net.Listen("tcp", s.http.Addr)
		if err != nil {
			return err
		}
		httpListener = l
	}
	go func() {
		err := s.http.Serve(httpListener)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()
	s.logger.Info("HTTP API listening", zap.String("addr", httpListener.Addr().String()))

	grpcRunning := false
	healthListener := s.opts.HealthListener
	if healthListener == nil && s.opts.HealthAddr != "" {
		l, err := net.Listen("tcp", s.opts.HealthAddr)
		if err != nil {
			_ = s.http.Close()
			<-errCh
			return err
		}
		healthListener = l
	}
	if healthListener != nil {
		grpcRunning = true
		go func() {
			errCh <- s.grpc.Serve(healthListener)
		}()
		s.logger.Info("gRPC health listening", zap.String("addr", healthListener.Addr().String()))
	}

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	pending := 1
	if grpcRunning {
		pending++
	}

	select {
	case err := <-errCh:
		pending--
		s.shutdown()
		for ; pending > 0; pending-- {
			<-errCh
		}
		return err
	case sig, ok := <-sigCh:
		if ok {
			s.logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		}
		err := s.shutdown()
		for ; pending > 0; pending-- {
			if serveErr := <-errCh; serveErr != nil && err == nil {
				err = serveErr
			}
		}
		return err
	}
}

func (s *Server) shutdown() error {
	s.health.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()

	stopped := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(stopped)
	}()

	err := s.http.Shutdown(ctx)
	if err != nil && errors.Is(err, context.Canceled) {
		err = nil
	}

	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpc.Stop()
	}

	return err
}
