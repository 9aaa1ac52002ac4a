/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package grpc bootstraps the externalgrpc.CloudProvider server: a
// gRPC listener alongside an HTTP health endpoint, with keep-alive,
// tracing, and metrics wired into every unary call.
package grpc

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	healthcheck "github.com/beskarops/proxmox-ca-provider/internal/obs/health"
	"github.com/beskarops/proxmox-ca-provider/internal/obs/metrics"
	"github.com/beskarops/proxmox-ca-provider/internal/obs/tracing"

	"github.com/beskarops/proxmox-ca-provider/internal/grpcapi"
)

// ServiceName identifies this provider on the gRPC health service.
const ServiceName = "externalgrpc.CloudProvider"

// Config holds server bootstrap configuration.
type Config struct {
	// Addr is the gRPC listen address, e.g. ":9443".
	Addr string

	// HealthAddr is the HTTP health listen address, e.g. ":8080".
	HealthAddr string

	// Logger is used for server lifecycle messages.
	Logger logr.Logger

	// KeepAlive holds server-side keep-alive tuning.
	KeepAlive *KeepAliveConfig

	// GracefulTimeout bounds how long shutdown waits before forcing a stop.
	GracefulTimeout time.Duration

	// RPCTimeouts bounds each unary call's context deadline, split by
	// call kind. Left nil, no per-call deadline interceptor runs.
	RPCTimeouts *RPCTimeoutConfig
}

// RPCTimeoutConfig holds the externalgrpc per-call-kind deadlines.
type RPCTimeoutConfig struct {
	// Describe bounds read-only calls (NodeGroups, NodeGroupNodes,
	// NodeGroupTargetSize, and the like).
	Describe time.Duration
	// Mutating bounds calls that change cluster state (Increase/
	// DecreaseSize, DeleteNodes, Cleanup, Refresh).
	Mutating time.Duration
}

// mutatingMethods are the externalgrpc CloudProvider RPCs that change
// state, as opposed to the read-only Describe-kind calls.
var mutatingMethods = map[string]bool{
	"/externalgrpc.CloudProvider/NodeGroupIncreaseSize":       true,
	"/externalgrpc.CloudProvider/NodeGroupDecreaseTargetSize": true,
	"/externalgrpc.CloudProvider/NodeGroupDeleteNodes":        true,
	"/externalgrpc.CloudProvider/Cleanup":                     true,
	"/externalgrpc.CloudProvider/Refresh":                     true,
}

// KeepAliveConfig holds gRPC keep-alive settings.
type KeepAliveConfig struct {
	ServerParameters  *keepalive.ServerParameters
	EnforcementPolicy *keepalive.EnforcementPolicy
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Addr:            ":9443",
		HealthAddr:      ":8080",
		Logger:          logr.Discard(),
		GracefulTimeout: 30 * time.Second,
		KeepAlive: &KeepAliveConfig{
			ServerParameters: &keepalive.ServerParameters{
				MaxConnectionIdle:     15 * time.Minute,
				MaxConnectionAge:      1 * time.Hour,
				MaxConnectionAgeGrace: 5 * time.Second,
				Time:                  30 * time.Second,
				Timeout:               5 * time.Second,
			},
			EnforcementPolicy: &keepalive.EnforcementPolicy{
				MinTime:             10 * time.Second,
				PermitWithoutStream: false,
			},
		},
	}
}

// Server wraps a gRPC server exposing the CloudProvider service.
type Server struct {
	config        *Config
	grpcServer    *grpc.Server
	healthServer  *health.Server
	healthChecker *healthcheck.HealthChecker
	httpServer    *http.Server
	logger        logr.Logger
	running       atomic.Bool
}

// New builds a Server registering impl as the CloudProvider service.
func New(config *Config, impl grpcapi.CloudProviderServer, checker *healthcheck.HealthChecker) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Addr == "" {
		config.Addr = ":9443"
	}
	if config.HealthAddr == "" {
		config.HealthAddr = ":8080"
	}
	if config.GracefulTimeout == 0 {
		config.GracefulTimeout = 30 * time.Second
	}
	if checker == nil {
		checker = healthcheck.NewHealthChecker()
	}

	var opts []grpc.ServerOption
	if config.KeepAlive != nil {
		if config.KeepAlive.ServerParameters != nil {
			opts = append(opts, grpc.KeepaliveParams(*config.KeepAlive.ServerParameters))
		}
		if config.KeepAlive.EnforcementPolicy != nil {
			opts = append(opts, grpc.KeepaliveEnforcementPolicy(*config.KeepAlive.EnforcementPolicy))
		}
	}
	interceptors := []grpc.UnaryServerInterceptor{
		tracing.GRPCServerInterceptor(),
		metricsInterceptor(),
	}
	if config.RPCTimeouts != nil {
		interceptors = append(interceptors, timeoutInterceptor(*config.RPCTimeouts))
	}
	opts = append(opts, grpc.ChainUnaryInterceptor(interceptors...))

	grpcServer := grpc.NewServer(opts...)
	grpcapi.RegisterCloudProviderServer(grpcServer, impl)

	mux := http.NewServeMux()
	mux.Handle("/healthz", checker.LivenessHandler())
	mux.Handle("/readyz", checker.ReadinessHandler())
	mux.Handle("/health", checker.HTTPHandler())
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{}))

	return &Server{
		config:        config,
		grpcServer:    grpcServer,
		healthServer:  health.NewServer(),
		healthChecker: checker,
		httpServer: &http.Server{
			Addr:         config.HealthAddr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: config.Logger,
	}
}

// Serve starts the gRPC and health servers and blocks until a shutdown
// signal arrives, ctx is cancelled, or either server fails.
func (s *Server) Serve(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("server is already running")
	}
	defer s.running.Store(false)

	grpc_health_v1.RegisterHealthServer(s.grpcServer, s.healthServer)
	s.healthServer.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
	s.healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	lis, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}

	s.logger.Info("starting externalgrpc server", "addr", s.config.Addr, "healthAddr", s.config.HealthAddr)

	serverCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 2)

	go func() {
		if err := s.grpcServer.Serve(lis); err != nil {
			errChan <- fmt.Errorf("gRPC server error: %w", err)
		}
	}()

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("health server error: %w", err)
		}
	}()

	select {
	case <-serverCtx.Done():
		s.logger.Info("server context cancelled, shutting down")
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig)
	case err := <-errChan:
		s.logger.Error(err, "server error")
		return err
	}

	return s.shutdown()
}

// Shutdown gracefully stops both servers.
func (s *Server) Shutdown() error {
	return s.shutdown()
}

func (s *Server) shutdown() error {
	s.logger.Info("shutting down servers")

	s.healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	s.healthServer.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.GracefulTimeout/2)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Info("health server shutdown error", "error", err.Error())
	}

	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		s.logger.Info("gRPC server stopped gracefully")
		return nil
	case <-time.After(s.config.GracefulTimeout / 2):
		s.logger.Info("graceful shutdown timeout, forcing stop")
		s.grpcServer.Stop()
		return nil
	}
}

// timeoutInterceptor bounds every unary call's context to cfg.Describe
// or cfg.Mutating, by FullMethod. A caller-supplied deadline that is
// already tighter is left alone.
func timeoutInterceptor(cfg RPCTimeoutConfig) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		timeout := cfg.Describe
		if mutatingMethods[info.FullMethod] {
			timeout = cfg.Mutating
		}
		if timeout <= 0 {
			return handler(ctx, req)
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return handler(ctx, req)
	}
}

func metricsInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		timer := metrics.NewRPCTimer(info.FullMethod)
		resp, err := handler(ctx, req)
		timer.Finish(status.Code(err).String())
		if err != nil && status.Code(err) != codes.OK {
			metrics.RecordError(status.Code(err).String(), "rpc")
		}
		return resp, err
	}
}
