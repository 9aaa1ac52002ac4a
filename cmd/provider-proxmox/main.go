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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/go-logr/zapr"
	"go.uber.org/zap"

	"github.com/beskarops/proxmox-ca-provider/internal/config"
	"github.com/beskarops/proxmox-ca-provider/internal/core"
	grpctransport "github.com/beskarops/proxmox-ca-provider/internal/transport/grpc"
	"github.com/beskarops/proxmox-ca-provider/internal/group"
	"github.com/beskarops/proxmox-ca-provider/internal/kube"
	healthcheck "github.com/beskarops/proxmox-ca-provider/internal/obs/health"
	"github.com/beskarops/proxmox-ca-provider/internal/obs/logging"
	"github.com/beskarops/proxmox-ca-provider/internal/obs/metrics"
	"github.com/beskarops/proxmox-ca-provider/internal/obs/tracing"
	"github.com/beskarops/proxmox-ca-provider/internal/orchestrator"
	"github.com/beskarops/proxmox-ca-provider/internal/proxmox"
	"github.com/beskarops/proxmox-ca-provider/internal/reconcile"
	"github.com/beskarops/proxmox-ca-provider/internal/resilience"
	"github.com/beskarops/proxmox-ca-provider/internal/scaling"
	"github.com/beskarops/proxmox-ca-provider/internal/seed"
	"github.com/beskarops/proxmox-ca-provider/internal/service"
	"github.com/beskarops/proxmox-ca-provider/internal/store"
	"github.com/beskarops/proxmox-ca-provider/internal/template"
	"github.com/beskarops/proxmox-ca-provider/internal/util/closer"
	"github.com/beskarops/proxmox-ca-provider/internal/version"
)

const stateDBEnv = "STATE_DB_PATH"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "--version" {
		fmt.Println("provider-proxmox", version.String())
		os.Exit(0)
	}

	settings, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	zapLogger, err := buildZapLogger(settings.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer zapLogger.Sync() //nolint:errcheck
	logr := zapr.NewLogger(zapLogger)
	slogger := slog.New(zapslogHandler{logger: zapLogger})

	ctx := logging.WithContext(context.Background(), logr)

	shutdownTracing, err := tracing.Setup(ctx, &tracing.Config{
		Enabled:           settings.Tracing.Enabled,
		Endpoint:          settings.Tracing.Endpoint,
		ServiceName:       tracing.ServiceName,
		ServiceVersion:    version.String(),
		SamplingRatio:     settings.Tracing.SamplingRatio,
		InsecureTransport: settings.Tracing.InsecureTransport,
	})
	if err != nil {
		logr.Error(err, "failed to set up tracing")
		os.Exit(1)
	}
	defer shutdownTracing()

	metrics.SetupMetrics(version.Version, version.GitSHA)

	dbPath := os.Getenv(stateDBEnv)
	if dbPath == "" {
		dbPath = "state.db"
	}
	db, err := store.Open(dbPath)
	if err != nil {
		logr.Error(err, "failed to open state database")
		os.Exit(1)
	}
	defer closer.CloseQuietly(db, zapLogger.Sugar(), "state store")
	if err := db.Init(ctx); err != nil {
		logr.Error(err, "failed to initialize state database")
		os.Exit(1)
	}

	caBundle, err := loadCABundle(settings.Proxmox.CABundlePath)
	if err != nil {
		logr.Error(err, "failed to read CA bundle")
		os.Exit(1)
	}

	retryConfig := &resilience.RetryConfig{
		MaxAttempts: settings.Retry.MaxAttempts,
		BaseDelay:   settings.Retry.BaseDelay,
		MaxDelay:    settings.Retry.MaxDelay,
		Multiplier:  settings.Retry.Multiplier,
		Jitter:      settings.Retry.Jitter,
	}
	cbConfig := &resilience.Config{
		FailureThreshold: settings.CircuitBreaker.FailureThreshold,
		ResetTimeout:     settings.CircuitBreaker.ResetTimeout,
		HalfOpenMaxCalls: settings.CircuitBreaker.HalfOpenMaxCalls,
	}

	pve, err := proxmox.NewClient(proxmox.Config{
		Endpoint:           settings.Proxmox.APIURL,
		TokenID:            settings.Proxmox.TokenID,
		TokenSecret:        settings.Proxmox.TokenSecret,
		InsecureSkipVerify: settings.Proxmox.TLSInsecure,
		CABundle:           caBundle,
		Node:               settings.Proxmox.Node,
		VMStorage:          settings.Proxmox.VMStorage,
		ISOStorage:         settings.Proxmox.ISOStorage,
		ImportStorage:      settings.Proxmox.ImportStorage,
		CloudImageURL:      settings.Proxmox.CloudImageURL,
		Bridge:             settings.Proxmox.Bridge,
		VerifyCertificates: settings.Proxmox.VerifyCertificates,
		RequestTimeout:     settings.RPC.TimeoutMutating,
		RetryConfig:        retryConfig,
		CircuitBreaker:     cbConfig,
	})
	if err != nil {
		logr.Error(err, "failed to build Proxmox client")
		os.Exit(1)
	}

	kubePolicy := resilience.NewPolicy("kube-client", retryConfig, resilience.NewCircuitBreaker("kube", "kubernetes", "in-cluster", cbConfig))
	kubeClient, err := kube.NewInClusterClient(kubePolicy)
	if err != nil {
		logr.Error(err, "failed to build in-cluster Kubernetes client")
		os.Exit(1)
	}

	groupIDs := make([]string, 0, len(settings.Groups))
	for id := range settings.Groups {
		groupIDs = append(groupIDs, id)
	}
	sort.Strings(groupIDs)
	orderedGroups := make([]core.GroupConfig, 0, len(groupIDs))
	for _, id := range groupIDs {
		orderedGroups = append(orderedGroups, settings.Groups[id])
	}

	groupCtx := group.New(orderedGroups, pve, db)
	scalingSvc := scaling.New(groupCtx, db, pve, slogger)
	reconcileSvc := reconcile.New(groupCtx, pve, kubeClient, db, scalingSvc, mustSeedRenderer(), reconcile.Config{
		PendingVMTimeoutSeconds: settings.PendingVMTimeoutSeconds,
		VMTagPrefix:             settings.VMTagPrefix,
		ISOStorage:              settings.Proxmox.ISOStorage,
		K3s:                     settings.K3s,
	}, slogger)
	templateSvc := template.New(kubeClient, slogger)

	orch := orchestrator.New(groupCtx, scalingSvc, reconcileSvc, templateSvc, orchestrator.Config{
		ReconcileInterval: time.Duration(settings.ReconcileIntervalSeconds) * time.Second,
	}, slogger)

	if err := orch.Start(ctx); err != nil {
		logr.Error(err, "failed to start orchestrator")
		os.Exit(1)
	}
	defer orch.Stop()

	checker := healthcheck.NewHealthChecker()
	checker.RegisterCheck("state_db", func(ctx context.Context) error {
		return db.Ping(ctx)
	})
	checker.RegisterCheck("proxmox_api", healthcheck.ProxmoxVersionCheck(
		settings.Proxmox.APIURL, settings.Proxmox.TokenID, settings.Proxmox.TokenSecret, settings.Proxmox.TLSInsecure,
	))

	srv := grpctransport.New(&grpctransport.Config{
		Addr:            settings.ServerAddr,
		HealthAddr:      ":8080",
		Logger:          logr,
		GracefulTimeout: 30 * time.Second,
		RPCTimeouts: &grpctransport.RPCTimeoutConfig{
			Describe: settings.RPC.TimeoutDescribe,
			Mutating: settings.RPC.TimeoutMutating,
		},
	}, service.New(orch), checker)

	logr.Info("starting Proxmox cloud-provider", "version", version.String(), "groups", groupIDs)

	if err := srv.Serve(ctx); err != nil {
		logr.Error(err, "server failed")
		os.Exit(1)
	}
}

func mustSeedRenderer() *seed.Renderer {
	r, err := seed.New()
	if err != nil {
		panic(fmt.Sprintf("seed templates failed to parse: %v", err))
	}
	return r
}

func loadCABundle(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	return os.ReadFile(path)
}

func buildZapLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zapConfig := zap.NewProductionConfig()
	if cfg.Development {
		zapConfig = zap.NewDevelopmentConfig()
	}
	if cfg.Format == "console" {
		zapConfig.Encoding = "console"
	}
	level := zap.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zap.DebugLevel
	case "warn", "warning":
		level = zap.WarnLevel
	case "error":
		level = zap.ErrorLevel
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)
	return zapConfig.Build()
}

// zapslogHandler adapts a *zap.Logger to slog.Handler for the
// collaborators that still log through log/slog.
type zapslogHandler struct {
	logger *zap.Logger
}

func (h zapslogHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h zapslogHandler) Handle(_ context.Context, record slog.Record) error {
	fields := make([]zap.Field, 0, record.NumAttrs())
	record.Attrs(func(a slog.Attr) bool {
		fields = append(fields, zap.Any(a.Key, a.Value.Any()))
		return true
	})
	switch {
	case record.Level >= slog.LevelError:
		h.logger.Error(record.Message, fields...)
	case record.Level >= slog.LevelWarn:
		h.logger.Warn(record.Message, fields...)
	case record.Level >= slog.LevelDebug && record.Level < slog.LevelInfo:
		h.logger.Debug(record.Message, fields...)
	default:
		h.logger.Info(record.Message, fields...)
	}
	return nil
}

func (h zapslogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	fields := make([]zap.Field, 0, len(attrs))
	for _, a := range attrs {
		fields = append(fields, zap.Any(a.Key, a.Value.Any()))
	}
	return zapslogHandler{logger: h.logger.With(fields...)}
}

func (h zapslogHandler) WithGroup(name string) slog.Handler {
	return zapslogHandler{logger: h.logger.Named(name)}
}
