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

package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	otrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ServiceName identifies this process in exported spans.
const ServiceName = "proxmox-ca-provider"

// Config holds tracing configuration.
type Config struct {
	Enabled           bool
	Endpoint          string
	ServiceName       string
	ServiceVersion    string
	SamplingRatio     float64
	InsecureTransport bool
}

// Setup initializes OpenTelemetry tracing. With tracing disabled it
// installs a no-op tracer provider so callers never need to branch on
// Config.Enabled themselves.
func Setup(ctx context.Context, config *Config) (func(), error) {
	if !config.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func() {}, nil
	}

	if config.Endpoint == "" {
		return nil, fmt.Errorf("tracing endpoint is required when tracing is enabled")
	}

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(config.Endpoint),
	}
	if config.InsecureTransport {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(trace.TraceIDRatioBased(config.SamplingRatio)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			fmt.Printf("error shutting down tracer provider: %v\n", err)
		}
	}, nil
}

// GetTracer returns a tracer for the given instrumentation name.
func GetTracer(name string) otrace.Tracer {
	return otel.Tracer(name)
}

// StartSpan starts a new span with the given name and options.
func StartSpan(ctx context.Context, name string, opts ...otrace.SpanStartOption) (context.Context, otrace.Span) {
	tracer := otel.Tracer(ServiceName)
	return tracer.Start(ctx, name, opts...)
}

// RecordError records an error on the current span.
func RecordError(ctx context.Context, err error) {
	otrace.SpanFromContext(ctx).RecordError(err)
}

// Common attribute keys.
var (
	AttrGroupID  = attribute.Key("group.id")
	AttrVMID     = attribute.Key("vm.id")
	AttrVMName   = attribute.Key("vm.name")
	AttrState    = attribute.Key("vm.state")
	AttrOutcome  = attribute.Key("outcome")
	AttrTaskRef  = attribute.Key("proxmox.task_upid")
	AttrRPCMethod = attribute.Key("rpc.method")
)

// Span names for the operations this provider traces.
const (
	SpanReconcileGroup = "orchestrator.reconcile_group"
	SpanScaleUp        = "scaling.increase_size"
	SpanScaleDown      = "scaling.decrease_target_size"
	SpanDeleteNodes    = "scaling.delete_nodes"
	SpanVMLifecycle    = "lifecycle.transition"
	SpanProxmoxTask    = "proxmox.task_status"
)

// StartGroupSpan starts a span for an operation scoped to one node group.
func StartGroupSpan(ctx context.Context, name, groupID string) (context.Context, otrace.Span) {
	return StartSpan(ctx, name, otrace.WithAttributes(AttrGroupID.String(groupID)))
}

// StartRPCSpan starts a span for an inbound externalgrpc call.
func StartRPCSpan(ctx context.Context, method string) (context.Context, otrace.Span) {
	return StartSpan(ctx, fmt.Sprintf("rpc.%s", method),
		otrace.WithAttributes(AttrRPCMethod.String(method)),
	)
}

// GRPCServerInterceptor returns a unary server interceptor that wraps
// every inbound call in a span named after the RPC method.
func GRPCServerInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		ctx, span := StartSpan(ctx, fmt.Sprintf("grpc.server%s", info.FullMethod),
			otrace.WithSpanKind(otrace.SpanKindServer),
			otrace.WithAttributes(AttrRPCMethod.String(info.FullMethod)),
		)
		defer span.End()

		resp, err := handler(ctx, req)
		if err != nil {
			span.RecordError(err)
		}
		return resp, err
	}
}
