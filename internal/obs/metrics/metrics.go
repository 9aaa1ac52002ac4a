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

package metrics

import (
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	buildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "proxmox_ca_build_info",
			Help: "Build information for the Proxmox cloud-provider process",
		},
		[]string{"version", "git_sha", "go_version"},
	)

	reconcileTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxmox_ca_reconcile_total",
			Help: "Total number of group reconcile ticks by group and outcome",
		},
		[]string{"group", "outcome"},
	)

	reconcileDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "proxmox_ca_reconcile_duration_seconds",
			Help:    "Duration of a single group's reconcile tick",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
		},
		[]string{"group"},
	)

	vmLifecycleTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxmox_ca_vm_lifecycle_transitions_total",
			Help: "Total number of VM lifecycle state transitions by group and target state",
		},
		[]string{"group", "state"},
	)

	groupDesiredSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "proxmox_ca_group_desired_size",
			Help: "Current desired size of a node group's ledger entry",
		},
		[]string{"group"},
	)

	groupActiveVMs = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "proxmox_ca_group_active_vms",
			Help: "Number of VMs observed running for a node group",
		},
		[]string{"group"},
	)

	rpcRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxmox_ca_rpc_requests_total",
			Help: "Total number of externalgrpc requests by method and status code",
		},
		[]string{"method", "code"},
	)

	rpcLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "proxmox_ca_rpc_latency_seconds",
			Help:    "Latency of externalgrpc requests by method",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
		},
		[]string{"method"},
	)

	proxmoxTaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "proxmox_ca_proxmox_task_duration_seconds",
			Help:    "Duration of Proxmox UPID task polling by operation",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~200s
		},
		[]string{"operation"},
	)

	errorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxmox_ca_errors_total",
			Help: "Total number of errors by reason and component",
		},
		[]string{"reason", "component"},
	)

	circuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "proxmox_ca_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"provider_type", "provider"},
	)

	circuitBreakerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxmox_ca_circuit_breaker_failures_total",
			Help: "Total number of circuit breaker failures",
		},
		[]string{"provider_type", "provider"},
	)
)

// Outcomes for reconcile operations.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// Components for RecordError.
const (
	ComponentOrchestrator = "orchestrator"
	ComponentProxmox      = "proxmox"
	ComponentKube         = "kube"
	ComponentStore        = "store"
)

// Circuit breaker states.
const (
	CircuitBreakerClosed   = 0
	CircuitBreakerHalfOpen = 1
	CircuitBreakerOpen     = 2
)

// SetupMetrics records build information once at startup.
func SetupMetrics(version, gitSHA string) {
	buildInfo.WithLabelValues(version, gitSHA, runtime.Version()).Set(1)
}

// ReconcileMetrics tracks reconcile ticks for one node group.
type ReconcileMetrics struct {
	group string
}

// NewReconcileMetrics creates metrics scoped to a node group.
func NewReconcileMetrics(group string) *ReconcileMetrics {
	return &ReconcileMetrics{group: group}
}

// RecordReconcile records a reconcile tick with its outcome and duration.
func (m *ReconcileMetrics) RecordReconcile(outcome string, duration time.Duration) {
	reconcileTotal.WithLabelValues(m.group, outcome).Inc()
	reconcileDuration.WithLabelValues(m.group).Observe(duration.Seconds())
}

// SetDesiredSize records the group's current desired-size ledger value.
func (m *ReconcileMetrics) SetDesiredSize(size float64) {
	groupDesiredSize.WithLabelValues(m.group).Set(size)
}

// SetActiveVMs records the group's current count of running VMs.
func (m *ReconcileMetrics) SetActiveVMs(count float64) {
	groupActiveVMs.WithLabelValues(m.group).Set(count)
}

// RecordLifecycleTransition records a VM entering a new lifecycle state.
func (m *ReconcileMetrics) RecordLifecycleTransition(state string) {
	vmLifecycleTransitionsTotal.WithLabelValues(m.group, state).Inc()
}

// RPCMetrics tracks externalgrpc request outcomes.
type RPCMetrics struct{}

// NewRPCMetrics creates metrics for externalgrpc calls.
func NewRPCMetrics() *RPCMetrics {
	return &RPCMetrics{}
}

// RecordRPC records a call's method, status code, and duration.
func (m *RPCMetrics) RecordRPC(method, code string, duration time.Duration) {
	rpcRequestsTotal.WithLabelValues(method, code).Inc()
	rpcLatency.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordProxmoxTask records the duration of a UPID task poll loop.
func RecordProxmoxTask(operation string, duration time.Duration) {
	proxmoxTaskDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordError records an error with its reason and owning component.
func RecordError(reason, component string) {
	errorsTotal.WithLabelValues(reason, component).Inc()
}

// CircuitBreakerMetrics tracks one circuit breaker's state and failures.
type CircuitBreakerMetrics struct {
	providerType string
	provider     string
}

// NewCircuitBreakerMetrics creates metrics for a circuit breaker.
func NewCircuitBreakerMetrics(providerType, provider string) *CircuitBreakerMetrics {
	return &CircuitBreakerMetrics{providerType: providerType, provider: provider}
}

// SetState sets the circuit breaker state.
func (m *CircuitBreakerMetrics) SetState(state int) {
	circuitBreakerState.WithLabelValues(m.providerType, m.provider).Set(float64(state))
}

// RecordFailure records a circuit breaker failure.
func (m *CircuitBreakerMetrics) RecordFailure() {
	circuitBreakerFailures.WithLabelValues(m.providerType, m.provider).Inc()
}

// Timer measures elapsed operation duration.
type Timer struct {
	start time.Time
}

// NewTimer creates a running timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ReconcileTimer measures and records one reconcile tick.
type ReconcileTimer struct {
	metrics *ReconcileMetrics
	timer   *Timer
}

// NewReconcileTimer starts timing a reconcile tick for group.
func NewReconcileTimer(group string) *ReconcileTimer {
	return &ReconcileTimer{metrics: NewReconcileMetrics(group), timer: NewTimer()}
}

// Finish records the reconcile tick with the given outcome.
func (rt *ReconcileTimer) Finish(outcome string) {
	rt.metrics.RecordReconcile(outcome, rt.timer.Duration())
}

// RPCTimer measures and records one externalgrpc call.
type RPCTimer struct {
	method string
	timer  *Timer
}

// NewRPCTimer starts timing an externalgrpc call.
func NewRPCTimer(method string) *RPCTimer {
	return &RPCTimer{method: method, timer: NewTimer()}
}

// Finish records the call with the given status code.
func (rt *RPCTimer) Finish(code string) {
	NewRPCMetrics().RecordRPC(rt.method, code, rt.timer.Duration())
}

// GetRegistry returns the Prometheus gatherer backing every metric
// registered in this package, for wiring into an HTTP /metrics handler.
func GetRegistry() prometheus.Gatherer {
	return prometheus.DefaultGatherer
}
