// Package metrics 通过 Prometheus 暴露运行时指标。
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "operatorhub"

// Registry 是本进程专用的指标注册表，避免与默认注册表冲突。
var Registry = prometheus.NewRegistry()

var (
	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests processed.",
	}, []string{"handler", "method", "code"})

	httpErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_request_errors_total",
		Help:      "Total number of HTTP requests that resulted in a server error.",
	}, []string{"handler", "method"})

	httpLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"handler", "method"})

	executions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "operator_executions_total",
		Help:      "Operator executions grouped by outcome.",
	}, []string{"operator", "outcome"})

	executionLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "operator_execution_duration_seconds",
		Help:      "Operator execution duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operator"})

	queueRequests = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "invocation_queue_requests",
		Help:      "Invocation requests currently held by the queue, by status.",
	}, []string{"status"})

	pluginLoads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "plugin_loads_total",
		Help:      "Plugin script loads grouped by outcome.",
	}, []string{"outcome"})
)

func init() {
	Registry.MustRegister(httpRequests, httpErrors, httpLatency, executions, executionLatency, queueRequests, pluginLoads)
}

// ObserveHTTPRequest 记录一次 HTTP 请求。
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		httpErrors.WithLabelValues(handler, method).Inc()
	}
	httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveExecution 记录一次算子执行，outcome 为 success 或 failure。
func ObserveExecution(operator, outcome string, duration time.Duration) {
	executions.WithLabelValues(operator, outcome).Inc()
	executionLatency.WithLabelValues(operator).Observe(duration.Seconds())
}

// SetQueueDepth 更新某状态下的请求数量。
func SetQueueDepth(status string, n int) {
	queueRequests.WithLabelValues(status).Set(float64(n))
}

// ObservePluginLoad 记录一次插件脚本加载。
func ObservePluginLoad(outcome string) {
	pluginLoads.WithLabelValues(outcome).Inc()
}

// Handler 以 Prometheus 文本格式暴露指标。
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// StartServer 启动独立的 /metrics 服务，直到 ctx 结束。
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
