package callctl

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector собирает и экспортирует метрики движка
//
// Все методы безопасны для вызова из обработчиков FSM и
// ничего не делают, если сбор метрик выключен.
type MetricsCollector struct {
	transitions         *prometheus.CounterVec
	dialAttempts        prometheus.Counter
	dialExhausted       prometheus.Counter
	allocationFailures  prometheus.Counter
	connectionsActive   prometheus.Gauge
	channelsAllocated   prometheus.Gauge
	invariantViolations *prometheus.CounterVec
	bytesTotal          *prometheus.CounterVec
	errorsTotal         *prometheus.CounterVec
	callDuration        prometheus.Histogram
	queueOverflows      prometheus.Counter

	// Performance counters (атомарные для fast path)
	totalCalls      int64
	totalDials      int64
	totalExhausted  int64
	totalViolations int64

	enabled bool
	logger  StructuredLogger
}

// MetricsConfig конфигурация системы метрик
type MetricsConfig struct {
	// Enabled включает/выключает сбор метрик
	Enabled bool

	// Namespace префикс для Prometheus метрик
	Namespace string

	// Subsystem подсистема для Prometheus метрик
	Subsystem string

	// Registerer куда регистрировать метрики (nil - prometheus.DefaultRegisterer)
	Registerer prometheus.Registerer

	Logger StructuredLogger
}

// DefaultMetricsConfig возвращает конфигурацию по умолчанию
func DefaultMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		Enabled:   true,
		Namespace: "callctl",
		Subsystem: "engine",
		Logger:    NoOpLogger{},
	}
}

// NewMetricsCollector создает новый сборщик метрик
func NewMetricsCollector(config *MetricsConfig) *MetricsCollector {
	if config == nil {
		config = DefaultMetricsConfig()
	}
	if !config.Enabled {
		return &MetricsCollector{enabled: false, logger: NoOpLogger{}}
	}

	logger := config.Logger
	if logger == nil {
		logger = NoOpLogger{}
	}
	reg := config.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	mc := &MetricsCollector{enabled: true, logger: logger}
	mc.initPrometheusMetrics(promauto.With(reg), config.Namespace, config.Subsystem)
	return mc
}

func (mc *MetricsCollector) initPrometheusMetrics(f promauto.Factory, namespace, subsystem string) {
	mc.transitions = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "transitions_total",
		Help:      "FSM transitions applied, by machine and states",
	}, []string{"machine", "from", "to"})

	mc.dialAttempts = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "dial_attempts_total",
		Help:      "Outgoing dial attempts issued",
	})

	mc.dialExhausted = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "dial_exhausted_total",
		Help:      "Connections that gave up after the configured retry budget",
	})

	mc.allocationFailures = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "allocation_failures_total",
		Help:      "Channel allocation requests that found no free matching channel",
	})

	mc.connectionsActive = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "connections_active",
		Help:      "Connections currently in Active state",
	})

	mc.channelsAllocated = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "channels_allocated",
		Help:      "Channels currently allocated to a connection",
	})

	mc.invariantViolations = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "invariant_violations_total",
		Help:      "Invariant violations, by entity kind",
	}, []string{"entity"})

	mc.bytesTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "bytes_total",
		Help:      "Payload bytes moved through active channels",
	}, []string{"direction"})

	mc.errorsTotal = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "errors_total",
		Help:      "Errors surfaced to callers, by category and severity",
	}, []string{"category", "severity"})

	mc.callDuration = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "call_duration_seconds",
		Help:      "Duration of active calls",
		Buckets:   []float64{1, 5, 10, 30, 60, 300, 1800, 3600}, // от 1s до 1 часа
	})

	mc.queueOverflows = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "mailbox_overflows_total",
		Help:      "Events dropped because an entity mailbox was full",
	})
}

// Transition учитывает примененный переход FSM
func (mc *MetricsCollector) Transition(machine, from, to string) {
	if !mc.enabled {
		return
	}
	mc.transitions.WithLabelValues(machine, from, to).Inc()
}

// DialAttempt учитывает попытку дозвона
func (mc *MetricsCollector) DialAttempt() {
	if !mc.enabled {
		return
	}
	mc.dialAttempts.Inc()
	atomic.AddInt64(&mc.totalDials, 1)
}

// DialExhausted учитывает исчерпание попыток дозвона
func (mc *MetricsCollector) DialExhausted() {
	if !mc.enabled {
		return
	}
	mc.dialExhausted.Inc()
	atomic.AddInt64(&mc.totalExhausted, 1)
}

func (mc *MetricsCollector) AllocationFailed() {
	if !mc.enabled {
		return
	}
	mc.allocationFailures.Inc()
}

func (mc *MetricsCollector) ChannelAllocated() {
	if !mc.enabled {
		return
	}
	mc.channelsAllocated.Inc()
}

func (mc *MetricsCollector) ChannelReleased() {
	if !mc.enabled {
		return
	}
	mc.channelsAllocated.Dec()
}

// CallStarted уведомляет о переходе соединения в Active
func (mc *MetricsCollector) CallStarted() {
	if !mc.enabled {
		return
	}
	mc.connectionsActive.Inc()
	atomic.AddInt64(&mc.totalCalls, 1)
}

// CallEnded уведомляет о выходе соединения из Active
func (mc *MetricsCollector) CallEnded(started time.Time) {
	if !mc.enabled {
		return
	}
	mc.connectionsActive.Dec()
	if !started.IsZero() {
		mc.callDuration.Observe(time.Since(started).Seconds())
	}
}

// Bytes учитывает переданные данные, direction: "rx" или "tx"
func (mc *MetricsCollector) Bytes(direction string, n int) {
	if !mc.enabled || n <= 0 {
		return
	}
	mc.bytesTotal.WithLabelValues(direction).Add(float64(n))
}

// InvariantViolation учитывает нарушение инварианта
func (mc *MetricsCollector) InvariantViolation(entity string) {
	if !mc.enabled {
		return
	}
	mc.invariantViolations.WithLabelValues(entity).Inc()
	atomic.AddInt64(&mc.totalViolations, 1)
}

// QueueOverflow учитывает событие, потерянное из-за переполнения очереди
func (mc *MetricsCollector) QueueOverflow() {
	if !mc.enabled {
		return
	}
	mc.queueOverflows.Inc()
}

// ErrorOccurred учитывает ошибку, возвращенную вызывающему
func (mc *MetricsCollector) ErrorOccurred(err *CallError) {
	if !mc.enabled || err == nil {
		return
	}
	mc.errorsTotal.WithLabelValues(err.Category.String(), err.Severity.String()).Inc()

	mc.logger.Debug(context.Background(), "Error occurred",
		String("error_code", err.Code),
		String("error_category", err.Category.String()),
	)
}

// GetPerformanceCounters возвращает текущие performance counters
func (mc *MetricsCollector) GetPerformanceCounters() map[string]int64 {
	if !mc.enabled {
		return nil
	}
	return map[string]int64{
		"total_calls":      atomic.LoadInt64(&mc.totalCalls),
		"total_dials":      atomic.LoadInt64(&mc.totalDials),
		"total_exhausted":  atomic.LoadInt64(&mc.totalExhausted),
		"total_violations": atomic.LoadInt64(&mc.totalViolations),
	}
}
