package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// 유닛 결과 라벨
const (
	UnitSucceeded    = "succeeded"
	UnitFailed       = "failed"
	UnitTimedOut     = "timed_out"
	UnitSubmitFailed = "submit_failed"
	UnitAdopted      = "adopted"
	UnitExpired      = "expired"
	UnitNoFunds      = "insufficient_funds"
)

// Metrics - 생성 파이프라인 prometheus 지표
// nil receiver 에서도 안전하게 호출 가능
type Metrics struct {
	units           *prometheus.CounterVec
	unitDuration    prometheus.Histogram
	creditsDebited  prometheus.Counter
	creditsRefunded prometheus.Counter
	invocations     *prometheus.CounterVec
	queueEnqueued   prometheus.Counter
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// Default - DefaultRegisterer 에 등록된 싱글톤
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = New(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// New - registerer 에 지표 등록 (테스트는 prometheus.NewRegistry() 사용)
func New(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		units: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "generation_units_total",
			Help: "Generation units by outcome.",
		}, []string{"outcome"}),
		unitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "generation_unit_duration_seconds",
			Help:    "Time from submission to terminal state for one unit.",
			Buckets: []float64{1, 5, 10, 20, 30, 60, 120, 180, 300, 600},
		}),
		creditsDebited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "credits_debited_total",
			Help: "Credits consumed by generation units.",
		}),
		creditsRefunded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "credits_refunded_total",
			Help: "Credits returned for failed or abandoned units.",
		}),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "generation_batch_invocations_total",
			Help: "Batch coordinator invocations by result.",
		}, []string{"result"}),
		queueEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "generation_resume_enqueued_total",
			Help: "Batches pushed to the resume queue.",
		}),
	}

	registerer.MustRegister(
		m.units,
		m.unitDuration,
		m.creditsDebited,
		m.creditsRefunded,
		m.invocations,
		m.queueEnqueued,
	)
	return m
}

func (m *Metrics) Unit(outcome string) {
	if m == nil {
		return
	}
	m.units.WithLabelValues(outcome).Inc()
}

func (m *Metrics) UnitDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.unitDuration.Observe(d.Seconds())
}

func (m *Metrics) Debited(amount int64) {
	if m == nil || amount <= 0 {
		return
	}
	m.creditsDebited.Add(float64(amount))
}

func (m *Metrics) Refunded(amount int64) {
	if m == nil || amount <= 0 {
		return
	}
	m.creditsRefunded.Add(float64(amount))
}

func (m *Metrics) Invocation(result string) {
	if m == nil {
		return
	}
	m.invocations.WithLabelValues(result).Inc()
}

func (m *Metrics) Enqueued() {
	if m == nil {
		return
	}
	m.queueEnqueued.Inc()
}
