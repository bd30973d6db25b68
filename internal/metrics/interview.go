package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 结束编排的结果标签。
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
)

var (
	finalizationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ai_interview",
			Subsystem: "interview",
			Name:      "finalizations_total",
			Help:      "面试结束编排次数。",
		},
		[]string{"outcome", "reason"},
	)

	persistenceWarningsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ai_interview",
			Subsystem: "interview",
			Name:      "persistence_warnings_total",
			Help:      "评估已生成但未能同步落库的次数。",
		},
	)

	activeSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ai_interview",
			Subsystem: "interview",
			Name:      "active_sessions",
			Help:      "当前内存中的面试会话数量。",
		},
	)
)

// ObserveFinalization 记录一次结束编排的结果。
func ObserveFinalization(outcome, reason string) {
	finalizationsTotal.WithLabelValues(outcome, reason).Inc()
}

// IncPersistenceWarning 记录一次降级成功。
func IncPersistenceWarning() {
	persistenceWarningsTotal.Inc()
}

// SessionOpened 与 SessionClosed 维护活跃会话数。
func SessionOpened() { activeSessions.Inc() }

func SessionClosed() { activeSessions.Dec() }
