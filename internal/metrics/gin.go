package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"aiInterview/internal/database"
)

// PartitionKey 是认证中间件写入角色分区的 gin 上下文键。
const PartitionKey = "role"

var (
	registerOnce sync.Once

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ai_interview",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP 请求耗时分布（秒），按路由与调用方分区。",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "route", "status", "partition"},
	)

	requestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ai_interview",
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "当前正在处理的 HTTP 请求数量。",
		},
	)
)

// GinMiddleware 采集请求耗时。未匹配的路由统一记为 unmatched，避免路径爆炸。
func GinMiddleware() gin.HandlerFunc {
	registerOnce.Do(func() {
		prometheus.MustRegister(requestDuration, requestsInFlight)
	})

	return func(c *gin.Context) {
		start := time.Now()
		requestsInFlight.Inc()
		defer requestsInFlight.Dec()

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		requestDuration.WithLabelValues(
			c.Request.Method,
			route,
			strconv.Itoa(c.Writer.Status()),
			partitionOf(c),
		).Observe(time.Since(start).Seconds())
	}
}

func partitionOf(c *gin.Context) string {
	v, ok := c.Get(PartitionKey)
	if !ok {
		return "anonymous"
	}
	role, ok := v.(database.Role)
	if !ok || !role.Valid() {
		return "anonymous"
	}
	return string(role)
}
