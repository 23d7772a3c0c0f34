// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// パイプラインやスケジューラーから利用する。
type MetricsCollector interface {
	RecordDeliverySuccess()
	RecordDeliveryFailure()
	RecordGenerationFallback()
	RecordTokenRefresh()
	RecordDeliveryLatency(duration time.Duration)
	RecordJobCompleted(status string)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	deliverySuccess    prometheus.Counter
	deliveryFail       prometheus.Counter
	generationFallback prometheus.Counter
	tokenRefresh       prometheus.Counter
	deliveryLatency    prometheus.Histogram
	jobCompleted       *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		deliverySuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agendamail_delivery_success_total",
			Help: "メール配信成功の合計数",
		}),
		deliveryFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agendamail_delivery_fail_total",
			Help: "メール配信失敗の合計数",
		}),
		generationFallback: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agendamail_generation_fallback_total",
			Help: "要約生成からテンプレート描画へのフォールバック回数",
		}),
		tokenRefresh: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agendamail_token_refresh_total",
			Help: "アクセストークン更新の合計数",
		}),
		deliveryLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "agendamail_delivery_latency_seconds",
			Help:    "受信者1人あたりの配信レイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		jobCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agendamail_job_completed_total",
			Help: "終端状態に到達したジョブの数（状態別）",
		}, []string{"status"}),
	}

	reg.MustRegister(
		c.deliverySuccess,
		c.deliveryFail,
		c.generationFallback,
		c.tokenRefresh,
		c.deliveryLatency,
		c.jobCompleted,
	)

	return c
}

// RecordDeliverySuccess は配信成功を記録する。
func (c *Collector) RecordDeliverySuccess() {
	c.deliverySuccess.Inc()
}

// RecordDeliveryFailure は配信失敗を記録する。
func (c *Collector) RecordDeliveryFailure() {
	c.deliveryFail.Inc()
}

// RecordGenerationFallback はフォールバックへの切り替えを記録する。
func (c *Collector) RecordGenerationFallback() {
	c.generationFallback.Inc()
}

// RecordTokenRefresh はトークン更新を記録する。
func (c *Collector) RecordTokenRefresh() {
	c.tokenRefresh.Inc()
}

// RecordDeliveryLatency は配信レイテンシを記録する。
func (c *Collector) RecordDeliveryLatency(duration time.Duration) {
	c.deliveryLatency.Observe(duration.Seconds())
}

// RecordJobCompleted はジョブの終端遷移を状態別に記録する。
func (c *Collector) RecordJobCompleted(status string) {
	c.jobCompleted.WithLabelValues(status).Inc()
}

// NopCollector は何も記録しないコレクター。テストとメトリクス無効時に使う。
type NopCollector struct{}

func (NopCollector) RecordDeliverySuccess()                {}
func (NopCollector) RecordDeliveryFailure()                {}
func (NopCollector) RecordGenerationFallback()             {}
func (NopCollector) RecordTokenRefresh()                   {}
func (NopCollector) RecordDeliveryLatency(_ time.Duration) {}
func (NopCollector) RecordJobCompleted(_ string)           {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

// compile-time interface checks
var _ MetricsCollector = (*Collector)(nil)
var _ MetricsCollector = NopCollector{}
