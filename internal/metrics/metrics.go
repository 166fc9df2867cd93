// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// パイプラインとストアの各段から利用する。
type MetricsCollector interface {
	RecordIngested()
	RecordDropped(reason string)
	RecordClassified(class string)
	RecordDecision(action string)
	RecordStoreOp(op string)
	RecordPublished(count int)
	RecordPublishLatency(duration time.Duration)
	RecordCardSent()
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	ingested       prometheus.Counter
	dropped        *prometheus.CounterVec
	classified     *prometheus.CounterVec
	decisions      *prometheus.CounterVec
	storeOps       *prometheus.CounterVec
	published      prometheus.Counter
	publishLatency prometheus.Histogram
	cardsSent      prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		ingested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "digestman_ingested_total",
			Help: "取り込みに成功したアイテムの合計数",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "digestman_dropped_total",
			Help: "取り込み段で破棄されたアイテムの理由別合計数",
		}, []string{"reason"}),
		classified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "digestman_classified_total",
			Help: "分類結果のクラス別合計数",
		}, []string{"class"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "digestman_decisions_total",
			Help: "ポリシー判定のアクション別合計数",
		}, []string{"action"}),
		storeOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "digestman_store_ops_total",
			Help: "モデレーションストア操作の種別合計数",
		}, []string{"op"}),
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "digestman_published_total",
			Help: "ダイジェストとして公開されたレコードの合計数",
		}),
		publishLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "digestman_publish_latency_seconds",
			Help:    "バッチフラッシュのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		cardsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "digestman_cards_sent_total",
			Help: "編集者へ送信されたモデレーションカードの合計数",
		}),
	}

	reg.MustRegister(
		c.ingested,
		c.dropped,
		c.classified,
		c.decisions,
		c.storeOps,
		c.published,
		c.publishLatency,
		c.cardsSent,
	)

	return c
}

// RecordIngested は取り込み成功を記録する。
func (c *Collector) RecordIngested() {
	c.ingested.Inc()
}

// RecordDropped は取り込み段での破棄を理由付きで記録する。
func (c *Collector) RecordDropped(reason string) {
	c.dropped.WithLabelValues(reason).Inc()
}

// RecordClassified は分類結果を記録する。
func (c *Collector) RecordClassified(class string) {
	c.classified.WithLabelValues(class).Inc()
}

// RecordDecision はポリシー判定のアクションを記録する。
func (c *Collector) RecordDecision(action string) {
	c.decisions.WithLabelValues(action).Inc()
}

// RecordStoreOp はストア操作を記録する。
func (c *Collector) RecordStoreOp(op string) {
	c.storeOps.WithLabelValues(op).Inc()
}

// RecordPublished は公開されたレコード数を記録する。
func (c *Collector) RecordPublished(count int) {
	c.published.Add(float64(count))
}

// RecordPublishLatency はバッチフラッシュのレイテンシを記録する。
func (c *Collector) RecordPublishLatency(duration time.Duration) {
	c.publishLatency.Observe(duration.Seconds())
}

// RecordCardSent はモデレーションカードの送信を記録する。
func (c *Collector) RecordCardSent() {
	c.cardsSent.Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
