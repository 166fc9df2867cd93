package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// counterValue は指定メトリクスのカウンタ値を取り出す。
func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	metrics, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() == name {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	t.Fatalf("%s metric not found", name)
	return 0
}

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	if c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// TestRecordIngested_IncrementsCounter は取り込みカウンタが増加することを検証する。
func TestRecordIngested_IncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordIngested()
	c.RecordIngested()

	if val := counterValue(t, reg, "digestman_ingested_total"); val != 2 {
		t.Errorf("ingested_total = %v, want 2", val)
	}
}

// TestRecordDropped_IncrementsCounterWithLabel は破棄カウンタが理由ラベル付きで増加することを検証する。
func TestRecordDropped_IncrementsCounterWithLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordDropped("duplicate")
	c.RecordDropped("duplicate")
	c.RecordDropped("ad")

	metrics, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	found := false
	for _, mf := range metrics {
		if mf.GetName() == "digestman_dropped_total" {
			found = true
			if len(mf.GetMetric()) != 2 {
				t.Fatalf("expected 2 label combinations, got %d", len(mf.GetMetric()))
			}
			for _, m := range mf.GetMetric() {
				label := m.GetLabel()[0].GetValue()
				val := m.GetCounter().GetValue()
				switch label {
				case "duplicate":
					if val != 2 {
						t.Errorf("dropped_total{reason=duplicate} = %v, want 2", val)
					}
				case "ad":
					if val != 1 {
						t.Errorf("dropped_total{reason=ad} = %v, want 1", val)
					}
				default:
					t.Errorf("unexpected label value: %s", label)
				}
			}
		}
	}
	if !found {
		t.Error("digestman_dropped_total metric not found")
	}
}

// TestRecordDecision_IncrementsCounterWithLabel は判定カウンタがアクション別に増加することを検証する。
func TestRecordDecision_IncrementsCounterWithLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordDecision("AUTO_PUBLISH")
	c.RecordDecision("SEND_TO_MOD")
	c.RecordDecision("SEND_TO_MOD")

	metrics, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	for _, mf := range metrics {
		if mf.GetName() != "digestman_decisions_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			label := m.GetLabel()[0].GetValue()
			val := m.GetCounter().GetValue()
			if label == "SEND_TO_MOD" && val != 2 {
				t.Errorf("decisions_total{action=SEND_TO_MOD} = %v, want 2", val)
			}
			if label == "AUTO_PUBLISH" && val != 1 {
				t.Errorf("decisions_total{action=AUTO_PUBLISH} = %v, want 1", val)
			}
		}
	}
}

// TestRecordPublished_AddsCount は公開カウンタがバッチ件数分増加することを検証する。
func TestRecordPublished_AddsCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordPublished(10)
	c.RecordPublished(5)

	if val := counterValue(t, reg, "digestman_published_total"); val != 15 {
		t.Errorf("published_total = %v, want 15", val)
	}
}

// TestRecordPublishLatency_ObservesHistogram はフラッシュレイテンシのヒストグラムに値が記録されることを検証する。
func TestRecordPublishLatency_ObservesHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordPublishLatency(100 * time.Millisecond)
	c.RecordPublishLatency(2 * time.Second)

	metrics, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	found := false
	for _, mf := range metrics {
		if mf.GetName() == "digestman_publish_latency_seconds" {
			found = true
			h := mf.GetMetric()[0].GetHistogram()
			if h.GetSampleCount() != 2 {
				t.Errorf("sample_count = %d, want 2", h.GetSampleCount())
			}
			// 合計は0.1 + 2.0 = 2.1秒
			if h.GetSampleSum() < 2.0 || h.GetSampleSum() > 2.2 {
				t.Errorf("sample_sum = %v, want ~2.1", h.GetSampleSum())
			}
		}
	}
	if !found {
		t.Error("digestman_publish_latency_seconds metric not found")
	}
}

// TestMetricsHandler_ReturnsPrometheusFormat は/metricsエンドポイントがPrometheus形式で返すことを検証する。
func TestMetricsHandler_ReturnsPrometheusFormat(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordIngested()
	c.RecordDropped("duplicate")
	c.RecordClassified("NEWS")
	c.RecordDecision("DEBOUNCE")
	c.RecordStoreOp("approve")
	c.RecordPublished(3)
	c.RecordPublishLatency(500 * time.Millisecond)
	c.RecordCardSent()

	handler := Handler(reg)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	body, _ := io.ReadAll(resp.Body)
	bodyStr := string(body)

	expectedMetrics := []string{
		"digestman_ingested_total",
		"digestman_dropped_total",
		"digestman_classified_total",
		"digestman_decisions_total",
		"digestman_store_ops_total",
		"digestman_published_total",
		"digestman_publish_latency_seconds",
		"digestman_cards_sent_total",
	}

	for _, metric := range expectedMetrics {
		if !strings.Contains(bodyStr, metric) {
			t.Errorf("response body does not contain %q", metric)
		}
	}
}

// TestCollector_ImplementsMetricsCollectorInterface はCollectorがMetricsCollectorインターフェースを実装することを検証する。
func TestCollector_ImplementsMetricsCollectorInterface(t *testing.T) {
	reg := prometheus.NewRegistry()
	var _ MetricsCollector = NewCollector(reg)
}

// TestMultipleCollectors_IndependentRegistries は異なるレジストリで独立に動作することを検証する。
func TestMultipleCollectors_IndependentRegistries(t *testing.T) {
	reg1 := prometheus.NewRegistry()
	reg2 := prometheus.NewRegistry()
	c1 := NewCollector(reg1)
	c2 := NewCollector(reg2)

	c1.RecordIngested()
	c2.RecordIngested()
	c2.RecordIngested()

	if val := counterValue(t, reg1, "digestman_ingested_total"); val != 1 {
		t.Errorf("reg1 ingested = %v, want 1", val)
	}
	if val := counterValue(t, reg2, "digestman_ingested_total"); val != 2 {
		t.Errorf("reg2 ingested = %v, want 2", val)
	}
}
