package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/digestman/internal/model"
)

// --- モック定義 ---

// mockPipeline はIngestPipelineのモック実装。
type mockPipeline struct {
	submitFn func(raw *model.RawItem)
	received []*model.RawItem
}

func (m *mockPipeline) Submit(raw *model.RawItem) {
	m.received = append(m.received, raw)
	if m.submitFn != nil {
		m.submitFn(raw)
	}
}

// --- テストヘルパー ---

// withChiURLParam はテスト用にchiのURLパラメータを注入するヘルパー。
func withChiURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	ctx := context.WithValue(r.Context(), chi.RouteCtxKey, rctx)
	return r.WithContext(ctx)
}

// parseAPIErrorResponse はレスポンスボディからAPIErrorレスポンスをパースするヘルパー。
func parseAPIErrorResponse(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var result map[string]string
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return result
}

// --- Submit ---

func TestIngestSubmit(t *testing.T) {
	t.Run("正常なアイテムを202で受け付ける", func(t *testing.T) {
		pipeline := &mockPipeline{}
		h := NewIngestHandler(pipeline)

		body := `{
			"source_id": "channel-1",
			"source_name": "Новости",
			"message_id": "42",
			"text": "速報テキスト",
			"tags": ["economy"],
			"metadata": {"views": 100}
		}`
		req := httptest.NewRequest(http.MethodPost, "/api/items", strings.NewReader(body))
		w := httptest.NewRecorder()

		h.Submit(w, req)

		if w.Code != http.StatusAccepted {
			t.Errorf("status = %d, want %d", w.Code, http.StatusAccepted)
		}
		if len(pipeline.received) != 1 {
			t.Fatalf("received = %d items, want 1", len(pipeline.received))
		}
		raw := pipeline.received[0]
		if raw.SourceID != "channel-1" || raw.MessageID != "42" {
			t.Errorf("raw = %+v, want source channel-1 message 42", raw)
		}
		if raw.Metadata.Views != 100 {
			t.Errorf("Views = %d, want 100", raw.Metadata.Views)
		}
		if raw.Timestamp.IsZero() {
			t.Error("省略されたtimestampが補完されていない")
		}

		var resp ingestResponse
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if !resp.Accepted {
			t.Error("accepted = false, want true")
		}
		if resp.DedupKey != "channel-1:42" {
			t.Errorf("dedup_key = %q, want %q", resp.DedupKey, "channel-1:42")
		}
	})

	t.Run("グループ投稿はグループキーを返す", func(t *testing.T) {
		pipeline := &mockPipeline{}
		h := NewIngestHandler(pipeline)

		body := `{"source_id": "ch", "message_id": "1", "group_id": "album-9", "text": "part"}`
		req := httptest.NewRequest(http.MethodPost, "/api/items", strings.NewReader(body))
		w := httptest.NewRecorder()

		h.Submit(w, req)

		var resp ingestResponse
		json.NewDecoder(w.Body).Decode(&resp)
		if resp.DedupKey != "g:ch:album-9" {
			t.Errorf("dedup_key = %q, want %q", resp.DedupKey, "g:ch:album-9")
		}
	})

	t.Run("メディアのみのアイテムも受け付ける", func(t *testing.T) {
		pipeline := &mockPipeline{}
		h := NewIngestHandler(pipeline)

		body := `{"source_id": "ch", "message_id": "2", "media": {"type": "photo", "caption": "写真"}}`
		req := httptest.NewRequest(http.MethodPost, "/api/items", strings.NewReader(body))
		w := httptest.NewRecorder()

		h.Submit(w, req)

		if w.Code != http.StatusAccepted {
			t.Errorf("status = %d, want %d", w.Code, http.StatusAccepted)
		}
	})

	t.Run("不正なJSONは400を返す", func(t *testing.T) {
		pipeline := &mockPipeline{}
		h := NewIngestHandler(pipeline)

		req := httptest.NewRequest(http.MethodPost, "/api/items", strings.NewReader("{not json"))
		w := httptest.NewRecorder()

		h.Submit(w, req)

		if w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
		}
		resp := parseAPIErrorResponse(t, w)
		if resp["code"] != model.ErrCodeInvalidRequest {
			t.Errorf("code = %q, want %q", resp["code"], model.ErrCodeInvalidRequest)
		}
	})

	t.Run("source_id欠落は422を返す", func(t *testing.T) {
		pipeline := &mockPipeline{}
		h := NewIngestHandler(pipeline)

		body := `{"message_id": "1", "text": "no source"}`
		req := httptest.NewRequest(http.MethodPost, "/api/items", strings.NewReader(body))
		w := httptest.NewRecorder()

		h.Submit(w, req)

		if w.Code != http.StatusUnprocessableEntity {
			t.Errorf("status = %d, want %d", w.Code, http.StatusUnprocessableEntity)
		}
		resp := parseAPIErrorResponse(t, w)
		if resp["code"] != model.ErrCodeInvalidItem {
			t.Errorf("code = %q, want %q", resp["code"], model.ErrCodeInvalidItem)
		}
		if len(pipeline.received) != 0 {
			t.Error("不正なアイテムがパイプラインへ渡された")
		}
	})

	t.Run("本文もメディアもないアイテムは422を返す", func(t *testing.T) {
		pipeline := &mockPipeline{}
		h := NewIngestHandler(pipeline)

		body := `{"source_id": "ch", "message_id": "3"}`
		req := httptest.NewRequest(http.MethodPost, "/api/items", strings.NewReader(body))
		w := httptest.NewRecorder()

		h.Submit(w, req)

		if w.Code != http.StatusUnprocessableEntity {
			t.Errorf("status = %d, want %d", w.Code, http.StatusUnprocessableEntity)
		}
	})

	t.Run("指定されたtimestampは保持される", func(t *testing.T) {
		pipeline := &mockPipeline{}
		h := NewIngestHandler(pipeline)

		ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
		payload, _ := json.Marshal(ingestRequest{
			SourceID:  "ch",
			MessageID: "4",
			Text:      "dated",
			Timestamp: ts,
		})
		req := httptest.NewRequest(http.MethodPost, "/api/items", bytes.NewReader(payload))
		w := httptest.NewRecorder()

		h.Submit(w, req)

		if got := pipeline.received[0].Timestamp; !got.Equal(ts) {
			t.Errorf("Timestamp = %v, want %v", got, ts)
		}
	})
}
