package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/hitoshi/digestman/internal/middleware"
	"github.com/hitoshi/digestman/internal/model"
)

// IngestPipeline は受信ハンドラーが必要とするパイプラインのインターフェース。
type IngestPipeline interface {
	// Submit は受信アイテムを取り込みパイプラインに渡す。
	// 重複排除・ルーティングは非同期に行われる。
	Submit(raw *model.RawItem)
}

// IngestHandler は受信アイテムのHTTPハンドラー。
type IngestHandler struct {
	pipeline IngestPipeline
}

// NewIngestHandler はIngestHandlerを生成する。
func NewIngestHandler(pipeline IngestPipeline) *IngestHandler {
	return &IngestHandler{pipeline: pipeline}
}

// ingestRequest は受信アイテムのリクエストボディ。
type ingestRequest struct {
	SourceID     string                 `json:"source_id"`
	SourceName   string                 `json:"source_name"`
	SourceHandle string                 `json:"source_handle,omitempty"`
	MessageID    string                 `json:"message_id"`
	GroupID      string                 `json:"group_id,omitempty"`
	Text         string                 `json:"text"`
	Tags         []string               `json:"tags,omitempty"`
	Media        *model.MediaDescriptor `json:"media,omitempty"`
	Timestamp    time.Time              `json:"timestamp,omitempty"`
	Metadata     model.Engagement       `json:"metadata,omitempty"`
}

// ingestResponse は受付完了のレスポンス。
type ingestResponse struct {
	Accepted bool   `json:"accepted"`
	DedupKey string `json:"dedup_key"`
}

// Submit は受信アイテムをパイプラインへ受け付ける。
// POST /api/items
//
// 受付のみで202を返す。重複やフィルタによる破棄は後段で行われるため
// レスポンスには反映されない。
func (h *IngestHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("JSONのパースに失敗しました"))
		return
	}

	if req.SourceID == "" || req.MessageID == "" {
		middleware.WriteErrorResponse(w, http.StatusUnprocessableEntity, model.NewInvalidItemError("source_idとmessage_idは必須です"))
		return
	}
	if req.Text == "" && req.Media == nil {
		middleware.WriteErrorResponse(w, http.StatusUnprocessableEntity, model.NewInvalidItemError("本文またはメディアが必要です"))
		return
	}

	ts := req.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	raw := &model.RawItem{
		SourceID:     req.SourceID,
		SourceName:   req.SourceName,
		SourceHandle: req.SourceHandle,
		MessageID:    req.MessageID,
		GroupID:      req.GroupID,
		Text:         req.Text,
		Tags:         req.Tags,
		Media:        req.Media,
		Timestamp:    ts,
		Metadata:     req.Metadata,
	}
	h.pipeline.Submit(raw)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(ingestResponse{
		Accepted: true,
		DedupKey: raw.DedupKey(),
	})
}
