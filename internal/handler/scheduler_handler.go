package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/hitoshi/digestman/internal/middleware"
	"github.com/hitoshi/digestman/internal/model"
)

// SchedulerHandler は公開タイマー操作のHTTPハンドラー。
type SchedulerHandler struct {
	scheduler DigestScheduler
	policies  PolicySnapshotProvider
	channel   string
}

// NewSchedulerHandler はSchedulerHandlerを生成する。
func NewSchedulerHandler(scheduler DigestScheduler, policies PolicySnapshotProvider, channel string) *SchedulerHandler {
	return &SchedulerHandler{
		scheduler: scheduler,
		policies:  policies,
		channel:   channel,
	}
}

// scheduleRequest はタイマー操作リクエストのボディ。
type scheduleRequest struct {
	// ChannelID は公開先チャンネル。省略時は設定のダイジェストチャンネル。
	ChannelID string `json:"channel_id,omitempty"`
	// WaitSec は公開までの待ち時間。省略時はポリシーのデバウンスウィンドウ。
	WaitSec int `json:"wait_sec,omitempty"`
}

// scheduleResponse はタイマー操作のレスポンス。
type scheduleResponse struct {
	Channel string     `json:"channel"`
	DueAt   *time.Time `json:"due_at,omitempty"`
	Flushed bool       `json:"flushed,omitempty"`
}

// decodeScheduleRequest はボディが空でも許容するリクエストパース。
func (h *SchedulerHandler) decodeScheduleRequest(r *http.Request) (scheduleRequest, bool) {
	var req scheduleRequest
	if r.ContentLength == 0 {
		return req, true
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, false
	}
	return req, true
}

// PublishSoon は公開タイマーを設定する。既存タイマーはリセットされる。
// POST /api/scheduler/publish_soon
func (h *SchedulerHandler) PublishSoon(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeScheduleRequest(r)
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("JSONのパースに失敗しました"))
		return
	}
	if req.WaitSec < 0 {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("wait_secは0以上が必要です"))
		return
	}

	channel := req.ChannelID
	if channel == "" {
		channel = h.channel
	}

	delay := time.Duration(req.WaitSec) * time.Second
	if req.WaitSec == 0 {
		if sec := h.policies.Snapshot().Policy.News.DebounceWindowSec; sec > 0 {
			delay = time.Duration(sec) * time.Second
		} else {
			delay = time.Second
		}
	}

	h.scheduler.Schedule(channel, delay)
	due, _ := h.scheduler.DueAt(channel)

	writeJSONResponse(w, http.StatusOK, scheduleResponse{
		Channel: channel,
		DueAt:   &due,
	})
}

// Flush はタイマーを待たずに即時公開する。
// POST /api/scheduler/flush
func (h *SchedulerHandler) Flush(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeScheduleRequest(r)
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("JSONのパースに失敗しました"))
		return
	}

	channel := req.ChannelID
	if channel == "" {
		channel = h.channel
	}

	h.scheduler.Flush(channel)

	writeJSONResponse(w, http.StatusOK, scheduleResponse{
		Channel: channel,
		Flushed: true,
	})
}
