package handler

import (
	"net/http"
	"os"
	"time"
)

// QueueInspector はヘルスチェックが必要とするストアのインターフェース。
type QueueInspector interface {
	// CountPending はモデレーション待ち件数を返す。
	CountPending() int
	// CountApproved は公開待ち件数を返す。
	CountApproved() int
	// Dirs はキューのディレクトリパスを返す。
	Dirs() (pending, approved string)
}

// HealthHandler はヘルスチェックのHTTPハンドラー。
type HealthHandler struct {
	store     QueueInspector
	scheduler DigestScheduler
	channel   string
	startedAt time.Time
}

// NewHealthHandler はHealthHandlerを生成する。
func NewHealthHandler(store QueueInspector, scheduler DigestScheduler, channel string) *HealthHandler {
	return &HealthHandler{
		store:     store,
		scheduler: scheduler,
		channel:   channel,
		startedAt: time.Now(),
	}
}

// healthResponse は/healthのレスポンス。
type healthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

// readyResponse は/readyのレスポンス。
type readyResponse struct {
	Ready         bool       `json:"ready"`
	PendingCount  int        `json:"pending_count"`
	ApprovedCount int        `json:"approved_count"`
	NextPublishAt *time.Time `json:"next_publish_at,omitempty"`
	Reason        string     `json:"reason,omitempty"`
}

// Health はプロセスの生存確認。
// GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, healthResponse{
		Status: "ok",
		Uptime: time.Since(h.startedAt).Round(time.Second).String(),
	})
}

// Ready はキューのディレクトリにアクセスできるかを確認する。
// GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	resp := readyResponse{
		Ready:         true,
		PendingCount:  h.store.CountPending(),
		ApprovedCount: h.store.CountApproved(),
	}

	pending, approved := h.store.Dirs()
	for _, dir := range []string{pending, approved} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			resp.Ready = false
			resp.Reason = "キューディレクトリにアクセスできません: " + dir
			break
		}
	}

	if due, ok := h.scheduler.DueAt(h.channel); ok {
		resp.NextPublishAt = &due
	}

	statusCode := http.StatusOK
	if !resp.Ready {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, statusCode, resp)
}
