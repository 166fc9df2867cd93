package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/digestman/internal/middleware"
	"github.com/hitoshi/digestman/internal/model"
	"github.com/hitoshi/digestman/internal/policy"
)

// ModerationStoreInterface はモデレーションハンドラーが必要とするストアのインターフェース。
type ModerationStoreInterface interface {
	// Approve はレコードを承認キューへ移動する。レコード不在は(false, nil)。
	Approve(recordID string) (bool, error)
	// Reject はレコードを削除する。レコード不在は(false, nil)。
	Reject(recordID string) (bool, error)
}

// DigestScheduler はダイジェスト公開タイマーのインターフェース。
type DigestScheduler interface {
	// Schedule はキーに対する公開タイマーを設定する。既存タイマーはリセットされる。
	Schedule(key string, delay time.Duration)
	// Flush はタイマーを待たずに即時公開を実行する。
	Flush(key string)
	// DueAt はキーの公開予定時刻を返す。タイマー未設定ならfalse。
	DueAt(key string) (time.Time, bool)
}

// PolicySnapshotProvider は現在のポリシー文書を返すインターフェース。
type PolicySnapshotProvider interface {
	Snapshot() *policy.Document
}

// ModerationHandler はモデレーション操作のHTTPハンドラー。
// 承認・却下は冪等で、二重クリックによる再送は404として扱われる。
type ModerationHandler struct {
	store     ModerationStoreInterface
	scheduler DigestScheduler
	policies  PolicySnapshotProvider
	channel   string
	logger    *slog.Logger
}

// NewModerationHandler はModerationHandlerを生成する。
func NewModerationHandler(store ModerationStoreInterface, scheduler DigestScheduler, policies PolicySnapshotProvider, channel string, logger *slog.Logger) *ModerationHandler {
	return &ModerationHandler{
		store:     store,
		scheduler: scheduler,
		policies:  policies,
		channel:   channel,
		logger:    logger,
	}
}

// moderationResponse はモデレーション操作のレスポンス。
type moderationResponse struct {
	RecordID string     `json:"record_id"`
	Status   string     `json:"status"`
	DueAt    *time.Time `json:"due_at,omitempty"`
}

// Approve はレコードを承認し、公開タイマーを設定する。
// POST /api/moderation/{record_id}/approve
func (h *ModerationHandler) Approve(w http.ResponseWriter, r *http.Request) {
	recordID := chi.URLParam(r, "record_id")

	moved, err := h.store.Approve(recordID)
	if err != nil {
		var perr *model.PersistenceError
		if errors.As(err, &perr) {
			h.logger.Error("承認操作の永続化に失敗しました",
				slog.String("record_id", recordID),
				slog.String("error", err.Error()),
			)
			middleware.WriteErrorResponse(w, http.StatusInternalServerError, model.NewPersistenceFailedError())
			return
		}
		middleware.WriteInternalServerError(w)
		return
	}
	if !moved {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewRecordNotFoundError(recordID))
		return
	}

	// 承認のたびにタイマーをリセットする。承認が続く間は公開が後ろ倒しになり、
	// 途切れてから1ウィンドウ分でまとめて公開される。
	h.scheduler.Schedule(h.channel, h.debounceWindow())
	due, _ := h.scheduler.DueAt(h.channel)

	writeJSONResponse(w, http.StatusOK, moderationResponse{
		RecordID: recordID,
		Status:   string(model.StatusApproved),
		DueAt:    &due,
	})
}

// Reject はレコードを却下して削除する。
// POST /api/moderation/{record_id}/reject
func (h *ModerationHandler) Reject(w http.ResponseWriter, r *http.Request) {
	recordID := chi.URLParam(r, "record_id")

	removed, err := h.store.Reject(recordID)
	if err != nil {
		var perr *model.PersistenceError
		if errors.As(err, &perr) {
			h.logger.Error("却下操作の永続化に失敗しました",
				slog.String("record_id", recordID),
				slog.String("error", err.Error()),
			)
			middleware.WriteErrorResponse(w, http.StatusInternalServerError, model.NewPersistenceFailedError())
			return
		}
		middleware.WriteInternalServerError(w)
		return
	}
	if !removed {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewRecordNotFoundError(recordID))
		return
	}

	writeJSONResponse(w, http.StatusOK, moderationResponse{
		RecordID: recordID,
		Status:   string(model.StatusRejected),
	})
}

// debounceWindow はnewsクラスのデバウンスウィンドウを返す。
func (h *ModerationHandler) debounceWindow() time.Duration {
	sec := h.policies.Snapshot().Policy.News.DebounceWindowSec
	if sec <= 0 {
		return time.Second
	}
	return time.Duration(sec) * time.Second
}

// writeJSONResponse はJSONレスポンスを書き込む共通ヘルパー。
func writeJSONResponse(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}
