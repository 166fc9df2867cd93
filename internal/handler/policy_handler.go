package handler

import (
	"io"
	"log/slog"
	"net/http"

	"gopkg.in/yaml.v3"

	"github.com/hitoshi/digestman/internal/middleware"
	"github.com/hitoshi/digestman/internal/model"
	"github.com/hitoshi/digestman/internal/policy"
)

// maxPolicyBodySize はポリシー文書の最大サイズ（1MB）。
const maxPolicyBodySize = 1 << 20

// PolicyStoreInterface はポリシーハンドラーが必要とするローダーのインターフェース。
type PolicyStoreInterface interface {
	// Snapshot は現在のポリシー文書を返す。
	Snapshot() *policy.Document
	// Save は文書を永続化しスナップショットを更新する。
	Save(doc *policy.Document) error
}

// PolicyHandler はポリシー文書のHTTPハンドラー。
// ポリシーはファイルと同じYAML形式で読み書きする。
type PolicyHandler struct {
	store  PolicyStoreInterface
	logger *slog.Logger
}

// NewPolicyHandler はPolicyHandlerを生成する。
func NewPolicyHandler(store PolicyStoreInterface, logger *slog.Logger) *PolicyHandler {
	return &PolicyHandler{store: store, logger: logger}
}

// Get は現在のポリシー文書をYAMLで返す。
// GET /api/policy
func (h *PolicyHandler) Get(w http.ResponseWriter, r *http.Request) {
	raw, err := yaml.Marshal(h.store.Snapshot())
	if err != nil {
		h.logger.Error("ポリシー文書のシリアライズに失敗しました", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	w.Header().Set("Content-Type", "application/yaml")
	w.Write(raw)
}

// Update はポリシー文書を検証して差し替える。
// PUT /api/policy
//
// 不正な文書は400で拒否し、現行スナップショットは変更されない。
func (h *PolicyHandler) Update(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxPolicyBodySize))
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("リクエストボディの読み込みに失敗しました"))
		return
	}

	var doc policy.Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidPolicyError(err.Error()))
		return
	}
	if err := doc.Validate(); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidPolicyError(err.Error()))
		return
	}

	if err := h.store.Save(&doc); err != nil {
		h.logger.Error("ポリシー文書の保存に失敗しました", slog.String("error", err.Error()))
		middleware.WriteErrorResponse(w, http.StatusInternalServerError, model.NewPersistenceFailedError())
		return
	}

	h.logger.Info("ポリシー文書を更新しました", slog.Int("version", doc.Version))

	out, err := yaml.Marshal(&doc)
	if err != nil {
		middleware.WriteInternalServerError(w)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.Write(out)
}
