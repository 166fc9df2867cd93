package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/digestman/internal/middleware"
	"github.com/hitoshi/digestman/internal/model"
	"github.com/hitoshi/digestman/internal/source"
)

// SourceManagerInterface は購読ソース管理のインターフェース。
type SourceManagerInterface interface {
	// Join はフィードURLを購読リストへ追加する。
	Join(rawURL string) (*source.Subscription, error)
	// Leave は購読を解除する。未登録ならfalse。
	Leave(id string) bool
	// ListSources は全購読を返す。
	ListSources() []*source.Subscription
}

// SourceHandler は購読ソース管理のHTTPハンドラー。
type SourceHandler struct {
	manager SourceManagerInterface
}

// NewSourceHandler はSourceHandlerを生成する。
func NewSourceHandler(manager SourceManagerInterface) *SourceHandler {
	return &SourceHandler{manager: manager}
}

// joinRequest は購読追加リクエストのボディ。
type joinRequest struct {
	URL string `json:"url"`
}

// sourceListResponse は購読一覧のレスポンス。
type sourceListResponse struct {
	Sources []*source.Subscription `json:"sources"`
}

// Join は新しいフィードURLを購読する。
// POST /api/sources
func (h *SourceHandler) Join(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("JSONのパースに失敗しました"))
		return
	}
	if req.URL == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("urlは必須です"))
		return
	}

	sub, err := h.manager.Join(req.URL)
	if err != nil {
		var apiErr *model.APIError
		if errors.As(err, &apiErr) {
			middleware.WriteErrorResponse(w, http.StatusUnprocessableEntity, apiErr)
			return
		}
		middleware.WriteInternalServerError(w)
		return
	}

	writeJSONResponse(w, http.StatusCreated, sub)
}

// Leave は購読を解除する。
// DELETE /api/sources/{id}
func (h *SourceHandler) Leave(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.manager.Leave(id) {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewRecordNotFoundError(id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// List は購読一覧を返す。
// GET /api/sources
func (h *SourceHandler) List(w http.ResponseWriter, r *http.Request) {
	subs := h.manager.ListSources()
	if subs == nil {
		subs = []*source.Subscription{}
	}
	writeJSONResponse(w, http.StatusOK, sourceListResponse{Sources: subs})
}
