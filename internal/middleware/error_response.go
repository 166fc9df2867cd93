package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/hitoshi/digestman/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// 全エンドポイントがこの形でエラーを返す。categoryは原因の分類、
// actionは呼び出し側への対処方法を表す。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// internalServerError は詳細を隠した内部エラーの定型レスポンス。
var internalServerError = &model.APIError{
	Code:     "INTERNAL_ERROR",
	Message:  "内部エラーが発生しました。",
	Category: "system",
	Action:   "しばらく待ってから再度お試しください。",
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// WriteInternalServerError は500の定型レスポンスを書き込む。
// エラーの詳細はログのみに記録し、レスポンスには含めない。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, internalServerError)
}
