// Package model はドメインモデルを定義する。
package model

import "fmt"

// PersistenceError はモデレーションストアの書き込み・移動の失敗を表す。
// 呼び出し元（モデレーターのapprove要求など）は操作が反映されなかったことを
// 知る必要があるため、このエラーのみ境界を越えて伝搬させる。
// 失敗時も遷移前の状態は保存されている。
type PersistenceError struct {
	Op  string // 失敗した操作名: enqueue, approve, reject, remove
	Err error
}

// Error はerrorインターフェースを実装する。
func (e *PersistenceError) Error() string {
	return fmt.Sprintf("永続化に失敗しました（%s）: %v", e.Op, e.Err)
}

// Unwrap はラップしたエラーを返す。
func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// NewPersistenceError はPersistenceErrorを生成する。
func NewPersistenceError(op string, err error) *PersistenceError {
	return &PersistenceError{Op: op, Err: err}
}

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, moderation, policy, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidItem     = "INVALID_ITEM"
	ErrCodeRecordNotFound  = "RECORD_NOT_FOUND"
	ErrCodePersistenceFail = "PERSISTENCE_FAILED"
	ErrCodeInvalidPolicy   = "INVALID_POLICY"
	ErrCodeInvalidRequest  = "INVALID_REQUEST"
)

// NewInvalidItemError は受信アイテムが不正な場合のエラーを生成する。
func NewInvalidItemError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidItem,
		Message:  fmt.Sprintf("受信アイテムが不正です: %s", reason),
		Category: "validation",
		Action:   "source_id、message_id、本文またはタグを含むリクエストを送信してください。",
	}
}

// NewRecordNotFoundError はレコード未検出エラーを生成する。
// 二重クリックなど既に処理済みの場合に返される正常系のエラー。
func NewRecordNotFoundError(recordID string) *APIError {
	return &APIError{
		Code:     ErrCodeRecordNotFound,
		Message:  fmt.Sprintf("指定されたレコードが見つかりません: %s", recordID),
		Category: "moderation",
		Action:   "既に処理済みの可能性があります。キューの状態を確認してください。",
	}
}

// NewPersistenceFailedError はストア書き込み失敗のエラーを生成する。
func NewPersistenceFailedError() *APIError {
	return &APIError{
		Code:     ErrCodePersistenceFail,
		Message:  "レコードの永続化に失敗しました。",
		Category: "system",
		Action:   "ディスク容量と書き込み権限を確認し、再度お試しください。",
	}
}

// NewInvalidPolicyError はポリシー文書が不正な場合のエラーを生成する。
func NewInvalidPolicyError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidPolicy,
		Message:  fmt.Sprintf("ポリシー設定が不正です: %s", reason),
		Category: "policy",
		Action:   "YAMLの構文とフィールド名を確認してください。",
	}
}

// NewInvalidRequestError はリクエストボディが不正な場合のエラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "リクエストボディのJSON形式を確認してください。",
	}
}
