// Package model はドメインモデルを定義する。
package model

import "time"

// Action はポリシーエンジンが選択したルーティング動作を表す。
type Action string

const (
	// ActionAutoPublish はクラスタをマージして即時公開する。
	ActionAutoPublish Action = "AUTO_PUBLISH"
	// ActionDebounce は承認キューへ入れ、デバウンス後にバッチ公開する。
	ActionDebounce Action = "DEBOUNCE"
	// ActionSendToMod はモデレーションキューへ入れ、人間の判断を待つ。
	ActionSendToMod Action = "SEND_TO_MOD"
	// ActionQueueDigest は承認キューへ入れ、定時ダイジェストに含める。
	ActionQueueDigest Action = "QUEUE_DIGEST"
	// ActionReject はハードドロップタグにより即時破棄する。
	ActionReject Action = "REJECT"
)

// カード状態。編集者通知に表示するステータスラベル。
const (
	CardPendingReview = "PENDING_REVIEW"
	CardAutoApproved  = "AUTOAPPROVED"
	CardAutoQueued    = "AUTOQUEUED"
)

// EditorNotify は編集者への通知指示を表す。
// Silentは「クワイエットアワー中かつサイレント通知設定」の場合のみtrueになる。
type EditorNotify struct {
	Send         bool
	Silent       bool
	CardStatus   string
	UndoDeadline *time.Time
}

// PublishPlan は即時公開時のクラスタマージ計画を表す。
// Primaryはスコア最大のクラスタメンバーのレコードID。
type PublishPlan struct {
	When         string
	Channel      string
	Primary      string
	MergeSources []string
}

// DigestPlan はダイジェスト組み込み時の計画を表す。
type DigestPlan struct {
	Topic string
}

// Decision はポリシーエンジンの出力。
// ルーティング動作・編集者通知・公開/ダイジェスト計画をまとめる。
type Decision struct {
	RecordID     string
	ClusterID    string
	Class        Class
	Action       Action
	EditorNotify EditorNotify
	PublishPlan  *PublishPlan
	DigestPlan   *DigestPlan
}
