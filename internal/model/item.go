// Package model はドメインモデルを定義する。
package model

import (
	"fmt"
	"strings"
	"time"
)

// Status はContentItemのモデレーション状態を表す。
// PENDING → APPROVED → PUBLISHED と単調に遷移し、
// REJECTEDのみPENDING/APPROVEDのどちらからでも到達できる終端状態（取り消し経路）。
type Status string

const (
	// StatusPending はモデレーション待ちの状態。
	StatusPending Status = "pending"
	// StatusApproved は承認済みでダイジェスト公開待ちの状態。
	StatusApproved Status = "approved"
	// StatusRejected は却下された終端状態。レコードはストアから削除される。
	StatusRejected Status = "rejected"
	// StatusPublished はダイジェストとして公開済みの終端状態。
	StatusPublished Status = "published"
)

// MediaDescriptor は添付メディアの概要を表す。
// メディア本体は扱わず、種別とキャプションのみ保持する。
type MediaDescriptor struct {
	Type    string `json:"type"`
	Caption string `json:"caption,omitempty"`
}

// Engagement はソースプラットフォーム側の反応指標を表す。
type Engagement struct {
	Views    int `json:"views,omitempty"`
	Forwards int `json:"forwards,omitempty"`
}

// Moderation はモデレーション判定の記録を表す。
type Moderation struct {
	Class        string `json:"class"`
	AutoApproved bool   `json:"auto_approved"`
	Action       Action `json:"action"`
}

// RawItem はソースアダプタから届く未処理の受信イベントを表す。
// IngestServiceがContentItemへ変換する。
type RawItem struct {
	SourceID     string
	SourceName   string
	SourceHandle string
	MessageID    string
	GroupID      string
	Text         string
	Tags         []string
	Media        *MediaDescriptor
	Timestamp    time.Time
	Metadata     Engagement
}

// DedupKey は再配送検出用の安定キーを返す。
// グループ投稿（アルバム）はグループIDで束ねる。
func (r *RawItem) DedupKey() string {
	if r.GroupID != "" {
		return fmt.Sprintf("g:%s:%s", r.SourceID, r.GroupID)
	}
	return fmt.Sprintf("%s:%s", r.SourceID, r.MessageID)
}

// ContentItem は取り込み済みコンテンツの1単位を表す。
// ストアにはレコードIDをファイル名とするJSONドキュメントとして永続化される。
type ContentItem struct {
	RecordID     string           `json:"record_id"`
	DedupKey     string           `json:"dedup_key"`
	SourceID     string           `json:"source_id"`
	SourceName   string           `json:"source_name"`
	SourceHandle string           `json:"source_handle,omitempty"`
	MessageID    string           `json:"message_id"`
	GroupID      string           `json:"group_id,omitempty"`
	Text         string           `json:"text"`
	Tags         []string         `json:"tags,omitempty"`
	Media        *MediaDescriptor `json:"media,omitempty"`
	Timestamp    time.Time        `json:"timestamp"`
	Metadata     Engagement       `json:"metadata"`
	Status       Status           `json:"status"`
	Moderation   *Moderation      `json:"moderation,omitempty"`
}

// BodyText は本文テキストを返す。本文が空の場合はメディアキャプションで代替する。
func (c *ContentItem) BodyText() string {
	if strings.TrimSpace(c.Text) != "" {
		return c.Text
	}
	if c.Media != nil {
		return c.Media.Caption
	}
	return ""
}

// MessageURL はレコードの元投稿URLを導出する。
// 公開ハンドルがある場合はハンドル形式、なければ内部ID形式で構築する。
// どちらも構築できない場合は空文字を返す。
func (c *ContentItem) MessageURL() string {
	if c.MessageID == "" {
		return ""
	}
	if c.SourceHandle != "" {
		return fmt.Sprintf("https://t.me/%s/%s", c.SourceHandle, c.MessageID)
	}
	if c.SourceID != "" {
		return fmt.Sprintf("https://t.me/c/%s/%s", shortSourceID(c.SourceID), c.MessageID)
	}
	return ""
}

// shortSourceID はチャンネル内部IDを公開リンク用の短縮形に変換する。
// 負符号を除去し、スーパーグループ接頭辞（100 + 13桁）の場合は接頭辞分を差し引く。
func shortSourceID(id string) string {
	s := strings.TrimPrefix(id, "-")
	if strings.HasPrefix(s, "100") && len(s) == 13 {
		return s[3:]
	}
	return s
}

// Class はClassifierが返す粗い分類を表す。
type Class string

const (
	// ClassNews は速報性のあるニュース系コンテンツ。
	ClassNews Class = "NEWS"
	// ClassExpert は解説・意見などのエキスパート系コンテンツ。
	ClassExpert Class = "EXPERT"
)

// Classification はClassifierAdapterの出力を表す。
type Classification struct {
	Class      Class
	Topic      string
	Confidence float64
}
