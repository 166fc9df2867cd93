// Package notify はモデレーションカードの編集者への送達を実装する。
// Bot APIスタイルのHTTPエンドポイントへ、承認・却下の操作ボタンを
// 付けたカードを送信する。送達はベストエフォートであり、
// 失敗してもレコードはPENDINGに残るため判断の機会は失われない。
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/hitoshi/digestman/internal/model"
)

const cardTextLimit = 1000

// Notifier はモデレーションカードを編集者チャンネルへ送信する。
// 送信はレートリミッタで平滑化され、バースト的な取り込みでも
// 通知先のレート制限に収まるよう1件ずつ送られる。
type Notifier struct {
	url       string
	channelID string
	client    *http.Client
	limiter   *rate.Limiter
	logger    *slog.Logger
}

// New はNotifierを生成する。perSecondは1秒あたりの送信上限。
func New(url, channelID string, timeout time.Duration, perSecond float64, logger *slog.Logger) *Notifier {
	return &Notifier{
		url:       url,
		channelID: channelID,
		client:    &http.Client{Timeout: timeout},
		limiter:   rate.NewLimiter(rate.Limit(perSecond), 1),
		logger:    logger,
	}
}

type cardButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

type cardPayload struct {
	ChatID              string         `json:"chat_id"`
	CardID              string         `json:"card_id"`
	Text                string         `json:"text"`
	DisableNotification bool           `json:"disable_notification"`
	ReplyMarkup         [][]cardButton `json:"reply_markup,omitempty"`
}

// SendCard はアイテムのモデレーションカードを送信する。
// Silentの場合は通知音なしで送られる。
func (n *Notifier) SendCard(ctx context.Context, item *model.ContentItem, ed model.EditorNotify) error {
	if n.url == "" || n.channelID == "" {
		n.logger.Warn("通知先が未設定のためカード送信をスキップします",
			slog.String("record_id", item.RecordID),
		)
		return nil
	}

	if err := n.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("送信レート待機が中断されました: %w", err)
	}

	payload := cardPayload{
		ChatID:              n.channelID,
		CardID:              uuid.NewString(),
		Text:                cardText(item, ed),
		DisableNotification: ed.Silent,
		ReplyMarkup:         cardButtons(item, ed),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("カードのシリアライズに失敗: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("カードリクエストの作成に失敗: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("通知サービスへの接続に失敗: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("通知サービスが異常応答: status=%d", resp.StatusCode)
	}

	n.logger.Info("モデレーションカードを送信しました",
		slog.String("record_id", item.RecordID),
		slog.String("card_status", ed.CardStatus),
		slog.Bool("silent", ed.Silent),
	)
	return nil
}

// cardText はカード本文を整形する。
// ソース名・状態・本文抜粋に加え、取り消し可能な場合は期限を示す。
func cardText(item *model.ContentItem, ed model.EditorNotify) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s\n", ed.CardStatus, item.SourceName)
	if url := item.MessageURL(); url != "" {
		fmt.Fprintf(&b, "%s\n", url)
	}
	if ed.UndoDeadline != nil {
		fmt.Fprintf(&b, "取り消し期限: %s\n", ed.UndoDeadline.Format(time.RFC3339))
	}
	b.WriteString("\n")
	b.WriteString(truncateRunes(item.BodyText(), cardTextLimit))
	return b.String()
}

// cardButtons はカードの操作ボタンを組み立てる。
// 自動承認済みカードは取り消しのみ、審査待ちカードは承認と却下の両方。
func cardButtons(item *model.ContentItem, ed model.EditorNotify) [][]cardButton {
	reject := cardButton{
		Text:         "却下",
		CallbackData: "reject:" + item.RecordID,
	}
	if ed.CardStatus == model.CardAutoApproved {
		return [][]cardButton{{reject}}
	}
	approve := cardButton{
		Text:         "承認",
		CallbackData: "approve:" + item.RecordID,
	}
	return [][]cardButton{{approve, reject}}
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
