// Package digest は承認済みレコードのバッチ公開を実装する。
// ストアから承認済みレコードを読み出し、要約・公開の両方が成功した
// レコードだけをストアから削除する。途中で失敗した場合、レコードは
// APPROVEDに残り、次のフラッシュで再試行される。
package digest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hitoshi/digestman/internal/model"
)

// BatchItem はダイジェスト1項目分の要約入力を表す。
type BatchItem struct {
	Title  string `json:"title"`
	URL    string `json:"url"`
	Text   string `json:"text"`
	Source string `json:"source"`
}

// Summarizer はバッチをダイジェスト本文へ整形する。
type Summarizer interface {
	Summarize(ctx context.Context, items []BatchItem, language string) (string, error)
}

// Publisher はダイジェスト本文をチャンネルへ配信する。
type Publisher interface {
	Publish(ctx context.Context, channel, text string) error
}

// ApprovedStore はBatcherが必要とするストア操作。
type ApprovedStore interface {
	ListApproved(limit int) ([]*model.ContentItem, error)
	Remove(recordIDs []string) int
}

// Batcher は承認済みレコードのフラッシュを実行する。
type Batcher struct {
	store      ApprovedStore
	summarizer Summarizer
	publisher  Publisher
	limit      int
	language   string
	truncate   int
	logger     *slog.Logger
}

// NewBatcher はBatcherを生成する。
func NewBatcher(
	store ApprovedStore,
	summarizer Summarizer,
	publisher Publisher,
	limit int,
	language string,
	truncate int,
	logger *slog.Logger,
) *Batcher {
	return &Batcher{
		store:      store,
		summarizer: summarizer,
		publisher:  publisher,
		limit:      limit,
		language:   language,
		truncate:   truncate,
		logger:     logger,
	}
}

// FlushBatch は承認済みレコードを最大limit件まとめて公開する。
// 公開まで成功したレコードのみ削除し、公開件数を返す。
// 承認済みレコードが存在しない場合は(0, nil)。
func (b *Batcher) FlushBatch(ctx context.Context, channel string) (int, error) {
	items, err := b.store.ListApproved(b.limit)
	if err != nil {
		return 0, fmt.Errorf("承認済みレコードの取得に失敗: %w", err)
	}
	if len(items) == 0 {
		b.logger.Debug("承認済みレコードがないためフラッシュをスキップします",
			slog.String("channel", channel),
		)
		return 0, nil
	}

	batch := make([]BatchItem, 0, len(items))
	ids := make([]string, 0, len(items))
	for _, item := range items {
		batch = append(batch, BatchItem{
			Title:  titleLine(item),
			URL:    item.MessageURL(),
			Text:   truncateRunes(item.BodyText(), b.truncate),
			Source: item.SourceName,
		})
		ids = append(ids, item.RecordID)
	}

	summary, err := b.summarizer.Summarize(ctx, batch, b.language)
	if err != nil {
		return 0, fmt.Errorf("要約に失敗: %w", err)
	}
	if strings.TrimSpace(summary) == "" {
		b.logger.Warn("要約が空のためフラッシュを中断します",
			slog.String("channel", channel),
			slog.Int("items", len(items)),
		)
		return 0, nil
	}

	if err := b.publisher.Publish(ctx, channel, summary); err != nil {
		return 0, fmt.Errorf("ダイジェストの配信に失敗: %w", err)
	}

	removed := b.store.Remove(ids)
	b.logger.Info("ダイジェストを公開しました",
		slog.String("channel", channel),
		slog.Int("published", len(items)),
		slog.Int("removed", removed),
	)
	return len(items), nil
}

// titleLine はダイジェスト項目の見出しに使う本文先頭行を返す。
func titleLine(item *model.ContentItem) string {
	body := strings.TrimSpace(item.BodyText())
	if line, _, ok := strings.Cut(body, "\n"); ok {
		body = line
	}
	return truncateRunes(body, 120)
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
