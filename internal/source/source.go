// Package source は外部コンテンツソースの購読管理とポーリングを提供する。
// RSS/Atomフィードをソースとして購読し、新着エントリをRawItemとして
// 取り込みパイプラインへ送り出す。
package source

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/digestman/internal/model"
)

// SSRFValidator はソースURLの検証インターフェース。
type SSRFValidator interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client
}

// Subscription はソース購読の状態を表す。
type Subscription struct {
	ID                string    `json:"id"`
	URL               string    `json:"url"`
	Name              string    `json:"name"`
	ETag              string    `json:"-"`
	LastModified      string    `json:"-"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	Stopped           bool      `json:"stopped"`
	StopReason        string    `json:"stop_reason,omitempty"`
	LastFetchAt       time.Time `json:"last_fetch_at"`
}

// stopThreshold は連続エラーでソースを停止するまでの回数。
const stopThreshold = 10

// Manager はソース購読の集合を管理し、定期ポーリングで新着を取り込む。
// ポーリングはsemaphoreパターンで並列数を制御する。
type Manager struct {
	guard          SSRFValidator
	emit           func(raw *model.RawItem)
	logger         *slog.Logger
	timeout        time.Duration
	maxBodySize    int64
	maxConcurrency int

	mu       sync.Mutex
	subs     map[string]*Subscription
	lastSeen map[string]time.Time
}

// NewManager はManagerを生成する。
// maxConcurrencyが0以下の場合はデフォルト値10を使用する。
func NewManager(
	guard SSRFValidator,
	emit func(raw *model.RawItem),
	logger *slog.Logger,
	timeout time.Duration,
	maxBodySize int64,
	maxConcurrency int,
) *Manager {
	if maxConcurrency <= 0 {
		maxConcurrency = 10
	}
	return &Manager{
		guard:          guard,
		emit:           emit,
		logger:         logger,
		timeout:        timeout,
		maxBodySize:    maxBodySize,
		maxConcurrency: maxConcurrency,
		subs:           make(map[string]*Subscription),
		lastSeen:       make(map[string]time.Time),
	}
}

// Join はソースを購読に追加する。URLはSSRF検証を通過する必要がある。
// 同じURLの重複購読は既存のSubscriptionを返す。
func (m *Manager) Join(rawURL string) (*Subscription, error) {
	if err := m.guard.ValidateURL(rawURL); err != nil {
		return nil, model.NewInvalidRequestError(fmt.Sprintf("ソースURLが不正です: %s", err.Error()))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, sub := range m.subs {
		if sub.URL == rawURL {
			return copyOf(sub), nil
		}
	}

	sub := &Subscription{
		ID:   uuid.NewString(),
		URL:  rawURL,
		Name: hostOf(rawURL),
	}
	m.subs[sub.ID] = sub

	m.logger.Info("ソースを購読しました",
		slog.String("source_id", sub.ID),
		slog.String("url", sub.URL),
	)
	return copyOf(sub), nil
}

// Leave はソースの購読を解除する。存在しない場合はfalseを返す。
func (m *Manager) Leave(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.subs[id]; !ok {
		return false
	}
	delete(m.subs, id)
	delete(m.lastSeen, id)

	m.logger.Info("ソースの購読を解除しました",
		slog.String("source_id", id),
	)
	return true
}

// ListSources は購読中のソース一覧を返す。
// フェッチは購読の状態フィールドを随時更新するため、
// 共有ポインタではなくロック下で取ったコピーを返す。
func (m *Manager) ListSources() []*Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		out = append(out, copyOf(sub))
	}
	return out
}

func copyOf(sub *Subscription) *Subscription {
	cp := *sub
	return &cp
}

// Start はポーリングループを開始する。起動直後に1回実行し、
// 以後interval間隔でコンテキストのキャンセルまで実行を継続する。
func (m *Manager) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info("ソースポーリングを開始しました",
		slog.Duration("interval", interval),
		slog.Int("max_concurrency", m.maxConcurrency),
	)

	m.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("ソースポーリングを停止しました")
			return
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}

// RunOnce は全ソースを1回ポーリングする。
// semaphoreパターンで最大並列数を制御する。
func (m *Manager) RunOnce(ctx context.Context) {
	start := time.Now()

	m.mu.Lock()
	targets := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		if !sub.Stopped {
			targets = append(targets, sub)
		}
	}
	m.mu.Unlock()

	if len(targets) == 0 {
		m.logger.Debug("ポーリング対象のソースはありません")
		return
	}

	sem := make(chan struct{}, m.maxConcurrency)
	var wg sync.WaitGroup

	for _, sub := range targets {
		wg.Add(1)
		sem <- struct{}{}

		go func(s *Subscription) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := m.fetch(ctx, s); err != nil {
				m.logger.Error("ソースのフェッチに失敗しました",
					slog.String("source_id", s.ID),
					slog.String("url", s.URL),
					slog.String("error", err.Error()),
				)
			}
		}(sub)
	}

	wg.Wait()

	m.logger.Info("ポーリングサイクルが完了しました",
		slog.Int("source_count", len(targets)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
}

// fetch は1ソースをフェッチし、新着エントリを送出する。
// ETag/Last-Modifiedによる条件付きGETを使用する。
func (m *Manager) fetch(ctx context.Context, sub *Subscription) error {
	client := m.guard.NewSafeClient(m.timeout, m.maxBodySize)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sub.URL, nil)
	if err != nil {
		return fmt.Errorf("リクエスト作成に失敗: %w", err)
	}
	req.Header.Set("User-Agent", "Digestman/1.0 Feed Collector")
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml, */*")

	m.mu.Lock()
	etag, lastModified := sub.ETag, sub.LastModified
	m.mu.Unlock()
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	if lastModified != "" {
		req.Header.Set("If-Modified-Since", lastModified)
	}

	resp, err := client.Do(req)
	if err != nil {
		m.recordFailure(sub, fmt.Sprintf("HTTPリクエスト失敗: %s", err.Error()))
		return fmt.Errorf("HTTPリクエスト失敗: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		m.recordSuccess(sub)
		return nil
	case resp.StatusCode == http.StatusNotFound ||
		resp.StatusCode == http.StatusGone ||
		resp.StatusCode == http.StatusUnauthorized ||
		resp.StatusCode == http.StatusForbidden:
		m.stopSource(sub, fmt.Sprintf("HTTPステータス %d によりポーリングを停止しました", resp.StatusCode))
		return nil
	case resp.StatusCode != http.StatusOK:
		m.recordFailure(sub, fmt.Sprintf("HTTPステータス: %d", resp.StatusCode))
		return nil
	}

	m.mu.Lock()
	if etag := resp.Header.Get("ETag"); etag != "" {
		sub.ETag = etag
	}
	if lastMod := resp.Header.Get("Last-Modified"); lastMod != "" {
		sub.LastModified = lastMod
	}
	m.mu.Unlock()

	parser := gofeed.NewParser()
	feed, err := parser.Parse(resp.Body)
	if err != nil {
		m.recordFailure(sub, fmt.Sprintf("フィードのパースに失敗: %s", err.Error()))
		return nil
	}

	if feed.Title != "" {
		m.mu.Lock()
		sub.Name = feed.Title
		m.mu.Unlock()
	}

	emitted := m.emitNewItems(sub, feed.Items)
	m.recordSuccess(sub)

	m.logger.Info("ソースのフェッチが完了しました",
		slog.String("source_id", sub.ID),
		slog.String("name", sub.Name),
		slog.Int("items_total", len(feed.Items)),
		slog.Int("items_emitted", emitted),
	)
	return nil
}

// emitNewItems は前回処理時刻より新しいエントリをRawItemとして送出する。
// 同一エントリの再出現は下流の重複排除ウィンドウでも防がれるため、
// ここでの時刻判定は送出量を抑えるための一次フィルタに過ぎない。
func (m *Manager) emitNewItems(sub *Subscription, items []*gofeed.Item) int {
	m.mu.Lock()
	watermark := m.lastSeen[sub.ID]
	m.mu.Unlock()

	newest := watermark
	emitted := 0

	for _, item := range items {
		if item == nil {
			continue
		}
		published := publishedAt(item)
		if !watermark.IsZero() && !published.After(watermark) {
			continue
		}
		if published.After(newest) {
			newest = published
		}

		m.emit(&model.RawItem{
			SourceID:   sub.ID,
			SourceName: sub.Name,
			MessageID:  entryID(item),
			Text:       entryText(item),
			Tags:       item.Categories,
			Timestamp:  published,
		})
		emitted++
	}

	m.mu.Lock()
	m.lastSeen[sub.ID] = newest
	m.mu.Unlock()
	return emitted
}

func (m *Manager) recordSuccess(sub *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub.ConsecutiveErrors = 0
	sub.LastFetchAt = time.Now()
}

func (m *Manager) recordFailure(sub *Subscription, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub.ConsecutiveErrors++
	sub.LastFetchAt = time.Now()
	if sub.ConsecutiveErrors >= stopThreshold {
		sub.Stopped = true
		sub.StopReason = reason
		m.logger.Warn("連続エラーによりソースを停止します",
			slog.String("source_id", sub.ID),
			slog.Int("consecutive_errors", sub.ConsecutiveErrors),
			slog.String("reason", reason),
		)
	}
}

func (m *Manager) stopSource(sub *Subscription, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub.Stopped = true
	sub.StopReason = reason
	sub.LastFetchAt = time.Now()
	m.logger.Warn("ソースのポーリングを停止します",
		slog.String("source_id", sub.ID),
		slog.String("url", sub.URL),
		slog.String("reason", reason),
	)
}

// entryID はエントリの安定識別子を返す。GUID優先、なければリンク。
func entryID(item *gofeed.Item) string {
	if item.GUID != "" {
		return item.GUID
	}
	return item.Link
}

// entryText はタイトルと本文を結合した取り込み用テキストを返す。
// 本文はContent優先、なければDescription。
func entryText(item *gofeed.Item) string {
	body := item.Content
	if body == "" {
		body = item.Description
	}
	if item.Title == "" {
		return body
	}
	if body == "" {
		return item.Title
	}
	return item.Title + "\n\n" + body
}

func publishedAt(item *gofeed.Item) time.Time {
	if item.PublishedParsed != nil {
		return *item.PublishedParsed
	}
	if item.UpdatedParsed != nil {
		return *item.UpdatedParsed
	}
	return time.Now()
}

func hostOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return strings.TrimSpace(rawURL)
	}
	return parsed.Host
}
