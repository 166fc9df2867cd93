// Package ingest は受信イベントの取り込み段を実装する。
// 検証・アルバム集約・重複排除・広告フィルタ・サニタイズを経て、
// 正規化されたContentItemを下流へ送り出す。
package ingest

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/digestman/internal/model"
	"github.com/hitoshi/digestman/internal/store"
)

// ドロップ理由。メトリクスのラベル値としても使われる。
const (
	DropMalformed = "malformed"
	DropDuplicate = "duplicate"
	DropAd        = "ad"
)

// Sanitizer はテキストからマークアップを除去する。
type Sanitizer interface {
	PlainText(s string) string
}

// Ingestor は取り込みパイプラインの入口。
// グループ投稿（アルバム）は settle 時間だけバッファし、
// 全パーツ到着後に1件のContentItemへ集約して下流へ送る。
type Ingestor struct {
	dedup     *Deduper
	sanitizer Sanitizer
	adWords   []string
	settle    time.Duration
	emit      func(item *model.ContentItem)
	onDrop    func(reason string)
	logger    *slog.Logger

	mu     sync.Mutex
	groups map[string]*groupBuffer
}

type groupBuffer struct {
	members []*model.RawItem
	timer   *time.Timer
}

// New はIngestorを生成する。
// adWordsは大文字小文字を無視した部分一致で判定される。
// emitは集約・正規化済みのアイテムごとに呼ばれる。onDropはnilでもよい。
func New(
	dedup *Deduper,
	sanitizer Sanitizer,
	adWords []string,
	settle time.Duration,
	emit func(item *model.ContentItem),
	onDrop func(reason string),
	logger *slog.Logger,
) *Ingestor {
	lowered := make([]string, 0, len(adWords))
	for _, w := range adWords {
		w = strings.TrimSpace(strings.ToLower(w))
		if w != "" {
			lowered = append(lowered, w)
		}
	}
	if onDrop == nil {
		onDrop = func(string) {}
	}
	return &Ingestor{
		dedup:     dedup,
		sanitizer: sanitizer,
		adWords:   lowered,
		settle:    settle,
		emit:      emit,
		onDrop:    onDrop,
		logger:    logger,
		groups:    make(map[string]*groupBuffer),
	}
}

// Process は受信イベントを1件処理する。
// グループ投稿はバッファに積まれ、settle経過後に集約して送出される。
// それ以外は同期的に検証・重複排除・フィルタを通過して送出される。
func (i *Ingestor) Process(raw *model.RawItem) {
	if !i.valid(raw) {
		i.logger.Debug("不正なイベントを破棄しました",
			slog.String("source_id", raw.SourceID),
			slog.String("message_id", raw.MessageID),
		)
		i.onDrop(DropMalformed)
		return
	}

	if raw.GroupID != "" {
		i.buffer(raw)
		return
	}

	i.finish(raw)
}

// Stop は滞留中のグループバッファをすべて即時フラッシュする。
// シャットダウン時にアルバムを失わないための経路。
func (i *Ingestor) Stop() {
	i.mu.Lock()
	keys := make([]string, 0, len(i.groups))
	for key, buf := range i.groups {
		buf.timer.Stop()
		keys = append(keys, key)
	}
	i.mu.Unlock()

	for _, key := range keys {
		i.settleGroup(key)
	}
}

// valid は最低限の形式チェックを行う。
// ソースと投稿の識別子、および本文（テキストまたはメディア）が必須。
func (i *Ingestor) valid(raw *model.RawItem) bool {
	if raw.SourceID == "" || raw.MessageID == "" {
		return false
	}
	if strings.TrimSpace(raw.Text) == "" && raw.Media == nil {
		return false
	}
	return true
}

// buffer はグループ投稿をバッファへ積み、settleタイマーを再設定する。
// パーツが届くたびにタイマーが引き直されるため、
// 配送間隔がsettle未満であればアルバム全体が1回で集約される。
func (i *Ingestor) buffer(raw *model.RawItem) {
	key := raw.DedupKey()

	i.mu.Lock()
	defer i.mu.Unlock()

	buf, ok := i.groups[key]
	if !ok {
		buf = &groupBuffer{}
		i.groups[key] = buf
	} else {
		buf.timer.Stop()
	}
	buf.members = append(buf.members, raw)
	buf.timer = time.AfterFunc(i.settle, func() {
		i.settleGroup(key)
	})
}

// settleGroup はバッファを取り出し、代表アイテムを選んで通常経路へ流す。
func (i *Ingestor) settleGroup(key string) {
	i.mu.Lock()
	buf, ok := i.groups[key]
	if ok {
		delete(i.groups, key)
	}
	i.mu.Unlock()

	if !ok || len(buf.members) == 0 {
		return
	}

	rep := collapseGroup(buf.members)
	i.logger.Debug("グループ投稿を集約しました",
		slog.String("group_key", key),
		slog.Int("parts", len(buf.members)),
	)
	i.finish(rep)
}

// collapseGroup はアルバムのパーツ群から代表アイテムを組み立てる。
// 本文は最長のものを採用し、メディアは代表が持たなければ先頭パーツから借りる。
// 反応指標はパーツ間の最大値を採る。
func collapseGroup(members []*model.RawItem) *model.RawItem {
	rep := members[0]
	for _, m := range members[1:] {
		if len(m.Text) > len(rep.Text) {
			rep = m
		}
	}

	merged := *rep
	if merged.Media == nil {
		for _, m := range members {
			if m.Media != nil {
				merged.Media = m.Media
				break
			}
		}
	}
	for _, m := range members {
		if m.Metadata.Views > merged.Metadata.Views {
			merged.Metadata.Views = m.Metadata.Views
		}
		if m.Metadata.Forwards > merged.Metadata.Forwards {
			merged.Metadata.Forwards = m.Metadata.Forwards
		}
		merged.Tags = appendUnique(merged.Tags, m.Tags)
	}
	return &merged
}

// finish は重複排除・広告フィルタ・サニタイズを適用して送出する。
func (i *Ingestor) finish(raw *model.RawItem) {
	key := raw.DedupKey()
	if i.dedup.Seen(key) {
		i.logger.Debug("重複イベントを破棄しました",
			slog.String("dedup_key", key),
		)
		i.onDrop(DropDuplicate)
		return
	}

	text := i.sanitizer.PlainText(raw.Text)
	caption := ""
	if raw.Media != nil {
		caption = i.sanitizer.PlainText(raw.Media.Caption)
	}

	if i.isAd(text) || i.isAd(caption) {
		i.logger.Info("広告キーワードに一致したため破棄しました",
			slog.String("dedup_key", key),
			slog.String("source_name", raw.SourceName),
		)
		i.onDrop(DropAd)
		return
	}

	item := &model.ContentItem{
		RecordID:     store.NewRecordID(raw.Timestamp, raw.SourceName, raw.MessageID),
		DedupKey:     key,
		SourceID:     raw.SourceID,
		SourceName:   raw.SourceName,
		SourceHandle: raw.SourceHandle,
		MessageID:    raw.MessageID,
		GroupID:      raw.GroupID,
		Text:         text,
		Tags:         raw.Tags,
		Timestamp:    raw.Timestamp,
		Metadata:     raw.Metadata,
	}
	if raw.Media != nil {
		item.Media = &model.MediaDescriptor{
			Type:    raw.Media.Type,
			Caption: caption,
		}
	}

	i.emit(item)
}

// isAd は広告キーワードとの部分一致を判定する。
func (i *Ingestor) isAd(text string) bool {
	if text == "" {
		return false
	}
	lowered := strings.ToLower(text)
	for _, w := range i.adWords {
		if strings.Contains(lowered, w) {
			return true
		}
	}
	return false
}

func appendUnique(dst []string, src []string) []string {
	for _, s := range src {
		found := false
		for _, d := range dst {
			if d == s {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, s)
		}
	}
	return dst
}
