package ingest

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/digestman/internal/model"
)

type passthroughSanitizer struct{}

func (passthroughSanitizer) PlainText(s string) string { return s }

type collector struct {
	mu    sync.Mutex
	items []*model.ContentItem
	drops []string
}

func (c *collector) emit(item *model.ContentItem) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, item)
}

func (c *collector) drop(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drops = append(c.drops, reason)
}

func (c *collector) snapshot() ([]*model.ContentItem, []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*model.ContentItem(nil), c.items...), append([]string(nil), c.drops...)
}

func newTestIngestor(t *testing.T, adWords []string, settle time.Duration) (*Ingestor, *collector) {
	t.Helper()
	dedup, err := NewDeduper(100)
	if err != nil {
		t.Fatalf("NewDeduper() error = %v", err)
	}
	c := &collector{}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return New(dedup, passthroughSanitizer{}, adWords, settle, c.emit, c.drop, logger), c
}

func rawItem(messageID, text string) *model.RawItem {
	return &model.RawItem{
		SourceID:   "-1001234567890",
		SourceName: "Test Channel",
		MessageID:  messageID,
		Text:       text,
		Timestamp:  time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestProcessEmitsNormalizedItem(t *testing.T) {
	ing, c := newTestIngestor(t, nil, time.Millisecond)

	ing.Process(rawItem("1", "обычный текст"))

	items, drops := c.snapshot()
	if len(items) != 1 {
		t.Fatalf("送出件数 = %d, want 1", len(items))
	}
	if len(drops) != 0 {
		t.Fatalf("ドロップ件数 = %d, want 0", len(drops))
	}
	item := items[0]
	if item.DedupKey != "-1001234567890:1" {
		t.Errorf("DedupKey = %q", item.DedupKey)
	}
	if item.RecordID == "" {
		t.Error("RecordIDが空です")
	}
}

func TestDuplicateKeyEmitsOnce(t *testing.T) {
	ing, c := newTestIngestor(t, nil, time.Millisecond)

	ing.Process(rawItem("1", "первый"))
	ing.Process(rawItem("1", "первый повтор"))

	items, drops := c.snapshot()
	if len(items) != 1 {
		t.Fatalf("送出件数 = %d, want 1", len(items))
	}
	if len(drops) != 1 || drops[0] != DropDuplicate {
		t.Errorf("drops = %v, want [%s]", drops, DropDuplicate)
	}
}

func TestDedupWindowEvictsOldestFirst(t *testing.T) {
	dedup, err := NewDeduper(2)
	if err != nil {
		t.Fatalf("NewDeduper() error = %v", err)
	}

	if dedup.Seen("a") {
		t.Error("aは初出のはず")
	}
	if dedup.Seen("b") {
		t.Error("bは初出のはず")
	}
	// cの追加で最古のaが追い出される
	if dedup.Seen("c") {
		t.Error("cは初出のはず")
	}
	if dedup.Seen("a") {
		t.Error("aは追い出されて初出扱いになるはず")
	}
	if !dedup.Seen("c") {
		t.Error("cはまだウィンドウ内のはず")
	}
}

func TestMalformedItemIsDropped(t *testing.T) {
	ing, c := newTestIngestor(t, nil, time.Millisecond)

	ing.Process(&model.RawItem{SourceID: "-100", MessageID: "1"}) // 本文もメディアもない
	ing.Process(&model.RawItem{MessageID: "1", Text: "x"})       // ソースIDがない

	items, drops := c.snapshot()
	if len(items) != 0 {
		t.Fatalf("送出件数 = %d, want 0", len(items))
	}
	if len(drops) != 2 {
		t.Fatalf("ドロップ件数 = %d, want 2", len(drops))
	}
	for _, d := range drops {
		if d != DropMalformed {
			t.Errorf("drop = %q, want %q", d, DropMalformed)
		}
	}
}

func TestAdKeywordMatchIsCaseInsensitive(t *testing.T) {
	ing, c := newTestIngestor(t, []string{"реклама", "promo"}, time.Millisecond)

	ing.Process(rawItem("1", "Это РЕКЛАМА нового продукта"))
	ing.Process(rawItem("2", "Большая PROMO акция"))
	ing.Process(rawItem("3", "обычная новость"))

	items, drops := c.snapshot()
	if len(items) != 1 {
		t.Fatalf("送出件数 = %d, want 1", len(items))
	}
	if items[0].MessageID != "3" {
		t.Errorf("MessageID = %q, want 3", items[0].MessageID)
	}
	if len(drops) != 2 {
		t.Fatalf("ドロップ件数 = %d, want 2", len(drops))
	}
}

func TestAdKeywordMatchesMediaCaption(t *testing.T) {
	ing, c := newTestIngestor(t, []string{"реклама"}, time.Millisecond)

	raw := rawItem("1", "")
	raw.Media = &model.MediaDescriptor{Type: "photo", Caption: "это реклама"}
	ing.Process(raw)

	items, drops := c.snapshot()
	if len(items) != 0 {
		t.Fatalf("送出件数 = %d, want 0", len(items))
	}
	if len(drops) != 1 || drops[0] != DropAd {
		t.Errorf("drops = %v", drops)
	}
}

func TestGroupPartsCollapseIntoOneItem(t *testing.T) {
	ing, c := newTestIngestor(t, nil, 20*time.Millisecond)

	for i, text := range []string{"", "длинный текст альбома", ""} {
		raw := rawItem(string(rune('1'+i)), text)
		raw.GroupID = "album-1"
		raw.Media = &model.MediaDescriptor{Type: "photo"}
		raw.Metadata = model.Engagement{Views: 10 * (i + 1)}
		ing.Process(raw)
	}

	waitFor(t, func() bool {
		items, _ := c.snapshot()
		return len(items) == 1
	})

	items, _ := c.snapshot()
	item := items[0]
	if item.Text != "длинный текст альбома" {
		t.Errorf("代表本文 = %q", item.Text)
	}
	if item.DedupKey != "g:-1001234567890:album-1" {
		t.Errorf("DedupKey = %q", item.DedupKey)
	}
	if item.Metadata.Views != 30 {
		t.Errorf("Views = %d, want 30", item.Metadata.Views)
	}
}

func TestGroupSettleTimerResetsOnEachPart(t *testing.T) {
	ing, c := newTestIngestor(t, nil, 30*time.Millisecond)

	raw1 := rawItem("1", "часть 1")
	raw1.GroupID = "album-2"
	ing.Process(raw1)

	time.Sleep(15 * time.Millisecond)
	raw2 := rawItem("2", "часть 2 длиннее")
	raw2.GroupID = "album-2"
	ing.Process(raw2)

	// 最初のパーツから30ms経過したが、タイマーは引き直されたのでまだ未発火
	time.Sleep(20 * time.Millisecond)
	if items, _ := c.snapshot(); len(items) != 0 {
		t.Fatal("settle前に送出されました")
	}

	waitFor(t, func() bool {
		items, _ := c.snapshot()
		return len(items) == 1
	})
}

func TestRedeliveredGroupIsDeduplicated(t *testing.T) {
	ing, c := newTestIngestor(t, nil, 5*time.Millisecond)

	raw := rawItem("1", "альбом")
	raw.GroupID = "album-3"
	ing.Process(raw)

	waitFor(t, func() bool {
		items, _ := c.snapshot()
		return len(items) == 1
	})

	// 同じグループの再配送
	redelivered := rawItem("1", "альбом")
	redelivered.GroupID = "album-3"
	ing.Process(redelivered)

	waitFor(t, func() bool {
		_, drops := c.snapshot()
		return len(drops) == 1
	})

	items, drops := c.snapshot()
	if len(items) != 1 {
		t.Errorf("送出件数 = %d, want 1", len(items))
	}
	if drops[0] != DropDuplicate {
		t.Errorf("drop = %q, want %q", drops[0], DropDuplicate)
	}
}

func TestStopFlushesBufferedGroups(t *testing.T) {
	ing, c := newTestIngestor(t, nil, time.Hour)

	raw := rawItem("1", "застрявший альбом")
	raw.GroupID = "album-4"
	ing.Process(raw)

	ing.Stop()

	items, _ := c.snapshot()
	if len(items) != 1 {
		t.Fatalf("送出件数 = %d, want 1", len(items))
	}
	if items[0].Text != "застрявший альбом" {
		t.Errorf("Text = %q", items[0].Text)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("条件が時間内に満たされませんでした")
}
