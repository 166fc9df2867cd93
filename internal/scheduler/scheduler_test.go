package scheduler

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

type flushRecorder struct {
	mu   sync.Mutex
	keys []string
}

func (f *flushRecorder) flush(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
}

func (f *flushRecorder) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.keys...)
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

func TestDebouncerFiresOnceAfterDelay(t *testing.T) {
	rec := &flushRecorder{}
	d := NewDebouncer(rec.flush, discardLogger())
	defer d.Stop()

	d.Schedule("ch1", 20*time.Millisecond)

	waitFor(t, func() bool { return len(rec.snapshot()) == 1 })
	if got := rec.snapshot(); got[0] != "ch1" {
		t.Errorf("flush key = %q, want ch1", got[0])
	}
	if _, ok := d.DueAt("ch1"); ok {
		t.Error("発火後もスロットが残っています")
	}
}

func TestDebouncerRescheduleResetsTimer(t *testing.T) {
	rec := &flushRecorder{}
	d := NewDebouncer(rec.flush, discardLogger())
	defer d.Stop()

	// 40ms間隔で引き直し続ける限り発火しない
	for i := 0; i < 3; i++ {
		d.Schedule("ch1", 40*time.Millisecond)
		time.Sleep(20 * time.Millisecond)
		if got := rec.snapshot(); len(got) != 0 {
			t.Fatalf("引き直し中に発火しました: %v", got)
		}
	}

	waitFor(t, func() bool { return len(rec.snapshot()) == 1 })
}

func TestDebouncerTracksKeysIndependently(t *testing.T) {
	rec := &flushRecorder{}
	d := NewDebouncer(rec.flush, discardLogger())
	defer d.Stop()

	d.Schedule("ch1", 10*time.Millisecond)
	d.Schedule("ch2", 10*time.Millisecond)

	waitFor(t, func() bool { return len(rec.snapshot()) == 2 })
}

func TestDebouncerFlushFiresImmediately(t *testing.T) {
	rec := &flushRecorder{}
	d := NewDebouncer(rec.flush, discardLogger())
	defer d.Stop()

	d.Schedule("ch1", time.Hour)
	d.Flush("ch1")

	if got := rec.snapshot(); len(got) != 1 {
		t.Fatalf("flush回数 = %d, want 1", len(got))
	}
	if _, ok := d.DueAt("ch1"); ok {
		t.Error("Flush後もスロットが残っています")
	}
}

func TestDebouncerFlushWithoutTimerStillFires(t *testing.T) {
	rec := &flushRecorder{}
	d := NewDebouncer(rec.flush, discardLogger())
	defer d.Stop()

	// タイマー未設定でも手動フラッシュは実行される
	d.Flush("ch1")

	if got := rec.snapshot(); len(got) != 1 || got[0] != "ch1" {
		t.Errorf("flush keys = %v, want [ch1]", got)
	}
}

func TestDebouncerDueAt(t *testing.T) {
	d := NewDebouncer(func(string) {}, discardLogger())
	defer d.Stop()

	before := time.Now()
	d.Schedule("ch1", time.Minute)

	due, ok := d.DueAt("ch1")
	if !ok {
		t.Fatal("DueAt() ok = false")
	}
	if due.Before(before.Add(50*time.Second)) || due.After(before.Add(70*time.Second)) {
		t.Errorf("DueAt() = %v, 約1分後のはず", due)
	}
}

func TestDebouncerStopCancelsWithoutFiring(t *testing.T) {
	rec := &flushRecorder{}
	d := NewDebouncer(rec.flush, discardLogger())

	d.Schedule("ch1", 10*time.Millisecond)
	d.Stop()

	time.Sleep(30 * time.Millisecond)
	if got := rec.snapshot(); len(got) != 0 {
		t.Errorf("Stop後に発火しました: %v", got)
	}
}

func TestDebouncerRecoversFromFlushPanic(t *testing.T) {
	d := NewDebouncer(func(string) { panic("boom") }, discardLogger())
	defer d.Stop()

	d.Schedule("ch1", time.Hour)
	d.Flush("ch1") // パニックが伝播しなければ成功

	d.Schedule("ch1", time.Hour)
	if _, ok := d.DueAt("ch1"); !ok {
		t.Error("パニック後に再スケジュールできません")
	}
}

func TestParseSlot(t *testing.T) {
	tests := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{"09:00", "09:00", false},
		{" 18:30 ", "18:30", false},
		{"9:5", "09:05", false},
		{"24:00", "", true},
		{"12:60", "", true},
		{"1200", "", true},
		{"ab:cd", "", true},
	}

	for _, tt := range tests {
		got, err := parseSlot(tt.raw)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseSlot(%q) error = nil, wantエラー", tt.raw)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseSlot(%q) error = %v", tt.raw, err)
			continue
		}
		if got.label != tt.want {
			t.Errorf("parseSlot(%q).label = %q, want %q", tt.raw, got.label, tt.want)
		}
	}
}

func TestDailySlotsFireOncePerDay(t *testing.T) {
	var fired []string
	s, err := NewDailySlots([]string{"09:00", "18:00"}, time.Second, func(slot string) {
		fired = append(fired, slot)
	}, discardLogger())
	if err != nil {
		t.Fatalf("NewDailySlots() error = %v", err)
	}

	day1 := time.Date(2026, 8, 1, 9, 1, 0, 0, time.UTC)
	s.tick(day1)
	s.tick(day1.Add(time.Minute)) // 同日再チェックでは発火しない

	if len(fired) != 1 || fired[0] != "09:00" {
		t.Fatalf("fired = %v, want [09:00]", fired)
	}

	s.tick(time.Date(2026, 8, 1, 18, 0, 0, 0, time.UTC))
	if len(fired) != 2 || fired[1] != "18:00" {
		t.Fatalf("fired = %v, want [09:00 18:00]", fired)
	}

	// 翌日は再び発火する
	s.tick(time.Date(2026, 8, 2, 9, 0, 0, 0, time.UTC))
	if len(fired) != 3 || fired[2] != "09:00" {
		t.Fatalf("fired = %v", fired)
	}
}

func TestDailySlotsDoNotFireBeforeSlotTime(t *testing.T) {
	var fired []string
	s, err := NewDailySlots([]string{"18:00"}, time.Second, func(slot string) {
		fired = append(fired, slot)
	}, discardLogger())
	if err != nil {
		t.Fatalf("NewDailySlots() error = %v", err)
	}

	s.tick(time.Date(2026, 8, 1, 17, 59, 0, 0, time.UTC))
	if len(fired) != 0 {
		t.Errorf("fired = %v, want []", fired)
	}
}

func TestDailySlotsSkipElapsedSlotsAtStartup(t *testing.T) {
	var fired []string
	s, err := NewDailySlots([]string{"09:00", "18:00"}, time.Second, func(slot string) {
		fired = append(fired, slot)
	}, discardLogger())
	if err != nil {
		t.Fatalf("NewDailySlots() error = %v", err)
	}

	// 12:00起動 → 09:00は消化済み扱い、18:00は以後発火する
	s.markElapsed(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))

	s.tick(time.Date(2026, 8, 1, 12, 0, 30, 0, time.UTC))
	if len(fired) != 0 {
		t.Fatalf("起動前のスロットが発火しました: %v", fired)
	}

	s.tick(time.Date(2026, 8, 1, 18, 0, 0, 0, time.UTC))
	if len(fired) != 1 || fired[0] != "18:00" {
		t.Fatalf("fired = %v, want [18:00]", fired)
	}
}
