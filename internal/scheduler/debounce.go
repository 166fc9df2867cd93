// Package scheduler は公開タイミングの制御を実装する。
// デバウンスタイマーによる遅延公開と、日次スロットによる定時公開を提供する。
package scheduler

import (
	"log/slog"
	"sync"
	"time"
)

// Debouncer はキーごとの遅延発火タイマーを管理する。
// 同じキーへの再スケジュールは既存タイマーを破棄して引き直すため、
// イベントが続く間は発火せず、静止してからdelay経過後に一度だけ発火する。
type Debouncer struct {
	flush  func(key string)
	logger *slog.Logger

	mu    sync.Mutex
	seq   uint64
	slots map[string]*debounceSlot
}

type debounceSlot struct {
	seq   uint64
	dueAt time.Time
	timer *time.Timer
}

// NewDebouncer はDebouncerを生成する。
// flushは発火時にスロットが空になった後で呼ばれる。
// そのためflush内から同じキーを再スケジュールしても競合しない。
func NewDebouncer(flush func(key string), logger *slog.Logger) *Debouncer {
	return &Debouncer{
		flush:  flush,
		logger: logger,
		slots:  make(map[string]*debounceSlot),
	}
}

// Schedule はキーの発火をdelay後に（再）設定する。
func (d *Debouncer) Schedule(key string, delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if slot, ok := d.slots[key]; ok {
		slot.timer.Stop()
	}

	d.seq++
	seq := d.seq
	d.slots[key] = &debounceSlot{
		seq:   seq,
		dueAt: time.Now().Add(delay),
		timer: time.AfterFunc(delay, func() {
			d.fire(key, seq)
		}),
	}

	d.logger.Debug("デバウンスタイマーを設定しました",
		slog.String("key", key),
		slog.Duration("delay", delay),
	)
}

// Flush はキーのタイマーを破棄して即時発火する。
// 手動トリガーの経路であり、タイマーが存在しない場合でもflushは実行される。
func (d *Debouncer) Flush(key string) {
	d.mu.Lock()
	if slot, ok := d.slots[key]; ok {
		slot.timer.Stop()
		delete(d.slots, key)
	}
	d.mu.Unlock()

	d.runFlush(key)
}

// DueAt はキーの発火予定時刻を返す。未設定の場合はok=false。
func (d *Debouncer) DueAt(key string) (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	slot, ok := d.slots[key]
	if !ok {
		return time.Time{}, false
	}
	return slot.dueAt, true
}

// Stop はすべてのタイマーを発火させずに破棄する。
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for key, slot := range d.slots {
		slot.timer.Stop()
		delete(d.slots, key)
	}
}

// fire はタイマー満了時の経路。スロットを消してからflushを呼ぶ。
// Scheduleで引き直された後に届く古いタイマーの発火は、
// 世代番号の不一致により無視される。
func (d *Debouncer) fire(key string, seq uint64) {
	d.mu.Lock()
	slot, ok := d.slots[key]
	if ok && slot.seq == seq {
		delete(d.slots, key)
	} else {
		ok = false
	}
	d.mu.Unlock()

	if !ok {
		return
	}
	d.runFlush(key)
}

func (d *Debouncer) runFlush(key string) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("デバウンスのフラッシュ中にパニックが発生しました",
				slog.String("key", key),
				slog.Any("panic", r),
			)
		}
	}()
	d.flush(key)
}
