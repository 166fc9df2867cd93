package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// DailySlots は HH:MM 形式の定時スロットを監視し、
// 各スロットを1日に1回だけ発火させるポーリングスケジューラ。
// プロセス再起動後は当日の経過済みスロットを発火しない
// （起動直後のまとめ公開を避けるため、起動時点より前のスロットは消化済み扱い）。
type DailySlots struct {
	slots  []minuteOfDay
	poll   time.Duration
	fire   func(slot string)
	logger *slog.Logger
	now    func() time.Time

	fired map[string]struct{}
}

type minuteOfDay struct {
	label  string
	minute int
}

// NewDailySlots はDailySlotsを生成する。timesの各要素はHH:MM形式。
func NewDailySlots(times []string, poll time.Duration, fire func(slot string), logger *slog.Logger) (*DailySlots, error) {
	slots := make([]minuteOfDay, 0, len(times))
	for _, raw := range times {
		m, err := parseSlot(raw)
		if err != nil {
			return nil, err
		}
		slots = append(slots, m)
	}
	return &DailySlots{
		slots:  slots,
		poll:   poll,
		fire:   fire,
		logger: logger,
		now:    time.Now,
		fired:  make(map[string]struct{}),
	}, nil
}

// Start はポーリングループを開始し、ctxのキャンセルまでブロックする。
func (s *DailySlots) Start(ctx context.Context) {
	if len(s.slots) == 0 {
		s.logger.Info("定時スロットが未設定のためスケジューラを起動しません")
		<-ctx.Done()
		return
	}

	// 起動時点より前の当日スロットは消化済みとして記録する
	s.markElapsed(s.now())

	s.logger.Info("定時スロットスケジューラを開始します",
		slog.Int("slots", len(s.slots)),
		slog.Duration("poll_interval", s.poll),
	)

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("定時スロットスケジューラを停止します")
			return
		case <-ticker.C:
			s.tick(s.now())
		}
	}
}

// tick は現在時刻に対して未消化の満了スロットを発火する。
func (s *DailySlots) tick(now time.Time) {
	nowMinute := now.Hour()*60 + now.Minute()
	day := now.Format("2006-01-02")

	for _, slot := range s.slots {
		if nowMinute < slot.minute {
			continue
		}
		key := day + "|" + slot.label
		if _, done := s.fired[key]; done {
			continue
		}
		s.fired[key] = struct{}{}
		s.prune(day)

		s.logger.Info("定時スロットが満了しました",
			slog.String("slot", slot.label),
		)
		s.fire(slot.label)
	}
}

// markElapsed は当日の経過済みスロットを消化済みとして記録する。
func (s *DailySlots) markElapsed(now time.Time) {
	nowMinute := now.Hour()*60 + now.Minute()
	day := now.Format("2006-01-02")
	for _, slot := range s.slots {
		if nowMinute >= slot.minute {
			s.fired[day+"|"+slot.label] = struct{}{}
		}
	}
}

// prune は当日以外の消化記録を削除する。日付の進行に伴う単純な掃除。
func (s *DailySlots) prune(day string) {
	for key := range s.fired {
		if !strings.HasPrefix(key, day+"|") {
			delete(s.fired, key)
		}
	}
}

func parseSlot(raw string) (minuteOfDay, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok {
		return minuteOfDay{}, fmt.Errorf("スロット時刻の形式が不正です: %q", raw)
	}
	hour, err := strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return minuteOfDay{}, fmt.Errorf("スロット時刻の形式が不正です: %q", raw)
	}
	minute, err := strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 {
		return minuteOfDay{}, fmt.Errorf("スロット時刻の形式が不正です: %q", raw)
	}
	return minuteOfDay{
		label:  fmt.Sprintf("%02d:%02d", hour, minute),
		minute: hour*60 + minute,
	}, nil
}
