package policy

import (
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

// QuietCalculator はクワイエットアワー判定の純粋関数群を提供する。
// 状態は持たないが、不正なスケジュール文字列の警告を1回だけ出すための
// 記録のみ保持する。
type QuietCalculator struct {
	logger *slog.Logger

	mu     sync.Mutex
	warned map[string]bool
}

// NewQuietCalculator はQuietCalculatorを生成する。
func NewQuietCalculator(logger *slog.Logger) *QuietCalculator {
	return &QuietCalculator{
		logger: logger,
		warned: make(map[string]bool),
	}
}

// IsQuiet は現在時刻がクワイエットウィンドウ内かを判定する。
// manualOverrideがtrueなら常にquiet。
// scheduleRangeは"HH:MM-HH:MM"形式。start<=endなら同日内の閉区間、
// start>endなら深夜をまたぐウィンドウ（now>=start または now<=end）。
// 不正な文字列は「スケジュールなし」（quietでない）として扱い、1回だけ警告する。
func (q *QuietCalculator) IsQuiet(now time.Time, manualOverride bool, scheduleRange string) bool {
	if manualOverride {
		return true
	}
	if scheduleRange == "" {
		return false
	}

	startStr, endStr, found := strings.Cut(scheduleRange, "-")
	if !found {
		q.warnOnce(scheduleRange)
		return false
	}
	start, okS := parseMinuteOfDay(startStr)
	end, okE := parseMinuteOfDay(endStr)
	if !okS || !okE {
		q.warnOnce(scheduleRange)
		return false
	}

	return inWindow(minuteOfDay(now), start, end)
}

// InWindow はクラス別設定の形式でクワイエットアワーを評価し、
// (ウィンドウ内か, サイレント通知設定か) を返す。
// 設定が無効、または時刻が両方パースできない場合はウィンドウ外。
func (q *QuietCalculator) InWindow(now time.Time, cfg QuietHours) (bool, bool) {
	if !cfg.Enabled {
		return false, false
	}
	start, okS := parseMinuteOfDay(cfg.Start)
	end, okE := parseMinuteOfDay(cfg.End)
	if !okS || !okE {
		return false, cfg.Silently()
	}
	return inWindow(minuteOfDay(now), start, end), cfg.Silently()
}

// warnOnce は不正なスケジュール文字列を1回だけ警告する。
func (q *QuietCalculator) warnOnce(schedule string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.warned[schedule] {
		return
	}
	q.warned[schedule] = true
	q.logger.Warn("クワイエットアワーのスケジュール文字列が不正です。スケジュールなしとして扱います",
		slog.String("schedule", schedule),
	)
}

// inWindow は分単位の時刻でウィンドウ判定を行う。両端を含む。
func inWindow(now, start, end int) bool {
	if start <= end {
		return start <= now && now <= end
	}
	// 深夜をまたぐウィンドウ
	return now >= start || now <= end
}

// minuteOfDay は時刻をその日の経過分に変換する。秒以下は切り捨て。
func minuteOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

// parseMinuteOfDay は"HH:MM"をその日の経過分としてパースする。
func parseMinuteOfDay(s string) (int, bool) {
	hh, mm, found := strings.Cut(strings.TrimSpace(s), ":")
	if !found {
		return 0, false
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, false
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}
