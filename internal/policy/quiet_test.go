package policy

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func newTestCalculator(t *testing.T) (*QuietCalculator, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	return NewQuietCalculator(logger), &buf
}

func at(hhmm string) time.Time {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		panic(err)
	}
	return time.Date(2025, 6, 15, t.Hour(), t.Minute(), 0, 0, time.Local)
}

func TestIsQuiet_ManualOverride(t *testing.T) {
	calc, _ := newTestCalculator(t)

	if !calc.IsQuiet(at("12:00"), true, "") {
		t.Error("manual override should always be quiet")
	}
}

func TestIsQuiet_WrappingWindow(t *testing.T) {
	calc, _ := newTestCalculator(t)

	tests := []struct {
		now  string
		want bool
	}{
		{"23:00", true},
		{"10:00", false},
		{"06:00", true}, // 境界は含む
		{"06:01", false},
		{"22:00", true},
		{"21:59", false},
		{"00:30", true},
	}
	for _, tt := range tests {
		t.Run(tt.now, func(t *testing.T) {
			got := calc.IsQuiet(at(tt.now), false, "22:00-06:00")
			if got != tt.want {
				t.Errorf("IsQuiet(%s, 22:00-06:00) = %v, want %v", tt.now, got, tt.want)
			}
		})
	}
}

func TestIsQuiet_SameDayWindow(t *testing.T) {
	calc, _ := newTestCalculator(t)

	tests := []struct {
		now  string
		want bool
	}{
		{"12:00", true},
		{"09:00", true},
		{"18:00", true},
		{"08:59", false},
		{"18:01", false},
	}
	for _, tt := range tests {
		t.Run(tt.now, func(t *testing.T) {
			got := calc.IsQuiet(at(tt.now), false, "09:00-18:00")
			if got != tt.want {
				t.Errorf("IsQuiet(%s, 09:00-18:00) = %v, want %v", tt.now, got, tt.want)
			}
		})
	}
}

func TestIsQuiet_MalformedScheduleLogsOnce(t *testing.T) {
	calc, buf := newTestCalculator(t)

	for i := 0; i < 3; i++ {
		if calc.IsQuiet(at("12:00"), false, "25:99-xx") {
			t.Error("malformed schedule should not be quiet")
		}
	}

	count := strings.Count(buf.String(), "25:99-xx")
	if count != 1 {
		t.Errorf("malformed schedule warning logged %d times, want 1", count)
	}
}

func TestIsQuiet_EmptySchedule(t *testing.T) {
	calc, buf := newTestCalculator(t)

	if calc.IsQuiet(at("12:00"), false, "") {
		t.Error("empty schedule should not be quiet")
	}
	if buf.Len() != 0 {
		t.Errorf("empty schedule should not be logged, got %s", buf.String())
	}
}

func TestInWindow_DisabledConfig(t *testing.T) {
	calc, _ := newTestCalculator(t)

	in, silent := calc.InWindow(at("23:00"), QuietHours{Enabled: false, Start: "22:00", End: "06:00"})
	if in {
		t.Error("disabled config should never be in window")
	}
	if silent {
		t.Error("disabled config should report silent=false")
	}
}

func TestInWindow_EnabledConfig(t *testing.T) {
	calc, _ := newTestCalculator(t)

	cfg := QuietHours{Enabled: true, Start: "22:00", End: "06:00"}

	in, silent := calc.InWindow(at("23:00"), cfg)
	if !in {
		t.Error("23:00 should be inside 22:00-06:00")
	}
	// notify_silently未指定はtrue扱い
	if !silent {
		t.Error("unset notify_silently should default to true")
	}

	in, _ = calc.InWindow(at("12:00"), cfg)
	if in {
		t.Error("12:00 should be outside 22:00-06:00")
	}
}

func TestInWindow_ExplicitNotifySilently(t *testing.T) {
	calc, _ := newTestCalculator(t)

	f := false
	cfg := QuietHours{Enabled: true, Start: "22:00", End: "06:00", NotifySilently: &f}

	_, silent := calc.InWindow(at("23:00"), cfg)
	if silent {
		t.Error("explicit notify_silently=false should be respected")
	}
}
