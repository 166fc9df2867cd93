package classify

import (
	"strings"

	"github.com/hitoshi/digestman/internal/model"
)

// Heuristic はリモート分類器が使えない場合のフォールバック分類器。
// ニュース語彙との一致数と本文長だけで粗く判定する。
type Heuristic struct {
	keywords   []string
	minTextLen int
}

// NewHeuristic はHeuristicを生成する。keywordsは小文字化して保持する。
func NewHeuristic(keywords []string, minTextLen int) *Heuristic {
	lowered := make([]string, 0, len(keywords))
	for _, w := range keywords {
		w = strings.TrimSpace(strings.ToLower(w))
		if w != "" {
			lowered = append(lowered, w)
		}
	}
	return &Heuristic{keywords: lowered, minTextLen: minTextLen}
}

// Classify はテキストを分類する。
// ニュース語彙に1語以上一致し、かつ本文が十分長い場合のみNEWSとする。
// フォールバック判定のため確信度は低めに固定する。
func (h *Heuristic) Classify(text string) model.Classification {
	lowered := strings.ToLower(text)

	matches := 0
	for _, w := range h.keywords {
		if strings.Contains(lowered, w) {
			matches++
		}
	}

	if matches >= 1 && len([]rune(text)) >= h.minTextLen {
		return model.Classification{Class: model.ClassNews, Confidence: 0.6}
	}
	return model.Classification{Class: model.ClassExpert, Confidence: 0.4}
}
