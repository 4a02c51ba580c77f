package operator

import (
	"sort"
	"strings"
	"sync"

	"github.com/lithammer/fuzzysearch/fuzzy"
)

// History 以最近使用顺序记录执行过的算子 URI。
type History struct {
	mu       sync.Mutex
	items    []string
	maxItems int
}

// NewHistory 创建指定容量的历史记录，容量非正时为 100。
func NewHistory(maxItems int) *History {
	if maxItems <= 0 {
		maxItems = 100
	}
	return &History{items: make([]string, 0, maxItems), maxItems: maxItems}
}

// Add 记录一次执行，已存在的 URI 会被移到最前。
func (h *History) Add(uri string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, item := range h.items {
		if item == uri {
			h.items = append(h.items[:i], h.items[i+1:]...)
			break
		}
	}
	h.items = append([]string{uri}, h.items...)
	if len(h.items) > h.maxItems {
		h.items = h.items[:h.maxItems]
	}
}

// Position 返回 URI 的位置（0 为最近），不存在时返回 -1。
func (h *History) Position(uri string) int {
	if h == nil {
		return -1
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, item := range h.items {
		if item == uri {
			return i
		}
	}
	return -1
}

// Recent 返回最近的若干 URI。
func (h *History) Recent(limit int) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if limit <= 0 || limit > len(h.items) {
		limit = len(h.items)
	}
	out := make([]string, limit)
	copy(out, h.items[:limit])
	return out
}

type ranked struct {
	summary  Summary
	recency  int
	distance int
}

// Rank 过滤并排序算子摘要。
//
// query 为空时返回全部 listed 算子；否则对 label、name、URI、description 做模糊匹配。
// unlisted 算子只有在 query 与 URI 完全相同时才出现。
// 排序依次为：最近使用、匹配距离、label 字母序、可执行优先。
func Rank(query string, summaries []Summary, history *History) []Summary {
	query = strings.TrimSpace(query)
	var candidates []ranked
	for _, s := range summaries {
		if s.Unlisted && query != s.URI {
			continue
		}
		distance := 0
		if query != "" && query != s.URI {
			d, ok := matchDistance(query, s)
			if !ok {
				continue
			}
			distance = d
		}
		candidates = append(candidates, ranked{summary: s, recency: history.Position(s.URI), distance: distance})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if ar, br := recencyKey(a.recency), recencyKey(b.recency); ar != br {
			return ar < br
		}
		if a.distance != b.distance {
			return a.distance < b.distance
		}
		if al, bl := strings.ToLower(a.summary.Label), strings.ToLower(b.summary.Label); al != bl {
			return al < bl
		}
		return a.summary.CanExecute && !b.summary.CanExecute
	})

	out := make([]Summary, len(candidates))
	for i, c := range candidates {
		out[i] = c.summary
	}
	return out
}

func recencyKey(pos int) int {
	if pos < 0 {
		return int(^uint(0) >> 1)
	}
	return pos
}

func matchDistance(query string, s Summary) (int, bool) {
	targets := []string{s.Label, s.Name, s.URI, s.Description}
	ranks := fuzzy.RankFindFold(query, targets)
	if len(ranks) == 0 {
		return 0, false
	}
	sort.Sort(ranks)
	return ranks[0].Distance, true
}
