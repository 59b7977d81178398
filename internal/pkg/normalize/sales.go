package normalize

import (
	"math"
	"strconv"
	"strings"

	"relister/internal/model"
)

// salesUnits 是销量字符串中出现的数量级后缀。
var salesUnits = []struct {
	suffix string
	mult   float64
}{
	{"万", 10000},
	{"w", 10000},
	{"千", 1000},
	{"k", 1000},
}

// ParseSales 将上游的销量描述转换为整数，无法解析返回 -1。
//
// 支持 "1234"、"1,234"、"2.5万+"、"3k"、"月销 800+"、"1.2w人付款" 等写法。
func ParseSales(s string) int64 {
	t := strings.ToLower(strings.TrimSpace(s))
	t = strings.ReplaceAll(t, ",", "")
	if t == "" {
		return -1
	}

	start := strings.IndexFunc(t, func(r rune) bool { return r >= '0' && r <= '9' })
	if start < 0 {
		return -1
	}
	end := start
	seenDot := false
	for end < len(t) {
		c := t[end]
		if c >= '0' && c <= '9' {
			end++
			continue
		}
		if c == '.' && !seenDot {
			seenDot = true
			end++
			continue
		}
		break
	}

	n, err := strconv.ParseFloat(strings.TrimSuffix(t[start:end], "."), 64)
	if err != nil {
		return -1
	}
	rest := strings.TrimSpace(t[end:])
	for _, u := range salesUnits {
		if strings.HasPrefix(rest, u.suffix) {
			n *= u.mult
			break
		}
	}
	return int64(math.Round(n))
}

// BestBySales 返回销量最高的候选槽位；所有候选都无法解析时返回 nil。
//
// 销量相同时取靠前的槽位（上游排序优先）。
func BestBySales(cands []model.Candidate) *int {
	best := -1
	bestSales := int64(-1)
	for _, c := range cands {
		if c.Sales == nil {
			continue
		}
		v := ParseSales(*c.Sales)
		if v > bestSales {
			best = c.Idx
			bestSales = v
		}
	}
	if best < 0 {
		return nil
	}
	return &best
}
