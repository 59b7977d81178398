// Package normalize 把上游以图搜图接口返回的不规则 JSON 转换为固定 8 个候选。
//
// 上游在不同版本中使用过不同的字段名（pic / pic_url / image ...），
// 这里用按优先级排列的提取器列表来描述别名，而不是散落的条件分支。
// 归一化永远不会失败：缺失或无法解析的字段降级为空值。
package normalize

import (
	"strconv"
	"strings"

	"relister/internal/model"
)

// Record 是上游列表中的单个原始对象。
type Record = map[string]any

// Extractor 从原始记录中提取一个值，ok=false 表示该来源不存在或为空。
type Extractor func(r Record) (any, bool)

// Key 返回读取顶层字段的提取器。
func Key(name string) Extractor {
	return func(r Record) (any, bool) {
		v, ok := r[name]
		if !ok || isBlank(v) {
			return nil, false
		}
		return v, true
	}
}

// FirstOf 返回读取数组字段第一个元素的提取器（如 small_images）。
func FirstOf(name string) Extractor {
	return func(r Record) (any, bool) {
		switch arr := r[name].(type) {
		case []any:
			for _, v := range arr {
				if !isBlank(v) {
					return v, true
				}
			}
		case map[string]any:
			// {"small_images": {"string": ["//img..."]}}
			for _, inner := range arr {
				if list, ok := inner.([]any); ok {
					for _, v := range list {
						if !isBlank(v) {
							return v, true
						}
					}
				}
			}
		}
		return nil, false
	}
}

// ItemPage 在没有详情链接时，根据数字商品 ID 合成商品页 URL。
func ItemPage(idKeys ...string) Extractor {
	return func(r Record) (any, bool) {
		for _, k := range idKeys {
			id, ok := toInt(r[k])
			if ok && id > 0 {
				return "https://item.taobao.com/item.htm?id=" + strconv.FormatInt(id, 10), true
			}
		}
		return nil, false
	}
}

// Field 是一个逻辑字段对应的提取器列表，按顺序尝试。
type Field []Extractor

// Lookup 返回第一个存在的值。
func (f Field) Lookup(r Record) (any, bool) {
	for _, ex := range f {
		if v, ok := ex(r); ok {
			return v, true
		}
	}
	return nil, false
}

// Schema 描述每个候选字段的别名表。
type Schema struct {
	Image      Field
	Detail     Field
	Price      Field
	PromoPrice Field
	Sales      Field
	Seller     Field
	// ListPaths 是结果列表可能出现的位置，点号分隔。
	ListPaths []string
}

// DefaultSchema 收录了上游历次版本出现过的字段名。
var DefaultSchema = Schema{
	Image: Field{
		Key("pic"), Key("pic_url"), Key("pict_url"), Key("image"), Key("img"), Key("img_url"),
		FirstOf("small_images"),
	},
	Detail: Field{
		Key("detail_url"), Key("url"), Key("detailUrl"), Key("item_url"),
		ItemPage("num_iid", "item_id", "itemId"),
	},
	Price:      Field{Key("price"), Key("reserve_price"), Key("orgPrice"), Key("view_price")},
	PromoPrice: Field{Key("promotion_price"), Key("promo_price"), Key("zk_final_price")},
	Sales:      Field{Key("sales"), Key("view_sales"), Key("volume")},
	Seller:     Field{Key("seller_nick"), Key("nick"), Key("shop_title")},
	ListPaths:  []string{"result.item", "result.items", "data.items", "data", "items", "result"},
}

// Normalize 使用 DefaultSchema 归一化上游响应。
func Normalize(payload any) [model.CandidateSlots]model.Candidate {
	return DefaultSchema.Normalize(payload)
}

// Normalize 将任意 JSON 值转换为恰好 8 个候选，顺序与上游一致。
//
// 超出 8 个的结果被截断，不足的以空候选补齐。Candidate.Idx 为槽位序号。
func (s Schema) Normalize(payload any) [model.CandidateSlots]model.Candidate {
	var out [model.CandidateSlots]model.Candidate
	for i := range out {
		out[i].Idx = i
	}

	list := s.findList(payload)
	n := 0
	for _, raw := range list {
		if n >= model.CandidateSlots {
			break
		}
		rec, ok := raw.(map[string]any)
		if !ok {
			// 非对象元素占一个槽位，保持与上游顺序一致
			n++
			continue
		}
		out[n] = s.candidate(rec, n)
		n++
	}
	return out
}

func (s Schema) candidate(r Record, idx int) model.Candidate {
	c := model.Candidate{Idx: idx}
	if v, ok := s.Image.Lookup(r); ok {
		c.ImageURL = NormalizeURL(toString(v))
	}
	if v, ok := s.Detail.Lookup(r); ok {
		c.DetailURL = NormalizeURL(toString(v))
	}
	if v, ok := s.Price.Lookup(r); ok {
		c.Price = ParseNumber(v)
	}
	if v, ok := s.PromoPrice.Lookup(r); ok {
		c.PromoPrice = ParseNumber(v)
	}
	if v, ok := s.Sales.Lookup(r); ok {
		c.Sales = stringPtr(toString(v))
	}
	if v, ok := s.Seller.Lookup(r); ok {
		c.Seller = stringPtr(toString(v))
	}
	return c
}

// findList 依次探测已知路径，返回第一个数组；payload 本身是数组时直接返回。
func (s Schema) findList(payload any) []any {
	if arr, ok := payload.([]any); ok {
		return arr
	}
	root, ok := payload.(map[string]any)
	if !ok {
		return nil
	}
	for _, path := range s.ListPaths {
		if arr, ok := walk(root, path).([]any); ok {
			return arr
		}
	}
	return nil
}

func walk(root map[string]any, path string) any {
	var cur any = root
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}

// NormalizeURL 补全协议：//host/x 与 host/x 变为 https://，绝对地址原样返回。
func NormalizeURL(raw string) string {
	u := strings.TrimSpace(raw)
	switch {
	case u == "":
		return ""
	case strings.HasPrefix(u, "//"):
		return "https:" + u
	case strings.HasPrefix(u, "https://"), strings.HasPrefix(u, "http://"):
		return u
	case strings.Contains(u, "://"):
		return u
	case strings.HasPrefix(u, "/"):
		// 站内相对路径没有主机名，无法补全
		return u
	default:
		return "https://" + u
	}
}

// ParseNumber 宽松解析数字：允许千分位逗号、货币符号与非数字后缀。
//
// "1,299.00元" -> 1299；"¥ 35.5" -> 35.5；无法解析返回 nil。
func ParseNumber(v any) *float64 {
	switch t := v.(type) {
	case nil:
		return nil
	case float64:
		return &t
	case int:
		f := float64(t)
		return &f
	case int64:
		f := float64(t)
		return &f
	case string:
		return parseNumericString(t)
	default:
		return nil
	}
}

func parseNumericString(s string) *float64 {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "null") {
		return nil
	}
	var b strings.Builder
	seenDigit := false
	seenDot := false
scan:
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
			seenDigit = true
		case r == ',' && !seenDot:
			// 千分位
		case r == '.' && seenDigit && !seenDot:
			b.WriteRune(r)
			seenDot = true
		case seenDigit:
			// 数字之后出现的第一个非数字字符作为结束
			break scan
		}
	}
	if !seenDigit {
		return nil
	}
	f, err := strconv.ParseFloat(strings.TrimSuffix(b.String(), "."), 64)
	if err != nil {
		return nil
	}
	return &f
}

func toInt(v any) (int64, bool) {
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case int:
		return int64(t), true
	case int64:
		return t, true
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		return i, err == nil
	}
	return 0, false
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		return ""
	}
}

func stringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func isBlank(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		s := strings.TrimSpace(t)
		return s == "" || s == "null"
	case []any:
		return len(t) == 0
	}
	return false
}
