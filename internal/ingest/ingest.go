// Package ingest 把操作员上传的 JSON 行或 CSV 文本转换为待搜索的行。
package ingest

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"

	"relister/internal/model"
	"relister/internal/pkg/normalize"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// ErrNoRows 表示输入中没有任何可用的行。
var ErrNoRows = errors.New("no rows")

// Record 是一条输入行。new_name 与 image_url 是旧表格里的别名。
type Record struct {
	OrderNo     int    `json:"order_no"`
	PrevName    string `json:"prev_name"`
	NewName     string `json:"new_name"`
	Category    string `json:"category"`
	SrcImageURL string `json:"src_img_url"`
	ImageURL    string `json:"image_url"`
	Baedaji     any    `json:"baedaji"`
}

// headerAliases 把表头映射到字段名，比较时忽略大小写与首尾空白。
var headerAliases = map[string]string{
	"prev_name":   "prev_name",
	"이전상품명":       "prev_name",
	"new_name":    "new_name",
	"상품명":         "new_name",
	"category":    "category",
	"카테고리":        "category",
	"src_img_url": "src_img_url",
	"이미지url":      "src_img_url",
	"image_url":   "src_img_url",
	"baedaji":     "baedaji",
	"배송비":         "baedaji",
	"order_no":    "order_no",
}

// ParseCSV 读取带表头的 CSV。未知列被忽略，空行被跳过。
func ParseCSV(r io.Reader) ([]Record, error) {
	br := bufio.NewReader(r)
	if b, _ := br.Peek(len(utf8BOM)); bytes.Equal(b, utf8BOM) {
		_, _ = br.Discard(len(utf8BOM))
	}
	cr := csv.NewReader(br)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	cols := make([]string, len(header))
	known := 0
	for i, h := range header {
		if field, ok := headerAliases[strings.ToLower(strings.TrimSpace(h))]; ok {
			cols[i] = field
			known++
		}
	}
	if known == 0 {
		return nil, fmt.Errorf("csv header has no known columns: %v", header)
	}

	var out []Record
	for line := 2; ; line++ {
		fields, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv line %d: %w", line, err)
		}
		var rec Record
		empty := true
		for i, v := range fields {
			if i >= len(cols) || cols[i] == "" {
				continue
			}
			v = strings.TrimSpace(v)
			if v != "" {
				empty = false
			}
			switch cols[i] {
			case "prev_name":
				rec.PrevName = v
			case "new_name":
				rec.NewName = v
			case "category":
				rec.Category = v
			case "src_img_url":
				if rec.SrcImageURL == "" {
					rec.SrcImageURL = v
				}
			case "baedaji":
				if v != "" {
					rec.Baedaji = v
				}
			case "order_no":
				if n := normalize.ParseNumber(v); n != nil {
					rec.OrderNo = int(*n)
				}
			}
		}
		if !empty {
			out = append(out, rec)
		}
	}
	return out, nil
}

// ToRows 转换为 model.Row。既没有名称也没有图片的行被丢弃；
// 只有名称没有图片的行保留，预取时会被标记为 error。
func ToRows(recs []Record) ([]model.Row, error) {
	rows := make([]model.Row, 0, len(recs))
	for _, r := range recs {
		name := strings.TrimSpace(r.PrevName)
		if name == "" {
			name = strings.TrimSpace(r.NewName)
		}
		src := strings.TrimSpace(r.SrcImageURL)
		if src == "" {
			src = strings.TrimSpace(r.ImageURL)
		}
		if name == "" && src == "" {
			continue
		}
		row := model.Row{
			OrderNo:  r.OrderNo,
			PrevName: name,
			Category: strings.TrimSpace(r.Category),
		}
		if src != "" {
			row.SrcImageURL = normalize.NormalizeURL(src)
		}
		if f := normalize.ParseNumber(r.Baedaji); f != nil && *f >= 0 {
			v := int64(math.Round(*f))
			row.Baedaji = &v
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil, ErrNoRows
	}
	return rows, nil
}
