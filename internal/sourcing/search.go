package sourcing

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"relister/internal/model"
	"relister/internal/pkg/fetch"
	"relister/internal/pkg/normalize"
)

// ErrMissingCredential 表示没有配置上游 API key，整个批处理无法进行。
var ErrMissingCredential = errors.New("upstream api key not configured")

const searchUserAgent = "relister/1.0"

// Searcher 按源图搜索候选。
type Searcher interface {
	Search(ctx context.Context, imageURL string) ([model.CandidateSlots]model.Candidate, error)
}

// SearchClient 调用 RapidAPI 的 item_image_search 接口。
type SearchClient struct {
	fetcher *fetch.Client
	policy  fetch.Policy
	baseURL string
	host    string
	apiKey  string
}

// NewSearchClient 创建搜索客户端。host 形如 "taobao-advanced.p.rapidapi.com"。
func NewSearchClient(fetcher *fetch.Client, policy fetch.Policy, host, apiKey string) *SearchClient {
	return &SearchClient{
		fetcher: fetcher,
		policy:  policy,
		baseURL: "https://" + host,
		host:    host,
		apiKey:  apiKey,
	}
}

// WithBaseURL 覆盖请求地址（测试中指向 httptest 服务器）。
func (c *SearchClient) WithBaseURL(base string) *SearchClient {
	c.baseURL = strings.TrimRight(base, "/")
	return c
}

// Ready 在缺少凭据时返回 ErrMissingCredential。
func (c *SearchClient) Ready() error {
	if strings.TrimSpace(c.apiKey) == "" {
		return ErrMissingCredential
	}
	return nil
}

// Search 发起一次带重试的搜索并归一化为 8 个候选。
//
// 响应体不是合法 JSON 时返回 *fetch.DecodeError（终止错误）。
func (c *SearchClient) Search(ctx context.Context, imageURL string) ([model.CandidateSlots]model.Candidate, error) {
	var empty [model.CandidateSlots]model.Candidate
	if err := c.Ready(); err != nil {
		return empty, err
	}

	q := url.Values{}
	q.Set("img", normalize.NormalizeURL(imageURL))
	header := http.Header{}
	header.Set("X-RapidAPI-Key", c.apiKey)
	header.Set("X-RapidAPI-Host", c.host)
	header.Set("Accept", "application/json")
	header.Set("User-Agent", searchUserAgent)

	var payload any
	_, err := c.fetcher.DoJSON(ctx, fetch.Request{
		Method: http.MethodGet,
		URL:    c.baseURL + "/item_image_search?" + q.Encode(),
		Header: header,
		Target: "search",
	}, c.policy, &payload)
	if err != nil {
		return empty, err
	}
	return normalize.Normalize(payload), nil
}
