package imageproxy

import (
	"net/url"
	"path"
	"strings"
)

// DefaultAllowSuffixes 是默认允许代理的主机后缀。
var DefaultAllowSuffixes = []string{
	".alicdn.com",
	".alicdn.com.cn",
	".alicdn.net",
	".pstatic.net",
	".tbcdn.cn",
	".taobao.com",
	".tmall.com",
}

// DefaultReferer 用于没有匹配规则的主机。
const DefaultReferer = "https://item.taobao.com/"

// HostRule 按主机后缀决定请求使用的 Referer。
type HostRule struct {
	Suffix  string
	Referer string
}

// DefaultHostRules 按顺序匹配，先匹配者生效。
var DefaultHostRules = []HostRule{
	{Suffix: ".tmall.com", Referer: "https://detail.tmall.com/"},
	{Suffix: ".tmall.hk", Referer: "https://detail.tmall.hk/"},
	{Suffix: ".taobao.com", Referer: "https://item.taobao.com/"},
	{Suffix: ".alicdn.com", Referer: "https://item.taobao.com/"},
	{Suffix: ".tbcdn.cn", Referer: "https://item.taobao.com/"},
	{Suffix: ".pstatic.net", Referer: "https://smartstore.naver.com/"},
}

// Mirror 是镜像族中的一个成员。
//
// Match 是主机模式（path.Match 语法）；Prefix 是该镜像在路径前多出的一段。
// Host 为空的成员只能作为来源，不会被改写成目标。
type Mirror struct {
	Match  string
	Host   string
	Prefix string
}

// Family 是一组可以互换的 CDN 镜像，Mirrors 按优先级排列。
type Family struct {
	Name    string
	Mirrors []Mirror
}

// DefaultFamilies 收录 alicdn 的常见镜像。
var DefaultFamilies = []Family{
	{
		Name: "alicdn",
		Mirrors: []Mirror{
			{Match: "img.alicdn.com", Host: "img.alicdn.com"},
			{Match: "gw.alicdn.com", Host: "gw.alicdn.com"},
			{Match: "g.search*.alicdn.com", Prefix: "/img"},
		},
	},
}

func hostAllowed(host string, suffixes []string) bool {
	h := strings.ToLower(host)
	for _, suf := range suffixes {
		suf = strings.ToLower(strings.TrimSpace(suf))
		if suf == "" {
			continue
		}
		if !strings.HasPrefix(suf, ".") {
			suf = "." + suf
		}
		if h == suf[1:] || strings.HasSuffix(h, suf) {
			return true
		}
	}
	return false
}

// RefererFor 返回 host 对应的 Referer，只依赖主机名。
func RefererFor(host string, rules []HostRule) string {
	h := strings.ToLower(host)
	for _, r := range rules {
		if h == strings.TrimPrefix(r.Suffix, ".") || strings.HasSuffix(h, r.Suffix) {
			return r.Referer
		}
	}
	return DefaultReferer
}

// mirrorURLs 返回 target 在镜像族中的其它地址（按优先级，不含 target 自身）。
func mirrorURLs(target *url.URL, families []Family) []*url.URL {
	host := strings.ToLower(target.Hostname())
	for _, fam := range families {
		src, ok := matchMirror(host, target.Path, fam.Mirrors)
		if !ok {
			continue
		}
		asset := strings.TrimPrefix(target.Path, src.Prefix)
		var out []*url.URL
		for _, m := range fam.Mirrors {
			if m.Host == "" {
				continue
			}
			u := *target
			u.Scheme = "https"
			u.Host = m.Host
			u.Path = m.Prefix + asset
			u.RawPath = ""
			if u.String() == target.String() {
				continue
			}
			out = append(out, &u)
		}
		return out
	}
	return nil
}

func matchMirror(host, p string, mirrors []Mirror) (Mirror, bool) {
	for _, m := range mirrors {
		ok, err := path.Match(m.Match, host)
		if err != nil || !ok {
			continue
		}
		if m.Prefix != "" && !strings.HasPrefix(p, m.Prefix+"/") {
			continue
		}
		return m, true
	}
	return Mirror{}, false
}
