package domain

import "strings"

// Wildcard 表示不限制域名
const Wildcard = "*"

// DomainAllowed 判断收件地址是否被域名列表允许。
//
// SMTP 接收时的全局过滤和查询时的按身份过滤都只使用这一个函数。
//
// 规则:
//   - 列表为空: 允许
//   - 列表包含 "*": 允许
//   - 否则取最后一个 '@' 之后的部分转为小写，判断是否在列表中
//   - 地址没有 '@' 或域名为空: 拒绝
func DomainAllowed(address string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, d := range allowed {
		if d == Wildcard {
			return true
		}
	}

	at := strings.LastIndex(address, "@")
	if at < 0 {
		return false
	}
	recipientDomain := strings.ToLower(address[at+1:])
	if recipientDomain == "" {
		return false
	}

	for _, d := range allowed {
		if d == recipientDomain {
			return true
		}
	}
	return false
}

// NormalizeDomains 清理域名列表：去空白、去掉前导 '@'、转小写、去重。
func NormalizeDomains(domains []string) []string {
	out := make([]string, 0, len(domains))
	seen := make(map[string]struct{}, len(domains))
	for _, d := range domains {
		d = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(d), "@"))
		if d == "" {
			continue
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out
}
