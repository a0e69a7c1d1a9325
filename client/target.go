package client

import (
	"net/url"
)

// KeyParam 连接地址中携带访问密钥的查询参数名
const KeyParam = "key"

// BuildTarget 将服务地址与访问密钥合成为 websocket 连接地址。
// 密钥经 URL 编码后追加为 ?key=...；http/https 会被改写为 ws/wss。
func BuildTarget(endpoint, key string) (*url.URL, error) {
	if endpoint == "" {
		return nil, newError(KindMalformedTarget, nil, "empty endpoint")
	}
	if key == "" {
		return nil, newError(KindMalformedTarget, nil, "empty access key")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, newError(KindMalformedTarget, err, "invalid endpoint %q", endpoint)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, newError(KindMalformedTarget, nil, "unsupported scheme %q in %q", u.Scheme, endpoint)
	}
	if u.Host == "" {
		return nil, newError(KindMalformedTarget, nil, "missing host in %q", endpoint)
	}
	q := u.Query()
	q.Set(KeyParam, key)
	u.RawQuery = q.Encode()
	return u, nil
}

// redactedTarget 日志中隐藏密钥
func redactedTarget(u *url.URL) string {
	c := *u
	q := c.Query()
	if q.Has(KeyParam) {
		q.Set(KeyParam, "xxxxx")
	}
	c.RawQuery = q.Encode()
	return c.String()
}
