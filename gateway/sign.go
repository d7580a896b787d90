package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strconv"
)

// BuildQuery 将参数按 key 排序后编码为查询串（Bybit 签名要求固定顺序）。
func BuildQuery(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	q := url.Values{}
	for _, k := range keys {
		q.Set(k, params[k])
	}
	return q.Encode()
}

// SignV5 计算 Bybit v5 签名：HMAC-SHA256(timestamp + apiKey + recvWindow + payload)。
// GET 请求 payload 为查询串，POST 请求为原始 JSON body。
func SignV5(secret, apiKey string, timestampMs int64, recvWindowMs int, payload string) string {
	base := strconv.FormatInt(timestampMs, 10) + apiKey + strconv.Itoa(recvWindowMs) + payload
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(base))
	return hex.EncodeToString(mac.Sum(nil))
}
