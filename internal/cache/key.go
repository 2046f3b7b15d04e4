package cache

import (
	"crypto/sha1"
	"encoding/hex"
)

// Key 返回 URL 的缓存键：原始 URL 字符串的 SHA-1 十六进制摘要。
// 不做任何规范化，尾部斜杠或参数顺序不同即为不同的键。
func Key(rawURL string) string {
	sum := sha1.Sum([]byte(rawURL))
	return hex.EncodeToString(sum[:])
}
