package cas

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

// EmptyHash 是空字节序列的 MD5，零长度文件只有在该哈希下才被视为合法。
const EmptyHash = "d41d8cd98f00b204e9800998ecf8427e"

// HashLen 为十六进制 MD5 的长度。
const HashLen = 32

// NormalizeHash 去除空白并统一为小写，便于和磁盘文件名比较。
func NormalizeHash(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// ValidHash reports whether s is a 32 character lowercase hex digest.
func ValidHash(s string) bool {
	if len(s) != HashLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// HashBytes 返回 data 的十六进制 MD5。
func HashBytes(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// HashString 是 HashBytes 的字符串版本，用于 suid 计算。
func HashString(s string) string {
	return HashBytes([]byte(s))
}

// HashReader 流式计算 r 的 MD5，同时返回读取的字节数。
func HashReader(r io.Reader) (string, int64, error) {
	h := md5.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// HashFile 计算磁盘文件的 MD5。
func HashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	sum, n, err := HashReader(f)
	if err != nil {
		return "", n, fmt.Errorf("hash %s: %w", path, err)
	}
	return sum, n, nil
}
