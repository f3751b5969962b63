package index

import (
	"strings"

	"github.com/131/castor/internal/cas"
)

// Canonicalize 把同一资源的不同写法归一：丢弃第一个 ? 之后的查询串，把 /./ 与 //
// 折叠成 /，去掉一个前导 / 或 ./，再去掉末尾的 /。结果是幂等的。
func Canonicalize(name string) string {
	if idx := strings.IndexByte(name, '?'); idx >= 0 {
		name = name[:idx]
	}
	for {
		collapsed := strings.ReplaceAll(name, "/./", "/")
		collapsed = strings.ReplaceAll(collapsed, "//", "/")
		if collapsed == name {
			break
		}
		name = collapsed
	}
	switch {
	case strings.HasPrefix(name, "./"):
		name = name[2:]
	case strings.HasPrefix(name, "/"):
		name = name[1:]
	}
	return strings.TrimSuffix(name, "/")
}

// SUID 是规范化名称的 MD5，作为命名空间内的查找键。原始名称不可由其反推。
func SUID(name string) string {
	return cas.HashString(Canonicalize(name))
}
