package version

import "fmt"

// Version/Commit 可在构建时通过 -ldflags 注入。Version 同时写入索引文档，
// 用于判断存储是否已迁移到哈希分片布局。
var (
	Version = "3.2.0"
	Commit  = "dev"
)

// Full 返回便于 CLI 打印的完整版本信息。
func Full() string {
	return fmt.Sprintf("castor %s (%s)", Version, Commit)
}
