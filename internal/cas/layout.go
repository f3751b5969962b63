package cas

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// TempSuffix 标记尚未发布的写入文件；维护任务据此跳过进行中的下载。
const TempSuffix = ".tmp"

// Layout 把内容哈希映射到 Root 下的两级分片路径，整站复用一份实例。
type Layout struct {
	Root string
}

// NewLayout 以 root 为根目录构建布局，并确保目录存在。
func NewLayout(root string) (Layout, error) {
	if root == "" {
		return Layout{}, errors.New("storage root required")
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return Layout{}, fmt.Errorf("resolve storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return Layout{}, fmt.Errorf("create storage root: %w", err)
	}
	return Layout{Root: abs}, nil
}

// Path returns root/hash[0:2]/hash[2:3]/hash. The hash must be at least three
// characters long; callers validate with ValidHash first.
func (l Layout) Path(hash string) string {
	return filepath.Join(l.Root, hash[0:2], hash[2:3], hash)
}

// TempPath 返回下载使用的固定临时路径，断点续传依赖其稳定性。
func (l Layout) TempPath(hash string) string {
	return l.Path(hash) + TempSuffix
}

// Stat 返回 hash 对应正文的文件信息，目录不算命中。
func (l Layout) Stat(hash string) (fs.FileInfo, error) {
	info, err := os.Stat(l.Path(hash))
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fs.ErrNotExist
	}
	return info, nil
}

// Exists 判断 hash 对应的正文是否已在磁盘上。
func (l Layout) Exists(hash string) bool {
	_, err := l.Stat(hash)
	return err == nil
}

// Put 将 body 写入存储：先落到唯一命名的临时文件并同步计算摘要，再 rename 到
// 规范路径。已存在的同哈希正文不会被覆盖。失败时清理临时文件。
func (l Layout) Put(ctx context.Context, body io.Reader) (hash string, size int64, created bool, err error) {
	tempFile, err := os.CreateTemp(l.Root, ".put-"+uuid.NewString()+"-*"+TempSuffix)
	if err != nil {
		return "", 0, false, err
	}
	tempName := tempFile.Name()

	h := md5.New()
	written, err := CopyWithContext(ctx, io.MultiWriter(tempFile, h), body)
	if err == nil {
		err = tempFile.Sync()
	}
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return "", 0, false, err
	}

	hash = hex.EncodeToString(h.Sum(nil))
	if info, statErr := l.Stat(hash); statErr == nil && (info.Size() > 0 || hash == EmptyHash) {
		os.Remove(tempName)
		return hash, written, false, nil
	}

	if err := l.MoveInto(tempName, hash); err != nil {
		os.Remove(tempName)
		return "", 0, false, err
	}
	return hash, written, true, nil
}

// PutBytes 是 Put 的内存版本。
func (l Layout) PutBytes(ctx context.Context, data []byte) (string, bool, error) {
	hash, _, created, err := l.Put(ctx, bytes.NewReader(data))
	return hash, created, err
}

// MoveInto 创建分片目录并把 src 原子移动到 hash 的规范路径。
func (l Layout) MoveInto(src, hash string) error {
	dst := l.Path(hash)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.Rename(src, dst)
}

// IsTemp 判断 path 是否为未发布的临时文件。
func IsTemp(path string) bool {
	return strings.HasSuffix(path, TempSuffix)
}

// CopyWithContext 分块拷贝并在每块之间检查 ctx，返回已写入字节数。
func CopyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
