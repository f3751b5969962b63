// Package lock provides the host-local mutual exclusion used to serialize
// downloads of the same content hash across processes. Ownership is tied to an
// OS-level exclusive lock on a uniquely named file: the first caller wins, a
// refused attempt means another holder exists, and closing the descriptor (or
// the death of the process) releases it.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"
)

const (
	// DefaultPollInterval 是锁被占用时的重试间隔。
	DefaultPollInterval = 100 * time.Millisecond
	// DefaultTimeout 是获取锁的上限，超过即失败而不是无限等待。
	DefaultTimeout = 120 * time.Second
)

// ErrTimeout 表示在 Timeout 内未能获取进程锁。
var ErrTimeout = errors.New("process lock timeout")

// Handle 代表一次成功的加锁，Release 之后句柄失效。
type Handle interface {
	Release() error
}

// Locker 是单次尝试加锁的抽象。返回 (nil, false, nil) 表示锁被其他持有者占用；
// 其它错误均为致命错误，不会被重试。
type Locker interface {
	TryAcquire(key string) (Handle, bool, error)
}

// Options 控制 Acquire 的轮询节奏。
type Options struct {
	PollInterval time.Duration
	Timeout      time.Duration
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	return o
}

// Acquire polls locker until the key is obtained, the timeout elapses
// (ErrTimeout) or ctx is cancelled.
func Acquire(ctx context.Context, locker Locker, key string, opts Options) (Handle, error) {
	if locker == nil {
		return nil, errors.New("locker is required")
	}
	opts = opts.withDefaults()
	deadline := time.Now().Add(opts.Timeout)

	for {
		handle, ok, err := locker.TryAcquire(key)
		if err != nil {
			return nil, err
		}
		if ok {
			return handle, nil
		}

		wait := opts.PollInterval
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, key, opts.Timeout)
		}
		if wait > remaining {
			wait = remaining
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// FileLocker 在 Dir 下为每个 key 创建 castor_<key>.lock 并对其加独占锁。
// 锁文件不能放在存储根目录里，否则 purge 可能删掉正被持有的锁。
type FileLocker struct {
	Dir string
}

// NewFileLocker 创建锁目录；dir 为空时使用系统临时目录下的 castor-locks。
func NewFileLocker(dir string) (*FileLocker, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "castor-locks")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	return &FileLocker{Dir: dir}, nil
}

// Path 返回 key 对应的锁文件路径。
func (l *FileLocker) Path(key string) string {
	return filepath.Join(l.Dir, "castor_"+unsafeKeyChars.ReplaceAllString(key, "_")+".lock")
}

// TryAcquire 以非阻塞方式尝试获取 key 的独占锁。
func (l *FileLocker) TryAcquire(key string) (Handle, bool, error) {
	if key == "" {
		return nil, false, errors.New("lock key required")
	}
	f, err := os.OpenFile(l.Path(key), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, false, fmt.Errorf("open lock file: %w", err)
	}

	ok, err := tryLock(f)
	if err != nil || !ok {
		f.Close()
		if err != nil {
			return nil, false, fmt.Errorf("lock %s: %w", key, err)
		}
		return nil, false, nil
	}
	return &fileHandle{file: f}, true, nil
}

type fileHandle struct {
	file *os.File
}

// Release 解锁并关闭描述符；锁文件本身保留，避免与并发的加锁者竞争 inode。
func (h *fileHandle) Release() error {
	if h.file == nil {
		return nil
	}
	unlockErr := unlock(h.file)
	closeErr := h.file.Close()
	h.file = nil
	if unlockErr != nil {
		return unlockErr
	}
	return closeErr
}
