// Package download implements the resumable, verified fetch of a single blob.
// A download streams the remote body into <hashpath>.tmp while feeding an MD5
// accumulator, retries interrupted transfers with Range requests when the
// server supports them, and only publishes the file at its canonical path once
// the digest matches. Concurrent downloads of the same hash, in this process or
// another one on the host, are serialized through the process lock.
package download

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/131/castor/internal/cas"
	"github.com/131/castor/internal/lock"
)

const (
	// DefaultMaxStall 是连续无进展的尝试次数上限，达到后关闭续传。
	DefaultMaxStall = 10
	// DefaultBackoff 是每个停滞计数对应的退避单位。
	DefaultBackoff = time.Second
	// maxBackoffSteps 限制退避倍数。
	maxBackoffSteps = 10
)

// Options 汇总 Downloader 的依赖与调优参数。
type Options struct {
	Layout      cas.Layout
	Client      *http.Client
	Locker      lock.Locker
	LockOptions lock.Options
	Logger      *logrus.Logger
	Backoff     time.Duration
	MaxStall    int
}

// Downloader 负责单个内容哈希的下载、校验与发布。
type Downloader struct {
	layout   cas.Layout
	client   *http.Client
	locker   lock.Locker
	lockOpts lock.Options
	logger   *logrus.Logger
	backoff  time.Duration
	maxStall int
	sleep    func(context.Context, time.Duration) error
}

// New 构造 Downloader，未设置的参数使用默认值。
func New(opts Options) (*Downloader, error) {
	if opts.Layout.Root == "" {
		return nil, errors.New("storage layout is required")
	}
	if opts.Locker == nil {
		return nil, errors.New("process locker is required")
	}
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = DefaultBackoff
	}
	maxStall := opts.MaxStall
	if maxStall <= 0 {
		maxStall = DefaultMaxStall
	}
	return &Downloader{
		layout:   opts.Layout,
		client:   client,
		locker:   opts.Locker,
		lockOpts: opts.LockOptions,
		logger:   logger,
		backoff:  backoff,
		maxStall: maxStall,
		sleep:    sleepContext,
	}, nil
}

// Layout 返回下载器使用的存储布局。
func (d *Downloader) Layout() cas.Layout {
	return d.layout
}

// Download ensures the blob identified by expectedHash exists at its canonical
// path. It returns true when bytes were fetched from the network and false when
// the blob was already present. On failure no temp file is left behind and the
// process lock is released.
func (d *Downloader) Download(ctx context.Context, rawURL, expectedHash string, allowResume bool) (bool, error) {
	expectedHash = cas.NormalizeHash(expectedHash)
	if strings.TrimSpace(rawURL) == "" || !cas.ValidHash(expectedHash) {
		return false, fmt.Errorf("%w: url=%q hash=%q", cas.ErrBadArguments, rawURL, expectedHash)
	}

	present, err := d.satisfied(expectedHash)
	if err != nil || present {
		return false, err
	}

	handle, err := lock.Acquire(ctx, d.locker, expectedHash, d.lockOpts)
	if err != nil {
		return false, err
	}
	defer func() {
		if relErr := handle.Release(); relErr != nil {
			d.logger.WithError(relErr).WithField("hash", expectedHash).Warn("lock_release_failed")
		}
	}()

	// 等锁期间可能已有其它进程完成下载。
	present, err = d.satisfied(expectedHash)
	if err != nil || present {
		return false, err
	}

	started := time.Now()
	fields := logrus.Fields{"action": "download", "hash": expectedHash, "url": rawURL}
	size, attempts, err := d.fetch(ctx, rawURL, expectedHash, allowResume)
	fields["attempts"] = attempts
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		fields["error"] = err.Error()
		d.logger.WithFields(fields).Error("download_failed")
		return false, err
	}
	fields["bytes"] = size
	d.logger.WithFields(fields).Info("download_complete")
	return true, nil
}

// satisfied 检查规范路径：零长度的非空哈希文件视为无效桩数据并删除。
func (d *Downloader) satisfied(expectedHash string) (bool, error) {
	target := d.layout.Path(expectedHash)
	info, err := os.Stat(target)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if info.Size() == 0 && expectedHash != cas.EmptyHash {
		d.logger.WithFields(logrus.Fields{"action": "download", "hash": expectedHash}).Warn("empty_stub_removed")
		if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

type transfer struct {
	url         string
	tmpPath     string
	hash        hash.Hash
	size        int64
	total       int64
	allowResume bool
}

func (d *Downloader) fetch(ctx context.Context, rawURL, expectedHash string, allowResume bool) (size int64, attempts int, err error) {
	target := d.layout.Path(expectedHash)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, 0, err
	}

	tr := &transfer{
		url:         rawURL,
		tmpPath:     d.layout.TempPath(expectedHash),
		hash:        md5.New(),
		total:       -1,
		allowResume: allowResume,
	}
	defer func() {
		if err != nil {
			os.Remove(tr.tmpPath)
		}
	}()

	if err := tr.prepare(); err != nil {
		return 0, 0, err
	}

	stall := 0
	for {
		attempts++
		previous := tr.size
		resp, err := d.request(ctx, tr)
		if err != nil {
			return tr.size, attempts, err
		}
		if attempts == 1 {
			tr.allowResume = tr.allowResume && acceptsRanges(resp.Header)
		}

		clean, err := d.consume(ctx, tr, resp)
		if err != nil {
			return tr.size, attempts, err
		}

		if err := tr.syncSize(); err != nil {
			return tr.size, attempts, err
		}
		if tr.size <= previous {
			stall++
		} else {
			stall = 0
		}
		tr.allowResume = tr.allowResume && stall < d.maxStall

		d.logger.WithFields(logrus.Fields{
			"action":  "download_attempt",
			"hash":    expectedHash,
			"attempt": attempts,
			"size":    tr.size,
			"total":   tr.total,
			"stall":   stall,
		}).Debug("download_attempt_done")

		// 总大小已知时只看字节数；未知时只能以正文正常结束为准。
		if tr.size == tr.total || !tr.allowResume || (clean && tr.total < 0) {
			break
		}
		if tr.total >= 0 && tr.size > tr.total {
			break
		}

		if err := d.sleep(ctx, time.Duration(min(stall, maxBackoffSteps))*d.backoff); err != nil {
			return tr.size, attempts, err
		}
	}

	actual := hex.EncodeToString(tr.hash.Sum(nil))
	if actual != expectedHash {
		return tr.size, attempts, &cas.CorruptedError{Expected: expectedHash, Actual: actual}
	}
	if err := os.Rename(tr.tmpPath, target); err != nil {
		return tr.size, attempts, err
	}
	return tr.size, attempts, nil
}

// prepare 处理残留的临时文件：允许续传时把已有字节喂给摘要并作为起始偏移，
// 否则删除后从零开始。
func (tr *transfer) prepare() error {
	f, err := os.Open(tr.tmpPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if !tr.allowResume {
		f.Close()
		return os.Remove(tr.tmpPath)
	}
	defer f.Close()

	n, err := io.Copy(tr.hash, f)
	if err != nil {
		return err
	}
	tr.size = n
	return nil
}

func (tr *transfer) restart() error {
	if err := os.Truncate(tr.tmpPath, 0); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	tr.hash.Reset()
	tr.size = 0
	return nil
}

func (tr *transfer) syncSize() error {
	info, err := os.Stat(tr.tmpPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			tr.size = 0
			return nil
		}
		return err
	}
	tr.size = info.Size()
	return nil
}

func (d *Downloader) request(ctx context.Context, tr *transfer) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tr.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", cas.ErrBadArguments, err)
	}
	if tr.size > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", tr.size))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, &cas.StatusError{StatusCode: resp.StatusCode, URL: tr.url}
	}

	if tr.size > 0 && resp.StatusCode != http.StatusPartialContent {
		// 服务端忽略了 Range，正文是完整对象。
		if err := tr.restart(); err != nil {
			resp.Body.Close()
			return nil, err
		}
	}
	if total := totalSize(resp, tr.size); total >= 0 {
		tr.total = total
	}
	return resp, nil
}

// consume 把正文同时写入临时文件与摘要。返回 clean=true 表示正文正常结束；
// 允许续传时连接被重置会被吞掉交由重试处理。
func (d *Downloader) consume(ctx context.Context, tr *transfer, resp *http.Response) (clean bool, err error) {
	defer resp.Body.Close()

	f, err := os.OpenFile(tr.tmpPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return false, err
	}

	_, copyErr := cas.CopyWithContext(ctx, io.MultiWriter(f, tr.hash), resp.Body)
	syncErr := f.Sync()
	closeErr := f.Close()

	if copyErr != nil {
		if !tr.allowResume || !isConnReset(copyErr) {
			return false, copyErr
		}
		d.logger.WithFields(logrus.Fields{"action": "download", "url": tr.url}).
			WithError(copyErr).Debug("download_interrupted")
		return false, nil
	}
	if syncErr != nil {
		return false, syncErr
	}
	return true, closeErr
}

func acceptsRanges(h http.Header) bool {
	value := strings.ToLower(strings.TrimSpace(h.Get("Accept-Ranges")))
	return value != "" && value != "none"
}

// totalSize 推算对象完整大小，未知时返回 -1。
func totalSize(resp *http.Response, offset int64) int64 {
	if resp.StatusCode == http.StatusPartialContent {
		if cr := resp.Header.Get("Content-Range"); cr != "" {
			if idx := strings.LastIndex(cr, "/"); idx >= 0 {
				if total, err := strconv.ParseInt(strings.TrimSpace(cr[idx+1:]), 10, 64); err == nil {
					return total
				}
			}
		}
		if resp.ContentLength >= 0 {
			return offset + resp.ContentLength
		}
		return -1
	}
	return resp.ContentLength
}

func isConnReset(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
