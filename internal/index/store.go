package index

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/131/castor/internal/cas"
)

// Fetcher 抽象下载器，便于在测试中注入假实现。
type Fetcher interface {
	Download(ctx context.Context, url, hash string, allowResume bool) (bool, error)
}

// Options 控制 Store 的依赖注入。
type Options struct {
	Logger  *logrus.Logger
	Version string
	Fetcher Fetcher
}

// Store 持有整份索引文档：启动时整体加载到内存，每次变更整体重写。
// 文档写入是尽力而为的：失败只记录日志并通过 Commit 报告，不会回滚内存状态。
type Store struct {
	indexPath string
	layout    cas.Layout
	version   string
	logger    *logrus.Logger
	fetcher   Fetcher

	mu  sync.RWMutex
	doc *Document
	gen uint64

	writeMu sync.Mutex
	written uint64
	pending sync.WaitGroup
}

// Open 加载 indexPath 指向的索引文档；存储根目录为其父目录。文件不存在时创建仅含
// version 的新文档，无法解析时同样从空文档开始。
func Open(indexPath string, opts Options) (*Store, error) {
	if strings.TrimSpace(indexPath) == "" {
		return nil, fmt.Errorf("%w: index path required", cas.ErrBadArguments)
	}
	abs, err := filepath.Abs(indexPath)
	if err != nil {
		return nil, fmt.Errorf("resolve index path: %w", err)
	}
	layout, err := cas.NewLayout(filepath.Dir(abs))
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	s := &Store{
		indexPath: abs,
		layout:    layout,
		version:   opts.Version,
		logger:    logger,
		fetcher:   opts.Fetcher,
	}

	doc, err := s.load()
	switch {
	case err == nil:
		s.doc = doc
	case errors.Is(err, fs.ErrNotExist):
		s.doc = NewDocument(s.version)
		s.Persist()
	default:
		return nil, err
	}
	return s, nil
}

// load 读取磁盘文档。文件缺失返回 fs.ErrNotExist；内容非法时记录告警并返回
// 仅含 version 的空文档。
func (s *Store) load() (*Document, error) {
	data, err := os.ReadFile(s.indexPath)
	if err != nil {
		return nil, err
	}

	doc := NewDocument("")
	if err := json.Unmarshal(data, doc); err != nil {
		s.logger.WithFields(logrus.Fields{
			"action": "index_load",
			"path":   s.indexPath,
		}).WithError(err).Warn("index_unparsable")
		return NewDocument(s.version), nil
	}
	if len(doc.skipped) > 0 {
		s.logger.WithFields(logrus.Fields{
			"action":  "index_load",
			"path":    s.indexPath,
			"skipped": doc.skipped,
		}).Warn("index_keys_skipped")
	}
	return doc, nil
}

// Reload 丢弃内存状态并重新读取磁盘文档。
func (s *Store) Reload() error {
	s.Sync()
	doc, err := s.load()
	if errors.Is(err, fs.ErrNotExist) {
		doc, err = NewDocument(s.version), nil
	}
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.doc = doc
	s.mu.Unlock()
	return nil
}

// IndexPath 返回索引文档的绝对路径。
func (s *Store) IndexPath() string { return s.indexPath }

// Root 返回存储根目录。
func (s *Store) Root() string { return s.layout.Root }

// Layout 返回内容寻址布局。
func (s *Store) Layout() cas.Layout { return s.layout }

// Version 返回当前文档的版本标记，空字符串表示旧版扁平布局。
func (s *Store) Version() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.Version
}

// Legacy 判断文档是否缺少版本标记，需要 warmup 迁移。
func (s *Store) Legacy() bool {
	return s.Version() == ""
}

// StampVersion 写入当前程序版本并持久化。
func (s *Store) StampVersion() *Commit {
	s.mu.Lock()
	s.doc.Version = s.version
	s.mu.Unlock()
	return s.Persist()
}

// Index returns the view over namespace ns, creating it on first access.
func (s *Store) Index(ns string) (*Index, error) {
	if strings.TrimSpace(ns) == "" || reservedNamespace(ns) {
		return nil, fmt.Errorf("%w: invalid namespace %q", cas.ErrBadArguments, ns)
	}
	s.mu.Lock()
	s.doc.namespace(ns)
	s.mu.Unlock()
	return &Index{store: s, name: ns}, nil
}

// NamespaceSummary 是诊断接口使用的命名空间摘要。
type NamespaceSummary struct {
	Name    string         `json:"name"`
	Entries int            `json:"entries"`
	Props   map[string]any `json:"props,omitempty"`
}

// Namespaces 按名称排序返回所有命名空间的摘要。
func (s *Store) Namespaces() []NamespaceSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]NamespaceSummary, 0, len(s.doc.Namespaces))
	for name, ns := range s.doc.Namespaces {
		props := make(map[string]any, len(ns.Props))
		for k, v := range ns.Props {
			props[k] = v
		}
		out = append(out, NamespaceSummary{Name: name, Entries: len(ns.Entries), Props: props})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Reachable returns the GC survivor set: the index document itself plus the
// canonical path of every hash referenced by any namespace.
func (s *Store) Reachable() map[string]struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	known := map[string]struct{}{s.indexPath: {}}
	for _, ns := range s.doc.Namespaces {
		for _, hash := range ns.Entries {
			if !cas.ValidHash(hash) {
				continue
			}
			known[s.layout.Path(hash)] = struct{}{}
		}
	}
	return known
}

// Persist snapshots the document and writes it in the background through a
// temp file + rename. Writes are serialized; an older snapshot never replaces a
// newer one and an unchanged snapshot is not rewritten.
func (s *Store) Persist() *Commit {
	commit := newCommit()

	s.mu.Lock()
	s.gen++
	gen := s.gen
	data, err := json.Marshal(s.doc)
	s.mu.Unlock()

	if err != nil {
		s.logWriteError(err)
		commit.finish(err)
		return commit
	}

	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		commit.finish(s.writeSnapshot(gen, data))
	}()
	return commit
}

// Sync 等待所有进行中的文档写入完成。
func (s *Store) Sync() {
	s.pending.Wait()
}

func (s *Store) writeSnapshot(gen uint64, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if gen <= s.written {
		return nil
	}
	s.written = gen
	// 与磁盘上的当前内容比较：其他进程可能已经改写了文档。
	if current, err := os.ReadFile(s.indexPath); err == nil && bytes.Equal(current, data) {
		return nil
	}
	if err := writeFileAtomic(s.indexPath, data); err != nil {
		s.logWriteError(err)
		return err
	}
	return nil
}

func (s *Store) logWriteError(err error) {
	s.logger.WithFields(logrus.Fields{
		"action": "index_write",
		"path":   s.indexPath,
	}).WithError(err).Error("index_write_failed")
}

// writeFileAtomic 先写同目录临时文件再 rename，保证文档要么整体替换要么不变。
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*"+cas.TempSuffix)
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	_, err = tmp.Write(data)
	if err == nil {
		err = tmp.Sync()
	}
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmpName, path)
	}
	if err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
