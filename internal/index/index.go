package index

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/131/castor/internal/cas"
)

// Index 是单个命名空间的视图：名称规范化、查询、变更与回源下载调度。
type Index struct {
	store *Store
	name  string
}

// Entry 描述一次命中：内容哈希与磁盘正文的文件信息。
type Entry struct {
	Hash  string `json:"hash"`
	Size  int64  `json:"size"`
	Inode uint64 `json:"inode"`
	Path  string `json:"path"`
}

// Name 返回命名空间名称。
func (i *Index) Name() string {
	return i.name
}

func (i *Index) lookup(suid string) (string, bool) {
	i.store.mu.RLock()
	defer i.store.mu.RUnlock()
	ns := i.store.doc.Namespaces[i.name]
	if ns == nil {
		return "", false
	}
	hash, ok := ns.Entries[suid]
	return hash, ok
}

// Get resolves name to its blob. An unknown name, or a mapping whose blob is
// missing from disk, yields ok=false rather than an error.
func (i *Index) Get(name string) (Entry, bool, error) {
	if name == "" {
		return Entry{}, false, cas.ErrInvalidName
	}
	hash, ok := i.lookup(SUID(name))
	if !ok || !cas.ValidHash(hash) {
		return Entry{}, false, nil
	}

	info, err := i.store.layout.Stat(hash)
	if err != nil {
		return Entry{}, false, nil
	}
	path := i.store.layout.Path(hash)
	return Entry{
		Hash:  hash,
		Size:  info.Size(),
		Inode: inodeOf(path),
		Path:  path,
	}, true, nil
}

// Outcome 是 Reconcile 的结果。
type Outcome int

const (
	// Missing: 无可用映射，且挑战哈希（若有）不在磁盘上。
	Missing Outcome = iota
	// Mismatch: 映射存在但与挑战哈希不一致。
	Mismatch
	// Matched: 映射存在，且未给出挑战哈希或与之一致。
	Matched
	// Backfilled: 无可用映射，但挑战哈希的正文已在磁盘上，映射被补写。
	Backfilled
)

func (o Outcome) String() string {
	switch o {
	case Mismatch:
		return "mismatch"
	case Matched:
		return "matched"
	case Backfilled:
		return "backfilled"
	default:
		return "missing"
	}
}

// OK 表示名称在该命名空间内可用。
func (o Outcome) OK() bool {
	return o == Matched || o == Backfilled
}

// Reconcile compares what the index says about name with what is on disk.
// When no usable mapping exists but a blob for challenge is already stored,
// the content was ingested out of band and the mapping is backfilled.
func (i *Index) Reconcile(name, challenge string) (Outcome, error) {
	entry, ok, err := i.Get(name)
	if err != nil {
		return Missing, err
	}
	challenge = cas.NormalizeHash(challenge)

	if !ok {
		if challenge != "" && cas.ValidHash(challenge) && i.store.layout.Exists(challenge) {
			i.update(name, challenge)
			i.store.logger.WithFields(logrus.Fields{
				"action":    "reconcile",
				"namespace": i.name,
				"hash":      challenge,
			}).Info("index_backfilled")
			return Backfilled, nil
		}
		return Missing, nil
	}
	if challenge != "" && entry.Hash != challenge {
		return Mismatch, nil
	}
	return Matched, nil
}

// CheckEntry 是 Reconcile 的布尔版本。
func (i *Index) CheckEntry(name, challenge string) (bool, error) {
	outcome, err := i.Reconcile(name, challenge)
	if err != nil {
		return false, err
	}
	return outcome.OK(), nil
}

// CheckFile ensures the blob for hash is present (downloading it from url if
// needed) and that name maps to hash. It reports whether anything changed:
// bytes were fetched or the mapping was (re)written.
func (i *Index) CheckFile(ctx context.Context, name, url, hash string, allowResume bool) (bool, error) {
	hash = cas.NormalizeHash(hash)
	if name == "" || strings.TrimSpace(url) == "" || hash == "" {
		return false, cas.ErrBadArguments
	}
	if i.store.fetcher == nil {
		return false, errors.New("no downloader configured")
	}

	suid := SUID(name)
	current, ok := i.lookup(suid)
	mappingChanged := !ok || current != hash

	fetched, err := i.store.fetcher.Download(ctx, url, hash, allowResume)
	if err != nil {
		return false, err
	}
	if mappingChanged {
		i.update(name, hash)
	}
	return fetched || mappingChanged, nil
}

// WriteBuffer stores local bytes under their content hash and maps name to
// it. It reports whether a new blob was written or the mapping changed.
func (i *Index) WriteBuffer(ctx context.Context, name string, data []byte) (bool, error) {
	if name == "" {
		return false, cas.ErrBadArguments
	}
	hash, created, err := i.store.layout.PutBytes(ctx, data)
	if err != nil {
		return false, fmt.Errorf("store buffer: %w", err)
	}
	changed, _ := i.update(name, hash)
	return created || changed, nil
}

// update 写入 name → hash 映射；映射未变化时不触发持久化。
func (i *Index) update(name, hash string) (bool, *Commit) {
	suid := SUID(name)

	i.store.mu.Lock()
	entries := i.store.doc.namespace(i.name).Entries
	if entries[suid] == hash {
		i.store.mu.Unlock()
		return false, nil
	}
	entries[suid] = hash
	i.store.mu.Unlock()

	return true, i.store.Persist()
}

// Remove 删除 name 的映射（正文保留，等待 GC）。
func (i *Index) Remove(name string) *Commit {
	suid := SUID(name)
	i.store.mu.Lock()
	delete(i.store.doc.namespace(i.name).Entries, suid)
	i.store.mu.Unlock()
	return i.store.Persist()
}

// Reset drops every mapping whose hash is not listed in keep. Without
// arguments the whole namespace map is cleared. Blobs stay until a purge.
func (i *Index) Reset(keep ...string) *Commit {
	keepSet := make(map[string]struct{}, len(keep))
	for _, hash := range keep {
		keepSet[cas.NormalizeHash(hash)] = struct{}{}
	}

	i.store.mu.Lock()
	ns := i.store.doc.namespace(i.name)
	for suid, hash := range ns.Entries {
		if _, ok := keepSet[hash]; !ok {
			delete(ns.Entries, suid)
		}
	}
	i.store.mu.Unlock()
	return i.store.Persist()
}

// GetProp 读取命名空间属性包中的值。
func (i *Index) GetProp(key string) (any, bool) {
	i.store.mu.RLock()
	defer i.store.mu.RUnlock()
	ns := i.store.doc.Namespaces[i.name]
	if ns == nil {
		return nil, false
	}
	value, ok := ns.Props[key]
	return value, ok
}

// SetProp 写入属性并立即持久化。
func (i *Index) SetProp(key string, value any) *Commit {
	i.store.mu.Lock()
	i.store.doc.namespace(i.name).Props[key] = value
	i.store.mu.Unlock()
	return i.store.Persist()
}
