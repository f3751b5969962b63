// Package maintenance runs the whole-store jobs: migrating a legacy flat
// layout into the hashed layout, auditing blob integrity and garbage
// collecting blobs no namespace references anymore. Every job walks the
// storage root once and fans the per-file work out over a bounded worker
// group.
package maintenance

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/131/castor/internal/cas"
	"github.com/131/castor/internal/index"
)

// DefaultConcurrency 是默认的并发文件处理数。
const DefaultConcurrency = 2

// Options 控制维护任务的日志与并发度。
type Options struct {
	Logger      *logrus.Logger
	Concurrency int
}

// Maintainer 在一个 Store 上执行维护任务。
type Maintainer struct {
	store       *index.Store
	logger      *logrus.Logger
	concurrency int
}

// New 构造 Maintainer。
func New(store *index.Store, opts Options) (*Maintainer, error) {
	if store == nil {
		return nil, errors.New("index store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Maintainer{store: store, logger: logger, concurrency: concurrency}, nil
}

type storedFile struct {
	path string
	size int64
}

// files lists every regular file under the storage root in lexical order.
func (m *Maintainer) files(ctx context.Context, skip func(path string) bool) ([]storedFile, error) {
	var out []storedFile
	err := filepath.WalkDir(m.store.Root(), func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrNotExist) {
				return nil
			}
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if skip != nil && skip(path) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		out = append(out, storedFile{path: path, size: info.Size()})
		return nil
	})
	return out, err
}

// each runs fn over files with at most m.concurrency calls in flight. The
// first error cancels the remaining work.
func (m *Maintainer) each(ctx context.Context, files []storedFile, fn func(ctx context.Context, file storedFile) error) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for _, file := range files {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			return fn(ctx, file)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// WarmupReport 汇总一次布局迁移。
type WarmupReport struct {
	Skipped bool `json:"skipped"`
	Scanned int  `json:"scanned"`
	Moved   int  `json:"moved"`
}

// Warmup migrates a store whose document carries no version: every stored
// file is hashed and moved to its canonical path, then the current version is
// stamped onto the document and the document is reloaded. Stores that already
// carry a version are left untouched.
func (m *Maintainer) Warmup(ctx context.Context) (WarmupReport, error) {
	if !m.store.Legacy() {
		return WarmupReport{Skipped: true}, nil
	}
	indexPath := m.store.IndexPath()
	files, err := m.files(ctx, func(path string) bool {
		return path == indexPath || cas.IsTemp(path)
	})
	if err != nil {
		return WarmupReport{}, err
	}

	hashes := make([]string, len(files))
	positions := make(map[string]int, len(files))
	for i, file := range files {
		positions[file.path] = i
	}
	err = m.each(ctx, files, func(_ context.Context, file storedFile) error {
		sum, _, err := cas.HashFile(file.path)
		if err != nil {
			return err
		}
		hashes[positions[file.path]] = sum
		return nil
	})
	if err != nil {
		return WarmupReport{}, err
	}

	// 错位文件先挪到唯一的暂存名：一个文件的目标路径可能正是另一个尚未迁移的文件。
	type move struct {
		staged string
		hash   string
	}
	var moves []move
	layout := m.store.Layout()
	for i, file := range files {
		if layout.Path(hashes[i]) == file.path {
			continue
		}
		staged := file.path + ".warmup-" + uuid.NewString()
		if err := os.Rename(file.path, staged); err != nil {
			return WarmupReport{}, err
		}
		moves = append(moves, move{staged: staged, hash: hashes[i]})
	}
	for _, mv := range moves {
		if err := layout.MoveInto(mv.staged, mv.hash); err != nil {
			return WarmupReport{}, err
		}
		m.logger.WithFields(logrus.Fields{
			"action": "warmup",
			"hash":   mv.hash,
			"target": layout.Path(mv.hash),
		}).Debug("warmup_moved")
	}

	if err := m.store.StampVersion().Wait(); err != nil {
		return WarmupReport{}, err
	}
	if err := m.store.Reload(); err != nil {
		return WarmupReport{}, err
	}

	report := WarmupReport{Scanned: len(files), Moved: len(moves)}
	m.logger.WithFields(logrus.Fields{
		"action":  "warmup",
		"scanned": report.Scanned,
		"moved":   report.Moved,
		"version": m.store.Version(),
	}).Info("warmup_complete")
	return report, nil
}

// IntegrityReport 是一次完整性审计的统计结果。
type IntegrityReport struct {
	TotalNb       int      `json:"total_nb"`
	TotalSize     int64    `json:"total_size"`
	ValidNb       int      `json:"valid_nb"`
	ValidSize     int64    `json:"valid_size"`
	CorruptedNb   int      `json:"corrupted_nb"`
	CorruptedSize int64    `json:"corrupted_size"`
	CorruptedList []string `json:"corrupted_list"`
}

// CheckIntegrity hashes every file but the index document and compares the
// digest with the file name. progress may be nil.
func (m *Maintainer) CheckIntegrity(ctx context.Context, progress Progress) (IntegrityReport, error) {
	indexPath := m.store.IndexPath()
	files, err := m.files(ctx, func(path string) bool { return path == indexPath })
	if err != nil {
		return IntegrityReport{}, err
	}

	var grand int64
	for _, file := range files {
		grand += file.size
	}

	var (
		mu     sync.Mutex
		report = IntegrityReport{CorruptedList: []string{}}
	)
	err = m.each(ctx, files, func(_ context.Context, file storedFile) error {
		sum, _, hashErr := cas.HashFile(file.path)
		if hashErr != nil && !errors.Is(hashErr, fs.ErrNotExist) {
			return hashErr
		}
		valid := hashErr == nil && sum == filepath.Base(file.path)

		mu.Lock()
		defer mu.Unlock()
		report.TotalNb++
		report.TotalSize += file.size
		if valid {
			report.ValidNb++
			report.ValidSize += file.size
		} else {
			report.CorruptedNb++
			report.CorruptedSize += file.size
			report.CorruptedList = append(report.CorruptedList, file.path)
		}
		if progress != nil {
			progress.Update(fraction(report.TotalSize, grand, report.TotalNb, len(files)), filepath.Base(file.path))
		}
		return nil
	})
	if progress != nil {
		progress.Terminate()
	}
	if err != nil {
		return IntegrityReport{}, err
	}

	sort.Strings(report.CorruptedList)
	m.logger.WithFields(logrus.Fields{
		"action":         "check",
		"total_nb":       report.TotalNb,
		"valid_nb":       report.ValidNb,
		"corrupted_nb":   report.CorruptedNb,
		"corrupted_size": report.CorruptedSize,
	}).Info("integrity_checked")
	return report, nil
}

// fraction 按字节计算进度；全部为空文件时退化为按个数。
func fraction(done, total int64, doneNb, totalNb int) float64 {
	if total > 0 {
		return float64(done) / float64(total)
	}
	if totalNb > 0 {
		return float64(doneNb) / float64(totalNb)
	}
	return 1
}

// PurgeReport 汇总一次垃圾回收。
type PurgeReport struct {
	Kept        int   `json:"kept"`
	DeletedNb   int   `json:"deleted_nb"`
	DeletedSize int64 `json:"deleted_size"`
}

// Purge deletes every file under the storage root that is neither the index
// document nor the canonical path of a referenced hash. Directories stay.
func (m *Maintainer) Purge(ctx context.Context) (PurgeReport, error) {
	m.store.Sync()
	known := m.store.Reachable()
	m.logger.WithFields(logrus.Fields{
		"action": "purge",
		"known":  len(known),
	}).Info("purge_started")

	files, err := m.files(ctx, nil)
	if err != nil {
		return PurgeReport{}, err
	}

	var (
		mu     sync.Mutex
		report PurgeReport
	)
	err = m.each(ctx, files, func(_ context.Context, file storedFile) error {
		if _, ok := known[file.path]; ok {
			mu.Lock()
			report.Kept++
			mu.Unlock()
			return nil
		}
		if err := os.Remove(file.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		m.logger.WithFields(logrus.Fields{"action": "purge", "path": file.path}).Debug("purge_deleted")

		mu.Lock()
		report.DeletedNb++
		report.DeletedSize += file.size
		mu.Unlock()
		return nil
	})
	if err != nil {
		return PurgeReport{}, err
	}

	m.logger.WithFields(logrus.Fields{
		"action":       "purge",
		"kept":         report.Kept,
		"deleted_nb":   report.DeletedNb,
		"deleted_size": report.DeletedSize,
	}).Info("purge_complete")
	return report, nil
}
