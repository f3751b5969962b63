package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/131/castor/internal/cas"
	"github.com/131/castor/internal/config"
	"github.com/131/castor/internal/download"
	"github.com/131/castor/internal/index"
	"github.com/131/castor/internal/lock"
	"github.com/131/castor/internal/logging"
	"github.com/131/castor/internal/maintenance"
	"github.com/131/castor/internal/server"
	"github.com/131/castor/internal/version"
)

// services 聚合子命令共享的存储实例。
type services struct {
	cfg        *config.Config
	logger     *logrus.Logger
	store      *index.Store
	downloader *download.Downloader
	maintainer *maintenance.Maintainer
}

func newServices(cfg *config.Config, logger *logrus.Logger) (*services, error) {
	layout, err := cas.NewLayout(cfg.StorageRoot())
	if err != nil {
		return nil, err
	}
	locker, err := lock.NewFileLocker(cfg.Global.LockDir)
	if err != nil {
		return nil, err
	}

	downloader, err := download.New(download.Options{
		Layout: layout,
		Client: server.NewUpstreamClient(cfg),
		Locker: locker,
		LockOptions: lock.Options{
			PollInterval: cfg.Global.LockPollInterval.DurationValue(),
			Timeout:      cfg.Global.LockTimeout.DurationValue(),
		},
		Logger:   logger,
		Backoff:  cfg.Global.RetryBackoff.DurationValue(),
		MaxStall: cfg.Global.MaxStallAttempts,
	})
	if err != nil {
		return nil, err
	}

	store, err := index.Open(cfg.Global.IndexPath, index.Options{
		Logger:  logger,
		Version: version.Version,
		Fetcher: downloader,
	})
	if err != nil {
		return nil, err
	}

	maintainer, err := maintenance.New(store, maintenance.Options{
		Logger:      logger,
		Concurrency: cfg.Global.MaintenanceConcurrency,
	})
	if err != nil {
		return nil, err
	}

	return &services{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		downloader: downloader,
		maintainer: maintainer,
	}, nil
}

type fetchResult struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
	Hash      string `json:"hash"`
	Touched   bool   `json:"touched"`
	Path      string `json:"path"`
	Size      int64  `json:"size"`
}

// fetch 确保 name 在命名空间 ns 中指向 md5 对应的正文，必要时从 url 下载。
func (s *services) fetch(ctx context.Context, ns, name, url, md5 string) error {
	view, err := s.store.Index(ns)
	if err != nil {
		return err
	}
	touched, err := view.CheckFile(ctx, name, url, md5, s.cfg.Global.AllowResume)
	if err != nil {
		return err
	}
	entry, ok, err := view.Get(name)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: blob missing after fetch", name)
	}
	s.store.Sync()

	fields := logging.DownloadFields(ns, entry.Hash, url)
	fields["touched"] = touched
	s.logger.WithFields(fields).Info("fetch_complete")

	return printJSON(fetchResult{
		Namespace: ns,
		Name:      index.Canonicalize(name),
		Hash:      entry.Hash,
		Touched:   touched,
		Path:      entry.Path,
		Size:      entry.Size,
	})
}

func (s *services) warmup(ctx context.Context) error {
	report, err := s.maintainer.Warmup(ctx)
	if err != nil {
		return err
	}
	return printJSON(report)
}

// check 输出审计报告；存在损坏文件时返回错误，便于脚本根据退出码判断。
func (s *services) check(ctx context.Context) error {
	report, err := s.maintainer.CheckIntegrity(ctx, maintenance.NewLogProgress(s.logger))
	if err != nil {
		return err
	}
	if err := printJSON(report); err != nil {
		return err
	}
	if report.CorruptedNb > 0 {
		return fmt.Errorf("%d corrupted file(s), %d bytes", report.CorruptedNb, report.CorruptedSize)
	}
	return nil
}

func (s *services) purge(ctx context.Context) error {
	report, err := s.maintainer.Purge(ctx)
	if err != nil {
		return err
	}
	return printJSON(report)
}

func printJSON(v any) error {
	enc := json.NewEncoder(stdOut)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
