package maintenance

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Progress 接收审计进度；Update 在每个文件处理完后调用，Terminate 在结束时调用一次。
type Progress interface {
	Update(fraction float64, file string)
	Terminate()
}

// LogProgress 把进度写入日志，每前进 Step 才记录一次，避免大仓库刷屏。
type LogProgress struct {
	Logger *logrus.Logger
	Step   float64

	mu   sync.Mutex
	last float64
}

// NewLogProgress 返回按 10% 步长输出的进度记录器。
func NewLogProgress(logger *logrus.Logger) *LogProgress {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LogProgress{Logger: logger, Step: 0.1}
}

func (p *LogProgress) Update(fraction float64, file string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if fraction-p.last < p.Step && fraction < 1 {
		return
	}
	p.last = fraction
	p.Logger.WithFields(logrus.Fields{
		"action":   "check",
		"progress": fraction,
		"file":     file,
	}).Info("integrity_progress")
}

func (p *LogProgress) Terminate() {
	p.Logger.WithField("action", "check").Info("integrity_progress_done")
}
