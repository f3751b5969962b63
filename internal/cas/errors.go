package cas

import (
	"errors"
	"fmt"
)

var (
	// ErrBadArguments 表示缺少必填参数（名称、URL 或哈希）或哈希格式非法。
	ErrBadArguments = errors.New("bad arguments")
	// ErrInvalidName 表示查询时传入了空的逻辑名称。
	ErrInvalidName = errors.New("invalid file name")
	// ErrBadStatus 表示上游返回了 [200,300) 之外的状态码，不会重试。
	ErrBadStatus = errors.New("invalid status code")
	// ErrCorrupted 表示下载完成后的摘要与期望哈希不一致。
	ErrCorrupted = errors.New("corrupted file")
)

// StatusError 携带上游状态码，errors.Is(err, ErrBadStatus) 成立。
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("invalid status code '%d' from %s", e.StatusCode, e.URL)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrBadStatus
}

// CorruptedError 记录期望与实际摘要，errors.Is(err, ErrCorrupted) 成立。
type CorruptedError struct {
	Expected string
	Actual   string
}

func (e *CorruptedError) Error() string {
	return fmt.Sprintf("corrupted file %s != %s", e.Actual, e.Expected)
}

func (e *CorruptedError) Is(target error) bool {
	return target == ErrCorrupted
}
