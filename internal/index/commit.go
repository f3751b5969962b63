package index

// Commit is the completion handle of a document write. Mutating calls never
// return persistence errors directly; callers that need durability wait on the
// commit, the others simply drop it.
type Commit struct {
	done chan struct{}
	err  error
}

func newCommit() *Commit {
	return &Commit{done: make(chan struct{})}
}

func (c *Commit) finish(err error) {
	c.err = err
	close(c.done)
}

var closedDone = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Done 在写入结束（成功或失败）后关闭。nil Commit 表示无需写入，视为已完成。
func (c *Commit) Done() <-chan struct{} {
	if c == nil {
		return closedDone
	}
	return c.done
}

// Wait 阻塞到写入结束并返回写入错误。
func (c *Commit) Wait() error {
	if c == nil {
		return nil
	}
	<-c.done
	return c.err
}
