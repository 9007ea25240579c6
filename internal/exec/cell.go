package exec

// Cell is the execution-facing state of one code cell. The document layer
// owns the cell's existence and code text; the core only mutates the
// execution fields.
type Cell struct {
	ID         string
	Code       string
	Language   string
	ServerKey  string // preferred server, ip:port; empty means default
	KernelName string // preferred kernel spec; empty means server default
	SessionID  string

	Output      string
	OutputMime  string
	IsExecuting bool
	HasError    bool
	Error       string

	// seq increments per execution so stale timeout timers and late replies
	// can be told apart from the current run.
	seq int
	// finalized flips when a run completes (idle, failure, or local
	// timeout). Late messages may still update output but never reopen a
	// finalized run.
	finalized bool
}

// CellSnapshot is the immutable view handed to change listeners and
// returned by GetCell.
type CellSnapshot struct {
	ID          string
	Code        string
	Language    string
	SessionID   string
	Output      string
	OutputMime  string
	IsExecuting bool
	HasError    bool
	Error       string
}

func (c *Cell) snapshot() CellSnapshot {
	return CellSnapshot{
		ID:          c.ID,
		Code:        c.Code,
		Language:    c.Language,
		SessionID:   c.SessionID,
		Output:      c.Output,
		OutputMime:  c.OutputMime,
		IsExecuting: c.IsExecuting,
		HasError:    c.HasError,
		Error:       c.Error,
	}
}
