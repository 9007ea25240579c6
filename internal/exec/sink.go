package exec

import (
	"github.com/calder-b/kernelbook/internal/errdefs"
	"github.com/calder-b/kernelbook/internal/logger"
)

// The coordinator is the CellSink for every kernel connection: output
// demultiplexed by the connection lands here and nowhere else.

// AppendStream adds progressive stdout/stderr text to the cell. Output from
// a run that already timed out locally still lands (opportunistic update),
// it just cannot reopen the completed state.
func (c *Coordinator) AppendStream(cellID, text string) {
	c.mu.Lock()
	cell, ok := c.cells[cellID]
	if !ok {
		c.mu.Unlock()
		return
	}
	cell.Output += text
	c.mu.Unlock()
	c.notify(cellID)
}

// SetResult records a rendered execute_result/display_data payload.
func (c *Coordinator) SetResult(cellID, mime, text string) {
	c.mu.Lock()
	cell, ok := c.cells[cellID]
	if !ok {
		c.mu.Unlock()
		return
	}
	cell.Output += text
	cell.OutputMime = mime
	c.mu.Unlock()
	c.notify(cellID)
}

// SetKernelError marks the cell failed with the kernel's traceback. The run
// stays executing until its idle arrives; error alone never finalizes.
func (c *Coordinator) SetKernelError(cellID string, kerr *errdefs.KernelError) {
	c.mu.Lock()
	cell, ok := c.cells[cellID]
	if !ok {
		c.mu.Unlock()
		return
	}
	cell.HasError = true
	cell.Error = kerr.Error()
	c.mu.Unlock()
	c.notify(cellID)
}

// FinalizeCell completes the run on the kernel's idle status. Idempotent:
// if the run was already finalized locally (timeout, cancel), the late idle
// retires silently.
func (c *Coordinator) FinalizeCell(cellID string) {
	c.mu.Lock()
	cell, ok := c.cells[cellID]
	if !ok || cell.finalized {
		c.mu.Unlock()
		return
	}
	cell.IsExecuting = false
	cell.finalized = true
	c.mu.Unlock()
	c.notify(cellID)
}

// FailCell completes the run with a connection-level failure.
func (c *Coordinator) FailCell(cellID string, err error) {
	c.mu.Lock()
	cell, ok := c.cells[cellID]
	if !ok || cell.finalized {
		c.mu.Unlock()
		return
	}
	cell.IsExecuting = false
	cell.HasError = true
	cell.Error = err.Error()
	cell.finalized = true
	c.mu.Unlock()
	logger.Warn("cell failed", "cell", cellID, "err", err)
	c.notify(cellID)
}
