// Package errdefs defines the error taxonomy shared across the kernel
// execution core. Callers classify failures with errors.Is/As rather than
// string matching.
package errdefs

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotConnected is returned by Send when the kernel connection is not
	// in the Connected state. The caller must reconnect explicitly.
	ErrNotConnected = errors.New("kernel connection not established")

	ErrDuplicateServer = errors.New("server already registered")
	ErrServerNotFound  = errors.New("server not found")
	ErrSessionNotFound = errors.New("session not found")
	ErrCellNotFound    = errors.New("cell not found")

	// ErrParse marks connection-URL parse failures.
	ErrParse = errors.New("unrecognized connection URL")

	// ErrServerRemoved marks sessions whose server left the registry.
	// Connectivity-class for callers, but never retried: the server is not
	// coming back on its own.
	ErrServerRemoved = errors.New("server removed from registry")
)

// ConnectivityError is a network-level failure: unreachable host, timeout,
// refused connection, dropped socket. Retryable.
type ConnectivityError struct {
	Op  string
	Err error
}

func (e *ConnectivityError) Error() string {
	if e.Err == nil {
		return e.Op + ": connection failed"
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// Connectivity wraps err as a ConnectivityError for operation op.
func Connectivity(op string, err error) error {
	return &ConnectivityError{Op: op, Err: err}
}

// AuthError is a credential rejection (401/403). Not retryable; surfaced so
// the user can re-enter the token.
type AuthError struct {
	Server string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("server %s rejected token", e.Server)
}

// ProtocolError is a malformed or unparseable kernel message. Logged and
// dropped at the connection boundary; never fails a cell or the socket.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return "protocol: " + e.Reason
	}
	return fmt.Sprintf("protocol: %s: %v", e.Reason, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// KernelError carries a user-code exception reported by the kernel.
// Terminal for the cell, never retried.
type KernelError struct {
	Name      string
	Value     string
	Traceback []string
}

func (e *KernelError) Error() string {
	if len(e.Traceback) > 0 {
		return strings.Join(e.Traceback, "\n")
	}
	if e.Value != "" {
		return e.Name + ": " + e.Value
	}
	return e.Name
}

// CancellationError marks a user-initiated interrupt. Terminal, distinct
// from KernelError so the UI can render it differently.
type CancellationError struct {
	CellID string
}

func (e *CancellationError) Error() string {
	return "execution cancelled"
}

// IsRetryable reports whether err is worth another attempt under the
// coordinator's backoff policy. Only connectivity failures qualify, and a
// removed server never does.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrServerRemoved) {
		return false
	}
	var ce *ConnectivityError
	return errors.As(err, &ce)
}

func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

func IsKernel(err error) bool {
	var ke *KernelError
	return errors.As(err, &ke)
}

func IsCancellation(err error) bool {
	var ce *CancellationError
	return errors.As(err, &ce)
}
