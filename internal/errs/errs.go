// Package errs defines the error taxonomy surfaced by the core (spec.md §7).
// Orchestrators and clients wrap them and use errors.Is to decide whether a
// failure is fatal or retriable; the HTTP layer does not map them to status
// codes (a run's failure reaches the caller as the stream's error string).
package errs

import "errors"

var (
	// ErrLockBusy — a deploy/scale/rollback was attempted while another is
	// already in progress for the same (service, env). Not retried
	// automatically.
	ErrLockBusy = errors.New("deploy lock busy")

	// ErrNoSuchEntity — a referenced service/node/snapshot/deployment does
	// not exist. Fatal for the current operation.
	ErrNoSuchEntity = errors.New("no such entity")

	// ErrValidation — malformed input, rejected before any side effect.
	ErrValidation = errors.New("validation failed")

	// ErrHealthGateTimeout — new containers never reported healthy.
	ErrHealthGateTimeout = errors.New("health gate timeout")

	// ErrDeadlineExceeded — the operation's total deadline was hit.
	ErrDeadlineExceeded = errors.New("deadline exceeded")

	// ErrNodeUnreachable — retries against a node agent were exhausted.
	ErrNodeUnreachable = errors.New("node unreachable")

	// ErrDNSError — the edge-CDN DNS provider call failed irrecoverably.
	ErrDNSError = errors.New("dns error")

	// ErrProviderError — the cloud provider signalled an irrecoverable
	// failure (e.g. node provisioning).
	ErrProviderError = errors.New("provider error")
)
