package stripealloc

import (
	"errors"
	"fmt"
)

var (
	// ErrNoSpace indicates that no target could provide an object.
	ErrNoSpace = errors.New(`stripealloc: no space on any target`)

	// ErrInProgress indicates that every candidate target failed but at
	// least one of them was still connecting, so the allocation may succeed
	// if retried later. Distinct from ErrNoSpace.
	ErrInProgress = errors.New(`stripealloc: allocation candidates still connecting`)

	// ErrInvalid indicates a striping hint that fails validation, an
	// unrecognized layout magic, or a stripe offset outside the named pool.
	ErrInvalid = errors.New(`stripealloc: invalid striping configuration`)

	// ErrTooBig indicates that an explicit or offset-anchored allocation
	// placed at least one stripe but fewer than requested.
	ErrTooBig = errors.New(`stripealloc: fewer stripes placed than requested`)

	// ErrNoSuchDevice indicates an explicit target index that does not
	// exist.
	ErrNoSuchDevice = errors.New(`stripealloc: no such target`)

	// ErrNoTargets indicates a device with no targets configured at all.
	ErrNoTargets = errors.New(`stripealloc: no targets configured`)

	// ErrDisconnected is the contract error a Backend returns (directly or
	// wrapped) from Statfs or DeclareCreate when the transport to the target
	// is not connected. A statfs failure of this kind marks the target as
	// connecting. The round-robin, weighted and offset-anchored policies skip
	// such targets; the explicit target-list policy fails instead and
	// returns the error, possibly wrapped, to the caller.
	ErrDisconnected = errors.New(`stripealloc: target not connected`)
)

// Internal error kinds. These drive skip/retry decisions and are never
// surfaced from the orchestrator directly, only wrapped or translated.
var (
	errTryAgain    = errors.New(`stripealloc: transient allocation failure`)
	errFull        = errors.New(`stripealloc: target full`)
	errReadonly    = errors.New(`stripealloc: target read-only`)
	errNoPrecreate = errors.New(`stripealloc: target precreation disabled`)

	// errRRPlacement is returned when the round-robin interleave could not
	// place every pool target. It is a transient failure, but kept distinct
	// for observability.
	errRRPlacement = fmt.Errorf(`stripealloc: round-robin table placement incomplete: %w`, errTryAgain)
)
