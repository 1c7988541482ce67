package memory

import (
	"fmt"

	"github.com/ajitpratap0/memcap/pkg/errors"
)

// CapExceededError is returned when a reservation would push a tracker
// node over one of its ceilings. Once raised through a Pool it carries the
// rendered diagnostic of the whole query tree in Report, and Error returns
// that text verbatim.
type CapExceededError struct {
	// Ceiling is the limit that rejected the reservation
	Ceiling int64
	// Requested is the number of bytes the tracker was asked to reserve
	Requested int64
	// Type is the usage dimension of the violated ceiling
	Type UsageType
	// Path identifies the tracker node owning the ceiling
	Path string
	// Report is the rendered snapshot, empty when raised by a bare tracker
	Report string
	// Snapshot is the aggregated view the report was rendered from
	Snapshot *Snapshot

	cause *errors.Error
}

func newCapExceeded(node *UsageTracker, t UsageType, ceiling, requested int64) *CapExceededError {
	e := &CapExceededError{
		Ceiling:   ceiling,
		Requested: requested,
		Type:      t,
		Path:      node.Path(),
	}
	e.cause = errors.New(errors.ErrorTypeMemCapExceeded, e.Header()).
		WithDetail("ceiling", ceiling).
		WithDetail("requested", requested).
		WithDetail("usage_type", t.String()).
		WithDetail("scope", e.Path)
	return e
}

// Header returns the first line of the diagnostic.
func (e *CapExceededError) Header() string {
	return fmt.Sprintf("Exceeded memory cap of %s when requesting %s.",
		FormatBytes(e.Ceiling), FormatBytes(e.Requested))
}

// Error implements the error interface
func (e *CapExceededError) Error() string {
	if e.Report != "" {
		return e.Report
	}
	return e.Header()
}

// Unwrap exposes the typed error so errors.IsType(err, ErrorTypeMemCapExceeded) holds
func (e *CapExceededError) Unwrap() error {
	return e.cause
}

func newUnderflow(path string, requested, current int64) *errors.Error {
	return errors.Newf(errors.ErrorTypeReleaseUnderflow,
		"release of %d bytes exceeds tracked usage of %d bytes", requested, current).
		WithDetail("scope", path).
		WithDetail("requested", requested).
		WithDetail("current", current)
}

func overflowBytes(path string, requested, current int64) *errors.Error {
	return errors.Newf(errors.ErrorTypeValidation,
		"reservation of %d bytes overflows tracked usage of %d bytes", requested, current).
		WithDetail("scope", path).
		WithDetail("requested", requested).
		WithDetail("current", current)
}

func invalidBytes(op string, bytes int64) *errors.Error {
	return errors.Newf(errors.ErrorTypeValidation, "%s of negative byte count %d", op, bytes).
		WithDetail("bytes", bytes)
}
