package layout

import "errors"

// Build errors are fatal: the inspector refuses to start without a model it
// can trust. All of them are surfaced before any target interaction begins.
var (
	// ErrUnsupportedEncoding marks a type that does not follow the known
	// state-machine conventions of the target async runtime.
	ErrUnsupportedEncoding = errors.New("unsupported suspension encoding")

	// ErrMissingSymbol marks an expected pool or breakpoint target symbol
	// that is absent from the debug metadata.
	ErrMissingSymbol = errors.New("missing symbol")

	// ErrMalformed marks internally inconsistent debug metadata.
	ErrMalformed = errors.New("malformed debug metadata")
)
