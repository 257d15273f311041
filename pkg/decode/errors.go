package decode

import "fmt"

// InvalidDiscriminantError reports a state discriminant outside the layout's
// declared total range. It is recoverable: the enclosing node degrades to an
// Unreadable value and siblings are unaffected.
type InvalidDiscriminantError struct {
	Layout string
	Value  uint64
}

func (e *InvalidDiscriminantError) Error() string {
	return fmt.Sprintf("invalid discriminant %d for %s", e.Value, e.Layout)
}

// ShortBufferError reports a byte span smaller than the layout declares.
type ShortBufferError struct {
	Layout string
	Need   int
	Got    int
}

func (e *ShortBufferError) Error() string {
	return fmt.Sprintf("short buffer for %s: need %d bytes, got %d", e.Layout, e.Need, e.Got)
}
