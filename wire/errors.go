package wire

import "github.com/efficientgo/core/errors"

// ErrMalformedFrame is returned when a decoded frame fails a structural
// invariant (declared lengths don't match the bytes actually present).
var ErrMalformedFrame = errors.New("malformed frame")
