// Package errs declares the error taxonomy shared by the sequence builder,
// the context encoder and the interpreter.
//
// Every specific error wraps one of the three categories, so callers can test
// either errors.Is(err, errs.ErrShapeMismatch) or errors.Is(err, errs.ErrData).
package errs

import (
	"errors"
	"fmt"
)

// Categories.
var (
	ErrConfiguration = errors.New("configuration error")
	ErrData          = errors.New("data error")
	ErrModelState    = errors.New("model state error")
)

// Configuration errors.
var (
	ErrInvalidConfig = fmt.Errorf("%w: invalid config", ErrConfiguration)
)

// Data errors.
var (
	ErrEmptyInput        = fmt.Errorf("%w: empty input", ErrData)
	ErrShapeMismatch     = fmt.Errorf("%w: shape mismatch", ErrData)
	ErrMalformedInput    = fmt.Errorf("%w: malformed input", ErrData)
	ErrEmptyEmbeddingSet = fmt.Errorf("%w: empty embedding set", ErrData)
	ErrUnknownCluster    = fmt.Errorf("%w: unknown cluster", ErrData)
)

// Model state errors.
var (
	ErrUntrainedModel  = fmt.Errorf("%w: model is not trained", ErrModelState)
	ErrEncoderRequired = fmt.Errorf("%w: fitted context encoder required", ErrModelState)
)
