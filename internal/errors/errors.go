// Package errors defines the failure kinds a checkpoint conversion can end with.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind classifies a conversion failure.
type Kind string

const (
	// KindFormat: input is not a recognized checkpoint, or its tree shape is unusable.
	KindFormat Kind = "FORMAT"
	// KindDependencyMissing: the checkpoint references object types nothing can interpret.
	KindDependencyMissing Kind = "DEPENDENCY_MISSING"
	// KindUnsupportedValue: a value cannot be represented in the output container.
	KindUnsupportedValue Kind = "UNSUPPORTED_VALUE"
	// KindIO: reading the input or writing the output failed.
	KindIO Kind = "IO"
)

// ConvError is a structured conversion error.
type ConvError struct {
	Kind    Kind
	Op      string // operation that failed, e.g. "decode", "unwrap", "write"
	Path    string // file involved, if any
	Key     string // checkpoint entry involved, if any
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ConvError) Error() string {
	msg := e.Message
	if e.Key != "" {
		msg = fmt.Sprintf("%s (key %q)", msg, e.Key)
	}
	if e.Path != "" {
		msg = fmt.Sprintf("%s: %s", e.Path, msg)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return fmt.Sprintf("%s %s: %s", e.Kind, e.Op, msg)
}

// Unwrap returns the underlying cause.
func (e *ConvError) Unwrap() error {
	return e.Err
}

// NewFormat creates a FORMAT error.
func NewFormat(op, msg string) *ConvError {
	return &ConvError{Kind: KindFormat, Op: op, Message: msg}
}

// NewDependencyMissing creates a DEPENDENCY_MISSING error for an uninterpretable
// object type declared in module.
func NewDependencyMissing(module, name string) *ConvError {
	return &ConvError{
		Kind:    KindDependencyMissing,
		Op:      "decode",
		Message: fmt.Sprintf("checkpoint references %s.%s which cannot be interpreted", module, name),
	}
}

// NewUnsupportedValue creates an UNSUPPORTED_VALUE error for the given key.
func NewUnsupportedValue(op, key, msg string) *ConvError {
	return &ConvError{Kind: KindUnsupportedValue, Op: op, Key: key, Message: msg}
}

// NewIO creates an IO error wrapping err.
func NewIO(op, path string, err error) *ConvError {
	return &ConvError{Kind: KindIO, Op: op, Path: path, Message: "i/o failure", Err: err}
}

// Wrap attaches kind to err unless err already carries a kind.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != "" {
		return err
	}
	return &ConvError{Kind: kind, Op: op, Message: "failed", Err: err}
}

// KindOf returns the kind of the first ConvError in err's chain, or "".
func KindOf(err error) Kind {
	var cErr *ConvError
	if stderrors.As(err, &cErr) {
		return cErr.Kind
	}
	return ""
}

// Is checks if err's chain contains a ConvError of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
