package runtime

import (
	"errors"
	"fmt"
)

// Error kinds reported by providers and the inference core. Callers match
// them with errors.Is; ErrorKind maps them to stable names for transports.
var (
	ErrModelLoad             = errors.New("model load failure")
	ErrContextCreation       = errors.New("context creation failure")
	ErrTokenization          = errors.New("tokenization failure")
	ErrContextWindowExceeded = errors.New("context window exceeded")
	ErrDecode                = errors.New("decode failure")
	ErrTokenConversion       = errors.New("token conversion failure")
	ErrFunctionNotFound      = errors.New("function not found")
	ErrFunctionCall          = errors.New("function call failure")
	ErrCacheIO               = errors.New("cache io failure")
	ErrAlreadyRunning        = errors.New("model is already running")
)

// ErrInputTooLong is returned when an embedding input does not fit the
// embedding window. It matches ErrContextWindowExceeded as well.
var ErrInputTooLong = fmt.Errorf("input too long: %w", ErrContextWindowExceeded)

var kinds = []struct {
	err  error
	name string
}{
	{ErrInputTooLong, "InputTooLong"},
	{ErrModelLoad, "ModelLoadFailure"},
	{ErrContextCreation, "ContextCreationFailure"},
	{ErrTokenization, "TokenizationFailure"},
	{ErrContextWindowExceeded, "ContextWindowExceeded"},
	{ErrDecode, "DecodeFailure"},
	{ErrTokenConversion, "TokenConversionFailure"},
	{ErrFunctionNotFound, "FunctionNotFound"},
	{ErrFunctionCall, "FunctionCallFailure"},
	{ErrCacheIO, "CacheIOFailure"},
	{ErrAlreadyRunning, "AlreadyRunning"},
}

// ErrorKind returns the stable kind name of err, or "Internal" when err
// does not wrap a known kind. It returns "" for a nil error.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "Internal"
}

// ErrorForKind is the inverse of ErrorKind. It returns nil for "Internal"
// and unknown names.
func ErrorForKind(kind string) error {
	for _, k := range kinds {
		if k.name == kind {
			return k.err
		}
	}
	return nil
}
