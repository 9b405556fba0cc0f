package connector

import "errors"

// Distinguishable connector failures. Callers use errors.Is to decide
// whether a retry makes sense (timeout and disconnect are transient;
// unknown name and missing capability are not).
var (
	ErrUnknownConnector  = errors.New("unknown connector")
	ErrMissingCapability = errors.New("connector missing capability")
	ErrRequestTimeout    = errors.New("connector request timeout")
	ErrDisconnected      = errors.New("connector disconnected")
	ErrAuthRejected      = errors.New("authentication rejected")
)
