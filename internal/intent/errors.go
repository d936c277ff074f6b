package intent

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a ValidationError.
type ErrorKind string

const (
	// InvalidHostname means the hostname annotation is not a valid DNS subdomain.
	InvalidHostname ErrorKind = "InvalidHostname"
	// NoPortsAvailable means no port annotation is set and the Service has no ports.
	NoPortsAvailable ErrorKind = "NoPortsAvailable"
	// MissingRequiredField means a required annotation is absent or empty.
	MissingRequiredField ErrorKind = "MissingRequiredField"
	// InvalidPort means the port annotation does not parse as a valid port number.
	InvalidPort ErrorKind = "InvalidPort"
	// InvalidGatewayNamespace means the gateway-namespace annotation is not a
	// valid DNS label.
	InvalidGatewayNamespace ErrorKind = "InvalidGatewayNamespace"
)

// ValidationError is a user configuration error. It is terminal for the
// reconciliation attempt: correcting the annotation is the only way out, so it
// is surfaced on the Service status and never retried.
type ValidationError struct {
	Kind       ErrorKind
	Annotation string
	Message    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Annotation, e.Message)
}

// AsValidationError unwraps err into a *ValidationError if it is one.
func AsValidationError(err error) (*ValidationError, bool) {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr, true
	}
	return nil, false
}
