package bemfa

import "errors"

var (
	// ErrUnknownDomain is returned when an entity domain has no entry in the domain table.
	// Callers must not route such entities to the codec.
	ErrUnknownDomain = errors.New("bemfa: unknown domain")

	// ErrMalformedMessage is returned when an "on" message carries a non-numeric field.
	ErrMalformedMessage = errors.New("bemfa: malformed message")
)
