package session

import "github.com/google/uuid"

// Issuer produces conversation identifiers for requests that carry none.
type Issuer interface {
	Issue() string
}

// IssuerFunc adapts a plain function to Issuer.
type IssuerFunc func() string

func (f IssuerFunc) Issue() string { return f() }

// UUIDIssuer issues random (version 4) UUIDs.
type UUIDIssuer struct{}

func (UUIDIssuer) Issue() string { return uuid.NewString() }
