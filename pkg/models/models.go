package models

import (
	"fmt"
	"time"
)

// DefaultPeriod is the TOTP time step used when an account record doesn't
// carry one of its own.
const DefaultPeriod = 30 * time.Second

// Algorithm identifies the HMAC hash an account's key is bound to. The
// values are the applet's wire encoding.
type Algorithm byte

const (
	AlgSHA1   Algorithm = 0x01
	AlgSHA256 Algorithm = 0x02
	AlgSHA512 Algorithm = 0x03
)

// String returns the conventional name of the algorithm.
func (a Algorithm) String() string {
	switch a {
	case AlgSHA1:
		return "SHA1"
	case AlgSHA256:
		return "SHA256"
	case AlgSHA512:
		return "SHA512"
	}
	return fmt.Sprintf("unknown(%#02x)", byte(a))
}

// Account is one TOTP entry enumerated from the token. Either Secret or
// Truncated is set, never both: Secret carries the raw HMAC key for
// accounts the applet exports whole, while Truncated carries the 31-bit
// dynamically truncated value the applet computed on-card for the current
// time step.
type Account struct {
	Issuer    string
	Name      string
	Digits    int
	Period    time.Duration
	Algorithm Algorithm

	Secret    []byte
	Truncated *uint32
}

// Label returns the "issuer:name" form shown to users, or just the name
// when the account has no issuer.
func (a Account) Label() string {
	if a.Issuer == "" {
		return a.Name
	}
	return a.Issuer + ":" + a.Name
}

// Code pairs an account with the one-time code valid for it at the time it
// was derived.
type Code struct {
	Issuer string `json:"issuer"`
	Name   string `json:"name"`
	Code   string `json:"code"`
}

// Label returns the "issuer:name" form shown to users.
func (c Code) Label() string {
	if c.Issuer == "" {
		return c.Name
	}
	return c.Issuer + ":" + c.Name
}
