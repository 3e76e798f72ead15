// Package reader gives the applet protocol a card channel over PC/SC.
package reader

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/ebfe/scard"
)

// ErrNotFound is returned by Open when no connected reader matches the
// requested name or pattern.
var ErrNotFound = errors.New("no matching reader")

// Presence is the result of polling a reader for a token.
type Presence int

const (
	Absent Presence = iota
	Present
)

// String returns the lowercase name of the presence state.
func (p Presence) String() string {
	if p == Present {
		return "present"
	}
	return "absent"
}

// Transport is the raw exchange channel the applet protocol runs over.
type Transport interface {
	// Transceive sends one command and returns the full response,
	// including the trailing status word.
	Transceive(cmd []byte) ([]byte, error)

	// Close ends the exchange channel.
	Close() error
}

// Reader is one opened PC/SC reader.
type Reader struct {
	ctx  *scard.Context
	name string
}

// Open establishes a PC/SC context and binds to the first connected reader
// matching pattern. See match for the matching rules.
func Open(pattern string) (*Reader, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("establishing PC/SC context: %w", err)
	}

	names, err := ctx.ListReaders()
	if err != nil {
		ctx.Release()
		return nil, fmt.Errorf("listing readers: %w", err)
	}

	name, err := match(names, pattern)
	if err != nil {
		ctx.Release()
		return nil, err
	}

	return &Reader{ctx: ctx, name: name}, nil
}

// match picks the first name equal to pattern, failing which the first
// name the pattern matches as a regular expression. An empty pattern picks
// the first reader.
func match(names []string, pattern string) (string, error) {
	if len(names) == 0 {
		return "", ErrNotFound
	}
	if pattern == "" {
		return names[0], nil
	}

	for _, n := range names {
		if n == pattern {
			return n, nil
		}
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", fmt.Errorf("%w: %q is neither a connected reader nor a valid pattern", ErrNotFound, pattern)
	}
	for _, n := range names {
		if re.MatchString(n) {
			return n, nil
		}
	}

	return "", fmt.Errorf("%w: %q", ErrNotFound, pattern)
}

// Name returns the name of the matched reader.
func (r *Reader) Name() string {
	return r.name
}

// Poll reports whether a token is sitting on the reader. It returns
// immediately: the zero timeout asks PC/SC for the current state instead
// of waiting for a change.
func (r *Reader) Poll() (Presence, error) {
	states := []scard.ReaderState{{
		Reader:       r.name,
		CurrentState: scard.StateUnaware,
	}}
	if err := r.ctx.GetStatusChange(states, 0); err != nil {
		return Absent, fmt.Errorf("reader status: %w", err)
	}

	if states[0].EventState&scard.StatePresent != 0 {
		return Present, nil
	}
	return Absent, nil
}

// Connect opens an exchange channel to the token on the reader.
func (r *Reader) Connect() (*Card, error) {
	card, err := r.ctx.Connect(r.name, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		return nil, fmt.Errorf("connecting to token on %s: %w", r.name, err)
	}
	return &Card{card: card}, nil
}

// Close releases the PC/SC context.
func (r *Reader) Close() error {
	return r.ctx.Release()
}

// Card is a connected token.
type Card struct {
	card *scard.Card
}

// Transceive sends one command APDU and returns the raw response.
func (c *Card) Transceive(cmd []byte) ([]byte, error) {
	rsp, err := c.card.Transmit(cmd)
	if err != nil {
		return nil, fmt.Errorf("transmit: %w", err)
	}
	return rsp, nil
}

// Close disconnects from the token, leaving it powered for other clients.
func (c *Card) Close() error {
	return c.card.Disconnect(scard.LeaveCard)
}
