// Package session owns the token lifecycle: it matches a reader, waits
// for a token, negotiates the applet unlock and hands out codes, falling
// back to the start whenever the token goes away.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/Giraut/vivokey-codes/internal/oath"
	"github.com/Giraut/vivokey-codes/internal/reader"
	"github.com/Giraut/vivokey-codes/internal/totp"
	"github.com/Giraut/vivokey-codes/pkg/models"
	"github.com/zerodha/logf"
)

// State is the lifecycle position of the session.
type State int

const (
	// Idle: no reader bound yet.
	Idle State = iota

	// Connecting: reader bound, waiting for a token to land on it.
	Connecting

	// Connected: token present, applet selected, not unlocked.
	Connected

	// Unlocking: password exchange in flight.
	Unlocking

	// Ready: applet will answer listings.
	Ready

	// Disconnected: token lost or errored, cleanup pending.
	Disconnected
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Unlocking:
		return "unlocking"
	case Ready:
		return "ready"
	case Disconnected:
		return "disconnected"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Device is what the session needs from an opened reader.
type Device interface {
	Name() string
	Poll() (reader.Presence, error)
	Connect() (reader.Transport, error)
	Close() error
}

// Opener binds to the reader matching a name or pattern.
type Opener func(pattern string) (Device, error)

// pcscDevice adapts *reader.Reader to Device.
type pcscDevice struct {
	*reader.Reader
}

func (d pcscDevice) Connect() (reader.Transport, error) {
	return d.Reader.Connect()
}

// OpenReader is the default Opener, backed by the PC/SC stack.
func OpenReader(pattern string) (Device, error) {
	r, err := reader.Open(pattern)
	if err != nil {
		return nil, err
	}
	return pcscDevice{r}, nil
}

// Config is the session's standing configuration.
type Config struct {
	// Reader is the exact name or pattern of the reader to bind to.
	// Empty binds to the first one.
	Reader string

	// Password unlocks the applet on protected tokens.
	Password string

	// Open, when set, replaces OpenReader. Tests bind fake devices
	// through it.
	Open Opener
}

// Session is one reader's token lifecycle. It is driven by a single
// control loop calling Poll and is not safe for concurrent use.
type Session struct {
	cfg  Config
	lo   logf.Logger
	open Opener

	state  State
	dev    Device
	card   reader.Transport
	client *oath.Client

	password string
	rejected string // last password the applet turned down
	err      error
}

// New returns an Idle session.
func New(cfg Config, lo logf.Logger) *Session {
	open := cfg.Open
	if open == nil {
		open = OpenReader
	}
	return &Session{
		cfg:      cfg,
		lo:       lo,
		open:     open,
		password: cfg.Password,
	}
}

// State returns the session's current state.
func (s *Session) State() State {
	return s.state
}

// Reader returns the bound reader's name, or "" before one is bound.
func (s *Session) Reader() string {
	if s.dev == nil {
		return ""
	}
	return s.dev.Name()
}

// Version returns the applet version of the present token, or "" when no
// token is selected.
func (s *Session) Version() string {
	if s.client == nil {
		return ""
	}
	return s.client.Version()
}

// Err returns the most recent failure. It is cleared when a token
// attaches and again when the session reaches Ready, so it never carries
// leftovers from an earlier lifecycle phase.
func (s *Session) Err() error {
	return s.err
}

// SetPassword replaces the unlock password and clears the rejection
// latch, so the next Poll retries the unlock.
func (s *Session) SetPassword(password string) {
	s.password = password
	s.rejected = ""
}

// Poll advances the session as far as it can go without new outside
// events and returns the state it settled in. It never blocks: every
// underlying exchange returns immediately, so the caller owns the
// cadence.
func (s *Session) Poll() State {
	for {
		switch s.state {
		case Idle:
			dev, err := s.open(s.cfg.Reader)
			if err != nil {
				// No reader is not fatal: one may be plugged
				// in before the next tick.
				s.note(err)
				return s.state
			}
			s.dev = dev
			s.to(Connecting)

		case Connecting:
			present, err := s.dev.Poll()
			if err != nil {
				s.drop(fmt.Errorf("polling reader: %w", err))
				return s.state
			}
			if present != reader.Present {
				return s.state
			}
			if err := s.attach(); err != nil {
				s.drop(err)
				return s.state
			}
			s.to(Connected)

		case Connected:
			if !s.client.Protected() {
				s.to(Ready)
				return s.state
			}
			if s.password == "" || s.password == s.rejected {
				// Wait for SetPassword.
				return s.state
			}
			s.to(Unlocking)

		case Unlocking:
			err := s.client.Unlock(s.password)
			switch {
			case err == nil:
				s.to(Ready)
			case errors.Is(err, oath.ErrNotProtected):
				s.to(Ready)
			case errors.Is(err, oath.ErrWrongPassword):
				s.rejected = s.password
				s.note(err)
				s.to(Connected)
			default:
				s.drop(err)
			}
			return s.state

		case Ready:
			present, err := s.dev.Poll()
			if err != nil {
				s.drop(fmt.Errorf("polling reader: %w", err))
			} else if present != reader.Present {
				s.drop(errors.New("token removed"))
			}
			return s.state

		case Disconnected:
			s.reset()
			return s.state
		}
	}
}

// Codes lists the present token's accounts and derives a code for each.
// Records that can't be decoded or derived are skipped with a warning;
// failures of the exchange itself invalidate the session.
func (s *Session) Codes(at time.Time) ([]models.Code, error) {
	if s.state != Ready {
		return nil, fmt.Errorf("no token session (state %s)", s.state)
	}

	listing, err := s.client.List(at)
	if err != nil {
		s.drop(err)
		return nil, err
	}

	for _, m := range listing.Malformed {
		s.lo.Warn("skipping malformed account record", "offset", m.Offset, "error", m.Err)
	}

	codes := make([]models.Code, 0, len(listing.Accounts))
	for _, a := range listing.Accounts {
		code, err := totp.Derive(a, at)
		if err != nil {
			s.lo.Warn("skipping account", "account", a.Label(), "error", err)
			continue
		}
		codes = append(codes, models.Code{Issuer: a.Issuer, Name: a.Name, Code: code})
	}
	return codes, nil
}

// Close drops the card and reader and leaves the session Idle.
func (s *Session) Close() {
	if s.card != nil {
		s.card.Close()
		s.card = nil
	}
	s.client = nil
	if s.dev != nil {
		s.dev.Close()
		s.dev = nil
	}
	s.state = Idle
}

// attach connects to the present token and selects the applet.
func (s *Session) attach() error {
	card, err := s.dev.Connect()
	if err != nil {
		return fmt.Errorf("connecting to token: %w", err)
	}
	client := oath.NewClient(card)
	if err := client.Select(); err != nil {
		card.Close()
		return err
	}

	s.card = card
	s.client = client
	// Errors noted before the token landed are stale now.
	s.err = nil
	s.lo.Info("token present",
		"reader", s.dev.Name(),
		"applet", client.Version(),
		"protected", client.Protected())
	return nil
}

// drop invalidates the card session. The next Poll cleans up and returns
// to Idle.
func (s *Session) drop(err error) {
	s.note(err)
	if s.card != nil {
		s.card.Close()
		s.card = nil
	}
	s.client = nil
	s.to(Disconnected)
}

// reset releases the reader after a disconnect.
func (s *Session) reset() {
	if s.dev != nil {
		s.dev.Close()
		s.dev = nil
	}
	s.to(Idle)
}

// note records a failure for Err without touching the state.
func (s *Session) note(err error) {
	if err == nil {
		return
	}
	s.err = err
	s.lo.Debug("session", "state", s.state, "error", err)
}

func (s *Session) to(state State) {
	if state == s.state {
		return
	}
	s.lo.Debug("session state", "from", s.state, "to", state)
	s.state = state
	if state == Ready {
		s.err = nil
	}
}
