package oath

import "errors"

var (
	// ErrWrongPassword is returned when the applet rejects the
	// password answered to its challenge.
	ErrWrongPassword = errors.New("wrong password")

	// ErrNotProtected is returned when Unlock is called on a token
	// that never asked for a password.
	ErrNotProtected = errors.New("token is not password protected")

	// ErrAuthRequired is returned when the applet refuses an operation
	// until the session is unlocked.
	ErrAuthRequired = errors.New("token requires a password")

	// ErrNoApplet is returned when the token has no OTP applet to
	// select.
	ErrNoApplet = errors.New("no OTP applet on token")

	// ErrApplet is returned when the applet answers something the
	// protocol doesn't allow, status words and reply framing included.
	ErrApplet = errors.New("unexpected applet response")

	// ErrMalformed marks a single account record that couldn't be
	// decoded. Listing skips such records and carries on.
	ErrMalformed = errors.New("malformed account record")
)
