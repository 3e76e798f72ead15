// Package oath speaks the OTP applet's command protocol over a card
// transport: applet selection, password unlock, and account listing.
package oath

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/Giraut/vivokey-codes/internal/reader"
	"golang.org/x/crypto/pbkdf2"
)

// aid identifies the OTP applet on the token.
var aid = []byte{0xa0, 0x00, 0x00, 0x05, 0x27, 0x21, 0x01, 0x01}

// Unlock keys are derived from the password with PBKDF2-SHA1, salted with
// the device ID the applet advertises on select.
const (
	kdfIterations = 1000
	kdfKeyLen     = 16
)

// Client drives the OTP applet over one token presentation. Select must
// succeed before any other call.
type Client struct {
	tr reader.Transport

	version   string
	deviceID  []byte
	challenge []byte // non-nil when the applet wants a password
}

// NewClient returns a client exchanging commands over tr.
func NewClient(tr reader.Transport) *Client {
	return &Client{tr: tr}
}

// Select selects the OTP applet and records the session parameters it
// advertises: applet version, device ID and, on password protected
// tokens, the authentication challenge.
func (c *Client) Select() error {
	cmd, err := apdu(insSelect, 0x04, 0x00, aid)
	if err != nil {
		return err
	}
	body, err := c.exchange(cmd)
	if err != nil {
		return err
	}

	fields, err := parseTLVs(body)
	if err != nil {
		return fmt.Errorf("%w: select: %v", ErrApplet, err)
	}
	if v := fields[tagVersion]; len(v) == 3 {
		c.version = fmt.Sprintf("%d.%d.%d", v[0], v[1], v[2])
	}
	c.deviceID = fields[tagDeviceID]
	c.challenge = fields[tagChallenge]
	return nil
}

// Version returns the applet version advertised on select, or "" if the
// applet didn't advertise one.
func (c *Client) Version() string {
	return c.version
}

// Protected reports whether the applet wants Unlock before listing.
func (c *Client) Protected() bool {
	return len(c.challenge) > 0
}

// Unlock answers the applet's password challenge. The password never
// crosses the wire: the applet's challenge is answered with an HMAC-SHA1
// under the derived key, and the applet proves it holds the same key by
// answering a challenge of ours.
func (c *Client) Unlock(password string) error {
	if !c.Protected() {
		return ErrNotProtected
	}

	key := pbkdf2.Key([]byte(password), c.deviceID, kdfIterations, kdfKeyLen, sha1.New)

	mac := hmac.New(sha1.New, key)
	mac.Write(c.challenge)
	answer := mac.Sum(nil)

	host := make([]byte, 8)
	if _, err := rand.Read(host); err != nil {
		return fmt.Errorf("generating host challenge: %w", err)
	}

	data := append(tlv(tagResponse, answer), tlv(tagChallenge, host)...)
	cmd, err := apdu(insValidate, 0x00, 0x00, data)
	if err != nil {
		return err
	}
	body, err := c.exchange(cmd)
	if err != nil {
		return err
	}

	fields, err := parseTLVs(body)
	if err != nil {
		return fmt.Errorf("%w: validate: %v", ErrApplet, err)
	}
	mac = hmac.New(sha1.New, key)
	mac.Write(host)
	if !hmac.Equal(fields[tagResponse], mac.Sum(nil)) {
		return fmt.Errorf("%w: token failed mutual authentication", ErrApplet)
	}
	return nil
}

// List asks the applet for every configured account. The challenge sent
// along is the current time step, from which the applet computes the
// truncated values it returns for accounts whose keys never leave the
// token. Records that fail to decode are reported in the listing without
// aborting it.
func (c *Client) List(at time.Time) (Listing, error) {
	chal := make([]byte, 8)
	binary.BigEndian.PutUint64(chal, uint64(at.Unix())/30)

	cmd, err := apdu(insSelect, 0x00, 0x01, tlv(tagChallenge, chal))
	if err != nil {
		return Listing{}, err
	}
	body, err := c.exchange(cmd)
	if err != nil {
		return Listing{}, err
	}
	return parseListing(body), nil
}

// exchange sends one command, follows 61xx chains until the applet has
// nothing more to send, and maps error status words onto the package's
// error values.
func (c *Client) exchange(cmd []byte) ([]byte, error) {
	var body []byte
	for {
		rsp, err := c.tr.Transceive(cmd)
		if err != nil {
			return nil, fmt.Errorf("transport: %w", err)
		}
		data, sw, err := splitSW(rsp)
		if err != nil {
			return nil, err
		}
		body = append(body, data...)

		switch {
		case sw == swOK:
			return body, nil
		case sw>>8 == sw1MoreData:
			if cmd, err = apdu(insSendRemaining, 0x00, 0x00, nil); err != nil {
				return nil, err
			}
		case sw == swAuthFailed:
			return nil, ErrWrongPassword
		case sw == swAuthRequired:
			return nil, ErrAuthRequired
		case sw == swNotFound:
			return nil, ErrNoApplet
		default:
			return nil, fmt.Errorf("%w: status %04x", ErrApplet, sw)
		}
	}
}
