// Package oathtest provides an in-memory token that answers the OTP
// applet's command protocol over the reader transport interface, so tests
// can run the full exchange without hardware.
//
// The dialect's constants and encoders are redeclared here rather than
// imported, keeping the simulator independent of the client it tests.
package oathtest

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

var appletAID = []byte{0xa0, 0x00, 0x00, 0x05, 0x27, 0x21, 0x01, 0x01}

// Record is one account configured on the fake token.
type Record struct {
	Issuer string
	Name   string
	Digits byte // 0 means 6

	// Key-carrying records.
	Alg    byte // wire algorithm value; 0 means SHA1
	Period byte // seconds; 0 means the applet default
	Key    []byte

	// Truncated wins over Key when set: the record carries a
	// precomputed 31-bit value instead of key material.
	Truncated *uint32

	// Raw, when set, is emitted verbatim in place of the whole framed
	// record. Tests use it to serve damaged frames.
	Raw []byte
}

// Token simulates the OTP applet behind a card transport. The zero value
// is an unprotected token with no accounts.
type Token struct {
	Password string // "" leaves the token unprotected
	Version  [3]byte
	DeviceID []byte
	Records  []Record

	// TransmitErr, when set, fails every exchange at the transport
	// level.
	TransmitErr error

	// TruncateBody, when positive, cuts the listing body to that many
	// bytes before the status word, serving a cut-off final record.
	TruncateBody int

	// ChunkSize, when positive, delivers listing bodies in chunks of
	// that size chained with 61xx status words.
	ChunkSize int

	// LastChallenge records the time-step challenge received with the
	// most recent listing request.
	LastChallenge []byte

	unlocked  bool
	challenge []byte
	pending   []byte
	closed    bool
}

// Transceive answers one command APDU.
func (t *Token) Transceive(cmd []byte) ([]byte, error) {
	if t.TransmitErr != nil {
		return nil, t.TransmitErr
	}
	if len(cmd) < 4 {
		return nil, fmt.Errorf("oathtest: %d byte command", len(cmd))
	}
	ins, p1, p2 := cmd[1], cmd[2], cmd[3]
	var data []byte
	if len(cmd) > 4 {
		if int(cmd[4]) != len(cmd)-5 {
			return nil, fmt.Errorf("oathtest: Lc %d in %d byte command", cmd[4], len(cmd))
		}
		data = cmd[5:]
	}

	switch {
	case ins == 0xa4 && p1 == 0x04:
		return t.selectApplet(data), nil
	case ins == 0xa3:
		return t.validate(data), nil
	case ins == 0xa4 && p1 == 0x00 && p2 == 0x01:
		return t.list(data), nil
	case ins == 0xa5:
		return t.remaining(), nil
	}
	return sw(0x6d00), nil
}

// Close marks the transport closed.
func (t *Token) Close() error {
	t.closed = true
	return nil
}

// Closed reports whether the transport was closed.
func (t *Token) Closed() bool {
	return t.closed
}

// Unlocked reports whether a validate exchange has succeeded since the
// last select.
func (t *Token) Unlocked() bool {
	return t.unlocked
}

func (t *Token) selectApplet(data []byte) []byte {
	if !bytes.Equal(data, appletAID) {
		return sw(0x6a82)
	}

	t.unlocked = t.Password == ""
	t.pending = nil

	body := tlv(0x79, t.Version[:])
	body = append(body, tlv(0x71, t.deviceID())...)
	if t.Password != "" {
		t.challenge = []byte{0x42, 0x13, 0x37, 0x24, 0x68, 0xac, 0xe0, 0x1f}
		body = append(body, tlv(0x74, t.challenge)...)
	}
	return append(body, sw(0x9000)...)
}

func (t *Token) validate(data []byte) []byte {
	if t.Password == "" {
		return sw(0x6985)
	}

	fields, ok := parseTLVs(data)
	if !ok {
		return sw(0x6a80)
	}

	key := t.key()
	mac := hmac.New(sha1.New, key)
	mac.Write(t.challenge)
	if !hmac.Equal(fields[0x75], mac.Sum(nil)) {
		return sw(0x6982)
	}

	t.unlocked = true
	mac = hmac.New(sha1.New, key)
	mac.Write(fields[0x74])
	return append(tlv(0x75, mac.Sum(nil)), sw(0x9000)...)
}

func (t *Token) list(data []byte) []byte {
	if !t.unlocked {
		return sw(0x6985)
	}

	fields, ok := parseTLVs(data)
	if !ok {
		return sw(0x6a80)
	}
	t.LastChallenge = append([]byte(nil), fields[0x74]...)
	t.pending = nil

	body := t.listBody()
	if t.TruncateBody > 0 && t.TruncateBody < len(body) {
		body = body[:t.TruncateBody]
	}
	return t.emit(body)
}

func (t *Token) remaining() []byte {
	if t.pending == nil {
		return sw(0x6d00)
	}
	body := t.pending
	t.pending = nil
	return t.emit(body)
}

// emit returns body as one response, or its first chunk chained behind a
// 61xx status word when chunking is on.
func (t *Token) emit(body []byte) []byte {
	if t.ChunkSize > 0 && len(body) > t.ChunkSize {
		t.pending = append([]byte(nil), body[t.ChunkSize:]...)
		more := len(t.pending)
		if more > 0xff {
			more = 0
		}
		out := append([]byte(nil), body[:t.ChunkSize]...)
		return append(out, 0x61, byte(more))
	}
	out := append([]byte(nil), body...)
	return append(out, sw(0x9000)...)
}

func (t *Token) listBody() []byte {
	var out []byte
	for _, r := range t.Records {
		if r.Raw != nil {
			out = append(out, r.Raw...)
			continue
		}
		rec := r.encode()
		frame := make([]byte, 2, 2+len(rec))
		binary.BigEndian.PutUint16(frame, uint16(len(rec)))
		out = append(out, append(frame, rec...)...)
	}
	return out
}

func (t *Token) deviceID() []byte {
	if t.DeviceID != nil {
		return t.DeviceID
	}
	return []byte("oathtest")
}

func (t *Token) key() []byte {
	return pbkdf2.Key([]byte(t.Password), t.deviceID(), 1000, 16, sha1.New)
}

func (r Record) encode() []byte {
	var out []byte
	out = append(out, byte(len(r.Issuer)))
	out = append(out, r.Issuer...)
	out = append(out, byte(len(r.Name)))
	out = append(out, r.Name...)

	digits := r.Digits
	if digits == 0 {
		digits = 6
	}
	out = append(out, digits)

	if r.Truncated != nil {
		var v [4]byte
		binary.BigEndian.PutUint32(v[:], *r.Truncated)
		out = append(out, 0x01, 0x04)
		return append(out, v[:]...)
	}

	alg := r.Alg
	if alg == 0 {
		alg = 0x01
	}
	payload := append([]byte{alg, r.Period}, r.Key...)
	out = append(out, 0x00, byte(len(payload)))
	return append(out, payload...)
}

func parseTLVs(buf []byte) (map[byte][]byte, bool) {
	out := make(map[byte][]byte)
	for len(buf) > 0 {
		if len(buf) < 2 {
			return nil, false
		}
		tag, n := buf[0], int(buf[1])
		if len(buf) < 2+n {
			return nil, false
		}
		out[tag] = buf[2 : 2+n]
		buf = buf[2+n:]
	}
	return out, true
}

func tlv(tag byte, value []byte) []byte {
	return append([]byte{tag, byte(len(value))}, value...)
}

func sw(w uint16) []byte {
	return []byte{byte(w >> 8), byte(w)}
}
