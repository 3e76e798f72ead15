package oath

import (
	"encoding/binary"
	"fmt"
)

// Command constants of the applet dialect: short ISO 7816-4 APDUs.
const (
	claISO = 0x00

	insSelect        = 0xa4 // P1 0x04 selects the applet; P1 0x00, P2 0x01 lists codes
	insValidate      = 0xa3
	insSendRemaining = 0xa5
)

// Tags used in command and response TLV payloads.
const (
	tagVersion   = 0x79
	tagDeviceID  = 0x71
	tagChallenge = 0x74
	tagResponse  = 0x75
)

// Response status words.
const (
	swOK           = 0x9000
	swAuthFailed   = 0x6982
	swAuthRequired = 0x6985
	swNotFound     = 0x6a82

	sw1MoreData = 0x61 // SW2 carries the size of the next chunk
)

// apdu frames one short command APDU. Payloads are capped at the short
// form's single length byte.
func apdu(ins, p1, p2 byte, data []byte) ([]byte, error) {
	if len(data) > 0xff {
		return nil, fmt.Errorf("%w: %d byte command payload overflows a short APDU", ErrApplet, len(data))
	}

	out := make([]byte, 0, 5+len(data))
	out = append(out, claISO, ins, p1, p2)
	if len(data) > 0 {
		out = append(out, byte(len(data)))
		out = append(out, data...)
	}
	return out, nil
}

// splitSW separates a response body from its trailing status word.
func splitSW(rsp []byte) ([]byte, uint16, error) {
	if len(rsp) < 2 {
		return nil, 0, fmt.Errorf("%w: %d byte response has no status word", ErrApplet, len(rsp))
	}
	n := len(rsp) - 2
	return rsp[:n], uint16(rsp[n])<<8 | uint16(rsp[n+1]), nil
}

// tlv frames one tag-length-value field.
func tlv(tag byte, value []byte) []byte {
	out := make([]byte, 0, 2+len(value))
	out = append(out, tag, byte(len(value)))
	return append(out, value...)
}

// parseTLVs walks a buffer of tag-length-value fields. Later fields win on
// duplicate tags.
func parseTLVs(buf []byte) (map[byte][]byte, error) {
	out := make(map[byte][]byte)
	cur := &cursor{buf: buf}
	for !cur.done() {
		tag, err := cur.byte1()
		if err != nil {
			return nil, err
		}
		value, err := cur.lv()
		if err != nil {
			return nil, fmt.Errorf("tag %#02x: %v", tag, err)
		}
		out[tag] = value
	}
	return out, nil
}

// cursor walks a response buffer with explicit bounds checks so that a bad
// length prefix can never slice out of range. Errors report the offset the
// read started at.
type cursor struct {
	buf []byte
	off int
}

func (c *cursor) remaining() int {
	return len(c.buf) - c.off
}

func (c *cursor) done() bool {
	return c.remaining() == 0
}

// byte1 reads a single byte.
func (c *cursor) byte1() (byte, error) {
	if c.remaining() < 1 {
		return 0, fmt.Errorf("truncated at offset %d", c.off)
	}
	b := c.buf[c.off]
	c.off++
	return b, nil
}

// take reads the next n bytes.
func (c *cursor) take(n int) ([]byte, error) {
	if n > c.remaining() {
		return nil, fmt.Errorf("%d bytes wanted at offset %d, %d left", n, c.off, c.remaining())
	}
	b := c.buf[c.off : c.off+n]
	c.off += n
	return b, nil
}

// lv reads a 1-byte length prefix followed by that many bytes.
func (c *cursor) lv() ([]byte, error) {
	n, err := c.byte1()
	if err != nil {
		return nil, err
	}
	return c.take(int(n))
}

// uint16be reads a 2-byte big-endian integer.
func (c *cursor) uint16be() (int, error) {
	b, err := c.take(2)
	if err != nil {
		return 0, err
	}
	return int(binary.BigEndian.Uint16(b)), nil
}
