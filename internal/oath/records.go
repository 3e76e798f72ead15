package oath

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/Giraut/vivokey-codes/pkg/models"
)

// Account record payload kinds.
const (
	kindSecret    = 0x00 // algorithm, period and raw key
	kindTruncated = 0x01 // 31-bit value computed on-card
)

// Rendered code lengths the applet may announce.
const (
	minDigits = 5
	maxDigits = 10
)

// Listing is the decoded result of one account enumeration.
type Listing struct {
	Accounts  []models.Account
	Malformed []MalformedRecord
}

// MalformedRecord marks one record that was skipped because it couldn't be
// decoded. Offset is where its frame started in the response body.
type MalformedRecord struct {
	Offset int
	Err    error
}

// parseListing decodes a listing body: a sequence of account records, each
// wrapped in a 2-byte big-endian length frame. A record that fails to
// decode becomes a Malformed marker and the walk resumes at the next
// frame. A frame whose own length or header is cut short ends the walk,
// as there is nothing left to resynchronise on.
func parseListing(body []byte) Listing {
	var out Listing

	cur := &cursor{buf: body}
	for !cur.done() {
		off := cur.off

		n, err := cur.uint16be()
		if err != nil {
			out.Malformed = append(out.Malformed, MalformedRecord{
				Offset: off,
				Err:    fmt.Errorf("%w: record frame: %v", ErrMalformed, err),
			})
			break
		}
		rec, err := cur.take(n)
		if err != nil {
			out.Malformed = append(out.Malformed, MalformedRecord{
				Offset: off,
				Err:    fmt.Errorf("%w: record frame: %v", ErrMalformed, err),
			})
			break
		}

		acct, err := parseAccount(rec)
		if err != nil {
			out.Malformed = append(out.Malformed, MalformedRecord{Offset: off, Err: err})
			continue
		}
		out.Accounts = append(out.Accounts, acct)
	}
	return out
}

// parseAccount decodes the body of one framed account record.
func parseAccount(rec []byte) (models.Account, error) {
	cur := &cursor{buf: rec}

	issuer, err := cur.lv()
	if err != nil {
		return models.Account{}, fmt.Errorf("%w: issuer: %v", ErrMalformed, err)
	}
	name, err := cur.lv()
	if err != nil {
		return models.Account{}, fmt.Errorf("%w: account name: %v", ErrMalformed, err)
	}
	digits, err := cur.byte1()
	if err != nil {
		return models.Account{}, fmt.Errorf("%w: digits: %v", ErrMalformed, err)
	}
	kind, err := cur.byte1()
	if err != nil {
		return models.Account{}, fmt.Errorf("%w: payload kind: %v", ErrMalformed, err)
	}
	payload, err := cur.lv()
	if err != nil {
		return models.Account{}, fmt.Errorf("%w: payload: %v", ErrMalformed, err)
	}
	if !cur.done() {
		return models.Account{}, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, cur.remaining())
	}
	if digits < minDigits || digits > maxDigits {
		return models.Account{}, fmt.Errorf("%w: %d digit codes not renderable", ErrMalformed, digits)
	}

	acct := models.Account{
		Issuer: string(issuer),
		Name:   string(name),
		Digits: int(digits),
		Period: models.DefaultPeriod,
	}

	switch kind {
	case kindSecret:
		// Algorithm and period bytes, then at least one key byte.
		if len(payload) < 3 {
			return models.Account{}, fmt.Errorf("%w: %d byte key payload carries no key", ErrMalformed, len(payload))
		}
		switch alg := models.Algorithm(payload[0]); alg {
		case models.AlgSHA1, models.AlgSHA256, models.AlgSHA512:
			acct.Algorithm = alg
		default:
			return models.Account{}, fmt.Errorf("%w: unknown algorithm %#02x", ErrMalformed, payload[0])
		}
		if payload[1] != 0 {
			acct.Period = time.Duration(payload[1]) * time.Second
		}
		acct.Secret = append([]byte(nil), payload[2:]...)

	case kindTruncated:
		if len(payload) != 4 {
			return models.Account{}, fmt.Errorf("%w: truncated value is %d bytes, want 4", ErrMalformed, len(payload))
		}
		v := binary.BigEndian.Uint32(payload) & 0x7fffffff
		acct.Algorithm = models.AlgSHA1
		acct.Truncated = &v

	default:
		return models.Account{}, fmt.Errorf("%w: unknown payload kind %#02x", ErrMalformed, kind)
	}

	return acct, nil
}
