// Package totp turns account records into the codes they're worth at a
// given time.
package totp

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"time"

	"github.com/Giraut/vivokey-codes/pkg/models"
	"github.com/pquerna/otp"
	ptotp "github.com/pquerna/otp/totp"
)

// ErrNoSecret is returned for an account carrying neither a key nor a
// precomputed value.
var ErrNoSecret = errors.New("account carries no code material")

// Accounts with this exact issuer render codes the way Steam's
// authenticator does. The match is case sensitive.
const steamIssuer = "Steam"

// steamAlphabet is the fixed 36-symbol Steam code alphabet, indexed least
// significant position first.
const steamAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

const steamDigits = 5

// Derive computes the account's one-time code at the given time. Accounts
// with a precomputed truncated value are just rendered; the rest run the
// usual time-step HMAC.
func Derive(a models.Account, at time.Time) (string, error) {
	if a.Truncated != nil {
		return render(a, *a.Truncated), nil
	}
	if len(a.Secret) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNoSecret, a.Label())
	}

	if a.Issuer == steamIssuer {
		return render(a, truncate(a, at)), nil
	}

	code, err := ptotp.GenerateCodeCustom(base32.StdEncoding.EncodeToString(a.Secret), at, ptotp.ValidateOpts{
		Period:    uint(period(a) / time.Second),
		Digits:    otp.Digits(a.Digits),
		Algorithm: otpAlgorithm(a.Algorithm),
	})
	if err != nil {
		return "", fmt.Errorf("deriving code for %s: %w", a.Label(), err)
	}
	return code, nil
}

// truncate computes the account's 31-bit dynamically truncated HMAC value
// for the time step at falls in (RFC 4226, section 5.3).
func truncate(a models.Account, at time.Time) uint32 {
	var counter [8]byte
	binary.BigEndian.PutUint64(counter[:], uint64(at.Unix()/int64(period(a)/time.Second)))

	mac := hmac.New(hashAlgorithm(a.Algorithm), a.Secret)
	mac.Write(counter[:])
	sum := mac.Sum(nil)

	off := sum[len(sum)-1] & 0x0f
	return binary.BigEndian.Uint32(sum[off:off+4]) & 0x7fffffff
}

// render turns a 31-bit truncated value into the account's code string.
// Steam accounts ignore the digit count: the value is spent five symbols
// deep into the Steam alphabet instead.
func render(a models.Account, v uint32) string {
	if a.Issuer == steamIssuer {
		var out [steamDigits]byte
		for i := range out {
			out[i] = steamAlphabet[v%uint32(len(steamAlphabet))]
			v /= uint32(len(steamAlphabet))
		}
		return string(out[:])
	}

	digits := a.Digits
	if digits <= 0 {
		digits = 6
	}
	return fmt.Sprintf("%0*d", digits, uint64(v)%pow10(digits))
}

// period falls back to the default for unset or sub-second values, which
// can't make a whole-second counter divisor.
func period(a models.Account) time.Duration {
	if a.Period < time.Second {
		return models.DefaultPeriod
	}
	return a.Period
}

func pow10(n int) uint64 {
	out := uint64(1)
	for ; n > 0; n-- {
		out *= 10
	}
	return out
}

func hashAlgorithm(alg models.Algorithm) func() hash.Hash {
	switch alg {
	case models.AlgSHA256:
		return sha256.New
	case models.AlgSHA512:
		return sha512.New
	}
	return sha1.New
}

func otpAlgorithm(alg models.Algorithm) otp.Algorithm {
	switch alg {
	case models.AlgSHA256:
		return otp.AlgorithmSHA256
	case models.AlgSHA512:
		return otp.AlgorithmSHA512
	}
	return otp.AlgorithmSHA1
}
