package totp

import (
	"testing"
	"time"

	"github.com/Giraut/vivokey-codes/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Shared secrets of the RFC 6238 appendix B reference vectors.
var (
	rfcSecretSHA1   = []byte("12345678901234567890")
	rfcSecretSHA256 = []byte("12345678901234567890123456789012")
	rfcSecretSHA512 = []byte("1234567890123456789012345678901234567890123456789012345678901234")
)

func TestDeriveReferenceVectors(t *testing.T) {
	tests := []struct {
		at     int64
		alg    models.Algorithm
		secret []byte
		want   string
	}{
		{59, models.AlgSHA1, rfcSecretSHA1, "94287082"},
		{59, models.AlgSHA256, rfcSecretSHA256, "46119246"},
		{59, models.AlgSHA512, rfcSecretSHA512, "90693936"},
		{1111111109, models.AlgSHA1, rfcSecretSHA1, "07081804"},
		{1111111111, models.AlgSHA1, rfcSecretSHA1, "14050471"},
		{1234567890, models.AlgSHA1, rfcSecretSHA1, "89005924"},
		{2000000000, models.AlgSHA1, rfcSecretSHA1, "69279037"},
		{20000000000, models.AlgSHA1, rfcSecretSHA1, "65353130"},
	}
	for _, tt := range tests {
		a := models.Account{
			Issuer:    "Acme",
			Name:      "alice",
			Digits:    8,
			Period:    30 * time.Second,
			Algorithm: tt.alg,
			Secret:    tt.secret,
		}
		code, err := Derive(a, time.Unix(tt.at, 0))
		require.NoError(t, err)
		assert.Equal(t, tt.want, code, "t=%d alg=%s", tt.at, tt.alg)
	}
}

func TestDeriveSixDigits(t *testing.T) {
	a := models.Account{
		Name:      "alice",
		Digits:    6,
		Period:    30 * time.Second,
		Algorithm: models.AlgSHA1,
		Secret:    rfcSecretSHA1,
	}
	code, err := Derive(a, time.Unix(59, 0))
	require.NoError(t, err)
	assert.Equal(t, "287082", code)
}

func TestDeriveTimeStepBoundaries(t *testing.T) {
	a := models.Account{
		Name:      "alice",
		Digits:    6,
		Period:    30 * time.Second,
		Algorithm: models.AlgSHA1,
		Secret:    rfcSecretSHA1,
	}

	first, err := Derive(a, time.Unix(0, 0))
	require.NoError(t, err)
	last, err := Derive(a, time.Unix(29, 0))
	require.NoError(t, err)
	next, err := Derive(a, time.Unix(30, 0))
	require.NoError(t, err)

	assert.Equal(t, first, last)
	assert.NotEqual(t, last, next)
}

func TestDeriveCustomPeriod(t *testing.T) {
	a := models.Account{
		Name:      "alice",
		Digits:    6,
		Period:    time.Minute,
		Algorithm: models.AlgSHA1,
		Secret:    rfcSecretSHA1,
	}

	early, err := Derive(a, time.Unix(0, 0))
	require.NoError(t, err)
	late, err := Derive(a, time.Unix(59, 0))
	require.NoError(t, err)
	next, err := Derive(a, time.Unix(60, 0))
	require.NoError(t, err)

	assert.Equal(t, early, late)
	assert.NotEqual(t, late, next)
}

func TestDeriveSteam(t *testing.T) {
	a := models.Account{
		Issuer:    "Steam",
		Name:      "carol",
		Digits:    5,
		Period:    30 * time.Second,
		Algorithm: models.AlgSHA1,
		Secret:    rfcSecretSHA1,
	}
	code, err := Derive(a, time.Unix(59, 0))
	require.NoError(t, err)
	assert.Equal(t, "OLNSD", code)
}

func TestDeriveSteamIssuerIsCaseSensitive(t *testing.T) {
	a := models.Account{
		Issuer:    "steam",
		Name:      "carol",
		Digits:    5,
		Period:    30 * time.Second,
		Algorithm: models.AlgSHA1,
		Secret:    rfcSecretSHA1,
	}
	code, err := Derive(a, time.Unix(59, 0))
	require.NoError(t, err)

	// Not the Steam issuer, so the code stays numeric.
	assert.Equal(t, "87082", code)
}

func TestDeriveSubSecondPeriod(t *testing.T) {
	a := models.Account{
		Issuer:    "Steam",
		Name:      "carol",
		Digits:    5,
		Period:    500 * time.Millisecond,
		Algorithm: models.AlgSHA1,
		Secret:    rfcSecretSHA1,
	}

	// A period shorter than a second falls back to the default instead
	// of a zero time step.
	code, err := Derive(a, time.Unix(59, 0))
	require.NoError(t, err)
	assert.Equal(t, "OLNSD", code)
}

func TestDeriveTruncated(t *testing.T) {
	v := uint32(1094287082)

	a := models.Account{
		Issuer:    "Acme",
		Name:      "dave",
		Digits:    8,
		Algorithm: models.AlgSHA1,
		Truncated: &v,
	}
	code, err := Derive(a, time.Unix(0, 0))
	require.NoError(t, err)
	assert.Equal(t, "94287082", code)

	// The same value rendered for a Steam account.
	a.Issuer = "Steam"
	code, err = Derive(a, time.Unix(0, 0))
	require.NoError(t, err)
	assert.Equal(t, "OLNSD", code)
}

func TestDeriveNoSecret(t *testing.T) {
	a := models.Account{Issuer: "Acme", Name: "eve", Digits: 6}
	_, err := Derive(a, time.Unix(0, 0))
	assert.ErrorIs(t, err, ErrNoSecret)
}

func TestTruncateMatchesReferenceValue(t *testing.T) {
	a := models.Account{
		Digits:    8,
		Period:    30 * time.Second,
		Algorithm: models.AlgSHA1,
		Secret:    rfcSecretSHA1,
	}

	// The full 31-bit value behind the t=59 reference code.
	assert.Equal(t, uint32(1094287082), truncate(a, time.Unix(59, 0)))
}
