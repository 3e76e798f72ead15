package oath_test

import (
	"errors"
	"testing"
	"time"

	"github.com/Giraut/vivokey-codes/internal/oath"
	"github.com/Giraut/vivokey-codes/internal/oath/oathtest"
	"github.com/Giraut/vivokey-codes/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubTransport answers scripted responses, for exchanges the fake token
// can't be talked into producing.
type stubTransport struct {
	rsps [][]byte
	err  error
}

func (s *stubTransport) Transceive(cmd []byte) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	if len(s.rsps) == 0 {
		return nil, errors.New("no scripted response")
	}
	r := s.rsps[0]
	s.rsps = s.rsps[1:]
	return r, nil
}

func (s *stubTransport) Close() error { return nil }

func TestSelect(t *testing.T) {
	tok := &oathtest.Token{Version: [3]byte{5, 2, 1}}
	c := oath.NewClient(tok)

	require.NoError(t, c.Select())
	assert.Equal(t, "5.2.1", c.Version())
	assert.False(t, c.Protected())
}

func TestUnlock(t *testing.T) {
	tok := &oathtest.Token{Password: "correct horse"}
	c := oath.NewClient(tok)
	require.NoError(t, c.Select())
	require.True(t, c.Protected())

	assert.ErrorIs(t, c.Unlock("battery staple"), oath.ErrWrongPassword)
	assert.False(t, tok.Unlocked())

	assert.NoError(t, c.Unlock("correct horse"))
	assert.True(t, tok.Unlocked())
}

func TestUnlockNotProtected(t *testing.T) {
	tok := &oathtest.Token{}
	c := oath.NewClient(tok)
	require.NoError(t, c.Select())

	assert.ErrorIs(t, c.Unlock("anything"), oath.ErrNotProtected)
}

func TestUnlockMutualAuthFailure(t *testing.T) {
	// The token accepts the password but answers the host challenge
	// with a response computed under some other key.
	c := oath.NewClient(&stubTransport{rsps: [][]byte{
		{0x79, 0x03, 0x05, 0x02, 0x01, 0x71, 0x02, 0xca, 0xfe, 0x74, 0x08, 1, 2, 3, 4, 5, 6, 7, 8, 0x90, 0x00},
		{0x75, 0x04, 0xde, 0xad, 0xbe, 0xef, 0x90, 0x00},
	}})
	require.NoError(t, c.Select())
	require.True(t, c.Protected())

	err := c.Unlock("correct horse")
	require.ErrorIs(t, err, oath.ErrApplet)
	assert.Contains(t, err.Error(), "mutual")
}

func TestList(t *testing.T) {
	truncated := uint32(0xc1234567)
	tok := &oathtest.Token{Records: []oathtest.Record{
		{Issuer: "GitHub", Name: "alice@example.com", Key: []byte("12345678901234567890")},
		{Issuer: "Acme", Name: "bob", Digits: 8, Alg: 0x02, Period: 60, Key: []byte("abcdef")},
		{Issuer: "Steam", Name: "carol", Digits: 5, Truncated: &truncated},
	}}
	c := oath.NewClient(tok)
	require.NoError(t, c.Select())

	listing, err := c.List(time.Unix(59, 0))
	require.NoError(t, err)
	require.Len(t, listing.Accounts, 3)
	assert.Empty(t, listing.Malformed)

	github := listing.Accounts[0]
	assert.Equal(t, "GitHub", github.Issuer)
	assert.Equal(t, "alice@example.com", github.Name)
	assert.Equal(t, 6, github.Digits)
	assert.Equal(t, 30*time.Second, github.Period)
	assert.Equal(t, models.AlgSHA1, github.Algorithm)
	assert.Equal(t, []byte("12345678901234567890"), github.Secret)
	assert.Nil(t, github.Truncated)

	acme := listing.Accounts[1]
	assert.Equal(t, 8, acme.Digits)
	assert.Equal(t, time.Minute, acme.Period)
	assert.Equal(t, models.AlgSHA256, acme.Algorithm)

	steam := listing.Accounts[2]
	assert.Equal(t, "Steam", steam.Issuer)
	assert.Nil(t, steam.Secret)
	require.NotNil(t, steam.Truncated)
	// The top bit is masked off the raw 32-bit value.
	assert.Equal(t, uint32(0x41234567), *steam.Truncated)

	// Unix time 59 falls in time step 1 of the default period.
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 1}, tok.LastChallenge)
}

func TestListSkipsMalformedRecord(t *testing.T) {
	// A well framed record announcing a payload kind that doesn't
	// exist.
	bad := []byte{
		0x00, 0x08,
		0x01, 'X',
		0x01, 'y',
		0x06,
		0x07,
		0x01, 0xaa,
	}
	tok := &oathtest.Token{Records: []oathtest.Record{
		{Raw: bad},
		{Issuer: "GitHub", Name: "alice", Key: []byte("12345678901234567890")},
	}}
	c := oath.NewClient(tok)
	require.NoError(t, c.Select())

	listing, err := c.List(time.Unix(0, 0))
	require.NoError(t, err)

	// The damaged record is reported and skipped, the one after it
	// still decodes.
	require.Len(t, listing.Accounts, 1)
	assert.Equal(t, "GitHub", listing.Accounts[0].Issuer)
	require.Len(t, listing.Malformed, 1)
	assert.Equal(t, 0, listing.Malformed[0].Offset)
	assert.ErrorIs(t, listing.Malformed[0].Err, oath.ErrMalformed)
}

func TestListTruncatedTrailingRecord(t *testing.T) {
	tok := &oathtest.Token{Records: []oathtest.Record{
		{Issuer: "GH", Name: "a", Key: []byte("12345678901234567890")},
		{Issuer: "GH", Name: "b", Key: []byte("12345678901234567890")},
	}}

	// First frame: 2 byte header + 30 byte record. Cut the body a few
	// bytes into the second frame.
	tok.TruncateBody = 32 + 5

	c := oath.NewClient(tok)
	require.NoError(t, c.Select())

	listing, err := c.List(time.Unix(0, 0))
	require.NoError(t, err)
	require.Len(t, listing.Accounts, 1)
	assert.Equal(t, "a", listing.Accounts[0].Name)
	require.Len(t, listing.Malformed, 1)
	assert.Equal(t, 32, listing.Malformed[0].Offset)
	assert.ErrorIs(t, listing.Malformed[0].Err, oath.ErrMalformed)
}

func TestListChunkedResponse(t *testing.T) {
	tok := &oathtest.Token{
		ChunkSize: 7,
		Records: []oathtest.Record{
			{Issuer: "GitHub", Name: "alice", Key: []byte("12345678901234567890")},
			{Issuer: "Acme", Name: "bob", Key: []byte("abcdefghij")},
		},
	}
	c := oath.NewClient(tok)
	require.NoError(t, c.Select())

	listing, err := c.List(time.Unix(0, 0))
	require.NoError(t, err)
	assert.Len(t, listing.Accounts, 2)
	assert.Empty(t, listing.Malformed)
}

func TestListAuthRequired(t *testing.T) {
	tok := &oathtest.Token{
		Password: "hunter2",
		Records:  []oathtest.Record{{Issuer: "GitHub", Name: "alice", Key: []byte("k")}},
	}
	c := oath.NewClient(tok)
	require.NoError(t, c.Select())

	_, err := c.List(time.Unix(0, 0))
	assert.ErrorIs(t, err, oath.ErrAuthRequired)
}

func TestSelectNoApplet(t *testing.T) {
	c := oath.NewClient(&stubTransport{rsps: [][]byte{{0x6a, 0x82}}})
	assert.ErrorIs(t, c.Select(), oath.ErrNoApplet)
}

func TestSelectUnknownStatus(t *testing.T) {
	c := oath.NewClient(&stubTransport{rsps: [][]byte{{0x6f, 0x00}}})
	assert.ErrorIs(t, c.Select(), oath.ErrApplet)
}

func TestTransportError(t *testing.T) {
	failed := errors.New("card yanked")
	c := oath.NewClient(&stubTransport{err: failed})
	assert.ErrorIs(t, c.Select(), failed)
}
