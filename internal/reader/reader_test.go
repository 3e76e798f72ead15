package reader

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatch(t *testing.T) {
	names := []string{
		"Alcor Micro AU9540 00 00",
		"ACS ACR122U PICC Interface 01 00",
		"Yubico YubiKey OTP+FIDO+CCID 02 00",
	}

	tests := []struct {
		name    string
		pattern string
		want    string
	}{
		{"empty pattern picks first", "", names[0]},
		{"exact name", "ACS ACR122U PICC Interface 01 00", names[1]},
		{"regexp", "Yubi[Kk]ey", names[2]},
		{"exact match tried before regexp", "Yubico YubiKey OTP+FIDO+CCID 02 00", names[2]},
		{"first regexp match wins", "00$", names[0]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := match(names, tt.pattern)
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMatchNotFound(t *testing.T) {
	names := []string{"Alcor Micro AU9540 00 00"}

	for _, pattern := range []string{
		"HID Global OMNIKEY",
		"(unbalanced",
	} {
		_, err := match(names, pattern)
		assert.True(t, errors.Is(err, ErrNotFound), "pattern %q: %v", pattern, err)
	}

	_, err := match(nil, "")
	assert.ErrorIs(t, err, ErrNotFound)
}
