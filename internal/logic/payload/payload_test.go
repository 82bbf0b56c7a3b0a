package payload

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Valid(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want IdentityRecord
	}{
		{"first_and_last", "21BCE001 Jane Doe", IdentityRecord{"21BCE001", "Jane", "Doe"}},
		{"first_only", "21BCE003 Cher", IdentityRecord{"21BCE003", "Cher", ""}},
		{"multi_part_last", "21BCE004 Ana Maria de la Cruz", IdentityRecord{"21BCE004", "Ana", "Maria de la Cruz"}},
		{"extra_whitespace", "  21BCE005 \t Li   Wei \n", IdentityRecord{"21BCE005", "Li", "Wei"}},
		{"regno_verbatim", "21bce-006/x john smith", IdentityRecord{"21bce-006/x", "john", "smith"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Parse(tc.raw)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParse_TooFewTokens(t *testing.T) {
	for _, raw := range []string{"", "   ", "21BCE002", "\t21BCE002\n"} {
		_, err := Parse(raw)
		require.Error(t, err, "raw=%q", raw)
		assert.True(t, errors.Is(err, ErrInvalidFormat), "raw=%q", raw)

		var pe *ParseError
		require.True(t, errors.As(err, &pe))
		assert.Equal(t, InvalidFormat, pe.Kind)
		assert.Equal(t, raw, pe.Raw)
	}
}

// The registration number is token[0] and the name round-trips to the
// remaining tokens joined by single spaces.
func TestParse_NameRoundTrip(t *testing.T) {
	inputs := []string{
		"A B",
		"X1 Y2 Z3",
		"reg  first   second third",
		"ÿ é ü",
	}
	for _, raw := range inputs {
		rec, err := Parse(raw)
		require.NoError(t, err)
		tokens := strings.Fields(raw)
		assert.Equal(t, tokens[0], rec.RegistrationNumber)
		assert.Equal(t, strings.Join(tokens[1:], " "), rec.FullName())
	}
}

func TestErrorKindString(t *testing.T) {
	assert.Equal(t, "InvalidFormat", InvalidFormat.String())
	assert.Equal(t, "ErrorKind(7)", ErrorKind(7).String())
}
