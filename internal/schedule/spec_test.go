package schedule

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBreakSpec(t *testing.T) {
	windows, err := ParseBreakSpec("12:00=30m,15:00=10m")
	require.NoError(t, err)
	assert.Equal(t, []string{"12:00-12:30", "15:00-15:10"}, windows)

	windows, err = ParseBreakSpec("")
	require.NoError(t, err)
	assert.Nil(t, windows)

	windows, err = ParseBreakSpec("12:00=1h")
	require.NoError(t, err)
	assert.Equal(t, []string{"12:00-13:00"}, windows)
}

func TestParseBreakSpec_Errors(t *testing.T) {
	cases := []struct {
		name string
		spec string
	}{
		{"missing duration", "12:00"},
		{"bad clock", "25:00=30m"},
		{"bad duration", "12:00=thirty"},
		{"sub-minute", "12:00=30s"},
		{"fractional minutes", "12:00=90s"},
		{"crosses midnight", "23:50=30m"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseBreakSpec(tc.spec)
			assert.Error(t, err, tc.spec)
		})
	}
}
