package scrape

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateURL(t *testing.T) {
	t.Parallel()

	got, err := ValidateURL("  HTTPS://Example.COM/path#frag ")
	require.NoError(t, err)
	require.Equal(t, "https://example.com/path", got)

	for _, raw := range []string{"", "   ", "example.com", "ftp://example.com", "https://", "http://[::1"} {
		_, err := ValidateURL(raw)
		require.Error(t, err, raw)
		require.True(t, IsValidation(err), raw)
	}
}

func TestHostname(t *testing.T) {
	t.Parallel()

	require.Equal(t, "example.com", Hostname("https://Example.com/a"))
	require.Equal(t, "invalid-url", Hostname("not a url"))
}
