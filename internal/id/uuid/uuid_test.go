package uuid

import (
	"testing"

	goUUID "github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestGeneratorNewID(t *testing.T) {
	t.Parallel()

	gen := New()
	seen := make(map[string]struct{})
	prev := ""
	for range 50 {
		id, err := gen.NewID()
		require.NoError(t, err)
		parsed, err := goUUID.Parse(id)
		require.NoError(t, err)
		require.Equal(t, goUUID.Version(7), parsed.Version())
		require.NotContains(t, seen, id)
		seen[id] = struct{}{}
		require.Greater(t, id, prev)
		prev = id
	}
}
