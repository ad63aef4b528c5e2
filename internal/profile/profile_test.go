package profile

import (
	"testing"

	"github.com/desertwitch/govol/internal/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestParse_Table verifies token parsing including unknown tokens.
func TestParse_Table(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		token    string
		expected Profile
		err      error
	}{
		{"Success_Micro", "micro", Micro, nil},
		{"Success_EmbeddedUpper", "EMBEDDED", Embedded, nil},
		{"Success_DesktopSpaces", "  desktop ", Desktop, nil},
		{"Success_Server", "server", Server, nil},
		{"Fail_Unknown", "mainframe", 0, schema.ErrUnknownProfile},
		{"Fail_Empty", "", 0, schema.ErrUnknownProfile},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			p, err := Parse(tc.token)
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)

				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, p)
		})
	}
}

// TestResolve_Monotonic verifies that no larger profile gets a smaller block
// size than a smaller profile.
func TestResolve_Monotonic(t *testing.T) {
	t.Parallel()

	var prev Geometry
	for i, p := range All() {
		g, err := Resolve(p)
		require.NoError(t, err)

		require.NoError(t, g.Validate(g.BlockSize), "default block size of %s must be valid", p)
		assert.Zero(t, g.Capacity%uint64(g.BlockSize))

		if i > 0 {
			assert.GreaterOrEqual(t, g.Capacity, prev.Capacity, p.String())
			assert.GreaterOrEqual(t, g.BlockSize, prev.BlockSize, p.String())
		}
		prev = g
	}
}

// TestResolve_Fail_Unknown verifies that unknown identifiers are rejected.
func TestResolve_Fail_Unknown(t *testing.T) {
	t.Parallel()

	_, err := Resolve(Profile(0))
	require.ErrorIs(t, err, schema.ErrUnknownProfile)

	_, err = Resolve(Profile(42))
	require.ErrorIs(t, err, schema.ErrUnknownProfile)
}

// TestString_RoundTrip verifies that every token parses back to its profile.
func TestString_RoundTrip(t *testing.T) {
	t.Parallel()

	for _, p := range All() {
		parsed, err := Parse(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, parsed)
	}
	assert.Equal(t, "profile(9)", Profile(9).String())
}

// TestGeometry_Validate verifies block size validation.
func TestGeometry_Validate(t *testing.T) {
	t.Parallel()

	g, err := Resolve(Embedded)
	require.NoError(t, err)

	require.NoError(t, g.Validate(512))
	require.NoError(t, g.Validate(2048))
	require.ErrorIs(t, g.Validate(1000), schema.ErrInvalidArgument)
	require.ErrorIs(t, g.Validate(256), schema.ErrInvalidArgument)
	require.ErrorIs(t, g.Validate(4096), schema.ErrInvalidArgument)
	require.ErrorIs(t, g.Validate(0), schema.ErrInvalidArgument)

	assert.Equal(t, uint64(128), g.Blocks())
}
