package configuration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestGodotenvProvider_Read verifies reading and merging of .env files, later
// files winning and foreign keys dropped.
func TestGodotenvProvider_Read(t *testing.T) {
	t.Parallel()

	first := writeFile(t, "a.env", "# comment\nGOVOL_DEVICE=/tmp/a.img\nGOVOL_LABEL=\"boot volume\"\n")
	second := writeFile(t, "b.env", "GOVOL_PROFILE=micro\nGOVOL_LABEL=override\nHOME=/elsewhere\n")

	envMap, err := (&GodotenvProvider{}).Read(first, second)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/a.img", envMap["GOVOL_DEVICE"])
	assert.Equal(t, "override", envMap["GOVOL_LABEL"])
	assert.Equal(t, "micro", envMap["GOVOL_PROFILE"])
	assert.NotContains(t, envMap, "HOME")

	_, err = (&GodotenvProvider{}).Read(first + ".missing")
	require.Error(t, err)
}
