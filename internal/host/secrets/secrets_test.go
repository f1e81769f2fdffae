package secrets

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFiltered_DeniesNameNotInAllowlist(t *testing.T) {
	f := NewEnv(map[string]bool{"API_KEY": true})
	_, err := f.Get(context.Background(), "OTHER_KEY")
	require.ErrorIs(t, err, ErrDenied)
}

func TestFiltered_EnvResolvesAllowedName(t *testing.T) {
	require.NoError(t, os.Setenv("FLOWHOST_TEST_SECRET", "shh"))
	defer os.Unsetenv("FLOWHOST_TEST_SECRET")

	f := NewEnv(map[string]bool{"FLOWHOST_TEST_SECRET": true})
	v, err := f.Get(context.Background(), "FLOWHOST_TEST_SECRET")
	require.NoError(t, err)
	require.Equal(t, "shh", v)
}

func TestFiltered_EnvMissingVariable(t *testing.T) {
	f := NewEnv(map[string]bool{"FLOWHOST_DOES_NOT_EXIST": true})
	_, err := f.Get(context.Background(), "FLOWHOST_DOES_NOT_EXIST")
	require.Error(t, err)
}
