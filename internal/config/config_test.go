package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildValid(t *testing.T) {
	cfg, err := Build("AA:BB:CC:DD:EE:FF", "123456", true, false, false, true)
	require.NoError(t, err)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", cfg.Target.String())
	require.NotNil(t, cfg.PIN)
	assert.Equal(t, "123456", *cfg.PIN)
	assert.True(t, cfg.Verbose)
}

func TestBuildRejectsInvalidMAC(t *testing.T) {
	_, err := Build("not-a-mac", "", false, false, false, false)
	assert.Error(t, err)
}

func TestBuildRejectsMutuallyExclusiveFlags(t *testing.T) {
	_, err := Build("AA:BB:CC:DD:EE:FF", "", false, true, true, false)
	assert.ErrorIs(t, err, ErrMutuallyExclusive)
}

func TestBuildLeavesPINNilWhenNotSupplied(t *testing.T) {
	cfg, err := Build("AA:BB:CC:DD:EE:FF", "", false, false, false, false)
	require.NoError(t, err)
	assert.Nil(t, cfg.PIN)
}
