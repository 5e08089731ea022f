package pool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMode_String(t *testing.T) {
	require.Equal(t, "any", ANY.String())
	require.Equal(t, "rw", RW.String())
	require.Equal(t, "ro", RO.String())
	require.Equal(t, "prefer_ro", PreferRO.String())
	require.Equal(t, "unknown", Mode(42).String())
}
