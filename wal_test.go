package loadbalancing_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ice-blockchain/go-loadbalancing"
)

func TestParseWALLocation(t *testing.T) {
	loc, err := loadbalancing.ParseWALLocation(" 16/B374D848 ")
	require.NoError(t, err)
	require.Equal(t, loadbalancing.WALLocation("16/B374D848"), loc)

	for _, s := range []string{"", "16", "16/", "/B374D848", "XX/B374D848", "1/100000000"} {
		_, err := loadbalancing.ParseWALLocation(s)
		require.ErrorIsf(t, err, loadbalancing.ErrInvalidWALLocation, "location %q", s)
	}
}

func TestWALLocationLSN(t *testing.T) {
	lsn, err := loadbalancing.WALLocation("16/B374D848").LSN()
	require.NoError(t, err)
	require.Equal(t, uint64(0x16B374D848), lsn)

	require.Equal(t, loadbalancing.WALLocation("16/B374D848"), loadbalancing.WALLocationFromLSN(lsn))
	require.Equal(t, loadbalancing.WALLocation("0/0"), loadbalancing.WALLocationFromLSN(0))
}

func TestWALLocationCompare(t *testing.T) {
	tests := []struct {
		a, b loadbalancing.WALLocation
		want int
	}{
		{a: "0/1", b: "0/2", want: -1},
		{a: "1/0", b: "0/FFFFFFFF", want: 1},
		{a: "16/B374D848", b: "16/B374D848", want: 0},
		// Lexicographic order would be wrong here.
		{a: "0/9", b: "0/10", want: -1},
	}

	for _, tc := range tests {
		got, err := tc.a.Compare(tc.b)
		require.NoError(t, err)
		require.Equalf(t, tc.want, got, "compare %s with %s", tc.a, tc.b)
	}

	_, err := loadbalancing.WALLocation("0/1").Compare("bad")
	require.ErrorIs(t, err, loadbalancing.ErrInvalidWALLocation)
}

func TestWALLocationIsZero(t *testing.T) {
	require.True(t, loadbalancing.WALLocation("").IsZero())
	require.False(t, loadbalancing.WALLocation("0/0").IsZero())
}
