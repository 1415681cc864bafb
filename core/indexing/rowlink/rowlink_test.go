package rowlink

import (
	"testing"

	"github.com/stretchr/testify/require"
	pagemanager "github.com/sushant-115/gojoidx/core/write_engine/page_manager"
)

func TestLink_PackUnpack(t *testing.T) {
	cases := []struct {
		page pagemanager.PageID
		slot uint16
	}{
		{1, 0},
		{42, 7},
		{MaxPageID, MaxSlot},
		{0x0000_1234_5678_9ABC, 0xBEEF},
	}
	for _, c := range cases {
		l := New(c.page, c.slot)
		require.Equal(t, c.page, l.PageID())
		require.Equal(t, c.slot, l.Slot())

		buf := make([]byte, Size)
		Put(buf, l)
		require.Equal(t, l, Get(buf))
	}
}

func TestLink_OrderFollowsPageThenSlot(t *testing.T) {
	require.Equal(t, 1, New(9, 0).Compare(New(1, 1)))
	require.Equal(t, -1, New(1, 3).Compare(New(2, 0)))
	require.Equal(t, -1, New(4, 1).Compare(New(4, 2)))
	require.Equal(t, 0, New(5, 5).Compare(New(5, 5)))
}

func TestLink_ZeroAndOverflow(t *testing.T) {
	require.True(t, Zero.IsZero())
	require.False(t, New(1, 0).IsZero())
	require.Panics(t, func() { New(MaxPageID+1, 0) })
	require.Equal(t, "3:4", New(3, 4).String())
}
