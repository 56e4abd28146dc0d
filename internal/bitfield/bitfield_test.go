package bitfield_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/romankurakin/bullfinch/internal/bitfield"
)

func TestPageFlagsRoundTrip(t *testing.T) {
	cases := []bitfield.PageFlags{
		{Write: true, Exec: false, User: true},
		{Write: false, Exec: true, User: false},
		{},
		{Write: true, Exec: true, User: true},
	}
	for _, f := range cases {
		packed := f.Pack()
		require.Equal(t, f, bitfield.UnpackPageFlags(packed))
	}
}

func TestPackOverflow(t *testing.T) {
	type tooWide struct {
		V uint32 `bitfield:",2"`
	}
	_, err := bitfield.Pack(tooWide{V: 7}, &bitfield.Config{NumBits: 2})
	require.Error(t, err)
}
