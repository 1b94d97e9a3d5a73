package ctrldesc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdatePageTableRoundTrip(t *testing.T) {
	in := UpdatePageTable{
		Common:    Common{OpID: 42, IsSuccess: true},
		StartAddr: 0x1000,
		PgtIdx:    3,
		PgteCnt:   7,
	}
	out, err := Decode(in.Marshal())
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestUpdateMrTableRoundTrip(t *testing.T) {
	in := UpdateMrTable{
		Common:      Common{OpID: 1},
		Va:          0xABCD,
		Len:         4096,
		Key:         0x0102_0304,
		Pd:          5,
		AccessFlags: 0x3,
		PgtOffset:   17,
	}
	out, err := Decode(in.Marshal())
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestQpManagementRoundTrip(t *testing.T) {
	in := QpManagement{
		Common:      Common{OpID: 9, IsSuccess: true},
		Qpn:         100,
		IsCreate:    true,
		QpType:      0,
		Pmtu:        1024,
		AccessFlags: 7,
		DqpIP:       [4]byte{127, 0, 0, 3},
		DqpMac:      [6]byte{0xAB, 0xAB, 0xAB, 0xAB, 0xAB, 0xAB},
	}
	out, err := Decode(in.Marshal())
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestOpIDWithoutFullDecode(t *testing.T) {
	in := SetNetworkParam{Common: Common{OpID: 77, IsSuccess: true}}
	opID, ok, err := OpID(in.Marshal())
	require.NoError(t, err)
	assert.Equal(t, uint32(77), opID)
	assert.True(t, ok)
}
