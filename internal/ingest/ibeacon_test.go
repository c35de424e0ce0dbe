package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func iBeaconFrame() []byte {
	return []byte{
		0x02, 0x15,
		0x2e, 0xdb, 0x01, 0x00, 0x02, 0x2a, 0x46, 0x8c,
		0xa7, 0xcc, 0xd3, 0xe0, 0x66, 0x20, 0x6d, 0x59,
		0x01, 0x02, // major 258
		0x00, 0x07, // minor 7
		0xc5, // -59
	}
}

func TestParseIBeacon(t *testing.T) {
	frame, err := ParseIBeacon(AppleCompanyID, iBeaconFrame())
	require.NoError(t, err)
	assert.Equal(t, IBeacon{UUID: "2edb0100-022a-468c-a7cc-d3e066206d59", Major: 258, Minor: 7, TxPower: -59}, frame)
}

func TestParseIBeaconRejects(t *testing.T) {
	_, err := ParseIBeacon(0x0059, iBeaconFrame())
	assert.ErrorIs(t, err, ErrNotIBeacon)

	_, err = ParseIBeacon(AppleCompanyID, iBeaconFrame()[:20])
	assert.ErrorIs(t, err, ErrNotIBeacon)

	bad := iBeaconFrame()
	bad[0] = 0x10
	_, err = ParseIBeacon(AppleCompanyID, bad)
	assert.ErrorIs(t, err, ErrNotIBeacon)
}
