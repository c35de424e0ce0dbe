package ingest

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const (
	AppleCompanyID  = 0x004C
	iBeaconType     = 0x02
	iBeaconLength   = 0x15
	iBeaconFrameLen = 23
)

var ErrNotIBeacon = errors.New("not an iBeacon advertisement")

// IBeacon is the payload of an Apple iBeacon manufacturer data element.
type IBeacon struct {
	UUID    string
	Major   int
	Minor   int
	TxPower int
}

// ParseIBeacon decodes manufacturer specific data with the company id
// already split off, as BLE stacks report it.
func ParseIBeacon(companyID uint16, data []byte) (IBeacon, error) {
	if companyID != AppleCompanyID {
		return IBeacon{}, fmt.Errorf("%w: company 0x%04X", ErrNotIBeacon, companyID)
	}
	if len(data) < iBeaconFrameLen {
		return IBeacon{}, fmt.Errorf("%w: %d bytes", ErrNotIBeacon, len(data))
	}
	if data[0] != iBeaconType || data[1] != iBeaconLength {
		return IBeacon{}, fmt.Errorf("%w: prefix %02X %02X", ErrNotIBeacon, data[0], data[1])
	}
	id, err := uuid.FromBytes(data[2:18])
	if err != nil {
		return IBeacon{}, err
	}
	return IBeacon{
		UUID:    id.String(),
		Major:   int(binary.BigEndian.Uint16(data[18:20])),
		Minor:   int(binary.BigEndian.Uint16(data[20:22])),
		TxPower: int(int8(data[22])),
	}, nil
}
