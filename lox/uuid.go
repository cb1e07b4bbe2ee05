package lox

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/juju/errors"
)

const (
	UUIDSize     = 16
	UUIDTextSize = 35
)

// UUID is object identifier in wire byte order.
// Text form is the one used by structure file:
// LE uint32, LE uint16, LE uint16, then 8 bytes as is, e.g.
// 0f1e2d3c-4b5a-6978-8796a5b4c3d2e1f0
type UUID [UUIDSize]byte

// DecodeUUID formats exactly 16 bytes of b, caller guarantees length.
func DecodeUUID(b []byte) string {
	return fmt.Sprintf("%08x-%04x-%04x-%s",
		binary.LittleEndian.Uint32(b[0:4]),
		binary.LittleEndian.Uint16(b[4:6]),
		binary.LittleEndian.Uint16(b[6:8]),
		hex.EncodeToString(b[8:16]))
}

func (u UUID) String() string { return DecodeUUID(u[:]) }

// ParseUUID is inverse of DecodeUUID. Dashes are optional.
func ParseUUID(s string) (UUID, error) {
	var u UUID
	raw, err := hex.DecodeString(strings.Replace(s, "-", "", -1))
	if err != nil {
		return u, errors.Annotatef(err, "uuid=%s", s)
	}
	if len(raw) != UUIDSize {
		return u, errors.NotValidf("uuid=%s length=%d", s, len(raw))
	}
	binary.LittleEndian.PutUint32(u[0:4], binary.BigEndian.Uint32(raw[0:4]))
	binary.LittleEndian.PutUint16(u[4:6], binary.BigEndian.Uint16(raw[4:6]))
	binary.LittleEndian.PutUint16(u[6:8], binary.BigEndian.Uint16(raw[6:8]))
	copy(u[8:], raw[8:])
	return u, nil
}

func MustParseUUID(s string) UUID {
	u, err := ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return u
}
