package lox

import (
	"encoding/binary"
	"fmt"
)

// Every controller message is preceded by fixed size header:
//
//	offset size
//	0      1    marker 0x03
//	1      1    kind code
//	2      1    info, bit7 = more follows, rest reserved
//	3      1    reserved
//	4      4    payload length, uint32 little endian
const (
	HeaderSize   = 8
	HeaderMarker = byte(0x03)

	headerFlagMoreFollows = byte(0x80)
)

type FrameKind uint8

const (
	KindText FrameKind = iota
	KindBinary
	KindValueTable
	KindTextTable
	KindDayTimerTable
	KindOutOfService
	KindKeepAlive
	KindWeather
	KindUnknown
)

// FrameKindFromCode maps wire code to kind. Codes outside the known set are KindUnknown.
func FrameKindFromCode(code byte) FrameKind {
	switch code {
	case 0:
		return KindText
	case 1:
		return KindBinary
	case 2:
		return KindValueTable
	case 3:
		return KindTextTable
	case 4:
		return KindDayTimerTable
	case 5:
		return KindOutOfService
	case 6:
		return KindKeepAlive
	case 7:
		return KindWeather
	default:
		return KindUnknown
	}
}

func (k FrameKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindBinary:
		return "binary"
	case KindValueTable:
		return "value-table"
	case KindTextTable:
		return "text-table"
	case KindDayTimerTable:
		return "daytimer-table"
	case KindOutOfService:
		return "out-of-service"
	case KindKeepAlive:
		return "keepalive"
	case KindWeather:
		return "weather"
	default:
		return "unknown"
	}
}

// Header describes one frame. Code keeps raw kind byte, useful for KindUnknown.
type Header struct {
	Kind          FrameKind
	Code          byte
	MoreFollows   bool
	PayloadLength uint32
}

func (h Header) String() string {
	return fmt.Sprintf("(kind=%s code=%d more=%t len=%d)", h.Kind, h.Code, h.MoreFollows, h.PayloadLength)
}

// DecodeHeader parses exactly HeaderSize bytes of b, caller guarantees length.
func DecodeHeader(b []byte) (Header, error) {
	if b[0] != HeaderMarker {
		return Header{}, &MalformedHeaderError{Marker: b[0]}
	}
	return Header{
		Kind:          FrameKindFromCode(b[1]),
		Code:          b[1],
		MoreFollows:   b[2]&headerFlagMoreFollows != 0,
		PayloadLength: binary.LittleEndian.Uint32(b[4:8]),
	}, nil
}

// AppendHeader encodes h, reserved bits are zero.
func AppendHeader(b []byte, h Header) []byte {
	code := h.Code
	if h.Kind != KindUnknown {
		code = byte(h.Kind)
	}
	var info byte
	if h.MoreFollows {
		info |= headerFlagMoreFollows
	}
	var buf [HeaderSize]byte
	buf[0] = HeaderMarker
	buf[1] = code
	buf[2] = info
	binary.LittleEndian.PutUint32(buf[4:], h.PayloadLength)
	return append(b, buf[:]...)
}
