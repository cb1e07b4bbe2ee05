package lox

import (
	"encoding/binary"
	"math"
	"unicode/utf8"
)

const (
	ValueStateSize = UUIDSize + 8
	// id + icon id + text length, text and padding follow
	textStateHeaderSize = UUIDSize + UUIDSize + 4
	textStateAlign      = 4
)

type ValueState struct {
	ID    UUID
	Value float64
}

type TextState struct {
	ID     UUID
	IconID UUID
	Text   string
}

// DecodeValueTable returns records in wire order.
// Any trailing partial record fails the whole table.
func DecodeValueTable(b []byte) ([]ValueState, error) {
	if rem := len(b) % ValueStateSize; rem != 0 {
		return nil, &TruncatedRecordError{
			Table:  "value",
			Offset: len(b) - rem,
			Need:   ValueStateSize,
			Have:   rem,
		}
	}
	states := make([]ValueState, len(b)/ValueStateSize)
	for i := range states {
		rec := b[i*ValueStateSize : (i+1)*ValueStateSize]
		copy(states[i].ID[:], rec[:UUIDSize])
		states[i].Value = math.Float64frombits(binary.LittleEndian.Uint64(rec[UUIDSize:]))
	}
	return states, nil
}

// DecodeTextTable parses variable length records, each starts at 4 byte boundary
// relative to table start. Padding content is not checked.
// Last record may omit padding when buffer ends right after its text.
func DecodeTextTable(b []byte) ([]TextState, error) {
	var states []TextState
	off := 0
	for off < len(b) {
		if have := len(b) - off; have < textStateHeaderSize {
			return nil, &TruncatedRecordError{Table: "text", Offset: off, Need: textStateHeaderSize, Have: have}
		}
		var st TextState
		copy(st.ID[:], b[off:])
		copy(st.IconID[:], b[off+UUIDSize:])
		textLen := binary.LittleEndian.Uint32(b[off+2*UUIDSize:])
		textOff := off + textStateHeaderSize
		if uint64(textLen) > uint64(len(b)-textOff) {
			return nil, &TruncatedRecordError{
				Table:  "text",
				Offset: off,
				Need:   textStateHeaderSize + int(textLen),
				Have:   len(b) - off,
			}
		}
		text := b[textOff : textOff+int(textLen)]
		if !utf8.Valid(text) {
			return nil, &InvalidTextEncodingError{ID: st.ID.String(), Offset: off}
		}
		st.Text = string(text)
		states = append(states, st)

		next := textOff + int(textLen)
		if pad := textPadding(int(textLen)); pad != 0 {
			if next == len(b) {
				break
			}
			if len(b)-next < pad {
				return nil, &TruncatedRecordError{Table: "text", Offset: next, Need: pad, Have: len(b) - next}
			}
			next += pad
		}
		off = next
	}
	return states, nil
}

func textPadding(textLen int) int {
	return (textStateAlign - (textStateHeaderSize+textLen)%textStateAlign) % textStateAlign
}

func AppendValueState(b []byte, st ValueState) []byte {
	b = append(b, st.ID[:]...)
	var v [8]byte
	binary.LittleEndian.PutUint64(v[:], math.Float64bits(st.Value))
	return append(b, v[:]...)
}

// AppendTextState encodes st with zero padding. b must end at 4 byte boundary
// relative to table start.
func AppendTextState(b []byte, st TextState) []byte {
	b = append(b, st.ID[:]...)
	b = append(b, st.IconID[:]...)
	var l [4]byte
	binary.LittleEndian.PutUint32(l[:], uint32(len(st.Text)))
	b = append(b, l[:]...)
	b = append(b, st.Text...)
	for i := textPadding(len(st.Text)); i > 0; i-- {
		b = append(b, 0)
	}
	return b
}
