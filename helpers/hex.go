package helpers

import (
	"encoding/hex"
	"strings"
)

// MustHex decodes hex ignoring whitespace, handy for wire dumps in tests.
func MustHex(s string) []byte {
	b, err := hex.DecodeString(strings.Join(strings.Fields(s), ""))
	if err != nil {
		panic(err)
	}
	return b
}
