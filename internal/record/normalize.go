package record

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Normalize trims s and converts it to Unicode NFC.
//
// Names pushed by the authority and names typed during enrollment may use
// different compositions ("é" vs "é"); both must compare equal.
func Normalize(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}
