package wire

import "strings"

// emptyField is the wire encoding of an empty token (spec §6.1).
const emptyField = "-"

// SplitFields splits a space-delimited payload into tokens, decoding
// "-" back to the empty string.
func SplitFields(payload string) []string {
	if payload == "" {
		return nil
	}
	parts := strings.Split(payload, " ")
	for i, p := range parts {
		if p == emptyField {
			parts[i] = ""
		}
	}
	return parts
}

// JoinFields encodes tokens into a space-delimited payload, encoding
// the empty string as "-".
func JoinFields(fields ...string) string {
	out := make([]string, len(fields))
	for i, f := range fields {
		if f == "" {
			out[i] = emptyField
		} else {
			out[i] = f
		}
	}
	return strings.Join(out, " ")
}
