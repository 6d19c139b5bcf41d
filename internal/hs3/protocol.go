// Package hs3 drives the HS3 generator over its newline-terminated text
// protocol and owns the connection state machine.
package hs3

import (
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Wire commands.
const (
	CmdIdentify  = "*IDN?"
	CmdFrequency = "FREQ"
	CmdAmplitude = "AMPL"
	CmdOffset    = "OFFS"
	CmdStart     = "START"
	CmdStop      = "STOP"
	CmdStatus    = "STATUS?"

	terminator    = "\n"
	successMarker = "OK"
	errorMarker   = "ERROR"
)

// USB identification of the generator.
const (
	VendorID = "0E36"
)

// ProductIDs lists the known HS3 product IDs.
var ProductIDs = []string{"0008", "0009"}

// setCommand formats "FREQ 1000" style commands.
func setCommand(verb string, v float64) string {
	return verb + " " + strconv.FormatFloat(v, 'f', -1, 64)
}

// IsSuccess reports whether a reply acknowledges a command.
func IsSuccess(reply string) bool {
	return strings.Contains(reply, successMarker)
}

// ValidIdentification reports whether an *IDN? reply looks like a live device.
func ValidIdentification(reply string) bool {
	return strings.TrimSpace(reply) != "" && !strings.Contains(strings.ToUpper(reply), errorMarker)
}

// decodeReply trims the line terminator and reports whether the bytes are a
// printable text reply.
func decodeReply(raw []byte) (string, bool) {
	if !utf8.Valid(raw) {
		return "", false
	}
	s := strings.TrimRight(string(raw), "\r\n")
	for _, r := range s {
		if r == '\n' || r == '\r' || r == '\t' {
			continue
		}
		if !unicode.IsPrint(r) {
			return "", false
		}
	}
	return s, true
}
