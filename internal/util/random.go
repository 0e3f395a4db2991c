// Package util provides utility functions for the CarePipe application.
package util

import (
	"math/rand"
	"strings"
)

// GenerateRandomID generates a random ID with the specified prefix and hex length.
// The returned ID will be in the format: "{prefix}{hex_string}".
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex generates a random hexadecimal string of the specified length.
// Uses math/rand/v2 for non-cryptographic identifiers.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}

	const hexChars = "0123456789abcdef"
	var builder strings.Builder
	builder.Grow(length)

	for i := 0; i < length; i++ {
		builder.WriteByte(hexChars[rand.Intn(16)])
	}

	return builder.String()
}

// GeneratePatientID generates a unique patient ID with "pat_" prefix.
func GeneratePatientID() string {
	return GenerateRandomID("pat_", 32)
}

// GenerateProtocolID generates a unique protocol ID with "proto_" prefix.
func GenerateProtocolID() string {
	return GenerateRandomID("proto_", 32)
}

// GenerateAssignmentID generates a unique assignment ID with "asgn_" prefix.
func GenerateAssignmentID() string {
	return GenerateRandomID("asgn_", 32)
}

// GenerateTaskID generates a unique patient task ID with "ptask_" prefix.
func GenerateTaskID() string {
	return GenerateRandomID("ptask_", 32)
}

// GenerateProtocolTaskID generates a unique protocol task ID with "ptk_" prefix.
func GenerateProtocolTaskID() string {
	return GenerateRandomID("ptk_", 32)
}

// GenerateResponseID generates a unique response ID with "resp_" prefix.
func GenerateResponseID() string {
	return GenerateRandomID("resp_", 32)
}

// GenerateAlertID generates a unique clinical alert ID with "alert_" prefix.
func GenerateAlertID() string {
	return GenerateRandomID("alert_", 32)
}

// GenerateFormID generates a unique patient form ID with "form_" prefix.
func GenerateFormID() string {
	return GenerateRandomID("form_", 32)
}
