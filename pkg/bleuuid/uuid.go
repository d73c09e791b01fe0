// Package bleuuid normalizes and compares BLE UUIDs and formats byte
// payloads for logging, the two shared primitives every other package in
// the bridge needs but none of them owns.
package bleuuid

import (
	"encoding/hex"
	"strings"
)

// Normalize lower-cases a UUID and strips dashes so that upper/lower-case
// and dashed/undashed spellings of the same UUID from different clients
// compare equal once both are normalized. Short-form 16/32-bit UUIDs are returned
// as-is (lower-cased) rather than expanded to the Bluetooth base UUID,
// since the bridge never validates UUIDs against the GATT spec — it only
// compares what callers gave it.
func Normalize(uuid string) string {
	return strings.ToLower(strings.ReplaceAll(uuid, "-", ""))
}

// Equal reports whether two UUIDs are the same once normalized.
func Equal(a, b string) bool {
	return Normalize(a) == Normalize(b)
}

// HasPrefix reports whether name begins with prefix, case-insensitively.
// Used to match a peripheral's advertised local name against
// BleConfig.DevicePrefix.
func HasPrefix(name, prefix string) bool {
	if prefix == "" {
		return true
	}
	return strings.HasPrefix(strings.ToLower(name), strings.ToLower(prefix))
}

// FormatBytes renders a byte slice as a compact hex string for log lines,
// e.g. "a7b30002d982370000a000".
func FormatBytes(b []byte) string {
	return hex.EncodeToString(b)
}
