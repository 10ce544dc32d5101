// Package cryptoutil holds small helpers shared by config validation and
// audit signing.
package cryptoutil

// IsHexString reports whether s consists only of hexadecimal characters.
// An empty string is not considered hex.
func IsHexString(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}
