package oxia

import "strings"

// storedSeparator replaces '/' in stored keys. keys.ValidateComponent
// rejects control characters, so the mapping is reversible.
const storedSeparator = "\x1f"

func encodeKey(key string) string {
	return strings.ReplaceAll(key, "/", storedSeparator)
}

func decodeKey(key string) string {
	return strings.ReplaceAll(key, storedSeparator, "/")
}
