package utils

import (
	"crypto/rand"
	"math/big"
	"strings"
	"unicode"
)

const lowerAlnum = "abcdefghijklmnopqrstuvwxyz0123456789"

// RandomSuffix returns n random lowercase alphanumeric characters.
func RandomSuffix(n int) string {
	var b strings.Builder
	b.Grow(n)
	limit := big.NewInt(int64(len(lowerAlnum)))
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, limit)
		if err != nil {
			b.WriteByte(lowerAlnum[i%len(lowerAlnum)])
			continue
		}
		b.WriteByte(lowerAlnum[idx.Int64()])
	}
	return b.String()
}

// SanitizeIdentifier makes an identifier safe for file names and metric labels.
func SanitizeIdentifier(id string) string {
	replacer := strings.NewReplacer(":", "-", " ", "-", "/", "-", "\\", "-")
	return replacer.Replace(id)
}

// ContainsHan reports whether s contains at least one Chinese character.
func ContainsHan(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.Han, r) {
			return true
		}
	}
	return false
}

// Truncate shortens s to at most n runes, appending an ellipsis when cut.
func Truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	if n <= 0 {
		return ""
	}
	return string(runes[:n]) + "…"
}

// RuneLen returns the number of runes in s.
func RuneLen(s string) int {
	return len([]rune(s))
}
