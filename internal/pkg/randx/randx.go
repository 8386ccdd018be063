/*
Package randx provides cryptographically secure random identifiers.

It generates fixed-length Base62 meeting codes and UUID participant identities, and validates
both formats.
*/
package randx

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"
)

const (
	// Base62Chars defines the character set used for Base62 encoding (0-9, A-Z, a-z).
	Base62Chars = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

	// Base62Len is the total number of characters in the Base62 character set (62).
	Base62Len = int64(len(Base62Chars))

	// MeetingCodeLength is the fixed length of a meeting code.
	MeetingCodeLength = 8
)

// base62 returns n random Base62 characters drawn from crypto/rand.
func base62(n int) (string, error) {
	result := make([]byte, n)

	for i := range n {
		num, err := rand.Int(rand.Reader, big.NewInt(Base62Len))
		if err != nil {
			return "", fmt.Errorf("failed to generate random number: %w", err)
		}

		result[i] = Base62Chars[num.Int64()]
	}

	return string(result), nil
}

// MeetingCode generates a Base62 meeting code of MeetingCodeLength characters.
func MeetingCode() (string, error) {
	code, err := base62(MeetingCodeLength)
	if err != nil {
		return "", fmt.Errorf("meeting code: %w", err)
	}
	return code, nil
}

// IsValidMeetingCode reports whether code has MeetingCodeLength Base62 characters.
func IsValidMeetingCode(code string) bool {
	if len(code) != MeetingCodeLength {
		return false
	}

	for _, char := range code {
		if !strings.ContainsRune(Base62Chars, char) {
			return false
		}
	}

	return true
}

// Identity mints a fresh participant identity (UUID v4).
func Identity() string {
	return uuid.New().String()
}

// IsValidIdentity reports whether id is a canonical (lower-case, hyphenated) UUID string.
func IsValidIdentity(id string) bool {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return false
	}
	return parsed.String() == id
}

// DisplayName generates a placeholder display name such as "Guest_4fZ1".
func DisplayName() string {
	suffix, err := base62(4)
	if err != nil {
		return "Guest"
	}
	return "Guest_" + suffix
}
