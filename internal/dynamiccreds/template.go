package dynamiccreds

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	usernamePlaceholder = regexp.MustCompile(`\{\{\s*(role|timestamp|uuid|random:\d+)\s*\}\}`)
	usernameUnsafe       = regexp.MustCompile(`[^A-Za-z0-9_]`)
	randomCharset        = "abcdefghijklmnopqrstuvwxyz0123456789"
)

const maxUsernameLength = 63 // PostgreSQL identifier limit

// renderUsername expands a role's username template. Output is
// constrained to [A-Za-z0-9_] and truncated to 63 characters, per
// spec §4.8.
func renderUsername(tmpl, roleName string) (string, error) {
	var renderErr error
	out := usernamePlaceholder.ReplaceAllStringFunc(tmpl, func(match string) string {
		inner := strings.Trim(match, "{} ")
		switch {
		case inner == "role":
			return roleName
		case inner == "timestamp":
			return strconv.FormatInt(time.Now().Unix(), 10)
		case inner == "uuid":
			return uuid.New().String()[:8]
		case strings.HasPrefix(inner, "random:"):
			n, err := strconv.Atoi(strings.TrimPrefix(inner, "random:"))
			if err != nil {
				renderErr = fmt.Errorf("dynamiccreds: invalid random length in template %q: %w", tmpl, err)
				return ""
			}
			s, err := randomAlnum(n)
			if err != nil {
				renderErr = err
				return ""
			}
			return s
		default:
			return match
		}
	})
	if renderErr != nil {
		return "", renderErr
	}

	sanitized := usernameUnsafe.ReplaceAllString(out, "_")
	if len(sanitized) > maxUsernameLength {
		sanitized = sanitized[:maxUsernameLength]
	}
	return sanitized, nil
}

func randomAlnum(n int) (string, error) {
	if n <= 0 {
		return "", nil
	}
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(randomCharset))))
		if err != nil {
			return "", fmt.Errorf("dynamiccreds: generate random username fragment: %w", err)
		}
		b[i] = randomCharset[idx.Int64()]
	}
	return string(b), nil
}

// generatePassword returns a base64-encoded 32-byte random password.
func generatePassword() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("dynamiccreds: generate password: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// renderStatement substitutes {{username}}, {{password}}, {{expiration}},
// and {{expiration_timestamp}} into a SQL statement template.
func renderStatement(stmt, username, password string, expiresAt time.Time) string {
	r := strings.NewReplacer(
		"{{username}}", username,
		"{{password}}", password,
		"{{expiration}}", expiresAt.Format(time.RFC3339),
		"{{expiration_timestamp}}", strconv.FormatInt(expiresAt.Unix(), 10),
	)
	return r.Replace(stmt)
}

// redactStatement replaces a known password value in a statement before
// it is logged, so generated credentials never appear in logs even
// transiently.
func redactStatement(stmt, password string) string {
	if password == "" {
		return stmt
	}
	return strings.ReplaceAll(stmt, password, "[REDACTED]")
}
