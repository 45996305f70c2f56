package plan

import (
	"encoding/base64"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"
	"unicode/utf8"
)

const maxUploadIDLength = 32

var errInvalidKey = errors.New("identity key is not valid UTF-8")

// identityKey matches the key the web client builds from a File object.
func identityKey(d SourceDescriptor) string {
	return fmt.Sprintf("%s-%d-%d", d.Name, d.SizeBytes, d.LastModified.UnixMilli())
}

func encodedID(key string) (string, error) {
	escaped, err := encodeURIComponent(key)
	if err != nil {
		return "", err
	}

	encoded := base64.StdEncoding.EncodeToString([]byte(escaped))
	encoded = strings.NewReplacer("/", "", "+", "", "=", "").Replace(encoded)
	if len(encoded) > maxUploadIDLength {
		encoded = encoded[:maxUploadIDLength]
	}
	return encoded, nil
}

// encodeURIComponent escapes everything except A-Z a-z 0-9 - _ . ! ~ * ' ( ).
func encodeURIComponent(s string) (string, error) {
	if !utf8.ValidString(s) {
		return "", errInvalidKey
	}

	const upperhex = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(upperhex[c>>4])
		b.WriteByte(upperhex[c&15])
	}
	return b.String(), nil
}

func isUnreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	switch c {
	case '-', '_', '.', '!', '~', '*', '\'', '(', ')':
		return true
	}
	return false
}

func hashedFallbackID(key string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return strconv.FormatUint(h.Sum64(), 36)
}

func legacyFallbackID(key string, now time.Time) string {
	var hash int32
	for _, unit := range utf16.Encode([]rune(key)) {
		hash = hash*31 + int32(unit)
	}

	abs := int64(hash)
	if abs < 0 {
		abs = -abs
	}
	return strconv.FormatInt(abs, 36) + strconv.FormatInt(now.UnixMilli(), 36)
}
