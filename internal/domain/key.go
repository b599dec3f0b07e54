package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// QueryKey identifies one logical analysis query. Two requests with the same
// content, content type and source flag are interchangeable.
type QueryKey struct {
	Content     string
	ContentType string
	IsURL       bool
}

// BuildKey derives the cache key for an analysis request. It is total over
// all inputs, including empty content.
func BuildKey(content, contentType string, isURL bool) QueryKey {
	return QueryKey{
		Content:     content,
		ContentType: contentType,
		IsURL:       isURL,
	}
}

// Enabled reports whether the key describes a query that may run.
func (k QueryKey) Enabled() bool {
	return k.Content != ""
}

// String encodes the key with length prefixes so distinct keys never collide.
func (k QueryKey) String() string {
	var b strings.Builder
	b.Grow(len(k.Content) + len(k.ContentType) + 32)
	b.WriteString(strconv.Itoa(len(k.ContentType)))
	b.WriteByte(':')
	b.WriteString(k.ContentType)
	if k.IsURL {
		b.WriteString("|url|")
	} else {
		b.WriteString("|txt|")
	}
	b.WriteString(strconv.Itoa(len(k.Content)))
	b.WriteByte(':')
	b.WriteString(k.Content)
	return b.String()
}

// Digest returns a fixed-size hex digest of the key, for external stores
// where the full key would be too large.
func (k QueryKey) Digest() string {
	sum := sha256.Sum256([]byte(k.String()))
	return hex.EncodeToString(sum[:])
}

// LogValue returns a short description of the key safe to put in logs.
func (k QueryKey) LogValue() string {
	source := "text"
	if k.IsURL {
		source = "url"
	}
	return k.ContentType + "/" + source + "/" + k.Digest()[:12]
}
