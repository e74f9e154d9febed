package wire

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/arsac/ndnchunks/internal/names"
)

// Interest requests the content published under Name.
type Interest struct {
	Name       string `bencode:"name"`
	AllowStale int64  `bencode:"allow_stale,omitempty"`
	MustVerify int64  `bencode:"must_verify,omitempty"`
}

// NewInterest builds an interest for name.
func NewInterest(name names.Name, allowStale, mustVerify bool) *Interest {
	return &Interest{
		Name:       name.String(),
		AllowStale: flag(allowStale),
		MustVerify: flag(mustVerify),
	}
}

// AllowsStale reports whether stale content satisfies the interest.
func (i *Interest) AllowsStale() bool { return i.AllowStale != 0 }

// RequiresVerification reports whether the response must carry a digest.
func (i *Interest) RequiresVerification() bool { return i.MustVerify != 0 }

// Content answers an interest with one segment.
type Content struct {
	Name    string `bencode:"name"`
	Payload string `bencode:"payload"`
	Final   int64  `bencode:"final,omitempty"`
	Digest  string `bencode:"digest,omitempty"` // Hex SHA-256 of Payload.
}

// IsFinal reports whether this is the last segment of its stream.
func (c *Content) IsFinal() bool { return c.Final != 0 }

// DigestCheck is the outcome of comparing a content digest with its payload.
type DigestCheck int

const (
	DigestAbsent DigestCheck = iota
	DigestMatch
	DigestMismatch
)

// CheckDigest compares the attached digest, if any, with the payload.
func (c *Content) CheckDigest() DigestCheck {
	if c.Digest == "" {
		return DigestAbsent
	}
	if c.Digest != Digest([]byte(c.Payload)) {
		return DigestMismatch
	}
	return DigestMatch
}

// Digest returns the hex SHA-256 of payload.
func Digest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func flag(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
