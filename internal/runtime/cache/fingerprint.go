package cache

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
)

const keyNamespace = "scoregate:score:v1"

// Normalize produces the canonical message form used for fingerprinting:
// lowercased with whitespace runs collapsed to single spaces. Punctuation is
// preserved so "I'm fine." and "I'm fine" stay distinct messages.
func Normalize(message string) string {
	return strings.Join(strings.Fields(strings.ToLower(message)), " ")
}

// Keyer derives cache keys from normalized messages. The salt keeps raw
// message content out of cache keys even against dictionary probing, and the
// epoch lets operators invalidate the whole keyspace without flushing the
// backing store.
type Keyer struct {
	salt  string
	epoch int
}

func NewKeyer(salt string, epoch int) Keyer {
	if epoch < 1 {
		epoch = 1
	}
	return Keyer{salt: salt, epoch: epoch}
}

// Key returns the full cache key for a normalized message.
func (k Keyer) Key(normalized string) string {
	digest := sha256.Sum256([]byte(k.salt + "\x00" + normalized))
	return fmt.Sprintf("%s:%d:%s", keyNamespace, k.epoch, base64.RawURLEncoding.EncodeToString(digest[:]))
}

// Prefix returns the key prefix shared by every entry of the current epoch,
// suitable for DeletePrefix-based invalidation.
func (k Keyer) Prefix() string {
	return fmt.Sprintf("%s:%d:", keyNamespace, k.epoch)
}
