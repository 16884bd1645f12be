package signature

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/lucasnoah/autoheal/internal/failure"
)

// FixHashLen is the number of hex characters kept from the digest.
const FixHashLen = 16

// FixHash digests the concatenated new contents of every proposed change,
// in proposal order.
func FixHash(changes []failure.FileChange) string {
	h := sha256.New()
	for _, c := range changes {
		h.Write([]byte(c.NewContent))
	}
	return hex.EncodeToString(h.Sum(nil))[:FixHashLen]
}
