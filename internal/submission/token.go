package submission

import (
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// TokenSize is the continuation token length in bytes before hex encoding.
const TokenSize = 8

// Token derives the continuation token that authorizes upload of position.
func Token(entropy []byte, messageID string, position int) string {
	key := entropy
	if len(key) > blake2b.Size {
		key = key[:blake2b.Size]
	}
	h, err := blake2b.New(TokenSize, key)
	if err != nil {
		return ""
	}
	var pos [8]byte
	binary.BigEndian.PutUint64(pos[:], uint64(position))
	h.Write([]byte(messageID))
	h.Write([]byte{0})
	h.Write(pos[:])
	return hex.EncodeToString(h.Sum(nil))
}

func verifyToken(entropy []byte, messageID string, position int, token string) bool {
	want := Token(entropy, messageID, position)
	if want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(token)) == 1
}
