package room

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// DirectPrefix starts every derived direct-message room name.
const DirectPrefix = "dm-"

// ErrNoParticipants is returned when every identifier is blank.
var ErrNoParticipants = errors.New("room: no participants")

// DirectRoomName derives the room shared by the given participants. The
// result does not depend on argument order or repetition, and identifiers
// are NFC-normalised so equivalent Unicode spellings map to the same room.
// Each identifier is length-prefixed before hashing, so no choice of
// identifiers can collide by concatenation.
func DirectRoomName(ids ...string) (string, error) {
	seen := make(map[string]struct{}, len(ids))
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		id = norm.NFC.String(strings.TrimSpace(id))
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		parts = append(parts, id)
	}
	if len(parts) == 0 {
		return "", ErrNoParticipants
	}
	sort.Strings(parts)

	h := sha256.New()
	var n [8]byte
	for _, p := range parts {
		binary.BigEndian.PutUint64(n[:], uint64(len(p)))
		h.Write(n[:])
		h.Write([]byte(p))
	}
	return DirectPrefix + hex.EncodeToString(h.Sum(nil)[:16]), nil
}
