package store

import (
	"crypto/rand"
	mrand "math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	ulidEntropy   = ulid.Monotonic(mrand.New(mrand.NewSource(time.Now().UnixNano())), 0)
	ulidEntropyMu sync.Mutex
)

func NewID() string {
	ulidEntropyMu.Lock()
	defer ulidEntropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulidEntropy).String()
}

// lobbyCodeAlphabet omits characters that are easy to misread.
const lobbyCodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// NewLobbyCode returns a short human-facing lobby code such as "RDY-7KQ4".
func NewLobbyCode() string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		id := NewID()
		return "RDY-" + id[len(id)-4:]
	}
	var b strings.Builder
	b.WriteString("RDY-")
	for _, c := range buf {
		b.WriteByte(lobbyCodeAlphabet[int(c)%len(lobbyCodeAlphabet)])
	}
	return b.String()
}
