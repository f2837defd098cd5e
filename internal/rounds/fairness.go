package rounds

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
)

const seedBytes = 32

// Commitment is a fresh seed with its public commitment and round hash.
type Commitment struct {
	Seed      string
	Commit    string
	RoundHash string
}

// NewCommitment draws a random seed for round number of lobbyID.
func NewCommitment(lobbyID string, number int) (Commitment, error) {
	buf := make([]byte, seedBytes)
	if _, err := rand.Read(buf); err != nil {
		return Commitment{}, fmt.Errorf("read seed: %w", err)
	}
	sum := sha256.Sum256(buf)
	commit := hex.EncodeToString(sum[:])
	return Commitment{
		Seed:      hex.EncodeToString(buf),
		Commit:    commit,
		RoundHash: RoundHash(lobbyID, number, commit),
	}, nil
}

func RoundHash(lobbyID string, number int, commit string) string {
	sum := sha256.Sum256([]byte("round:" + lobbyID + ":" + strconv.Itoa(number) + ":" + commit))
	return hex.EncodeToString(sum[:])
}

// VerifyReveal reports whether the hex seed hashes to commit.
func VerifyReveal(seed, commit string) bool {
	raw, err := hex.DecodeString(seed)
	if err != nil || len(raw) == 0 {
		return false
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]) == commit
}

// WinnerIndex picks a position among n paid seats ordered by seat index:
// sha256(roundHash || seed) read as a big-endian integer, modulo n.
func WinnerIndex(roundHash, seed string, n int) (int, error) {
	if n <= 0 {
		return 0, ErrNoPaidSeats
	}
	hashRaw, err := hex.DecodeString(roundHash)
	if err != nil || len(hashRaw) == 0 {
		return 0, fmt.Errorf("%w: round hash is not hex", ErrInvalidReveal)
	}
	seedRaw, err := hex.DecodeString(seed)
	if err != nil || len(seedRaw) == 0 {
		return 0, fmt.Errorf("%w: seed is not hex", ErrInvalidReveal)
	}
	h := sha256.New()
	h.Write(hashRaw)
	h.Write(seedRaw)
	digest := new(big.Int).SetBytes(h.Sum(nil))
	return int(digest.Mod(digest, big.NewInt(int64(n))).Int64()), nil
}
