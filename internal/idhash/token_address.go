package idhash

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
)

// DefaultProgramID is the program id token addresses are derived under
// when none is configured.
const DefaultProgramID = "CurveMarket11111111111111111111111111111111"

const (
	tokenSeed     = "token"
	maxSeedLength = 32
	pdaMarker     = "ProgramDerivedAddress"
)

// ErrNoViableBump is returned when every bump seed yields an on-curve point.
var ErrNoViableBump = errors.New("no viable bump seed")

// TokenAddress derives the address of a token as a program-derived address
// over the seeds ("token", creatorID, upper(symbol)). The result is
// deterministic, off the ed25519 curve and base58 encoded.
//
// Seeds longer than 32 bytes are replaced by their SHA256 digest.
func TokenAddress(programID, creatorID, symbol string) (string, error) {
	program, err := base58.Decode(programID)
	if err != nil {
		return "", fmt.Errorf("decode program id: %w", err)
	}
	if len(program) != 32 {
		return "", fmt.Errorf("program id must be 32 bytes, got %d", len(program))
	}

	seeds := [][]byte{
		[]byte(tokenSeed),
		seed(creatorID),
		seed(strings.ToUpper(strings.TrimSpace(symbol))),
	}

	addr, _, err := derivePDA(seeds, program)
	return addr, err
}

func seed(s string) []byte {
	if len(s) <= maxSeedLength {
		return []byte(s)
	}
	hash := sha256.Sum256([]byte(s))
	return hash[:]
}

// derivePDA derives a Program Derived Address using the Solana algorithm:
// SHA256(seeds || bump || programID || "ProgramDerivedAddress"), searching
// bumps downward from 255 for a hash that is not a valid ed25519 point.
func derivePDA(seeds [][]byte, programID []byte) (string, byte, error) {
	for bump := byte(255); bump > 0; bump-- {
		data := make([]byte, 0, 64+len(programID)+len(pdaMarker))
		for _, s := range seeds {
			data = append(data, s...)
		}
		data = append(data, bump)
		data = append(data, programID...)
		data = append(data, pdaMarker...)

		hash := sha256.Sum256(data)
		if !isOnCurve(hash[:]) {
			return base58.Encode(hash[:]), bump, nil
		}
	}
	return "", 0, ErrNoViableBump
}

func isOnCurve(point []byte) bool {
	if len(point) != 32 {
		return false
	}
	_, err := new(edwards25519.Point).SetBytes(point)
	return err == nil
}
