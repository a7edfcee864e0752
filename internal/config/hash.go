package config

import (
	"crypto/sha256"
	"encoding/json"
)

// fingerprint identifies a config value by the SHA-256 of its JSON form.
// The zero fingerprint means "could not be computed" and never matches.
type fingerprint [sha256.Size]byte

func fingerprintOf(v any) fingerprint {
	b, err := json.Marshal(v)
	if err != nil {
		return fingerprint{}
	}
	return sha256.Sum256(b)
}

func (f fingerprint) same(o fingerprint) bool {
	return f != fingerprint{} && f == o
}
