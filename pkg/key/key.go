// Package key implements the key normaliser (C1): it validates, prefixes,
// length-checks and optionally hashes application keys before any call reaches
// a replica.
//
// Normalisation happens once per call and produces an immutable triple
// (application key, canonical key, hashed key) that the rest of the core
// orchestrator threads through the read, write and consistent-read paths.
package key

import (
	"fmt"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

// Algorithm identifies the digest function behind a hashed key. Carried on the
// NormalisedKey so downstream readers (collision detection, the envelope
// transcoder) interpret the hashed_key field consistently.
type Algorithm string

const (
	// AlgorithmNone marks a NormalisedKey that carries no hashed form.
	AlgorithmNone Algorithm = ""
	// AlgorithmXXHash64 is the default digest used when hashing is in effect.
	// See SPEC_FULL.md §3/§10 for why this, and not siphash24, is the default.
	AlgorithmXXHash64 Algorithm = "xxhash64"
)

// Rules configures how application keys are normalised. All fields are
// intended to be sourced from live-reloadable configuration (zconfig).
type Rules struct {
	Prefix       string
	MaxKeyLength int
	ForceHash    bool
	AutoHash     bool
	Algorithm    Algorithm
}

// NormalisedKey is the immutable triple produced once per call (§3.1).
type NormalisedKey struct {
	ApplicationKey string
	CanonicalKey   string
	HashedKey      string
	Algorithm      Algorithm
}

// HasHashedKey reports whether this key carries a hashed wire form.
func (k NormalisedKey) HasHashedKey() bool {
	return k.HashedKey != ""
}

// DerivedKey returns the form that should go on the wire for a given replica.
// forDuetReplica selects the un-prefixed application key form for replicas that
// declare themselves "duet" clients (§3.1, §9 "Duet-client key form").
func (k NormalisedKey) DerivedKey(forDuetReplica bool) string {
	if forDuetReplica {
		return k.ApplicationKey
	}
	if k.HasHashedKey() {
		return k.HashedKey
	}
	return k.CanonicalKey
}

// InvalidKeyError is returned when an application key fails validation, or
// when the canonical key exceeds MaxKeyLength with hashing unavailable (§3.1
// invariant).
type InvalidKeyError struct {
	Key    string
	Reason string
}

func (e *InvalidKeyError) Error() string {
	return fmt.Sprintf("invalid key %q: %s", e.Key, e.Reason)
}

// Normalise validates and normalises an application key according to rules.
//
// Invariant (§3.1): if the returned key carries no hashed form, its canonical
// key length is guaranteed <= rules.MaxKeyLength; otherwise construction fails
// with *InvalidKeyError — there is no intermediate state.
func Normalise(applicationKey string, rules Rules) (NormalisedKey, error) {
	if applicationKey == "" {
		return NormalisedKey{}, &InvalidKeyError{Key: applicationKey, Reason: "empty key"}
	}
	for _, r := range applicationKey {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return NormalisedKey{}, &InvalidKeyError{Key: applicationKey, Reason: "key contains whitespace or control characters"}
		}
	}

	canonical := applicationKey
	if rules.Prefix != "" {
		canonical = rules.Prefix + ":" + applicationKey
	}

	maxLen := rules.MaxKeyLength
	if maxLen <= 0 {
		maxLen = 200
	}

	needsHash := rules.ForceHash || (rules.AutoHash && len(canonical) > maxLen)
	if !needsHash {
		if len(canonical) > maxLen {
			return NormalisedKey{}, &InvalidKeyError{
				Key:    applicationKey,
				Reason: fmt.Sprintf("canonical key length %d exceeds max %d and hashing is not enabled", len(canonical), maxLen),
			}
		}
		return NormalisedKey{
			ApplicationKey: applicationKey,
			CanonicalKey:   canonical,
			Algorithm:      AlgorithmNone,
		}, nil
	}

	algo := rules.Algorithm
	if algo == AlgorithmNone {
		algo = AlgorithmXXHash64
	}

	return NormalisedKey{
		ApplicationKey: applicationKey,
		CanonicalKey:   canonical,
		HashedKey:      digest(canonical, algo),
		Algorithm:      algo,
	}, nil
}

// digest computes the deterministic hashed wire key for canonical over algo.
func digest(canonical string, algo Algorithm) string {
	switch algo {
	case AlgorithmXXHash64:
		return fmt.Sprintf("h64:%016x", xxhash.Sum64String(canonical))
	default:
		return fmt.Sprintf("h64:%016x", xxhash.Sum64String(canonical))
	}
}
