// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

// Package fingerprint computes content fingerprints for turn matching.
//
// The reconciler has to decide whether a transcript entry is the same
// utterance the hook stream already reported, without any shared
// identifier between the two sources. The fingerprint is the join key:
// a BLAKE3 keyed hash over the actor and a normalized prefix of the
// text. Normalization (whitespace collapse, case fold, fixed prefix
// length) absorbs the cosmetic differences between what a hook payload
// carries and what the transcript file records.
package fingerprint

import (
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"
)

// PrefixLength is the number of normalized characters hashed. Long
// enough that two distinct utterances in the same ±30s match window
// practically never collide, short enough that a transcript entry
// truncated by the hook sender still matches.
const PrefixLength = 200

// turnDomainKey is a 32-byte key for BLAKE3 keyed hashing. Domain
// separation keeps turn fingerprints distinct from any other hash of
// the same bytes. The value is the ASCII domain name zero-padded to 32
// bytes, readable in hex dumps without sacrificing any property of
// keyed mode.
var turnDomainKey = [32]byte{
	'v', 'i', 'g', 'i', 'l', '.', 't', 'u', 'r', 'n', '.',
	'f', 'i', 'n', 'g', 'e', 'r', 'p', 'r', 'i', 'n', 't',
}

// Fingerprint is a 32-byte BLAKE3 digest of a turn's identity.
type Fingerprint [32]byte

// String returns the lowercase hex form, used as the stored column
// value in the projection store.
func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// Turn computes the fingerprint for an utterance. The actor
// participates in the hash so a user command and an agent echo of the
// same text never match each other.
func Turn(actor, text string) Fingerprint {
	hasher, err := blake3.NewKeyed(turnDomainKey[:])
	if err != nil {
		// NewKeyed only fails on a wrong key length, which is fixed
		// at compile time.
		panic("fingerprint: " + err.Error())
	}
	hasher.Write([]byte(actor))
	hasher.Write([]byte{0})
	hasher.Write([]byte(Normalize(text)))

	var f Fingerprint
	hasher.Digest().Read(f[:])
	return f
}

// Normalize returns the canonical form of text used for hashing:
// lower-cased, runs of whitespace collapsed to single spaces, leading
// and trailing whitespace removed, truncated to PrefixLength runes.
func Normalize(text string) string {
	fields := strings.Fields(strings.ToLower(text))
	normalized := strings.Join(fields, " ")
	runes := []rune(normalized)
	if len(runes) > PrefixLength {
		runes = runes[:PrefixLength]
	}
	return string(runes)
}
