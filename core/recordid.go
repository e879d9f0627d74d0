package core

import (
	"crypto/rand"
	"fmt"
)

// RecordIDPrefix is the fixed prefix of all record identifiers.
const RecordIDPrefix = "TRL-"

// recordIDDigits is the number of random digits following the prefix.
const recordIDDigits = 12

// RecordIDLength is the total length of a record identifier.
const RecordIDLength = len(RecordIDPrefix) + recordIDDigits

// Crockford base32, no I, L, O, U
const recordIDAlphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// NewRecordID allocates a fresh opaque record identifier. Identifiers are
// random, callers must collision-check them against the store before use.
func NewRecordID() string {
	buf := make([]byte, recordIDDigits)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Errorf("cannot read random bytes: %w", err))
	}
	id := make([]byte, recordIDDigits)
	for i, b := range buf {
		id[i] = recordIDAlphabet[int(b)%len(recordIDAlphabet)]
	}
	return RecordIDPrefix + string(id)
}

// IsRecordID returns true if s has the shape of a record identifier.
func IsRecordID(s string) bool {
	if len(s) != RecordIDLength || s[:len(RecordIDPrefix)] != RecordIDPrefix {
		return false
	}
	for _, r := range s[len(RecordIDPrefix):] {
		valid := false
		for _, a := range recordIDAlphabet {
			if r == a {
				valid = true
				break
			}
		}
		if !valid {
			return false
		}
	}
	return true
}
