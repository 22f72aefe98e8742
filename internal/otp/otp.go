// Package otp issues and checks the one-time pickup codes that gate the
// start of a ride.
package otp

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
)

const CodeLength = 4

var (
	ErrMismatch  = errors.New("otp mismatch")
	ErrLockedOut = errors.New("otp attempts exhausted")
)

// Generate returns a 4-digit zero-padded numeric code, e.g. "0007".
func Generate() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing is not recoverable in any useful way here
		panic(fmt.Sprintf("otp: rand: %v", err))
	}
	n := binary.BigEndian.Uint64(b[:]) % 10000
	return fmt.Sprintf("%04d", n)
}

// Verifier checks supplied codes against the expected one and locks a ride
// out after MaxAttempts failures. A 4-digit space is guessable under
// unlimited retries, so the bound is enforced strictly: the check and the
// failure increment happen under one lock.
type Verifier struct {
	MaxAttempts int

	mu       sync.Mutex
	failures map[string]int
}

func NewVerifier(maxAttempts int) *Verifier {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Verifier{MaxAttempts: maxAttempts, failures: make(map[string]int)}
}

// Check compares supplied against want for the given ride. Whitespace around
// the supplied code is ignored. On mismatch the ride's failure count grows;
// once it reaches MaxAttempts every further attempt returns ErrLockedOut,
// correct code or not.
func (v *Verifier) Check(rideID, want, supplied string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.failures[rideID] >= v.MaxAttempts {
		return ErrLockedOut
	}
	if strings.TrimSpace(supplied) != want {
		v.failures[rideID]++
		return ErrMismatch
	}
	return nil
}

// Attempts returns the recorded failure count for a ride.
func (v *Verifier) Attempts(rideID string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.failures[rideID]
}
