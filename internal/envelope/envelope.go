// Package envelope implements the signed prompt envelope used to hand
// worker and reviewer instructions to remote agent processes without
// letting a compromised worker forge instructions for another task.
//
// An envelope is an HMAC-SHA256 MAC over a canonical JSON payload of
// {nonce, prompt, timestamp}, keyed by a secret shared between the PM
// orchestrator and every worker agent in the fleet.
package envelope

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxAge is the default envelope lifetime in seconds before Verify
// rejects it as expired.
const DefaultMaxAge = 3600

// Sentinel errors for the three ways verification can fail (spec §7).
var (
	// ErrMalformed is returned when a required envelope field is missing.
	ErrMalformed = errors.New("envelope: malformed")
	// ErrExpired is returned when the envelope's age is outside [0, maxAge].
	ErrExpired = errors.New("envelope: expired")
	// ErrSignatureMismatch is returned when the recomputed MAC does not
	// match the envelope's signature.
	ErrSignatureMismatch = errors.New("envelope: signature mismatch")
)

// Envelope is a signed prompt ready to hand to a worker process.
type Envelope struct {
	Prompt    string `json:"prompt"`
	Signature string `json:"signature"`
	Nonce     string `json:"nonce"`
	Timestamp int64  `json:"timestamp"`
}

// canonicalPayload is the exact field set and order that is MAC'd. The
// field names are alphabetical (nonce, prompt, timestamp) to match the
// canonical form the signature is computed over.
type canonicalPayload struct {
	Nonce     string `json:"nonce"`
	Prompt    string `json:"prompt"`
	Timestamp int64  `json:"timestamp"`
}

// Signer signs and verifies prompt envelopes with a shared secret.
type Signer struct {
	secret []byte
	maxAge int64
	now    func() time.Time
}

// NewSigner returns a Signer keyed by secret, using DefaultMaxAge.
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret), maxAge: DefaultMaxAge, now: time.Now}
}

// WithMaxAge returns a copy of s with a different verification window.
func (s *Signer) WithMaxAge(seconds int64) *Signer {
	clone := *s
	clone.maxAge = seconds
	return &clone
}

// Sign produces a fresh envelope for prompt: a new random nonce, the
// current unix timestamp, and the HMAC-SHA256 signature over the
// canonical JSON of nonce, prompt and timestamp.
func (s *Signer) Sign(prompt string) (*Envelope, error) {
	nonce := uuid.NewString()
	ts := s.now().Unix()

	payload, err := s.canonicalize(nonce, prompt, ts)
	if err != nil {
		return nil, fmt.Errorf("envelope: canonicalize: %w", err)
	}

	return &Envelope{
		Prompt:    prompt,
		Signature: s.mac(payload),
		Nonce:     nonce,
		Timestamp: ts,
	}, nil
}

// Verify checks field presence, the timestamp window, and the signature,
// in that order, returning the first failure's sentinel error.
func (s *Signer) Verify(e *Envelope) error {
	if e == nil || e.Prompt == "" || e.Signature == "" || e.Nonce == "" || e.Timestamp == 0 {
		return ErrMalformed
	}

	age := s.now().Unix() - e.Timestamp
	if age > s.maxAge || age < 0 {
		return ErrExpired
	}

	payload, err := s.canonicalize(e.Nonce, e.Prompt, e.Timestamp)
	if err != nil {
		return fmt.Errorf("envelope: canonicalize: %w", err)
	}
	expected := s.mac(payload)

	if !hmac.Equal([]byte(expected), []byte(e.Signature)) {
		return ErrSignatureMismatch
	}
	return nil
}

// ExtractPrompt verifies e and returns its prompt text, or an error
// identifying why verification failed.
func (s *Signer) ExtractPrompt(e *Envelope) (string, error) {
	if err := s.Verify(e); err != nil {
		return "", err
	}
	return e.Prompt, nil
}

func (s *Signer) canonicalize(nonce, prompt string, ts int64) ([]byte, error) {
	return json.Marshal(canonicalPayload{Nonce: nonce, Prompt: prompt, Timestamp: ts})
}

func (s *Signer) mac(payload []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
