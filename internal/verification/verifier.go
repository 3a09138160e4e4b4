// Package verification validates trade-confirmation credentials: a reusable
// numeric PIN or a single-use QR token. Secrets are stored as hex sha256
// digests and compared in constant time.
package verification

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/skillswap/backend/internal/models"
)

var (
	// ErrVerificationFailed is returned when the proof does not match.
	ErrVerificationFailed = errors.New("verification failed")
	// ErrTokenAlreadyConsumed is returned when a single-use token is replayed.
	ErrTokenAlreadyConsumed = errors.New("verification token already consumed")
	// ErrProofExpired is returned when the verification window has closed.
	ErrProofExpired = errors.New("verification window expired")
	// ErrUnknownMethod is returned for methods outside pin/qr.
	ErrUnknownMethod = errors.New("unknown verification method")
)

// Spec is the stored verification state of a trade.
type Spec struct {
	Method     string
	SecretHash string
	ExpiresAt  time.Time
	Consumed   bool
}

// Verifier validates a proof against a stored spec. Implementations must not
// mutate shared state; consuming a QR token happens in the caller's trade
// transition so it is atomic with the status change.
type Verifier interface {
	Validate(spec Spec, proof string, now time.Time) error
}

// Adapter routes validation to the verifier for the spec's method.
type Adapter struct {
	verifiers map[string]Verifier
}

func NewAdapter() *Adapter {
	return &Adapter{verifiers: map[string]Verifier{
		models.VerifyMethodPIN: pinVerifier{},
		models.VerifyMethodQR:  qrVerifier{},
	}}
}

func (a *Adapter) Validate(spec Spec, proof string, now time.Time) error {
	v, ok := a.verifiers[spec.Method]
	if !ok {
		return ErrUnknownMethod
	}
	return v.Validate(spec, proof, now)
}

// pinVerifier checks a fixed-length numeric secret, reusable until the trade
// is terminal.
type pinVerifier struct{}

func (pinVerifier) Validate(spec Spec, proof string, now time.Time) error {
	if now.After(spec.ExpiresAt) {
		return ErrProofExpired
	}
	return compareSecret(spec.SecretHash, proof)
}

// qrVerifier checks an opaque single-use token. The consumed flag is read
// under the trade row lock, so a replayed token cannot confirm twice.
type qrVerifier struct{}

func (qrVerifier) Validate(spec Spec, proof string, now time.Time) error {
	if spec.Consumed {
		return ErrTokenAlreadyConsumed
	}
	if now.After(spec.ExpiresAt) {
		return ErrProofExpired
	}
	return compareSecret(spec.SecretHash, proof)
}

func compareSecret(secretHash, proof string) error {
	want, err := hex.DecodeString(secretHash)
	if err != nil {
		return ErrVerificationFailed
	}
	got := sha256.Sum256([]byte(proof))
	if subtle.ConstantTimeCompare(want, got[:]) != 1 {
		return ErrVerificationFailed
	}
	return nil
}

// HashSecret returns the hex sha256 digest stored for a secret.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

const pinDigits = 6

// GenerateSecret produces a fresh secret for the method: a 6-digit PIN or an
// opaque 32-byte token. The plaintext is returned exactly once, to be shared
// out of band; only the digest is stored.
func GenerateSecret(method string) (secret, secretHash string, err error) {
	switch method {
	case models.VerifyMethodPIN:
		max := big.NewInt(1)
		for range pinDigits {
			max.Mul(max, big.NewInt(10))
		}
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", "", err
		}
		secret = fmt.Sprintf("%0*d", pinDigits, n)
	case models.VerifyMethodQR:
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return "", "", err
		}
		secret = base64.RawURLEncoding.EncodeToString(buf)
	default:
		return "", "", ErrUnknownMethod
	}
	return secret, HashSecret(secret), nil
}
