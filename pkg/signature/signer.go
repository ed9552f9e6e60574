// Package signature implements the Ed25519 scheme QQ bots use to sign the
// callback validation handshake and to authenticate pushed events.
package signature

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
)

const (
	HeaderSignature = "X-Signature-Ed25519"
	HeaderTimestamp = "X-Signature-Timestamp"
)

var (
	ErrEmptySecret      = errors.New("signature: empty secret")
	ErrMissingSignature = errors.New("signature: missing signature headers")
	ErrMalformed        = errors.New("signature: malformed signature")
	ErrMismatch         = errors.New("signature: verification failed")
)

// DeriveSeed repeats the secret until at least ed25519.SeedSize bytes are
// available and returns the first ed25519.SeedSize of them.
func DeriveSeed(secret string) []byte {
	if secret == "" {
		return nil
	}
	var b strings.Builder
	b.Grow(ed25519.SeedSize + len(secret))
	for b.Len() < ed25519.SeedSize {
		b.WriteString(secret)
	}
	return []byte(b.String()[:ed25519.SeedSize])
}

// Signer holds the key pair derived from one app secret. It is safe for
// concurrent use.
type Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

func NewSigner(secret string) (*Signer, error) {
	seed := DeriveSeed(secret)
	if seed == nil {
		return nil, ErrEmptySecret
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Signer{
		priv: priv,
		pub:  priv.Public().(ed25519.PublicKey),
	}, nil
}

func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.pub
}

func (s *Signer) Sign(msg []byte) []byte {
	return ed25519.Sign(s.priv, msg)
}

// SignValidation answers an op 13 handshake: the signature over
// eventTS+plainToken, hex encoded.
func (s *Signer) SignValidation(eventTS, plainToken string) string {
	return hex.EncodeToString(s.Sign([]byte(eventTS + plainToken)))
}

func (s *Signer) Verify(msg, sig []byte) bool {
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(s.pub, msg, sig)
}

// VerifyHex checks a hex signature over timestamp+body.
func (s *Signer) VerifyHex(sigHex, timestamp string, body []byte) error {
	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return ErrMalformed
	}
	msg := make([]byte, 0, len(timestamp)+len(body))
	msg = append(msg, timestamp...)
	msg = append(msg, body...)
	if !s.Verify(msg, sig) {
		return ErrMismatch
	}
	return nil
}

// VerifyRequest reads the signature headers from h and checks them against
// body.
func (s *Signer) VerifyRequest(h http.Header, body []byte) error {
	sigHex := h.Get(HeaderSignature)
	ts := h.Get(HeaderTimestamp)
	if sigHex == "" || ts == "" {
		return ErrMissingSignature
	}
	return s.VerifyHex(sigHex, ts, body)
}

// SignRequest sets the signature headers for body. Used by tests and the
// sign command to produce platform-shaped requests.
func (s *Signer) SignRequest(h http.Header, timestamp string, body []byte) {
	msg := append([]byte(timestamp), body...)
	h.Set(HeaderTimestamp, timestamp)
	h.Set(HeaderSignature, hex.EncodeToString(s.Sign(msg)))
}
