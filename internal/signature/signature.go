// Package signature signs and verifies command payloads with Ed25519 keys
// stored as hex strings.
//
// Private keys are encoded as the 32-byte seed. Sign also accepts the 64-byte
// expanded form. Public keys are 32 bytes and signatures 64 bytes.
package signature

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDecoding means key or signature material is malformed.
	ErrDecoding = errors.New("malformed key or signature")
	// ErrInvalidSignature means the signature does not authenticate the message.
	ErrInvalidSignature = errors.New("invalid signature")
)

// KeyPair holds hex-encoded Ed25519 keys.
type KeyPair struct {
	PrivateKey string
	PublicKey  string
}

// GenerateKeyPair creates a new key pair from crypto/rand.
func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate key: %w", err)
	}
	return KeyPair{
		PrivateKey: hex.EncodeToString(priv.Seed()),
		PublicKey:  hex.EncodeToString(pub),
	}, nil
}

// Sign returns the hex signature of message under privateKey.
func Sign(privateKey string, message []byte) (string, error) {
	priv, err := ParsePrivateKey(privateKey)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(ed25519.Sign(priv, message)), nil
}

// Verify checks that sig was produced over exactly message by the key paired with publicKey.
func Verify(publicKey string, message []byte, sig string) error {
	pub, err := ParsePublicKey(publicKey)
	if err != nil {
		return err
	}
	return verify(pub, message, sig)
}

// ParsePrivateKey decodes a hex seed or expanded private key.
func ParsePrivateKey(s string) (ed25519.PrivateKey, error) {
	b, err := decodeHex(s, "private key")
	if err != nil {
		return nil, err
	}
	switch len(b) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(b), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(b), nil
	default:
		return nil, fmt.Errorf("%w: private key has %d bytes, want %d or %d",
			ErrDecoding, len(b), ed25519.SeedSize, ed25519.PrivateKeySize)
	}
}

// ParsePublicKey decodes a hex public key.
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	b, err := decodeHex(s, "public key")
	if err != nil {
		return nil, err
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: public key has %d bytes, want %d", ErrDecoding, len(b), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(b), nil
}

// PublicKeyOf derives the hex public key for a hex private key.
func PublicKeyOf(privateKey string) (string, error) {
	priv, err := ParsePrivateKey(privateKey)
	if err != nil {
		return "", err
	}
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return "", fmt.Errorf("%w: unexpected public key type", ErrDecoding)
	}
	return hex.EncodeToString(pub), nil
}

// Verifier checks signatures against a single parsed public key.
type Verifier struct {
	key ed25519.PublicKey
}

// NewVerifier parses publicKey once for repeated verification.
func NewVerifier(publicKey string) (*Verifier, error) {
	pub, err := ParsePublicKey(publicKey)
	if err != nil {
		return nil, err
	}
	return &Verifier{key: pub}, nil
}

// Verify implements the same contract as the package-level Verify.
func (v *Verifier) Verify(message []byte, sig string) error {
	if v == nil {
		return fmt.Errorf("%w: no public key configured", ErrDecoding)
	}
	return verify(v.key, message, sig)
}

func verify(pub ed25519.PublicKey, message []byte, sig string) error {
	b, err := decodeHex(sig, "signature")
	if err != nil {
		return err
	}
	if len(b) != ed25519.SignatureSize {
		return fmt.Errorf("%w: signature has %d bytes, want %d", ErrDecoding, len(b), ed25519.SignatureSize)
	}
	if !ed25519.Verify(pub, message, b) {
		return ErrInvalidSignature
	}
	return nil
}

func decodeHex(s, what string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDecoding, what, err)
	}
	return b, nil
}
