// Package signer holds the gateway's key material: the Ed25519 key pair used
// to sign upstream RPC envelopes and the RSA key pair used for ActivityPub
// HTTP signatures and JSON-LD signatures.
package signer

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Signer wraps both key pairs. Key material is loaded once at startup and
// shared immutably afterwards.
type Signer struct {
	account string

	edPrivate ed25519.PrivateKey

	rsaPrivate *rsa.PrivateKey
	rsaPublic  *rsa.PublicKey
	publicPEM  string
}

// New derives the Ed25519 key pair from the account secret and parses the RSA
// key pair from the configured PEM strings. Any failure here means the process
// refuses to start.
func New(account, secret, publicPEM, privatePEM string) (*Signer, error) {
	// The upstream network derives signing keys from the account secret the
	// same way: seed = blake2b-512(secret)[:32].
	sum := blake2b.Sum512([]byte(secret))
	edPrivate := ed25519.NewKeyFromSeed(sum[:32])

	rsaPrivate, err := ParsePrivateKeyPEM([]byte(privatePEM))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	rsaPublic, err := ParsePublicKeyPEM([]byte(publicPEM))
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}

	return &Signer{
		account:    account,
		edPrivate:  edPrivate,
		rsaPrivate: rsaPrivate,
		rsaPublic:  rsaPublic,
		publicPEM:  publicPEM,
	}, nil
}

// Account returns the upstream account identifier the keys belong to.
func (s *Signer) Account() string { return s.account }

// PublicPEM returns the gateway's RSA public key in PEM form, as published in
// actor documents.
func (s *Signer) PublicPEM() string { return s.publicPEM }

// RSAPrivate exposes the RSA private key for the outbound HTTP signer.
func (s *Signer) RSAPrivate() *rsa.PrivateKey { return s.rsaPrivate }

// SignEd25519 signs the message with the gateway's Ed25519 key and returns the
// 64-byte signature as 128 lowercase hex characters. Deterministic.
func (s *Signer) SignEd25519(message []byte) string {
	return hex.EncodeToString(ed25519.Sign(s.edPrivate, message))
}

// Ed25519Public returns the verification key matching SignEd25519.
func (s *Signer) Ed25519Public() ed25519.PublicKey {
	return s.edPrivate.Public().(ed25519.PublicKey)
}

// SignRSA produces a PKCS#1 v1.5 RSA-SHA256 signature over the message.
func (s *Signer) SignRSA(message []byte) ([]byte, error) {
	digest := sha256.Sum256(message)
	return rsa.SignPKCS1v15(rand.Reader, s.rsaPrivate, crypto.SHA256, digest[:])
}

// VerifyRSA reports whether sig is a valid PKCS#1 v1.5 RSA-SHA256 signature of
// message under key.
func VerifyRSA(key *rsa.PublicKey, message, sig []byte) bool {
	digest := sha256.Sum256(message)
	return rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], sig) == nil
}

// ParsePublicKeyPEM parses an RSA public key from PEM. Both PKIX and PKCS#1
// encodings appear in the wild.
func ParsePublicKeyPEM(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("invalid PEM")
	}
	if pub, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("not an RSA public key")
		}
		return rsaPub, nil
	}
	return x509.ParsePKCS1PublicKey(block.Bytes)
}

// ParsePrivateKeyPEM parses an RSA private key from PEM, accepting both
// PKCS#1 and PKCS#8 encodings.
func ParsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("invalid PEM")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA private key")
	}
	return key, nil
}
