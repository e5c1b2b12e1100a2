// Package identity is the authenticated caller capability. Certificate chain
// validation happens before a certificate reaches this package.
package identity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNoCertificate   = errors.New("identity: no certificate")
	ErrUnsupportedKey  = errors.New("identity: certificate key is not ed25519")
	ErrInvalidKey      = errors.New("identity: invalid public key")
	ErrEmptyIdentity   = errors.New("identity: empty identity")
	ErrInvalidEncoding = errors.New("identity: invalid encoding")
)

// Identity is one authenticated client credential.
type Identity struct {
	Fingerprint string            `json:"fingerprint"`
	Subject     string            `json:"subject"`
	PublicKey   ed25519.PublicKey `json:"public_key"`
}

func (i Identity) Validate() error {
	if strings.TrimSpace(i.Fingerprint) == "" {
		return ErrEmptyIdentity
	}
	if len(i.PublicKey) != ed25519.PublicKeySize {
		return ErrInvalidKey
	}
	return nil
}

// Verify reports whether sig is a valid signature of msg by this identity.
func (i Identity) Verify(msg, sig []byte) bool {
	if len(i.PublicKey) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(i.PublicKey, msg, sig)
}

func (i Identity) String() string {
	if i.Subject == "" {
		return i.Fingerprint
	}
	return fmt.Sprintf("%s(%s)", i.Subject, shortFingerprint(i.Fingerprint))
}

// Fingerprint is the hex sha256 of raw credential bytes.
func Fingerprint(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// FromCertificate builds an Identity from an already verified peer certificate.
func FromCertificate(cert *x509.Certificate) (Identity, error) {
	if cert == nil {
		return Identity{}, ErrNoCertificate
	}
	pub, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok {
		return Identity{}, ErrUnsupportedKey
	}
	return Identity{
		Fingerprint: Fingerprint(cert.Raw),
		Subject:     subjectOf(cert),
		PublicKey:   pub,
	}, nil
}

// FromPublicKey builds an Identity for a bare ed25519 key, used by the
// development header path where no certificate is presented.
func FromPublicKey(subject string, pub ed25519.PublicKey) (Identity, error) {
	if len(pub) != ed25519.PublicKeySize {
		return Identity{}, ErrInvalidKey
	}
	return Identity{
		Fingerprint: Fingerprint(pub),
		Subject:     strings.TrimSpace(subject),
		PublicKey:   pub,
	}, nil
}

// ParsePublicKey decodes a base64 (std or url) ed25519 public key.
func ParsePublicKey(raw string) (ed25519.PublicKey, error) {
	raw = strings.TrimSpace(raw)
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawURLEncoding, base64.URLEncoding} {
		b, err := enc.DecodeString(raw)
		if err == nil {
			if len(b) != ed25519.PublicKeySize {
				return nil, ErrInvalidKey
			}
			return ed25519.PublicKey(b), nil
		}
	}
	return nil, ErrInvalidEncoding
}

// subjectOf prefers CN, then the first URI SAN, then the first DNS SAN.
func subjectOf(cert *x509.Certificate) string {
	if v := strings.TrimSpace(cert.Subject.CommonName); v != "" {
		return v
	}
	if len(cert.URIs) > 0 {
		if v := strings.TrimSpace(cert.URIs[0].String()); v != "" {
			return v
		}
	}
	if len(cert.DNSNames) > 0 {
		return strings.TrimSpace(cert.DNSNames[0])
	}
	return ""
}

func shortFingerprint(fp string) string {
	if len(fp) <= 12 {
		return fp
	}
	return fp[:12]
}
