package cms

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"regexp"

	"github.com/go-faster/errors"
	"github.com/youmark/pkcs8"
)

// ParsePrivateKey returns the first private key found in pemBytes. PKCS#1,
// SEC1, PKCS#8 and password protected PKCS#8 blocks are accepted.
func ParsePrivateKey(pemBytes []byte, password []byte) (crypto.Signer, error) {
	for len(pemBytes) > 0 {
		var block *pem.Block
		block, pemBytes = pem.Decode(pemBytes)
		if block == nil {
			break
		}

		var (
			keyAny any
			err    error
		)
		switch block.Type {
		case "RSA PRIVATE KEY":
			keyAny, err = x509.ParsePKCS1PrivateKey(block.Bytes)
		case "EC PRIVATE KEY":
			keyAny, err = x509.ParseECPrivateKey(block.Bytes)
		case "PRIVATE KEY":
			keyAny, err = x509.ParsePKCS8PrivateKey(block.Bytes)
		case "ENCRYPTED PRIVATE KEY":
			if len(password) == 0 {
				return nil, errors.New("password is required for ENCRYPTED PRIVATE KEY")
			}
			keyAny, err = pkcs8.ParsePKCS8PrivateKey(block.Bytes, password)
		default:
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", block.Type, err)
		}

		switch k := keyAny.(type) {
		case *rsa.PrivateKey:
			return k, nil
		case *ecdsa.PrivateKey:
			return k, nil
		default:
			return nil, fmt.Errorf("unsupported key type: %T (expected RSA or ECDSA)", keyAny)
		}
	}

	return nil, errors.New("no private key block found in PEM")
}

// ParseCertificate returns the first certificate in certBytes, PEM or DER.
func ParseCertificate(certBytes []byte) (*x509.Certificate, error) {
	if block, _ := pem.Decode(certBytes); block != nil {
		if block.Type != "CERTIFICATE" {
			return nil, fmt.Errorf("unexpected PEM block: %s", block.Type)
		}
		certBytes = block.Bytes
	}

	cert, err := x509.ParseCertificate(certBytes)
	if err != nil {
		return nil, err
	}
	return cert, nil
}

var cuitRe = regexp.MustCompile(`^CUIT\s*(\d{11})$`)

// CUITFromCertificate extracts the taxpayer id the authority writes in the
// subject serialNumber attribute ("CUIT 20123456789").
func CUITFromCertificate(cert *x509.Certificate) (string, error) {
	if cert == nil {
		return "", errors.New("cert is nil")
	}
	m := cuitRe.FindStringSubmatch(cert.Subject.SerialNumber)
	if m == nil {
		return "", fmt.Errorf("certificate subject has no CUIT serial number: %q", cert.Subject.SerialNumber)
	}
	return m[1], nil
}

func publicKeyMatches(cert *x509.Certificate, key crypto.Signer) bool {
	type equaler interface{ Equal(crypto.PublicKey) bool }
	pub, ok := key.Public().(equaler)
	return ok && pub.Equal(cert.PublicKey)
}
