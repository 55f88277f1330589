// Package cms produces the CMS (PKCS#7) SignedData envelope carrying the login
// ticket request, signed with the tenant certificate.
package cms

import (
	"crypto/x509"
	"encoding/base64"

	"github.com/alapierre/go-afip-client/afip"
	"github.com/go-faster/errors"
	"github.com/sirupsen/logrus"
	"github.com/smallstep/pkcs7"
)

var logger = logrus.WithField("component", "afip.cms")

// Signer signs login requests in-process. It is safe for concurrent use.
type Signer struct{}

func NewSigner() *Signer {
	return &Signer{}
}

// Sign wraps doc in a SHA-256 SignedData envelope with the signer certificate
// embedded and returns it DER encoded, then base64 encoded. The content is
// kept inside the envelope; the login service reads the request from it.
//
// Any failure is of kind CredentialInvalid and must not lead to a network call.
func (s *Signer) Sign(doc []byte, certPEM, keyPEM, password []byte) (string, error) {
	cert, err := ParseCertificate(certPEM)
	if err != nil {
		return "", afip.WrapError(afip.CredentialInvalid, err, "parse certificate")
	}
	key, err := ParsePrivateKey(keyPEM, password)
	if err != nil {
		return "", afip.WrapError(afip.CredentialInvalid, err, "parse private key")
	}
	if !publicKeyMatches(cert, key) {
		return "", afip.NewError(afip.CredentialInvalid, "private key does not match certificate")
	}

	sd, err := pkcs7.NewSignedData(doc)
	if err != nil {
		return "", afip.WrapError(afip.CredentialInvalid, err, "init signed data")
	}
	sd.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)

	if err := sd.AddSigner(cert, key, pkcs7.SignerInfoConfig{}); err != nil {
		return "", afip.WrapError(afip.CredentialInvalid, err, "add signer")
	}

	der, err := sd.Finish()
	if err != nil {
		return "", afip.WrapError(afip.CredentialInvalid, err, "finish signed data")
	}

	logger.WithField("subject", cert.Subject.String()).Debug("login request signed")
	return base64.StdEncoding.EncodeToString(der), nil
}

// Verify decodes a base64 envelope produced by Sign, checks the signature
// against the embedded certificate and returns the signed content.
func Verify(envelope string) ([]byte, *x509.Certificate, error) {
	der, err := base64.StdEncoding.DecodeString(envelope)
	if err != nil {
		return nil, nil, errors.Wrap(err, "decode base64")
	}
	p7, err := pkcs7.Parse(der)
	if err != nil {
		return nil, nil, errors.Wrap(err, "parse cms")
	}
	if err := p7.Verify(); err != nil {
		return nil, nil, errors.Wrap(err, "verify cms")
	}
	signer := p7.GetOnlySigner()
	if signer == nil {
		return nil, nil, errors.New("cms has not exactly one signer")
	}
	return p7.Content, signer, nil
}
