package ca

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"strings"

	"github.com/cloudflare/cfssl/log"
	caerrors "github.com/nodefleet/fleet-ca/errors"
)

// CreatePrivateKey generates a fresh RSA keypair of the requested bit
// length. Key generation is delegated entirely to the platform crypto
// library; a rejected length surfaces as a CryptoError.
func CreatePrivateKey(bits int) (*rsa.PrivateKey, error) {
	log.Debugf("Generating %d bit RSA key", bits)
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, &caerrors.CryptoError{Op: "generate key", Err: err}
	}
	return key, nil
}

// CreateCSR builds a certificate signing request with subject /CN=<name>
// for the given key. Non-empty extension requests are embedded as the
// CSR's extension-request attribute. The caller is responsible for
// validating 'name' as non-empty and lowercase; the factory never
// lowercases a name, it rejects violated preconditions.
func CreateCSR(name string, key crypto.Signer, extensionRequests []pkix.Extension) (*x509.CertificateRequest, error) {
	if err := CheckCertname(name); err != nil {
		return nil, err
	}

	template := &x509.CertificateRequest{
		Subject:         pkix.Name{CommonName: name},
		ExtraExtensions: extensionRequests,
	}

	der, err := x509.CreateCertificateRequest(rand.Reader, template, key)
	if err != nil {
		return nil, &caerrors.CryptoError{Op: "create CSR", Err: err}
	}
	csr, err := x509.ParseCertificateRequest(der)
	if err != nil {
		return nil, &caerrors.CryptoError{Op: "parse created CSR", Err: err}
	}
	return csr, nil
}

// CheckCertname enforces the certname precondition: non-empty and
// lowercase. Uppercase names are rejected rather than silently folded.
func CheckCertname(name string) error {
	if name == "" || name != strings.ToLower(name) {
		return &caerrors.InvalidNameError{Name: name}
	}
	return nil
}
