package ca

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"math/big"
	"time"

	"github.com/cloudflare/cfssl/log"
	caerrors "github.com/nodefleet/fleet-ca/errors"
)

// CreateCRLFor produces the initial, empty revocation list for a CA
// certificate. The list starts at CRL number zero and is valid until
// now plus the given ttl.
func CreateCRLFor(issuerCert *x509.Certificate, issuerKey crypto.Signer, ttl time.Duration) (*x509.RevocationList, error) {
	if !publicKeysEqual(issuerKey.Public(), issuerCert.PublicKey) {
		return nil, caerrors.NewChainError("Supplied key does not match the CRL issuing certificate")
	}

	now := time.Now().UTC()
	template := &x509.RevocationList{
		Number:     big.NewInt(0),
		ThisUpdate: now,
		NextUpdate: now.Add(ttl),
	}
	return signCRL(template, issuerCert, issuerKey)
}

// RevokeCert adds one serial to an existing CRL and re-signs it. The
// issuing key and certificate must be the pair that signed the CRL;
// a mismatch fails with a ChainError and leaves the CRL untouched.
// The CRL number is incremented and thisUpdate refreshed, while the
// nextUpdate window is preserved.
func RevokeCert(serial *big.Int, crl *x509.RevocationList, issuerCert *x509.Certificate, issuerKey crypto.Signer, reasonCode int) (*x509.RevocationList, error) {
	if !publicKeysEqual(issuerKey.Public(), issuerCert.PublicKey) {
		return nil, caerrors.NewChainError("Supplied key does not match the CRL issuing certificate")
	}
	if err := crl.CheckSignatureFrom(issuerCert); err != nil {
		return nil, caerrors.NewChainError("CRL was not issued by the supplied certificate: %s", err)
	}

	now := time.Now().UTC()
	entries := make([]x509.RevocationListEntry, 0, len(crl.RevokedCertificateEntries)+1)
	entries = append(entries, crl.RevokedCertificateEntries...)
	entries = append(entries, x509.RevocationListEntry{
		SerialNumber:   serial,
		RevocationTime: now,
		ReasonCode:     reasonCode,
	})

	log.Infof("Revoking certificate with serial 0x%x", serial)
	template := &x509.RevocationList{
		Number:                    new(big.Int).Add(crl.Number, big.NewInt(1)),
		ThisUpdate:                now,
		NextUpdate:                crl.NextUpdate,
		RevokedCertificateEntries: entries,
	}
	return signCRL(template, issuerCert, issuerKey)
}

// IsRevoked reports whether the serial appears on the CRL.
func IsRevoked(crl *x509.RevocationList, serial *big.Int) bool {
	for _, entry := range crl.RevokedCertificateEntries {
		if entry.SerialNumber.Cmp(serial) == 0 {
			return true
		}
	}
	return false
}

func signCRL(template *x509.RevocationList, issuerCert *x509.Certificate, issuerKey crypto.Signer) (*x509.RevocationList, error) {
	der, err := x509.CreateRevocationList(rand.Reader, template, issuerCert, issuerKey)
	if err != nil {
		return nil, &caerrors.CryptoError{Op: "create CRL", Err: err}
	}
	crl, err := x509.ParseRevocationList(der)
	if err != nil {
		return nil, &caerrors.CryptoError{Op: "parse created CRL", Err: err}
	}
	return crl, nil
}
