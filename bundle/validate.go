package bundle

import (
	"crypto"
	"crypto/x509"
	"fmt"
	"time"

	caerrors "github.com/nodefleet/fleet-ca/errors"
)

// Result collects everything wrong, or merely suspicious, about an
// imported bundle. Validation never stops at the first finding; the
// operator gets the full picture in one pass.
type Result struct {
	Errors   caerrors.List
	Warnings []string
}

// Ok reports whether the bundle can be accepted.
func (r *Result) Ok() bool {
	return r.Errors.IsEmpty()
}

func (r *Result) warnf(format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Validate checks an imported certificate bundle, its CRL chain and the
// leaf's private key for mutual consistency. The leaf certificate is at
// position zero of the bundle and its CRL at position zero of the
// chain. A missing chain (a single-certificate bundle) is a warning,
// not an error; everything else inconsistent is an error.
func Validate(certs []*x509.Certificate, crls []*x509.RevocationList, key crypto.Signer) *Result {
	res := &Result{}
	if len(certs) == 0 {
		res.Errors.Append(&caerrors.ValidationError{Reason: "No certificates detected in the given bundle"})
		return res
	}
	leaf := certs[0]

	if key != nil && !publicKeysEqual(key.Public(), leaf.PublicKey) {
		res.Errors.Append(&caerrors.ValidationError{Reason: "Private key and certificate do not match"})
	}

	if len(crls) > 0 {
		if err := crls[0].CheckSignatureFrom(leaf); err != nil {
			res.Errors.Append(&caerrors.ValidationError{
				Reason: fmt.Sprintf("Leaf CRL was not issued by leaf certificate: %s", err),
			})
		}
	}

	checkChain(res, certs)
	checkCRLs(res, certs, crls)
	return res
}

// checkChain verifies the leaf against the rest of the bundle.
// Self-signed certificates in the tail act as roots, the remainder as
// intermediates.
func checkChain(res *Result, certs []*x509.Certificate) {
	leaf := certs[0]
	if len(certs) == 1 {
		res.warnf("Bundle for '%s' contains no chain; only the CA certificate itself was validated", leaf.Subject.CommonName)
		return
	}

	roots := x509.NewCertPool()
	intermediates := x509.NewCertPool()
	for _, cert := range certs[1:] {
		if string(cert.RawSubject) == string(cert.RawIssuer) {
			roots.AddCert(cert)
		} else {
			intermediates.AddCert(cert)
		}
	}

	_, err := leaf.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		CurrentTime:   time.Now().UTC(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		res.Errors.Append(&caerrors.ValidationError{
			Reason: fmt.Sprintf("Leaf certificate could not be validated: %s", err),
		})
	}
}

// checkCRLs walks the CRL chain. Each CRL must be signed by a
// certificate in the bundle and still be within its validity window,
// and no certificate of the bundle may appear on any of the CRLs.
func checkCRLs(res *Result, certs []*x509.Certificate, crls []*x509.RevocationList) {
	if len(crls) == 0 {
		res.warnf("No CRL chain supplied; revocation state of the bundle was not checked")
		return
	}

	now := time.Now().UTC()
	for _, crl := range crls {
		issuer := findCRLIssuer(certs, crl)
		if issuer == nil {
			res.Errors.Append(&caerrors.ValidationError{
				Reason: fmt.Sprintf("CRL issued by '%s' was not signed by any certificate in the bundle", crl.Issuer.CommonName),
			})
			continue
		}
		if !crl.NextUpdate.IsZero() && now.After(crl.NextUpdate) {
			res.Errors.Append(&caerrors.ValidationError{
				Reason: fmt.Sprintf("CRL issued by '%s' expired at %s", issuer.Subject.CommonName, crl.NextUpdate),
			})
		}
	}

	for i, cert := range certs {
		for _, crl := range crls {
			for _, entry := range crl.RevokedCertificateEntries {
				if entry.SerialNumber.Cmp(cert.SerialNumber) == 0 {
					reason := fmt.Sprintf("Certificate '%s' (serial 0x%x) is revoked by a CRL in the chain", cert.Subject.CommonName, cert.SerialNumber)
					if i == 0 {
						reason = fmt.Sprintf("Leaf certificate could not be validated: certificate '%s' (serial 0x%x) is revoked by a CRL in the chain", cert.Subject.CommonName, cert.SerialNumber)
					}
					res.Errors.Append(&caerrors.ValidationError{Reason: reason})
				}
			}
		}
	}
}

func findCRLIssuer(certs []*x509.Certificate, crl *x509.RevocationList) *x509.Certificate {
	for _, cert := range certs {
		if crl.CheckSignatureFrom(cert) == nil {
			return cert
		}
	}
	return nil
}

func publicKeysEqual(a, b crypto.PublicKey) bool {
	type equaler interface {
		Equal(crypto.PublicKey) bool
	}
	ae, ok := a.(equaler)
	if !ok {
		return false
	}
	return ae.Equal(b)
}
