// Package bundle parses and validates externally produced CA material:
// PEM certificate bundles, CRL chains and their private keys, as used
// when importing an existing chain instead of generating one.
package bundle

import (
	"crypto/x509"
	"encoding/pem"

	caerrors "github.com/nodefleet/fleet-ca/errors"
)

// ParseBundle decodes every certificate in a PEM bundle, in order.
// Every block that fails to parse is reported as a ValidationError
// carrying the offending PEM block verbatim so the operator can find
// it in the file, collected into one error covering the whole bundle.
func ParseBundle(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	problems := &caerrors.List{}
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			problems.Append(&caerrors.ValidationError{
				Reason: "The given bundle contains data that could not be parsed as a certificate",
				Raw:    string(pem.EncodeToMemory(block)),
			})
			continue
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 && problems.IsEmpty() {
		problems.Append(&caerrors.ValidationError{Reason: "No certificates detected in the given bundle"})
	}
	if !problems.IsEmpty() {
		return nil, problems
	}
	return certs, nil
}

// ParseCRLChain decodes every CRL in a PEM chain, in order. Position
// zero is expected to be the CRL of the certificate at position zero of
// the matching certificate bundle. Bad blocks are collected the same
// way ParseBundle collects them.
func ParseCRLChain(data []byte) ([]*x509.RevocationList, error) {
	var crls []*x509.RevocationList
	problems := &caerrors.List{}
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		crl, err := x509.ParseRevocationList(block.Bytes)
		if err != nil {
			problems.Append(&caerrors.ValidationError{
				Reason: "The given chain contains data that could not be parsed as a CRL",
				Raw:    string(pem.EncodeToMemory(block)),
			})
			continue
		}
		crls = append(crls, crl)
	}
	if len(crls) == 0 && problems.IsEmpty() {
		problems.Append(&caerrors.ValidationError{Reason: "No CRLs detected in the given chain"})
	}
	if !problems.IsEmpty() {
		return nil, problems
	}
	return crls, nil
}

// EncodeCerts renders certificates back to a PEM bundle in order.
func EncodeCerts(certs []*x509.Certificate) []byte {
	var out []byte
	for _, cert := range certs {
		out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})...)
	}
	return out
}

// EncodeCRLs renders CRLs back to a PEM chain in order.
func EncodeCRLs(crls []*x509.RevocationList) []byte {
	var out []byte
	for _, crl := range crls {
		out = append(out, pem.EncodeToMemory(&pem.Block{Type: "X509 CRL", Bytes: crl.Raw})...)
	}
	return out
}
