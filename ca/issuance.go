package ca

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/cloudflare/cfssl/log"
	caerrors "github.com/nodefleet/fleet-ca/errors"
)

// Fixed serials for the self-generated chain. Leaf serials come from
// the serial ledger, which starts counting after these.
const (
	rootSerial         = 1
	intermediateSerial = 2
	firstLeafSerial    = 3
)

// Certificates are backdated slightly so they verify on hosts whose
// clocks trail the CA's.
const notBeforeSkew = time.Minute

var (
	oidExtBasicConstraints = asn1.ObjectIdentifier{2, 5, 29, 19}
	oidExtKeyUsage         = asn1.ObjectIdentifier{2, 5, 29, 15}
	oidExtSubjectKeyID     = asn1.ObjectIdentifier{2, 5, 29, 14}
	oidExtAuthorityKeyID   = asn1.ObjectIdentifier{2, 5, 29, 35}
	oidExtSubjectAltName   = asn1.ObjectIdentifier{2, 5, 29, 17}

	// Marker extension stamped on certificates signed for
	// pre-authorized requesters.
	oidAuthorizationMarker = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 34380, 1, 3, 39}
)

// CreateRootCert builds the self-signed root of a fresh chain.
// The root carries exactly four extensions in a fixed order:
// basicConstraints, keyUsage, subjectKeyIdentifier, authorityKeyIdentifier.
func CreateRootCert(key crypto.Signer, name string, ttl time.Duration, digest string) (*x509.Certificate, error) {
	exts, err := caExtensions(key.Public(), key.Public())
	if err != nil {
		return nil, err
	}
	return createCert(certParams{
		serial:   big.NewInt(rootSerial),
		subject:  name,
		ttl:      ttl,
		digest:   digest,
		exts:     exts,
		pub:      key.Public(),
		issuer:   nil,
		signer:   key,
		selfSign: true,
	})
}

// CreateIntermediateCert builds the signing certificate, issued by the
// root. The intermediate's key is distinct from the root key; the root
// key must match the root certificate or the call fails with a
// ChainError before anything is signed.
func CreateIntermediateCert(rootKey crypto.Signer, rootCert *x509.Certificate, intKey crypto.Signer, name string, ttl time.Duration, digest string) (*x509.Certificate, error) {
	if !publicKeysEqual(rootKey.Public(), rootCert.PublicKey) {
		return nil, caerrors.NewChainError("Supplied root key does not match the root certificate")
	}
	exts, err := caExtensions(intKey.Public(), rootKey.Public())
	if err != nil {
		return nil, err
	}
	return createCert(certParams{
		serial:  big.NewInt(intermediateSerial),
		subject: name,
		ttl:     ttl,
		digest:  digest,
		exts:    exts,
		pub:     intKey.Public(),
		issuer:  rootCert,
		signer:  rootKey,
	})
}

// SignLeafCert issues a leaf certificate for the given CSR. The leaf
// extension set is assembled in a fixed order: keyUsage, subjectKeyID,
// authorityKeyID, basicConstraints, then the authorization marker when
// the requester was pre-authorized, then the subject alternative names
// when any were supplied, then the CSR's own extension requests in the
// order they appear in the request.
func SignLeafCert(issuerKey crypto.Signer, issuerCert *x509.Certificate, csr *x509.CertificateRequest, serial *big.Int, ttl time.Duration, digest string, subjectAltNames []string, authorized bool) (*x509.Certificate, error) {
	if !publicKeysEqual(issuerKey.Public(), issuerCert.PublicKey) {
		return nil, caerrors.NewChainError("Supplied CA key does not match the CA certificate")
	}

	ku, err := marshalKeyUsage(x509.KeyUsageDigitalSignature)
	if err != nil {
		return nil, err
	}
	ski, err := subjectKeyID(csr.PublicKey)
	if err != nil {
		return nil, err
	}
	aki, err := authorityKeyID(issuerKey.Public())
	if err != nil {
		return nil, err
	}
	bc, err := marshalBasicConstraints(false)
	if err != nil {
		return nil, err
	}

	exts := []pkix.Extension{ku, ski, aki, bc}

	if authorized {
		marker, err := authorizationMarker()
		if err != nil {
			return nil, err
		}
		exts = append(exts, marker)
	}

	if len(subjectAltNames) > 0 {
		san, err := marshalSANs(subjectAltNames)
		if err != nil {
			return nil, err
		}
		exts = append(exts, san)
	}

	exts = append(exts, csr.Extensions...)

	log.Debugf("Signing certificate for '%s' with serial 0x%x", csr.Subject.CommonName, serial)
	return createCert(certParams{
		serial:  serial,
		subject: csr.Subject.CommonName,
		ttl:     ttl,
		digest:  digest,
		exts:    exts,
		pub:     csr.PublicKey,
		issuer:  issuerCert,
		signer:  issuerKey,
	})
}

// NormalizeSubjectAltNames turns a raw comma-separated alt-name string
// into the canonical entry list: entries are trimmed, bare names gain a
// "DNS:" prefix, duplicates are dropped and the result is sorted.
func NormalizeSubjectAltNames(raw string) []string {
	seen := make(map[string]bool)
	var entries []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if !strings.HasPrefix(part, "DNS:") && !strings.HasPrefix(part, "IP:") {
			part = "DNS:" + part
		}
		if !seen[part] {
			seen[part] = true
			entries = append(entries, part)
		}
	}
	sort.Strings(entries)
	return entries
}

// RenderSubjectAltNames is the inverse presentation form of a
// normalized entry list.
func RenderSubjectAltNames(entries []string) string {
	return strings.Join(entries, ", ")
}

type certParams struct {
	serial   *big.Int
	subject  string
	ttl      time.Duration
	digest   string
	exts     []pkix.Extension
	pub      crypto.PublicKey
	issuer   *x509.Certificate
	signer   crypto.Signer
	selfSign bool
}

// createCert drives x509 certificate creation with a fully explicit
// extension list. Every extension is passed through ExtraExtensions so
// the library's automatic handling never reorders or regenerates them.
func createCert(p certParams) (*x509.Certificate, error) {
	sigAlg, err := signatureAlgorithm(p.signer, p.digest)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	template := &x509.Certificate{
		SerialNumber:       p.serial,
		Subject:            pkix.Name{CommonName: p.subject},
		NotBefore:          now.Add(-notBeforeSkew),
		NotAfter:           now.Add(p.ttl),
		SignatureAlgorithm: sigAlg,
		ExtraExtensions:    p.exts,
	}

	parent := p.issuer
	if p.selfSign {
		parent = template
	}

	der, err := x509.CreateCertificate(rand.Reader, template, parent, p.pub, p.signer)
	if err != nil {
		return nil, &caerrors.CryptoError{Op: "create certificate", Err: err}
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, &caerrors.CryptoError{Op: "parse created certificate", Err: err}
	}
	return cert, nil
}

// caExtensions assembles the four-extension set shared by the root and
// intermediate certificates, in issue order.
func caExtensions(subjectPub, issuerPub crypto.PublicKey) ([]pkix.Extension, error) {
	bc, err := marshalBasicConstraints(true)
	if err != nil {
		return nil, err
	}
	ku, err := marshalKeyUsage(x509.KeyUsageCertSign | x509.KeyUsageCRLSign)
	if err != nil {
		return nil, err
	}
	ski, err := subjectKeyID(subjectPub)
	if err != nil {
		return nil, err
	}
	aki, err := authorityKeyID(issuerPub)
	if err != nil {
		return nil, err
	}
	return []pkix.Extension{bc, ku, ski, aki}, nil
}

type basicConstraints struct {
	IsCA       bool `asn1:"optional"`
	MaxPathLen int  `asn1:"optional,default:-1"`
}

func marshalBasicConstraints(isCA bool) (pkix.Extension, error) {
	val, err := asn1.Marshal(basicConstraints{IsCA: isCA, MaxPathLen: -1})
	if err != nil {
		return pkix.Extension{}, &caerrors.CryptoError{Op: "encode basicConstraints", Err: err}
	}
	return pkix.Extension{Id: oidExtBasicConstraints, Critical: true, Value: val}, nil
}

func marshalKeyUsage(ku x509.KeyUsage) (pkix.Extension, error) {
	var a [2]byte
	a[0] = reverseBitsInAByte(byte(ku))
	a[1] = reverseBitsInAByte(byte(ku >> 8))

	l := 1
	if a[1] != 0 {
		l = 2
	}
	bits := a[:l]
	val, err := asn1.Marshal(asn1.BitString{Bytes: bits, BitLength: asn1BitLength(bits)})
	if err != nil {
		return pkix.Extension{}, &caerrors.CryptoError{Op: "encode keyUsage", Err: err}
	}
	return pkix.Extension{Id: oidExtKeyUsage, Critical: true, Value: val}, nil
}

func reverseBitsInAByte(in byte) byte {
	b1 := in>>4 | in<<4
	b2 := b1>>2&0x33 | b1<<2&0xcc
	b3 := b2>>1&0x55 | b2<<1&0xaa
	return b3
}

func asn1BitLength(bits []byte) int {
	bitLen := len(bits) * 8
	for i := range bits {
		b := bits[len(bits)-i-1]
		for bit := uint(0); bit < 8; bit++ {
			if (b>>bit)&1 == 1 {
				return bitLen
			}
			bitLen--
		}
	}
	return 0
}

// keyIdentifier is the SHA-1 of the subject public key's BIT STRING
// contents, the classic RFC 5280 method 1 identifier.
func keyIdentifier(pub crypto.PublicKey) ([]byte, error) {
	spkiDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, &caerrors.CryptoError{Op: "encode public key", Err: err}
	}
	var spki struct {
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(spkiDER, &spki); err != nil {
		return nil, &caerrors.CryptoError{Op: "decode public key", Err: err}
	}
	sum := sha1.Sum(spki.PublicKey.RightAlign())
	return sum[:], nil
}

func subjectKeyID(pub crypto.PublicKey) (pkix.Extension, error) {
	id, err := keyIdentifier(pub)
	if err != nil {
		return pkix.Extension{}, err
	}
	val, err := asn1.Marshal(id)
	if err != nil {
		return pkix.Extension{}, &caerrors.CryptoError{Op: "encode subjectKeyIdentifier", Err: err}
	}
	return pkix.Extension{Id: oidExtSubjectKeyID, Value: val}, nil
}

type authorityKeyIdent struct {
	ID []byte `asn1:"optional,tag:0"`
}

func authorityKeyID(issuerPub crypto.PublicKey) (pkix.Extension, error) {
	id, err := keyIdentifier(issuerPub)
	if err != nil {
		return pkix.Extension{}, err
	}
	val, err := asn1.Marshal(authorityKeyIdent{ID: id})
	if err != nil {
		return pkix.Extension{}, &caerrors.CryptoError{Op: "encode authorityKeyIdentifier", Err: err}
	}
	return pkix.Extension{Id: oidExtAuthorityKeyID, Value: val}, nil
}

func authorizationMarker() (pkix.Extension, error) {
	val, err := asn1.MarshalWithParams("true", "utf8")
	if err != nil {
		return pkix.Extension{}, &caerrors.CryptoError{Op: "encode authorization marker", Err: err}
	}
	return pkix.Extension{Id: oidAuthorizationMarker, Value: val}, nil
}

// GeneralName tags from RFC 5280 section 4.2.1.6.
const (
	sanTagDNSName   = 2
	sanTagIPAddress = 7
)

// marshalSANs encodes normalized "DNS:"/"IP:" entries as a
// subjectAltName extension, preserving the entry order.
func marshalSANs(entries []string) (pkix.Extension, error) {
	var rawValues []asn1.RawValue
	for _, entry := range entries {
		switch {
		case strings.HasPrefix(entry, "DNS:"):
			name := strings.TrimPrefix(entry, "DNS:")
			rawValues = append(rawValues, asn1.RawValue{Tag: sanTagDNSName, Class: asn1.ClassContextSpecific, Bytes: []byte(name)})
		case strings.HasPrefix(entry, "IP:"):
			addr := net.ParseIP(strings.TrimPrefix(entry, "IP:"))
			if addr == nil {
				return pkix.Extension{}, &caerrors.InvalidNameError{Name: entry}
			}
			if v4 := addr.To4(); v4 != nil {
				addr = v4
			}
			rawValues = append(rawValues, asn1.RawValue{Tag: sanTagIPAddress, Class: asn1.ClassContextSpecific, Bytes: addr})
		default:
			return pkix.Extension{}, &caerrors.InvalidNameError{Name: entry}
		}
	}
	val, err := asn1.Marshal(rawValues)
	if err != nil {
		return pkix.Extension{}, &caerrors.CryptoError{Op: "encode subjectAltName", Err: err}
	}
	return pkix.Extension{Id: oidExtSubjectAltName, Value: val}, nil
}

// signatureAlgorithm maps the configured digest onto an x509 signature
// algorithm for the signer's key type.
func signatureAlgorithm(key crypto.Signer, digest string) (x509.SignatureAlgorithm, error) {
	switch key.Public().(type) {
	case *rsa.PublicKey:
		switch strings.ToLower(digest) {
		case "sha256", "":
			return x509.SHA256WithRSA, nil
		case "sha384":
			return x509.SHA384WithRSA, nil
		case "sha512":
			return x509.SHA512WithRSA, nil
		}
	case *ecdsa.PublicKey:
		switch strings.ToLower(digest) {
		case "sha256", "":
			return x509.ECDSAWithSHA256, nil
		case "sha384":
			return x509.ECDSAWithSHA384, nil
		case "sha512":
			return x509.ECDSAWithSHA512, nil
		}
	default:
		return x509.UnknownSignatureAlgorithm, &caerrors.CryptoError{Op: "select signature algorithm", Err: fmt.Errorf("unsupported key type %T", key.Public())}
	}
	return x509.UnknownSignatureAlgorithm, &caerrors.CryptoError{Op: "select signature algorithm", Err: fmt.Errorf("unsupported digest '%s'", digest)}
}

// publicKeysEqual compares two public keys using the key type's own
// Equal method.
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
