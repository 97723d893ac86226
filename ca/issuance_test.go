package ca

import (
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"testing"
	"time"

	caerrors "github.com/nodefleet/fleet-ca/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKeyBits = 1024

func testChain(t *testing.T) (rootKey, intKey *rsa.PrivateKey, rootCert, intCert *x509.Certificate) {
	t.Helper()
	rk, err := CreatePrivateKey(testKeyBits)
	require.NoError(t, err)
	root, err := CreateRootCert(rk, "test-root", 24*time.Hour, "sha256")
	require.NoError(t, err)

	ik, err := CreatePrivateKey(testKeyBits)
	require.NoError(t, err)
	inter, err := CreateIntermediateCert(rk, root, ik, "test-ca", 24*time.Hour, "sha256")
	require.NoError(t, err)
	return rk, ik, root, inter
}

func extensionOIDs(cert *x509.Certificate) []string {
	var ids []string
	for _, ext := range cert.Extensions {
		ids = append(ids, ext.Id.String())
	}
	return ids
}

func TestCreateRootCert(t *testing.T) {
	key, err := CreatePrivateKey(testKeyBits)
	require.NoError(t, err)

	cert, err := CreateRootCert(key, "test-root", 24*time.Hour, "sha256")
	require.NoError(t, err)

	assert.Equal(t, "test-root", cert.Subject.CommonName)
	assert.Equal(t, big.NewInt(1), cert.SerialNumber)
	assert.True(t, cert.IsCA)
	assert.Equal(t, x509.KeyUsageCertSign|x509.KeyUsageCRLSign, cert.KeyUsage)
	assert.NoError(t, cert.CheckSignatureFrom(cert))

	require.Len(t, cert.Extensions, 4)
	assert.Equal(t, []string{
		oidExtBasicConstraints.String(),
		oidExtKeyUsage.String(),
		oidExtSubjectKeyID.String(),
		oidExtAuthorityKeyID.String(),
	}, extensionOIDs(cert))
	assert.True(t, cert.Extensions[0].Critical)
	assert.True(t, cert.Extensions[1].Critical)
	assert.False(t, cert.Extensions[2].Critical)
	assert.False(t, cert.Extensions[3].Critical)

	// Self-signed, so the authority key identifier is its own subject
	// key identifier.
	assert.Equal(t, cert.SubjectKeyId, cert.AuthorityKeyId)
}

func TestCreateIntermediateCert(t *testing.T) {
	_, _, rootCert, intCert := testChain(t)

	assert.Equal(t, "test-ca", intCert.Subject.CommonName)
	assert.Equal(t, big.NewInt(2), intCert.SerialNumber)
	assert.True(t, intCert.IsCA)
	assert.NoError(t, intCert.CheckSignatureFrom(rootCert))
	require.Len(t, intCert.Extensions, 4)
	assert.Equal(t, rootCert.SubjectKeyId, intCert.AuthorityKeyId)
}

func TestCreateIntermediateCertKeyMismatch(t *testing.T) {
	rootKey, err := CreatePrivateKey(testKeyBits)
	require.NoError(t, err)
	rootCert, err := CreateRootCert(rootKey, "test-root", 24*time.Hour, "sha256")
	require.NoError(t, err)

	wrongKey, err := CreatePrivateKey(testKeyBits)
	require.NoError(t, err)
	intKey, err := CreatePrivateKey(testKeyBits)
	require.NoError(t, err)

	_, err = CreateIntermediateCert(wrongKey, rootCert, intKey, "test-ca", 24*time.Hour, "sha256")
	require.Error(t, err)
	assert.IsType(t, &caerrors.ChainError{}, err)
	assert.Contains(t, err.Error(), "does not match")
}

func TestSignLeafCertExtensions(t *testing.T) {
	_, intKey, _, intCert := testChain(t)

	leafKey, err := CreatePrivateKey(testKeyBits)
	require.NoError(t, err)
	csr, err := CreateCSR("node01.example.org", leafKey, nil)
	require.NoError(t, err)

	cert, err := SignLeafCert(intKey, intCert, csr, big.NewInt(3), time.Hour, "sha256", nil, true)
	require.NoError(t, err)

	assert.Equal(t, "node01.example.org", cert.Subject.CommonName)
	assert.Equal(t, big.NewInt(3), cert.SerialNumber)
	assert.False(t, cert.IsCA)
	assert.Equal(t, x509.KeyUsageDigitalSignature, cert.KeyUsage)
	assert.NoError(t, cert.CheckSignatureFrom(intCert))

	require.Len(t, cert.Extensions, 5)
	assert.Equal(t, []string{
		oidExtKeyUsage.String(),
		oidExtSubjectKeyID.String(),
		oidExtAuthorityKeyID.String(),
		oidExtBasicConstraints.String(),
		oidAuthorizationMarker.String(),
	}, extensionOIDs(cert))

	// The marker value is the DER encoding of the UTF8 string "true".
	assert.Equal(t, []byte{0x0c, 0x04, 't', 'r', 'u', 'e'}, cert.Extensions[4].Value)
	assert.Equal(t, intCert.SubjectKeyId, cert.AuthorityKeyId)
}

func TestSignLeafCertUnauthorized(t *testing.T) {
	_, intKey, _, intCert := testChain(t)

	leafKey, err := CreatePrivateKey(testKeyBits)
	require.NoError(t, err)
	csr, err := CreateCSR("node02.example.org", leafKey, nil)
	require.NoError(t, err)

	cert, err := SignLeafCert(intKey, intCert, csr, big.NewInt(3), time.Hour, "sha256", nil, false)
	require.NoError(t, err)

	require.Len(t, cert.Extensions, 4)
	for _, ext := range cert.Extensions {
		assert.False(t, ext.Id.Equal(oidAuthorizationMarker))
	}
}

func TestSignLeafCertSubjectAltNames(t *testing.T) {
	_, intKey, _, intCert := testChain(t)

	leafKey, err := CreatePrivateKey(testKeyBits)
	require.NoError(t, err)
	csr, err := CreateCSR("node03.example.org", leafKey, nil)
	require.NoError(t, err)

	sans := NormalizeSubjectAltNames("node03.example.org, IP:10.0.0.1, DNS:alias.example.org")
	cert, err := SignLeafCert(intKey, intCert, csr, big.NewInt(4), time.Hour, "sha256", sans, true)
	require.NoError(t, err)

	require.Len(t, cert.Extensions, 6)
	assert.True(t, cert.Extensions[5].Id.Equal(oidExtSubjectAltName))
	assert.ElementsMatch(t, []string{"alias.example.org", "node03.example.org"}, cert.DNSNames)
	require.Len(t, cert.IPAddresses, 1)
	assert.Equal(t, "10.0.0.1", cert.IPAddresses[0].String())
}

func TestSignLeafCertCSRExtensionsPreserved(t *testing.T) {
	_, intKey, _, intCert := testChain(t)

	leafKey, err := CreatePrivateKey(testKeyBits)
	require.NoError(t, err)

	roleOID := asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 34380, 1, 1, 13}
	roleValue, err := asn1.MarshalWithParams("webserver", "utf8")
	require.NoError(t, err)
	csr, err := CreateCSR("node04.example.org", leafKey, []pkix.Extension{{Id: roleOID, Value: roleValue}})
	require.NoError(t, err)

	sans := NormalizeSubjectAltNames("node04.example.org")
	cert, err := SignLeafCert(intKey, intCert, csr, big.NewInt(5), time.Hour, "sha256", sans, true)
	require.NoError(t, err)

	require.Len(t, cert.Extensions, 7)
	last := cert.Extensions[6]
	assert.True(t, last.Id.Equal(roleOID))
	assert.Equal(t, roleValue, last.Value)
}

func TestSignLeafCertIssuerMismatch(t *testing.T) {
	_, _, _, intCert := testChain(t)

	otherKey, err := CreatePrivateKey(testKeyBits)
	require.NoError(t, err)
	leafKey, err := CreatePrivateKey(testKeyBits)
	require.NoError(t, err)
	csr, err := CreateCSR("node05.example.org", leafKey, nil)
	require.NoError(t, err)

	_, err = SignLeafCert(otherKey, intCert, csr, big.NewInt(6), time.Hour, "sha256", nil, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match")
}

func TestNormalizeSubjectAltNames(t *testing.T) {
	entries := NormalizeSubjectAltNames(" foo.example.org , DNS:bar.example.org, IP:10.1.2.3, foo.example.org,, ")
	assert.Equal(t, []string{"DNS:bar.example.org", "DNS:foo.example.org", "IP:10.1.2.3"}, entries)
	assert.Equal(t, "DNS:bar.example.org, DNS:foo.example.org, IP:10.1.2.3", RenderSubjectAltNames(entries))

	assert.Empty(t, NormalizeSubjectAltNames(""))
	assert.Empty(t, NormalizeSubjectAltNames(" , ,"))
}

func TestSignatureAlgorithm(t *testing.T) {
	key, err := CreatePrivateKey(testKeyBits)
	require.NoError(t, err)

	alg, err := signatureAlgorithm(key, "sha256")
	require.NoError(t, err)
	assert.Equal(t, x509.SHA256WithRSA, alg)

	alg, err = signatureAlgorithm(key, "SHA512")
	require.NoError(t, err)
	assert.Equal(t, x509.SHA512WithRSA, alg)

	_, err = signatureAlgorithm(key, "md5")
	assert.Error(t, err)
}
