// Package ca implements the certificate authority engine: chain
// generation and import, CSR signing, revocation and the file ledgers
// that record issued serials.
package ca

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io/ioutil"
	"math/big"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cloudflare/cfssl/log"
	"github.com/nodefleet/fleet-ca/bundle"
	"github.com/nodefleet/fleet-ca/config"
	caerrors "github.com/nodefleet/fleet-ca/errors"
	"github.com/nodefleet/fleet-ca/ledger"
	"github.com/nodefleet/fleet-ca/util"
	"github.com/pkg/errors"
)

const (
	keyFileMode    = 0640
	publicFileMode = 0644
	caDirMode      = 0750
)

// CA is a certificate authority bound to an on-disk directory holding
// its keys, certificates, CRLs and ledgers.
type CA struct {
	// HomeDir is the base against which relative config paths resolve
	HomeDir string
	// Config is the CA section of the server's config
	Config *config.CAConfig

	chain []*x509.Certificate
	key   crypto.Signer

	// mu serializes every operation that reads and rewrites the serial
	// file, the inventory or a CRL. The ledgers are plain files; their
	// read-modify-write cycles must not interleave.
	mu sync.Mutex
}

// NewCA creates a CA bound to homeDir. No files are touched until
// Setup, Import or Load is called.
func NewCA(homeDir string, cfg *config.CAConfig) (*CA, error) {
	ca := &CA{HomeDir: homeDir, Config: cfg}
	if err := ca.makeFileNamesAbsolute(); err != nil {
		return nil, err
	}
	return ca, nil
}

func (ca *CA) makeFileNamesAbsolute() error {
	var err error
	ca.Config.CADir, err = util.MakeFileAbs(ca.Config.CADir, ca.HomeDir)
	if err != nil {
		return err
	}
	fields := []*string{
		&ca.Config.Certfile,
		&ca.Config.Keyfile,
		&ca.Config.CRLfile,
		&ca.Config.RootKeyfile,
		&ca.Config.Serialfile,
		&ca.Config.Inventoryfile,
		&ca.Config.InfraInventoryfile,
		&ca.Config.InfraSerialsfile,
		&ca.Config.InfraCRLfile,
	}
	return util.MakeFileNamesAbsolute(fields, ca.Config.CADir)
}

// Certificate returns the signing certificate. Nil until the CA is
// set up or loaded.
func (ca *CA) Certificate() *x509.Certificate {
	if len(ca.chain) == 0 {
		return nil
	}
	return ca.chain[0]
}

// Chain returns the full certificate chain, signing certificate first.
func (ca *CA) Chain() []*x509.Certificate {
	return ca.chain
}

// Setup generates a fresh two-tier chain: a self-signed root and an
// intermediate signing certificate, along with empty CRLs and ledgers.
// It refuses to run if any of its target files already exist.
func (ca *CA) Setup() error {
	cfg := ca.Config
	if existing := util.CheckForExistingFiles(ca.managedFiles()); len(existing) > 0 {
		return errors.Errorf("Existing file(s) found: %s. Please delete these files if you really want to generate a new CA", strings.Join(existing, ", "))
	}
	if err := util.EnsureDir(cfg.CADir, caDirMode); err != nil {
		return err
	}

	log.Infof("Generating %d bit root key for '%s'", cfg.Keylength, cfg.CA.RootName)
	rootKey, err := CreatePrivateKey(cfg.Keylength)
	if err != nil {
		return err
	}
	rootCert, err := CreateRootCert(rootKey, cfg.CA.RootName, cfg.CATTL, cfg.Digest)
	if err != nil {
		return err
	}

	log.Infof("Generating %d bit signing key for '%s'", cfg.Keylength, cfg.CA.Name)
	intKey, err := CreatePrivateKey(cfg.Keylength)
	if err != nil {
		return err
	}
	intCert, err := CreateIntermediateCert(rootKey, rootCert, intKey, cfg.CA.Name, cfg.CATTL, cfg.Digest)
	if err != nil {
		return err
	}

	rootCRL, err := CreateCRLFor(rootCert, rootKey, cfg.CRLTTL)
	if err != nil {
		return err
	}
	intCRL, err := CreateCRLFor(intCert, intKey, cfg.CRLTTL)
	if err != nil {
		return err
	}
	infraCRL, err := CreateCRLFor(intCert, intKey, cfg.CRLTTL)
	if err != nil {
		return err
	}

	if err := ca.writeKey(cfg.RootKeyfile, rootKey); err != nil {
		return err
	}
	if err := ca.writeKey(cfg.Keyfile, intKey); err != nil {
		return err
	}
	if err := util.WriteFileAtomic(cfg.Certfile, bundle.EncodeCerts([]*x509.Certificate{intCert, rootCert}), publicFileMode); err != nil {
		return err
	}
	if err := util.WriteFileAtomic(cfg.CRLfile, bundle.EncodeCRLs([]*x509.RevocationList{intCRL, rootCRL}), publicFileMode); err != nil {
		return err
	}
	if err := util.WriteFileAtomic(cfg.InfraCRLfile, bundle.EncodeCRLs([]*x509.RevocationList{infraCRL}), publicFileMode); err != nil {
		return err
	}
	if err := ledger.UpdateSerialFile(cfg.Serialfile, big.NewInt(firstLeafSerial)); err != nil {
		return err
	}
	for _, f := range []string{cfg.Inventoryfile, cfg.InfraInventoryfile, cfg.InfraSerialsfile} {
		if err := util.WriteFileAtomic(f, nil, publicFileMode); err != nil {
			return err
		}
	}

	ca.chain = []*x509.Certificate{intCert, rootCert}
	ca.key = intKey
	log.Infof("CA '%s' generated in %s", cfg.CA.Name, cfg.CADir)
	return nil
}

// Import installs an externally produced certificate bundle, its CRL
// chain and the signing key as this CA's chain. The CRL chain may be
// omitted; a fresh empty CRL is generated for the leaf in that case.
// Problems with the three inputs are collected independently so the
// operator gets all of them in one pass. The bundle is fully validated
// before any file is written; validation warnings are logged, errors
// abort the import.
func (ca *CA) Import(certPath, crlPath, keyPath string) error {
	cfg := ca.Config
	problems := &caerrors.List{}

	var certs []*x509.Certificate
	certPEM, err := ioutil.ReadFile(certPath)
	if err != nil {
		problems.Appendf("Failed to read certificate bundle '%s': %s", certPath, err)
	} else if certs, err = bundle.ParseBundle(certPEM); err != nil {
		problems.Append(err)
	}

	var crls []*x509.RevocationList
	if crlPath != "" {
		crlPEM, err := ioutil.ReadFile(crlPath)
		if err != nil {
			problems.Appendf("Failed to read CRL chain '%s': %s", crlPath, err)
		} else if crls, err = bundle.ParseCRLChain(crlPEM); err != nil {
			problems.Append(err)
		}
	}

	key, err := util.LoadPrivateKeyFromFile(keyPath)
	if err != nil {
		problems.Append(err)
	}
	if !problems.IsEmpty() {
		return problems
	}

	res := bundle.Validate(certs, crls, key)
	for _, w := range res.Warnings {
		log.Warning(w)
	}
	if !res.Ok() {
		return res.Errors.ErrorOrNil()
	}

	if existing := util.CheckForExistingFiles(ca.managedFiles()); len(existing) > 0 {
		return errors.Errorf("Existing file(s) found: %s. Please delete these files if you really want to import a CA", strings.Join(existing, ", "))
	}

	if len(crls) == 0 {
		leafCRL, err := CreateCRLFor(certs[0], key, cfg.CRLTTL)
		if err != nil {
			return err
		}
		crls = []*x509.RevocationList{leafCRL}
	}

	if err := util.EnsureDir(cfg.CADir, caDirMode); err != nil {
		return err
	}

	infraCRL, err := CreateCRLFor(certs[0], key, cfg.CRLTTL)
	if err != nil {
		return err
	}

	if err := ca.writeKey(cfg.Keyfile, key); err != nil {
		return err
	}
	if err := util.WriteFileAtomic(cfg.Certfile, bundle.EncodeCerts(certs), publicFileMode); err != nil {
		return err
	}
	if err := util.WriteFileAtomic(cfg.CRLfile, bundle.EncodeCRLs(crls), publicFileMode); err != nil {
		return err
	}
	if err := util.WriteFileAtomic(cfg.InfraCRLfile, bundle.EncodeCRLs([]*x509.RevocationList{infraCRL}), publicFileMode); err != nil {
		return err
	}

	// The new ledger starts counting after the largest serial already
	// present in the imported bundle.
	next := big.NewInt(firstLeafSerial)
	for _, cert := range certs {
		if cert.SerialNumber.Cmp(next) >= 0 {
			next = new(big.Int).Add(cert.SerialNumber, big.NewInt(1))
		}
	}
	if err := ledger.UpdateSerialFile(cfg.Serialfile, next); err != nil {
		return err
	}
	for _, f := range []string{cfg.Inventoryfile, cfg.InfraInventoryfile, cfg.InfraSerialsfile} {
		if err := util.WriteFileAtomic(f, nil, publicFileMode); err != nil {
			return err
		}
	}

	ca.chain = certs
	ca.key = key
	log.Infof("CA '%s' imported into %s", certs[0].Subject.CommonName, cfg.CADir)
	return nil
}

// Load reads an existing CA from disk and validates it before use.
func (ca *CA) Load() error {
	cfg := ca.Config
	errs := util.ValidateFileReadable([]string{cfg.Certfile, cfg.Keyfile, cfg.CRLfile, cfg.Serialfile})
	if len(errs) > 0 {
		list := &caerrors.List{}
		for _, e := range errs {
			list.Append(e)
		}
		return errors.Errorf("CA in %s is not usable: %s", cfg.CADir, list.Error())
	}

	certPEM, err := ioutil.ReadFile(cfg.Certfile)
	if err != nil {
		return errors.Wrapf(err, "Failed to read CA certificate '%s'", cfg.Certfile)
	}
	chain, err := bundle.ParseBundle(certPEM)
	if err != nil {
		return err
	}
	key, err := util.LoadPrivateKeyFromFile(cfg.Keyfile)
	if err != nil {
		return err
	}
	if err := validateCertAndKey(chain[0], key); err != nil {
		return err
	}

	ca.chain = chain
	ca.key = key
	log.Debugf("Loaded CA '%s' from %s", chain[0].Subject.CommonName, cfg.CADir)
	return nil
}

// validateCertAndKey checks that the signing certificate is a usable,
// current CA certificate matching the signing key.
func validateCertAndKey(cert *x509.Certificate, key crypto.Signer) error {
	if !publicKeysEqual(key.Public(), cert.PublicKey) {
		return caerrors.NewChainError("CA key does not match the CA certificate")
	}
	if !cert.IsCA {
		return errors.New("CA certificate is not a CA certificate (basicConstraints CA flag not set)")
	}
	if cert.KeyUsage&x509.KeyUsageCertSign == 0 {
		return errors.New("The 'cert sign' key usage is missing from the CA certificate")
	}
	now := time.Now().UTC()
	if now.Before(cert.NotBefore) {
		return errors.New("CA certificate is not yet valid")
	}
	if now.After(cert.NotAfter) {
		return errors.New("CA certificate has expired")
	}
	return nil
}

// SignCSR signs a PEM-encoded certificate request and records the
// issued serial in the ledgers. The serial file and inventory are only
// written once the certificate was successfully built.
func (ca *CA) SignCSR(csrPEM []byte, altNames string, authorized bool) (*x509.Certificate, error) {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	cfg := ca.Config

	csr, err := ParseCSRPEM(csrPEM)
	if err != nil {
		return nil, err
	}
	name := csr.Subject.CommonName
	if err := CheckCertname(name); err != nil {
		return nil, err
	}

	serial, err := ledger.NextSerial(cfg.Serialfile)
	if err != nil {
		return nil, err
	}

	sans := NormalizeSubjectAltNames(altNames)
	cert, err := SignLeafCert(ca.key, ca.Certificate(), csr, serial, ca.leafTTL(), cfg.Digest, sans, authorized)
	if err != nil {
		return nil, err
	}

	if err := ledger.UpdateSerialFile(cfg.Serialfile, new(big.Int).Add(serial, big.NewInt(1))); err != nil {
		return nil, err
	}
	if err := ledger.AppendEntry(cfg.Inventoryfile, serial, cert.NotBefore, cert.NotAfter, name); err != nil {
		return nil, err
	}
	if ca.isInfraNode(name) {
		if err := ca.appendInfraSerial(serial); err != nil {
			return nil, err
		}
	}

	log.Infof("Signed certificate for '%s' with serial 0x%x", name, serial)
	return cert, nil
}

// leafTTL prefers the cfssl signing policy's default expiry when one is
// configured, otherwise the CA's configured leaf lifetime.
func (ca *CA) leafTTL() time.Duration {
	signing := ca.Config.Signing
	if signing != nil && signing.Default != nil && signing.Default.Expiry != 0 {
		return signing.Default.Expiry
	}
	return ca.Config.TTL
}

// Revoke revokes every serial the inventory records for certname, the
// current one and any superseded ones, and rewrites the CRL chain. The
// returned slice holds the serials newly added to the CRL.
func (ca *CA) Revoke(certname string, reasonCode int) ([]*big.Int, error) {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	if err := CheckCertname(certname); err != nil {
		return nil, err
	}
	inv, parseErrs := ledger.ParseInventoryFile(ca.Config.Inventoryfile)
	if parseErrs != nil && !parseErrs.IsEmpty() {
		log.Warningf("Inventory file has unusable entries: %s", parseErrs.Error())
	}
	rec, ok := inv[certname]
	if !ok {
		return nil, errors.Errorf("Could not find a certificate for '%s' in the inventory", certname)
	}

	serials := append([]*big.Int{rec.Serial}, rec.OldSerials...)
	revoked, err := ca.revokeSerialsLocked(ca.Config.CRLfile, serials, reasonCode)
	if err != nil {
		return nil, err
	}
	if len(revoked) == 0 {
		return nil, errors.Errorf("Certificate for '%s' is already revoked", certname)
	}

	if ca.isInfraNode(certname) {
		if _, err := ca.revokeSerialsLocked(ca.Config.InfraCRLfile, serials, reasonCode); err != nil {
			return nil, err
		}
	}
	return revoked, nil
}

// RevokeSerial revokes a single serial directly, without consulting the
// inventory.
func (ca *CA) RevokeSerial(serial *big.Int, reasonCode int) error {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	revoked, err := ca.revokeSerialsLocked(ca.Config.CRLfile, []*big.Int{serial}, reasonCode)
	if err != nil {
		return err
	}
	if len(revoked) == 0 {
		return errors.Errorf("Serial 0x%x is already revoked", serial)
	}
	return nil
}

// Clean revokes certname if it is not revoked yet. Unlike Revoke, an
// already revoked certificate is not an error; clean is idempotent so
// the stored certificate can always be removed afterwards.
func (ca *CA) Clean(certname string, reasonCode int) error {
	_, err := ca.Revoke(certname, reasonCode)
	if err != nil && strings.Contains(err.Error(), "already revoked") {
		log.Debugf("Certificate for '%s' was already revoked", certname)
		return nil
	}
	return err
}

// revokeSerialsLocked adds the given serials to the CRL at position
// zero of the chain in crlFile, skipping serials already present, and
// atomically replaces the file. Callers hold ca.mu.
func (ca *CA) revokeSerialsLocked(crlFile string, serials []*big.Int, reasonCode int) ([]*big.Int, error) {
	data, err := ioutil.ReadFile(crlFile)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to read CRL chain '%s'", crlFile)
	}
	crls, err := bundle.ParseCRLChain(data)
	if err != nil {
		return nil, err
	}

	var revoked []*big.Int
	leafCRL := crls[0]
	for _, serial := range serials {
		if IsRevoked(leafCRL, serial) {
			continue
		}
		leafCRL, err = RevokeCert(serial, leafCRL, ca.Certificate(), ca.key, reasonCode)
		if err != nil {
			return nil, err
		}
		revoked = append(revoked, serial)
	}
	if len(revoked) == 0 {
		return nil, nil
	}

	crls[0] = leafCRL
	if err := util.WriteFileAtomic(crlFile, bundle.EncodeCRLs(crls), publicFileMode); err != nil {
		return nil, err
	}
	return revoked, nil
}

// Inventory returns the parsed certificate inventory along with any
// per-line parse errors that were skipped.
func (ca *CA) Inventory() (ledger.Inventory, *caerrors.List) {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	return ledger.ParseInventoryFile(ca.Config.Inventoryfile)
}

// CRLChainPEM returns the current CRL chain file contents.
func (ca *CA) CRLChainPEM() ([]byte, error) {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	return ioutil.ReadFile(ca.Config.CRLfile)
}

// isInfraNode reports whether certname is listed in the infrastructure
// inventory, one certname per line, comments starting with '#'.
func (ca *CA) isInfraNode(certname string) bool {
	data, err := ioutil.ReadFile(ca.Config.InfraInventoryfile)
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if line == certname {
			return true
		}
	}
	return false
}

func (ca *CA) appendInfraSerial(serial *big.Int) error {
	f, err := os.OpenFile(ca.Config.InfraSerialsfile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, publicFileMode)
	if err != nil {
		return errors.Wrapf(err, "Failed to open '%s'", ca.Config.InfraSerialsfile)
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "0x%x\n", serial)
	return err
}

func (ca *CA) writeKey(path string, key crypto.Signer) error {
	keyPEM, err := util.KeyToPEM(key)
	if err != nil {
		return err
	}
	return util.WriteFileAtomic(path, keyPEM, keyFileMode)
}

// managedFiles lists every file Setup or Import would create.
func (ca *CA) managedFiles() []string {
	cfg := ca.Config
	return []string{
		cfg.Certfile, cfg.Keyfile, cfg.CRLfile, cfg.RootKeyfile,
		cfg.Serialfile, cfg.Inventoryfile,
		cfg.InfraInventoryfile, cfg.InfraSerialsfile, cfg.InfraCRLfile,
	}
}

// ParseCSRPEM decodes a PEM certificate request and verifies its
// signature.
func ParseCSRPEM(csrPEM []byte) (*x509.CertificateRequest, error) {
	block, _ := pem.Decode(csrPEM)
	if block == nil {
		return nil, &caerrors.ValidationError{Reason: "No PEM data found in certificate request"}
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, &caerrors.ValidationError{Reason: fmt.Sprintf("Failed to parse certificate request: %s", err)}
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, &caerrors.ValidationError{Reason: fmt.Sprintf("Certificate request has an invalid signature: %s", err)}
	}
	return csr, nil
}
