package util

import (
	"crypto"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/cloudflare/cfssl/helpers"
	"github.com/cloudflare/cfssl/log"
	"github.com/pkg/errors"
)

// FileExists checks to see if a file exists.
func FileExists(name string) bool {
	if _, err := os.Stat(name); err != nil {
		if os.IsNotExist(err) {
			return false
		}
	}
	return true
}

// MakeFileNamesAbsolute makes all file names in the list absolute, relative to home
func MakeFileNamesAbsolute(files []*string, home string) error {
	for _, filePtr := range files {
		abs, err := MakeFileAbs(*filePtr, home)
		if err != nil {
			return err
		}
		*filePtr = abs
	}
	return nil
}

// MakeFileAbs makes 'file' absolute relative to 'dir' if not already absolute
func MakeFileAbs(file, dir string) (string, error) {
	if file == "" {
		return "", nil
	}
	if filepath.IsAbs(file) {
		return file, nil
	}
	path, err := filepath.Abs(filepath.Join(dir, file))
	if err != nil {
		return "", errors.Wrapf(err, "Failed making '%s' absolute based on '%s'", file, dir)
	}
	return path, nil
}

// EnsureDir creates a directory (and parents) if it does not exist
func EnsureDir(dir string, mode os.FileMode) error {
	err := os.MkdirAll(dir, mode)
	if err != nil {
		return errors.Wrapf(err, "Failed to create directory '%s'", dir)
	}
	return nil
}

// WriteFileAtomic replaces the file at 'path' with 'data' by writing to a
// temporary file in the same directory and renaming it into place. A crash
// mid-write can never leave a truncated or partial file behind.
func WriteFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := ioutil.TempFile(dir, "."+filepath.Base(path)+".tmp")
	if err != nil {
		return errors.Wrapf(err, "Failed to create temporary file in '%s'", dir)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "Failed to write temporary file '%s'", tmpName)
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "Failed to sync temporary file '%s'", tmpName)
	}
	if err = tmp.Close(); err != nil {
		return errors.Wrapf(err, "Failed to close temporary file '%s'", tmpName)
	}
	if err = os.Chmod(tmpName, mode); err != nil {
		return errors.Wrapf(err, "Failed to set mode on '%s'", tmpName)
	}
	if err = os.Rename(tmpName, path); err != nil {
		return errors.Wrapf(err, "Failed to rename '%s' to '%s'", tmpName, path)
	}
	return nil
}

// CheckForExistingFiles returns the subset of 'paths' that already exist.
// Setup and import refuse to run over an existing CA to avoid silently
// clobbering it.
func CheckForExistingFiles(paths []string) []string {
	var existing []string
	for _, path := range paths {
		if path != "" && FileExists(path) {
			existing = append(existing, path)
		}
	}
	return existing
}

// ValidateFileReadable returns an error for each path that cannot be opened
// for reading; all problems are reported together.
func ValidateFileReadable(paths []string) []error {
	var errs []error
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			errs = append(errs, errors.Wrapf(err, "Could not read file '%s'", path))
			continue
		}
		f.Close()
	}
	return errs
}

// Read reads from Reader into a byte array
func Read(r io.Reader, data []byte) ([]byte, error) {
	j := 0
	for {
		n, err := r.Read(data[j:])
		j = j + n
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.Wrap(err, "Read failure")
		}

		if (j == len(data)) && (err != io.EOF) {
			return nil, errors.New("Size of requested data is larger than declared data size")
		}
	}

	return data[:j], nil
}

// GetX509CertificateFromPEM get an x509 certificate from bytes in PEM format
func GetX509CertificateFromPEM(cert []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(cert)
	if block == nil {
		return nil, errors.New("Failed to PEM decode certificate")
	}
	x509Cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "Error parsing certificate")
	}
	return x509Cert, nil
}

// LoadX509CertificateFromFile reads and parses a PEM-encoded certificate file
func LoadX509CertificateFromFile(path string) (*x509.Certificate, error) {
	certPEM, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to read certificate file '%s'", path)
	}
	return GetX509CertificateFromPEM(certPEM)
}

// LoadPrivateKeyFromFile reads and parses a PEM-encoded private key file
func LoadPrivateKeyFromFile(path string) (crypto.Signer, error) {
	keyPEM, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to read key file '%s'", path)
	}
	key, err := helpers.ParsePrivateKeyPEM(keyPEM)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to parse private key in '%s'", path)
	}
	return key, nil
}

// CertToPEM encodes an x509 certificate in PEM format
func CertToPEM(cert *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
}

// KeyToPEM encodes a private key in PKCS#8 PEM format
func KeyToPEM(key crypto.Signer) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to marshal private key")
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// Marshal to bytes
func Marshal(from interface{}, what string) ([]byte, error) {
	buf, err := json.Marshal(from)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to marshal %s", what)
	}
	return buf, nil
}

// Unmarshal from bytes
func Unmarshal(from []byte, to interface{}, what string) error {
	err := json.Unmarshal(from, to)
	if err != nil {
		return errors.Wrapf(err, "Failed to unmarshal %s", what)
	}
	return nil
}

// URLRegex is the regular expression to check if a value is an URL
var URLRegex = regexp.MustCompile("(http)s*://(\\S+):(\\S+)@")

// GetMaskedURL returns masked URL. It masks username and password from the URL if present
func GetMaskedURL(url string) string {
	matches := URLRegex.FindStringSubmatch(url)
	if len(matches) == 4 {
		matchIdxs := URLRegex.FindStringSubmatchIndex(url)
		matchStr := url[matchIdxs[0]:matchIdxs[1]]
		for idx := 2; idx < len(matches); idx++ {
			if matches[idx] != "" {
				matchStr = strings.Replace(matchStr, matches[idx], "****", 1)
			}
		}
		url = url[:matchIdxs[0]] + matchStr + url[matchIdxs[1]:len(url)]
	}
	return url
}

// Fatal logs a fatal message and exits
func Fatal(format string, v ...interface{}) {
	log.Fatalf(format, v...)
	os.Exit(1)
}
