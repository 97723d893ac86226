package server

import (
	"crypto/x509"
	"io/ioutil"
	"net/http"

	"github.com/cloudflare/cfssl/log"
	caerrors "github.com/nodefleet/fleet-ca/errors"
	"github.com/nodefleet/fleet-ca/util"
	"github.com/pkg/errors"
)

// maxReqBodySize caps the accepted request body size. CSRs and state
// requests are small; anything larger is rejected outright.
const maxReqBodySize = 1 << 20

// LoadPEMCertPool loads a pool of PEM certificate from list of files
func LoadPEMCertPool(certFiles []string) (*x509.CertPool, error) {
	certPool := x509.NewCertPool()

	if len(certFiles) > 0 {
		for _, cert := range certFiles {
			log.Debugf("Reading cert file: %s", cert)
			pemCerts, err := ioutil.ReadFile(cert)
			if err != nil {
				return nil, err
			}

			log.Debugf("Appending cert %s to pool", cert)
			if !certPool.AppendCertsFromPEM(pemCerts) {
				return nil, errors.New("Failed to load cert pool")
			}
		}
	}

	return certPool, nil
}

// ReadBody reads the request body and JSON unmarshals into 'body'
func ReadBody(r *http.Request, body interface{}) error {
	empty, err := TryReadBody(r, body)
	if err != nil {
		return err
	}
	if empty {
		return caerrors.NewHTTPErr(400, caerrors.ErrEmptyReqBody, "Empty request body")
	}
	return nil
}

// TryReadBody reads the request body into 'body' if not empty
func TryReadBody(r *http.Request, body interface{}) (bool, error) {
	buf, err := ReadBodyBytes(r)
	if err != nil {
		return false, err
	}
	empty := len(buf) == 0
	if !empty {
		err = util.Unmarshal(buf, body, "request body")
		if err != nil {
			return true, caerrors.NewHTTPErr(400, caerrors.ErrBadReqBody, "Invalid request body: %s; body=%s", err, string(buf))
		}
	}
	return empty, nil
}

// ReadBodyBytes reads the request body, up to maxReqBodySize bytes
func ReadBodyBytes(r *http.Request) ([]byte, error) {
	buf, err := util.Read(r.Body, make([]byte, maxReqBodySize))
	if err != nil {
		return nil, caerrors.NewHTTPErr(400, caerrors.ErrReadingReqBody, "Failed reading request body: %s", err)
	}
	return buf, nil
}
