package server

import (
	"crypto/x509"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/cloudflare/cfssl/log"
	"github.com/gorilla/mux"
	"github.com/nodefleet/fleet-ca/api"
	"github.com/nodefleet/fleet-ca/bundle"
	"github.com/nodefleet/fleet-ca/ca"
	caerrors "github.com/nodefleet/fleet-ca/errors"
	"github.com/nodefleet/fleet-ca/ledger"
	"github.com/nodefleet/fleet-ca/util"
)

// Reason code recorded for revocations requested over the API.
const defaultReasonCode = 0 // unspecified

// certificateHandler serves a stored certificate, the CA's own
// certificate chain for the reserved name "ca", or the CRL chain for
// the reserved name "crl".
func certificateHandler(s *Server, resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	name, err := certnameFromRequest(req)
	if err != nil {
		return nil, err
	}

	switch name {
	case "ca":
		return &api.SignResponse{Certificate: string(bundle.EncodeCerts(s.CA.Chain()))}, nil
	case "crl":
		crlPEM, err := s.CA.CRLChainPEM()
		if err != nil {
			return nil, err
		}
		return &api.SignResponse{Certificate: string(crlPEM)}, nil
	}

	pem, err := s.registry.GetCertificate(name)
	if err != nil {
		return nil, err
	}
	return &api.SignResponse{Certificate: string(pem)}, nil
}

// crlHandler serves the full CRL chain.
func crlHandler(s *Server, resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if _, err := certnameFromRequest(req); err != nil {
		return nil, err
	}
	crlPEM, err := s.CA.CRLChainPEM()
	if err != nil {
		return nil, err
	}
	return string(crlPEM), nil
}

// certificateRequestHandler signs the submitted CSR and stores the
// resulting certificate in the registry.
func certificateRequestHandler(s *Server, resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if err := s.checkAuth(req); err != nil {
		return nil, err
	}
	name, err := certnameFromRequest(req)
	if err != nil {
		return nil, err
	}
	if name == "ca" || name == "crl" {
		return nil, caerrors.NewHTTPErr(400, caerrors.ErrBadCertname, "The name '%s' is reserved", name)
	}

	var signReq api.SignRequest
	if err := ReadBody(req, &signReq); err != nil {
		return nil, err
	}
	if signReq.CertificateRequest == "" {
		return nil, caerrors.NewHTTPErr(400, caerrors.ErrBadCSR, "Missing 'certificate_request' in request body")
	}

	csr, err := ca.ParseCSRPEM([]byte(signReq.CertificateRequest))
	if err != nil {
		return nil, caerrors.NewHTTPErr(400, caerrors.ErrBadCSR, "Invalid certificate request: %s", err)
	}
	if csr.Subject.CommonName != name {
		return nil, caerrors.NewHTTPErr(400, caerrors.ErrBadCSR, "Certificate request subject '%s' does not match the requested name '%s'", csr.Subject.CommonName, name)
	}

	cert, err := s.CA.SignCSR([]byte(signReq.CertificateRequest), signReq.SubjectAltNames, signReq.Authorized)
	if err != nil {
		return nil, caerrors.NewHTTPErr(500, caerrors.ErrCAOperation, "Failed to sign certificate request for '%s': %s", name, err)
	}

	certPEM := util.CertToPEM(cert)
	serial := fmt.Sprintf("0x%x", cert.SerialNumber)
	if err := s.registry.PutCertificate(name, serial, cert.NotAfter.Format(time.RFC3339), certPEM); err != nil {
		return nil, err
	}
	return &api.SignResponse{Certificate: string(certPEM)}, nil
}

// certificateStatusHandler reports, updates or cleans the state of one
// certname.
func certificateStatusHandler(s *Server, resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	name, err := certnameFromRequest(req)
	if err != nil {
		return nil, err
	}

	switch req.Method {
	case http.MethodGet:
		return s.statusOf(name)
	case http.MethodPut:
		if err := s.checkAuth(req); err != nil {
			return nil, err
		}
		var ds api.DesiredStateRequest
		if err := ReadBody(req, &ds); err != nil {
			return nil, err
		}
		if ds.DesiredState != api.StateRevoked {
			return nil, caerrors.NewHTTPErr(400, caerrors.ErrBadReqBody, "Invalid desired_state '%s'; only '%s' is supported", ds.DesiredState, api.StateRevoked)
		}
		serials, err := s.CA.Revoke(name, defaultReasonCode)
		if err != nil {
			return nil, caerrors.NewHTTPErr(409, caerrors.ErrCAOperation, "Failed to revoke certificate for '%s': %s", name, err)
		}
		return fmt.Sprintf("Revoked %d certificate(s) for %s", len(serials), name), nil
	case http.MethodDelete:
		if err := s.checkAuth(req); err != nil {
			return nil, err
		}
		if err := s.CA.Clean(name, defaultReasonCode); err != nil {
			return nil, caerrors.NewHTTPErr(409, caerrors.ErrCAOperation, "Failed to clean certificate for '%s': %s", name, err)
		}
		if err := s.registry.DeleteCertificate(name); err != nil {
			return nil, err
		}
		return fmt.Sprintf("Cleaned certificate for %s", name), nil
	}
	return nil, caerrors.NewHTTPErr(405, caerrors.ErrUnknown, "Method %s not allowed", req.Method)
}

// certificateStatusesHandler lists the status of every certname in the
// inventory, sorted by name.
func certificateStatusesHandler(s *Server, resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	inv, parseErrs := s.CA.Inventory()
	if parseErrs != nil && !parseErrs.IsEmpty() && len(inv) > 0 {
		log.Warningf("Inventory file has unusable entries: %s", parseErrs.Error())
	}

	crls, err := s.loadCRLs()
	if err != nil {
		return nil, err
	}

	statuses := make([]*api.CertificateStatus, 0, len(inv))
	for name, rec := range inv {
		statuses = append(statuses, statusFromRecord(name, rec, crls))
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses, nil
}

func (s *Server) statusOf(name string) (*api.CertificateStatus, error) {
	inv, _ := s.CA.Inventory()
	rec, ok := inv[name]
	if !ok {
		return nil, caerrors.NewHTTPErr(404, caerrors.ErrCertNotFound, "Certificate for '%s' not found", name)
	}
	crls, err := s.loadCRLs()
	if err != nil {
		return nil, err
	}
	return statusFromRecord(name, rec, crls), nil
}

func (s *Server) loadCRLs() ([]*x509.RevocationList, error) {
	crlPEM, err := s.CA.CRLChainPEM()
	if err != nil {
		return nil, err
	}
	return bundle.ParseCRLChain(crlPEM)
}

func statusFromRecord(name string, rec *ledger.Record, crls []*x509.RevocationList) *api.CertificateStatus {
	state := api.StateSigned
	if len(crls) > 0 && ca.IsRevoked(crls[0], rec.Serial) {
		state = api.StateRevoked
	}
	status := &api.CertificateStatus{
		Name:         name,
		State:        state,
		SerialNumber: fmt.Sprintf("0x%x", rec.Serial),
		NotBefore:    rec.NotBefore.Format(time.RFC3339),
		NotAfter:     rec.NotAfter.Format(time.RFC3339),
	}
	for _, old := range rec.OldSerials {
		status.OldSerials = append(status.OldSerials, fmt.Sprintf("0x%x", old))
	}
	return status
}

func certnameFromRequest(req *http.Request) (string, error) {
	name := mux.Vars(req)["name"]
	if name == "ca" || name == "crl" {
		return name, nil
	}
	if err := ca.CheckCertname(name); err != nil {
		return "", caerrors.NewHTTPErr(400, caerrors.ErrBadCertname, "%s", err)
	}
	return name, nil
}
