// Package server exposes the CA over a REST interface: serving the CA
// certificate and CRL, signing certificate requests and managing the
// revocation state of issued certificates.
package server

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/cloudflare/cfssl/api"
	"github.com/cloudflare/cfssl/log"
	"github.com/gorilla/mux"
	"github.com/nodefleet/fleet-ca/ca"
	"github.com/nodefleet/fleet-ca/config"
	caerrors "github.com/nodefleet/fleet-ca/errors"
	"github.com/nodefleet/fleet-ca/metadata"
	"github.com/nodefleet/fleet-ca/util"
	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"
)

const (
	defaultClientAuth = "noclientcert"
	apiPathPrefix     = "/api/v1/"
	defaultServerAddr = "0.0.0.0"
	defaultServerPort = 8140
)

var clientAuthTypes = map[string]tls.ClientAuthType{
	"noclientcert":               tls.NoClientCert,
	"requestclientcert":          tls.RequestClientCert,
	"requireanyclientcert":       tls.RequireAnyClientCert,
	"verifyclientcertifgiven":    tls.VerifyClientCertIfGiven,
	"requireandverifyclientcert": tls.RequireAndVerifyClientCert,
}

// endpoint is an endpoint method on a server
type endpoint func(s *Server, resp http.ResponseWriter, req *http.Request) (interface{}, error)

// Server is the fleet-ca server
type Server struct {
	// The home directory for the server
	HomeDir string
	// The server's configuration
	Config *config.ServerConfig
	// The CA served by this server
	CA *ca.CA
	// registry stores the signed certificates
	registry CertificateRegistry
	// The server mux
	mux *mux.Router
	// The current listener for this server
	listener net.Listener
	// An error which occurs when serving
	serverError error

	mutex sync.Mutex
}

// Init initializes a fleet-ca server
func (s *Server) Init() error {
	log.Infof("Server Version: %s", metadata.GetVersion())

	err := s.initConfig()
	if err != nil {
		return err
	}

	if s.CA == nil {
		s.CA, err = ca.NewCA(s.HomeDir, &s.Config.CACfg)
		if err != nil {
			return err
		}
	}
	if err = s.CA.Load(); err != nil {
		return err
	}

	return s.initRegistry()
}

func (s *Server) initConfig() (err error) {
	if s.HomeDir == "" {
		s.HomeDir, err = os.Getwd()
		if err != nil {
			return errors.Wrap(err, "Failed to get server's home directory")
		}
	}

	absoluteHomeDir, err := filepath.Abs(s.HomeDir)
	if err != nil {
		return errors.Errorf("Failed to make server's home directory path absolute: %s", err)
	}
	s.HomeDir = absoluteHomeDir

	if s.Config == nil {
		s.Config = new(config.ServerConfig)
	}
	return config.AbsTLSServer(&s.Config.TLS, s.HomeDir)
}

// Start the fleet-ca server
func (s *Server) Start() (err error) {
	log.Infof("Starting server in home directory: %s", s.HomeDir)

	s.serverError = nil

	if s.listener != nil {
		return errors.New("server is already started")
	}

	err = s.Init()
	if err != nil {
		return err
	}

	s.registerHandlers()

	return s.listenAndServe()
}

// Stop the server
func (s *Server) Stop() error {
	err := s.closeListener()
	if err != nil {
		return err
	}

	log.Debugf("Stop: successful stop on port %d", s.Config.Port)
	return nil
}

// Starting listening and serving
func (s *Server) listenAndServe() (err error) {
	var listener net.Listener
	var clientAuth tls.ClientAuthType
	var ok bool

	c := s.Config
	if c.Address == "" {
		c.Address = defaultServerAddr
	}
	if c.Port == 0 {
		c.Port = defaultServerPort
	}
	addr := net.JoinHostPort(c.Address, strconv.Itoa(c.Port))
	var addrStr string

	if c.TLS.Enabled {
		log.Debug("TLS is enabled")
		addrStr = fmt.Sprintf("https://%s", addr)

		if !util.FileExists(c.TLS.KeyFile) {
			return errors.Errorf("File specified by 'tls.keyfile' does not exists: %s", c.TLS.KeyFile)
		} else if !util.FileExists(c.TLS.CertFile) {
			return errors.Errorf("File specified by 'tls.certfile' does not exists: %s", c.TLS.CertFile)
		}
		log.Debugf("TLS Certificate: %s, TLS Key: %s", c.TLS.CertFile, c.TLS.KeyFile)

		cer, err := tls.LoadX509KeyPair(c.TLS.CertFile, c.TLS.KeyFile)
		if err != nil {
			return errors.Wrap(err, "Failed to load TLS key pair")
		}

		if c.TLS.ClientAuth.Type == "" {
			c.TLS.ClientAuth.Type = defaultClientAuth
		}
		log.Debugf("Client authentication type requested: %s", c.TLS.ClientAuth.Type)

		authType := strings.ToLower(c.TLS.ClientAuth.Type)
		if clientAuth, ok = clientAuthTypes[authType]; !ok {
			return errors.New("Invalid client auth type provided")
		}

		var certPool *x509.CertPool
		if authType != defaultClientAuth {
			certPool, err = LoadPEMCertPool(c.TLS.ClientAuth.CertFiles)
			if err != nil {
				return err
			}
		}

		tlsConfig := &tls.Config{
			Certificates: []tls.Certificate{cer},
			ClientAuth:   clientAuth,
			ClientCAs:    certPool,
			MinVersion:   tls.VersionTLS12,
			CipherSuites: config.DefaultCipherSuites,
		}

		listener, err = tls.Listen("tcp", addr, tlsConfig)
		if err != nil {
			return caerrors.NewFatalError(caerrors.ErrServerStart, "TLS listen failed for %s: %s", addrStr, err)
		}
	} else {
		addrStr = fmt.Sprintf("http://%s", addr)
		listener, err = net.Listen("tcp", addr)
		if err != nil {
			return caerrors.NewFatalError(caerrors.ErrServerStart, "TCP listen failed for %s: %s", addrStr, err)
		}
	}
	s.listener = listener
	log.Infof("Listening on %s", addrStr)
	return s.serve()
}

func (s *Server) serve() error {
	listener := s.listener
	if listener == nil {
		return nil
	}
	s.serverError = http.Serve(listener, s.mux)
	log.Errorf("Server has stopped serving: %s", s.serverError)
	s.closeListener()
	return s.serverError
}

// Closes the listening endpoint
func (s *Server) closeListener() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	port := s.Config.Port
	if s.listener == nil {
		msg := fmt.Sprintf("Stop: listener was already closed on port %d", port)
		log.Debug(msg)
		return errors.New(msg)
	}
	err := s.listener.Close()
	s.listener = nil
	if err != nil {
		log.Debugf("Stop: failed to close listener on port %d: %s", port, err)
		return err
	}
	log.Debugf("Stop: successfully closed listener on port %d", port)
	return nil
}

func (s *Server) registerHandlers() {
	s.mux = mux.NewRouter()
	s.registerHandler("certificate/{name}", certificateHandler, http.MethodGet)
	s.registerHandler("certificate_revocation_list/{name}", crlHandler, http.MethodGet)
	s.registerHandler("certificate_request/{name}", certificateRequestHandler, http.MethodPut)
	s.registerHandler("certificate_status/{name}", certificateStatusHandler, http.MethodGet, http.MethodPut, http.MethodDelete)
	s.registerHandler("certificate_statuses/{ignored}", certificateStatusesHandler, http.MethodGet)
}

func (s *Server) registerHandler(path string, e endpoint, methods ...string) {
	bound := func(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
		return e(s, resp, req)
	}
	s.mux.Handle("/"+path, s.wrap(bound)).Methods(methods...)
	s.mux.Handle(apiPathPrefix+path, s.wrap(bound)).Methods(methods...)
}

func (s *Server) wrap(handler func(http.ResponseWriter, *http.Request) (interface{}, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log.Debugf("Received request for %s", r.URL.String())
		resp, err := handler(w, r)
		he := s.getHTTPErr(err)

		w.Header().Set("Connection", "Keep-Alive")
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", "0")
		} else {
			w.Header().Set("Transfer-Encoding", "chunked")
			w.Header().Set("Content-Type", "application/json")
		}

		if he != nil {
			w.WriteHeader(he.GetStatusCode())
			log.Infof(`%s %s %s %d %d "%s"`, r.RemoteAddr, r.Method, r.URL, he.GetStatusCode(), he.GetLocalCode(), he.GetLocalMsg())
		} else {
			w.WriteHeader(http.StatusOK)
			log.Infof(`%s %s %s %d 0 "OK"`, r.RemoteAddr, r.Method, r.URL, http.StatusOK)
		}

		if r.Method != http.MethodHead {
			w.Write([]byte(`{"result":`))
			if resp != nil {
				s.writeJSON(resp, w)
			} else {
				w.Write([]byte(`""`))
			}

			w.Write([]byte(`,"errors":[`))
			if he != nil {
				rm := &api.ResponseMessage{Code: he.GetRemoteCode(), Message: he.GetRemoteMsg()}
				s.writeJSON(rm, w)
			}
			w.Write([]byte(`],"messages":[],"success":`))
			if he != nil {
				w.Write([]byte(`false}`))
			} else {
				w.Write([]byte(`true}`))
			}
		}
	}
}

func (s *Server) writeJSON(obj interface{}, w http.ResponseWriter) {
	enc := json.NewEncoder(w)
	err := enc.Encode(obj)
	if err != nil {
		log.Errorf("Failed encoding response to JSON: %s", err)
	}
}

func (s *Server) getHTTPErr(err error) *caerrors.HTTPErr {
	if err == nil {
		return nil
	}
	type causer interface {
		Cause() error
	}

	curErr := err
	for curErr != nil {
		switch curErr.(type) {
		case *caerrors.HTTPErr:
			return curErr.(*caerrors.HTTPErr)
		case causer:
			curErr = curErr.(causer).Cause()
		default:
			return caerrors.CreateHTTPErr(500, caerrors.ErrUnknown, err.Error())
		}
	}

	return caerrors.CreateHTTPErr(500, caerrors.ErrUnknown, "nil error")
}

// checkAuth verifies the basic auth credential on mutating requests
// against the configured admin user and bcrypt password hash.
func (s *Server) checkAuth(r *http.Request) error {
	admin := s.Config.Admin
	if admin.Pass == "" {
		return caerrors.NewAuthenticationErr(caerrors.ErrAuthFailure, "Server has no admin credential configured")
	}
	user, pass, ok := r.BasicAuth()
	if !ok {
		return caerrors.NewAuthenticationErr(caerrors.ErrAuthFailure, "No authorization header")
	}
	if user != admin.User {
		return caerrors.NewAuthenticationErr(caerrors.ErrAuthFailure, "Invalid user name: %s", user)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(admin.Pass), []byte(pass)); err != nil {
		return caerrors.NewAuthenticationErr(caerrors.ErrAuthFailure, "Password mismatch")
	}
	return nil
}
