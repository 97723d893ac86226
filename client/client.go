// Package client is a REST client for the fleet-ca server covering
// certificate retrieval, signing and revocation state changes.
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/cloudflare/cfssl/api"
	"github.com/cloudflare/cfssl/log"
	"github.com/mitchellh/mapstructure"
	capi "github.com/nodefleet/fleet-ca/api"
	"github.com/nodefleet/fleet-ca/config"
	"github.com/nodefleet/fleet-ca/util"
	"github.com/pkg/errors"
)

const defaultServerPort = "8140"

// Client is the fleet-ca client object
type Client struct {
	// The client's home directory
	HomeDir string
	// The client's configuration
	Config *config.ClientConfig

	initialized bool
	httpClient  *http.Client
}

// Init initializes the client
func (c *Client) Init() error {
	if c.initialized {
		return nil
	}
	cfg := c.Config
	log.Debugf("Initializing client for %s", util.GetMaskedURL(cfg.URL))

	err := c.initHTTPClient()
	if err != nil {
		return err
	}

	c.initialized = true
	return nil
}

func (c *Client) initHTTPClient() error {
	tr := new(http.Transport)
	if c.Config.TLS.Enabled {
		log.Info("TLS enabled")

		err := config.AbsTLSClient(&c.Config.TLS, c.HomeDir)
		if err != nil {
			return err
		}

		tlsConfig, err2 := config.GetClientTLSConfig(&c.Config.TLS)
		if err2 != nil {
			return fmt.Errorf("Failed to get client TLS config: %s", err2)
		}
		tr.TLSClientConfig = tlsConfig
	}
	c.httpClient = &http.Client{Transport: tr}
	return nil
}

// CACertificate retrieves the CA certificate chain from the server
func (c *Client) CACertificate() (string, error) {
	return c.getCertificate("certificate/ca")
}

// Certificate retrieves a previously signed certificate by name
func (c *Client) Certificate(certname string) (string, error) {
	return c.getCertificate("certificate/" + certname)
}

// CRL retrieves the certificate revocation list chain from the server
func (c *Client) CRL() (string, error) {
	err := c.Init()
	if err != nil {
		return "", err
	}
	req, err := c.newRequest("GET", "certificate_revocation_list/ca", nil)
	if err != nil {
		return "", err
	}
	var pem string
	err = c.SendReq(req, &pem)
	if err != nil {
		return "", err
	}
	return pem, nil
}

func (c *Client) getCertificate(endpoint string) (string, error) {
	err := c.Init()
	if err != nil {
		return "", err
	}
	req, err := c.newRequest("GET", endpoint, nil)
	if err != nil {
		return "", err
	}
	var resp capi.SignResponse
	err = c.SendReq(req, &resp)
	if err != nil {
		return "", err
	}
	return resp.Certificate, nil
}

// SignCert submits a certificate signing request for certname and
// returns the signed certificate PEM
func (c *Client) SignCert(certname string, req *capi.SignRequest) (string, error) {
	err := c.Init()
	if err != nil {
		return "", err
	}
	httpReq, err := c.newRequest("PUT", "certificate_request/"+certname, req)
	if err != nil {
		return "", err
	}
	c.setAuth(httpReq)
	var resp capi.SignResponse
	err = c.SendReq(httpReq, &resp)
	if err != nil {
		return "", err
	}
	return resp.Certificate, nil
}

// Status retrieves the status of the certificate named certname
func (c *Client) Status(certname string) (*capi.CertificateStatus, error) {
	err := c.Init()
	if err != nil {
		return nil, err
	}
	req, err := c.newRequest("GET", "certificate_status/"+certname, nil)
	if err != nil {
		return nil, err
	}
	status := new(capi.CertificateStatus)
	err = c.SendReq(req, status)
	if err != nil {
		return nil, err
	}
	return status, nil
}

// Statuses retrieves the statuses of all certificates known to the server
func (c *Client) Statuses() ([]capi.CertificateStatus, error) {
	err := c.Init()
	if err != nil {
		return nil, err
	}
	req, err := c.newRequest("GET", "certificate_statuses/any_key", nil)
	if err != nil {
		return nil, err
	}
	var statuses []capi.CertificateStatus
	err = c.SendReq(req, &statuses)
	if err != nil {
		return nil, err
	}
	return statuses, nil
}

// RevokeCert revokes every serial the server has on record for certname
func (c *Client) RevokeCert(certname string) (string, error) {
	err := c.Init()
	if err != nil {
		return "", err
	}
	body := &capi.DesiredStateRequest{DesiredState: capi.StateRevoked}
	req, err := c.newRequest("PUT", "certificate_status/"+certname, body)
	if err != nil {
		return "", err
	}
	c.setAuth(req)
	var msg string
	err = c.SendReq(req, &msg)
	if err != nil {
		return "", err
	}
	return msg, nil
}

// CleanCert revokes and deletes the certificate named certname
func (c *Client) CleanCert(certname string) (string, error) {
	err := c.Init()
	if err != nil {
		return "", err
	}
	req, err := c.newRequest("DELETE", "certificate_status/"+certname, nil)
	if err != nil {
		return "", err
	}
	c.setAuth(req)
	var msg string
	err = c.SendReq(req, &msg)
	if err != nil {
		return "", err
	}
	return msg, nil
}

func (c *Client) newRequest(method, endpoint string, body interface{}) (*http.Request, error) {
	curl, err := c.getURL(endpoint)
	if err != nil {
		return nil, err
	}
	var reader *bytes.Reader
	if body != nil {
		reqBody, err := util.Marshal(body, endpoint)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(reqBody)
	} else {
		reader = bytes.NewReader([]byte{})
	}
	req, err := http.NewRequest(method, curl, reader)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to create new request for %s", curl)
	}
	return req, nil
}

func (c *Client) setAuth(req *http.Request) {
	req.SetBasicAuth(c.Config.User, c.Config.Password)
}

// SendReq sends request to the fleet-ca server and fills result with the
// response body's result field
func (c *Client) SendReq(req *http.Request, result interface{}) (err error) {
	reqStr := fmt.Sprintf("%s %s", req.Method, req.URL)
	log.Debugf("Sending request\n%s", reqStr)

	err = c.Init()
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s failure of request: %s", req.Method, reqStr)
	}
	var respBody []byte
	if resp.Body != nil {
		respBody, err = ioutil.ReadAll(resp.Body)
		defer func() {
			err := resp.Body.Close()
			if err != nil {
				log.Debugf("Failed to close the response body: %s", err.Error())
			}
		}()
		if err != nil {
			return errors.Wrapf(err, "Failed to read response of request: %s", reqStr)
		}
		log.Debugf("Received response\n%s", string(respBody))
	}

	var body *api.Response
	if respBody != nil && len(respBody) > 0 {
		body = new(api.Response)
		err = json.Unmarshal(respBody, body)
		if err != nil {
			return errors.Wrapf(err, "Failed to parse response: %s", respBody)
		}
		if len(body.Errors) > 0 {
			var errorMsg string
			for _, err := range body.Errors {
				msg := fmt.Sprintf("Response from server: Error code: %d - %s\n", err.Code, err.Message)
				if errorMsg == "" {
					errorMsg = msg
				} else {
					errorMsg = errorMsg + fmt.Sprintf("\n%s", msg)
				}
			}
			return errors.Errorf(errorMsg)
		}
	}

	scode := resp.StatusCode
	if scode >= 400 {
		return errors.Errorf("Failed with server status code %d for request:\n%s", scode, reqStr)
	}

	if body == nil {
		return errors.Errorf("Response body from server was empty")
	}

	if body.Success != true {
		return errors.Errorf("Server returned failure for request:\n%s", reqStr)
	}

	log.Debugf("Response body result: %+v", body.Result)

	if result != nil {
		return mapstructure.Decode(body.Result, result)
	}

	return nil
}

func (c *Client) getURL(endpoint string) (string, error) {
	nurl, err := NormalizeURL(c.Config.URL)
	if err != nil {
		return "", err
	}
	rtn := fmt.Sprintf("%s/api/v1/%s", nurl, endpoint)
	return rtn, nil
}

// NormalizeURL normalizes a URL (from cfssl)
func NormalizeURL(addr string) (*url.URL, error) {
	addr = strings.TrimSpace(addr)
	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}
	if u.Opaque != "" {
		u.Host = net.JoinHostPort(u.Scheme, u.Opaque)
		u.Opaque = ""
	} else if u.Path != "" && !strings.Contains(u.Path, ":") {
		u.Host = net.JoinHostPort(u.Path, defaultServerPort)
		u.Path = ""
	} else if u.Scheme == "" {
		u.Host = u.Path
		u.Path = ""
	}
	if u.Scheme != "https" {
		u.Scheme = "http"
	}
	_, port, err := net.SplitHostPort(u.Host)
	if err != nil {
		_, port, err = net.SplitHostPort(u.Host + ":" + defaultServerPort)
		if err != nil {
			return nil, err
		}
	}
	if port != "" {
		_, err = strconv.Atoi(port)
		if err != nil {
			return nil, err
		}
	}
	return u, nil
}
