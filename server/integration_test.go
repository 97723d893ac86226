package server

import (
	"testing"

	"github.com/nodefleet/fleet-ca/api"
	"github.com/nodefleet/fleet-ca/client"
	"github.com/nodefleet/fleet-ca/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Drives the real client against an in-process server to cover the
// full certificate lifecycle over the wire.
func TestClientServerLifecycle(t *testing.T) {
	_, ts := newTestServer(t)

	c := &client.Client{
		Config: &config.ClientConfig{
			URL:      ts.URL,
			User:     testAdminUser,
			Password: testAdminPass,
		},
	}

	chain, err := c.CACertificate()
	require.NoError(t, err)
	assert.Contains(t, chain, "BEGIN CERTIFICATE")

	crl, err := c.CRL()
	require.NoError(t, err)
	assert.Contains(t, crl, "BEGIN X509 CRL")

	certPEM, err := c.SignCert("node01.example.org", &api.SignRequest{
		CertificateRequest: csrPEMFor(t, "node01.example.org"),
	})
	require.NoError(t, err)
	assert.Contains(t, certPEM, "BEGIN CERTIFICATE")

	fetched, err := c.Certificate("node01.example.org")
	require.NoError(t, err)
	assert.Equal(t, certPEM, fetched)

	status, err := c.Status("node01.example.org")
	require.NoError(t, err)
	assert.Equal(t, api.StateSigned, status.State)
	assert.Equal(t, "0x3", status.SerialNumber)

	statuses, err := c.Statuses()
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, "node01.example.org", statuses[0].Name)

	msg, err := c.RevokeCert("node01.example.org")
	require.NoError(t, err)
	assert.Contains(t, msg, "Revoked 1 certificate(s)")

	status, err = c.Status("node01.example.org")
	require.NoError(t, err)
	assert.Equal(t, api.StateRevoked, status.State)

	_, err = c.RevokeCert("node01.example.org")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Failed to revoke")
}

func TestClientServerClean(t *testing.T) {
	_, ts := newTestServer(t)

	c := &client.Client{
		Config: &config.ClientConfig{
			URL:      ts.URL,
			User:     testAdminUser,
			Password: testAdminPass,
		},
	}

	_, err := c.SignCert("node02.example.org", &api.SignRequest{
		CertificateRequest: csrPEMFor(t, "node02.example.org"),
	})
	require.NoError(t, err)

	msg, err := c.CleanCert("node02.example.org")
	require.NoError(t, err)
	assert.Contains(t, msg, "Cleaned certificate")

	_, err = c.Certificate("node02.example.org")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}
