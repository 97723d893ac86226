package config

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io/ioutil"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTLSPair writes a self-signed certificate and its key into dir and
// returns the file names relative to dir.
func writeTLSPair(t *testing.T, dir string, notBefore, notAfter time.Time) (string, string) {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "tls.example.com"},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	err = ioutil.WriteFile(filepath.Join(dir, "tls-cert.pem"), certPEM, 0644)
	require.NoError(t, err)
	err = ioutil.WriteFile(filepath.Join(dir, "tls-key.pem"), keyPEM, 0600)
	require.NoError(t, err)

	return "tls-cert.pem", "tls-key.pem"
}

func TestAbsTLSClient(t *testing.T) {
	dir := t.TempDir()
	cfg := &ClientTLSConfig{
		CertFiles: []string{"root.pem"},
		Client: KeyCertFiles{
			KeyFile:  "tls-key.pem",
			CertFile: "tls-cert.pem",
		},
	}

	err := AbsTLSClient(cfg, dir)
	assert.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "root.pem"), cfg.CertFiles[0])
	assert.Equal(t, filepath.Join(dir, "tls-key.pem"), cfg.Client.KeyFile)
	assert.Equal(t, filepath.Join(dir, "tls-cert.pem"), cfg.Client.CertFile)
}

func TestAbsTLSServer(t *testing.T) {
	dir := t.TempDir()
	cfg := &ServerTLSConfig{
		KeyFile:  "tls-key.pem",
		CertFile: "tls-cert.pem",
		ClientAuth: ClientAuth{
			CertFiles: []string{"root.pem"},
		},
	}

	err := AbsTLSServer(cfg, dir)
	assert.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "root.pem"), cfg.ClientAuth.CertFiles[0])
	assert.Equal(t, filepath.Join(dir, "tls-key.pem"), cfg.KeyFile)
	assert.Equal(t, filepath.Join(dir, "tls-cert.pem"), cfg.CertFile)
}

func TestGetClientTLSConfig(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := writeTLSPair(t, dir, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))

	cfg := &ClientTLSConfig{
		CertFiles: []string{certFile},
		Client: KeyCertFiles{
			KeyFile:  keyFile,
			CertFile: certFile,
		},
	}
	err := AbsTLSClient(cfg, dir)
	require.NoError(t, err)

	tlsConfig, err := GetClientTLSConfig(cfg)
	require.NoError(t, err)
	assert.Len(t, tlsConfig.Certificates, 1)
	assert.NotNil(t, tlsConfig.RootCAs)
}

func TestGetClientTLSConfigInvalidArgs(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := writeTLSPair(t, dir, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))

	cfg := &ClientTLSConfig{
		CertFiles: []string{"no-root.pem"},
		Client: KeyCertFiles{
			KeyFile:  "no-tls-key.pem",
			CertFile: "no-tls-cert.pem",
		},
	}
	AbsTLSClient(cfg, dir)

	_, err := GetClientTLSConfig(cfg)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "no such file or directory")

	cfg = &ClientTLSConfig{
		CertFiles: []string{},
		Client: KeyCertFiles{
			KeyFile:  keyFile,
			CertFile: certFile,
		},
	}
	err = AbsTLSClient(cfg, dir)
	require.NoError(t, err)

	_, err = GetClientTLSConfig(cfg)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "No trusted root certificate for TLS were provided")
}

func TestGetClientTLSConfigExpiredCert(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := writeTLSPair(t, dir, time.Now().Add(-2*time.Hour), time.Now().Add(-time.Hour))

	cfg := &ClientTLSConfig{
		CertFiles: []string{certFile},
		Client: KeyCertFiles{
			KeyFile:  keyFile,
			CertFile: certFile,
		},
	}
	err := AbsTLSClient(cfg, dir)
	require.NoError(t, err)

	_, err = GetClientTLSConfig(cfg)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "expired")
}

const testConfigYaml = `
port: 9999
address: 127.0.0.1
loglevel: debug

admin:
  user: operator
  pass: nothashed

ca:
  name: test-ca
  rootname: test-ca-root

cadir: pki
keylength: 2048
digest: sha384
ttl: 24h

db:
  type: ""

url: http://ca.example.com:9999
user: operator
`

func TestUnmarshalConfig(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "fleet-ca-config.yaml")
	err := ioutil.WriteFile(cfgFile, []byte(testConfigYaml), 0644)
	require.NoError(t, err)

	cfg := &ServerConfig{}
	err = UnmarshalConfig(cfg, viper.New(), cfgFile, true)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Port)
	assert.Equal(t, "127.0.0.1", cfg.Address)
	assert.Equal(t, "operator", cfg.Admin.User)
	assert.Equal(t, "test-ca", cfg.CACfg.CA.Name)
	assert.Equal(t, "test-ca-root", cfg.CACfg.CA.RootName)
	assert.Equal(t, "pki", cfg.CACfg.CADir)
	assert.Equal(t, 2048, cfg.CACfg.Keylength)
	assert.Equal(t, "sha384", cfg.CACfg.Digest)
	assert.Equal(t, 24*time.Hour, cfg.CACfg.TTL)

	clientCfg := &ClientConfig{}
	err = UnmarshalConfig(clientCfg, viper.New(), cfgFile, false)
	require.NoError(t, err)
	assert.Equal(t, "http://ca.example.com:9999", clientCfg.URL)
	assert.Equal(t, "operator", clientCfg.User)
}

func TestUnmarshalConfigMissingFile(t *testing.T) {
	cfg := &ServerConfig{}
	err := UnmarshalConfig(cfg, viper.New(), "/no/such/fleet-ca-config.yaml", true)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "Failed to read config file")
}
