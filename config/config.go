package config

import (
	"time"

	cfsslcfg "github.com/cloudflare/cfssl/config"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// ServerConfig is the fleet-ca server's configuration
type ServerConfig struct {
	// Listening port for the server
	Port int `def:"8140" help:"Listening port of fleet-ca server"`
	// Bind address for the server
	Address string `def:"0.0.0.0" help:"Listening address of fleet-ca server"`
	// Enables debug logging
	Debug bool `def:"false" opt:"d" help:"Enable debug level logging"`
	// Sets the logging level on the server
	LogLevel string `help:"Set logging level (info, warning, debug, error, fatal, critical)"`
	// CACfg is the CA's config
	CACfg CAConfig `skip:"true"`
	// TLS for the server's listening endpoint
	TLS ServerTLSConfig
	// Admin holds the credentials required for mutating requests
	Admin AdminConfig
	// DB is the optional certificate registry database
	DB DBConfig
}

// AdminConfig carries the credential checked on signing, revocation and
// clean requests. Pass is a bcrypt hash, never a plaintext password.
type AdminConfig struct {
	User string `def:"admin" help:"User name for authenticated operations"`
	Pass string `help:"Bcrypt hash of the password for authenticated operations" hide:"true"`
}

// DBConfig is the database part of the server's config. When Type is
// empty the server falls back to the file-backed inventory registry.
type DBConfig struct {
	Type       string `def:"" help:"Type of database; one of: mysql, postgres"`
	Datasource string `help:"Data source which is database specific" hide:"true"`
	TLS        ClientTLSConfig
}

// ServerTLSConfig defines key material for a TLS server
type ServerTLSConfig struct {
	Enabled    bool   `help:"Enable TLS on the listening port"`
	CertFile   string `help:"PEM-encoded TLS certificate file for the listening port"`
	KeyFile    string `help:"PEM-encoded TLS key file for the listening port"`
	ClientAuth ClientAuth
}

// ClientTLSConfig defines the key material for a TLS client
type ClientTLSConfig struct {
	Enabled   bool     `skip:"true"`
	CertFiles []string `help:"A list of comma-separated PEM-encoded trusted certificate files"`
	Client    KeyCertFiles
}

// KeyCertFiles defines the files need for client on TLS
type KeyCertFiles struct {
	KeyFile  string `help:"PEM-encoded key file when mutual TLS is enabled"`
	CertFile string `help:"PEM-encoded certificate file when mutual TLS is enabled"`
}

// ClientAuth defines the key material needed to verify client certificates
type ClientAuth struct {
	Type      string   `def:"noclientcert" help:"Policy the server will follow for TLS client authentication"`
	CertFiles []string `help:"A list of comma-separated PEM-encoded trusted certificate files"`
}

// CAConfig is the CA instance's configuration. All file paths are
// resolved relative to CADir during initialization.
type CAConfig struct {
	Version string `skip:"true"`
	CA      CAInfo
	// CADir is the directory holding the CA's keys, certs and ledgers
	CADir              string `def:"ca" help:"Directory holding the CA's files"`
	Certfile           string `def:"ca_crt.pem" help:"CA certificate chain file"`
	Keyfile            string `def:"ca_key.pem" help:"CA signing key file"`
	CRLfile            string `def:"ca_crl.pem" help:"CA revocation list chain file"`
	RootKeyfile        string `def:"root_key.pem" help:"Root CA key file"`
	Serialfile         string `def:"serial" help:"Next leaf serial number file"`
	Inventoryfile      string `def:"inventory.txt" help:"Issued certificate inventory file"`
	InfraInventoryfile string `def:"infra_inventory.txt" help:"Certnames treated as infrastructure nodes"`
	InfraSerialsfile   string `def:"infra_serials" help:"Serials issued to infrastructure nodes"`
	InfraCRLfile       string `def:"infra_crl.pem" help:"Infrastructure-only revocation list file"`
	Keylength          int    `def:"4096" help:"Bit length for generated RSA keys"`
	Digest             string `def:"sha256" help:"Digest used when signing certificates and CRLs"`
	// TTL is the leaf certificate lifetime
	TTL time.Duration `def:"43800h" help:"Lifetime of signed leaf certificates"`
	// CATTL is the lifetime of the root and intermediate certificates
	CATTL time.Duration `def:"131400h" help:"Lifetime of the root and intermediate CA certificates"`
	// CRLTTL is the nextUpdate window of generated CRLs
	CRLTTL time.Duration `def:"43800h" help:"Validity window of generated revocation lists"`
	// Signing is an optional cfssl signing policy consulted for
	// per-profile expiries when set
	Signing *cfsslcfg.Signing `skip:"true"`
}

// CAInfo names the CA
type CAInfo struct {
	Name     string `def:"fleet-ca" help:"Common name of the signing CA certificate"`
	RootName string `def:"fleet-ca-root" help:"Common name of the root CA certificate"`
}

// ClientConfig is the fleet-ca client's config
type ClientConfig struct {
	URL string `def:"http://localhost:8140" help:"URL of fleet-ca server"`
	TLS ClientTLSConfig
	// User and Password are presented as basic auth on mutating
	// requests
	User     string `def:"admin" help:"User name for authenticated operations"`
	Password string `help:"Password for authenticated operations" hide:"true"`
}

// UnmarshalConfig unmarshals a configuration file
func UnmarshalConfig(cfg interface{}, vp *viper.Viper, configFile string, server bool) error {
	vp.SetConfigFile(configFile)
	err := vp.ReadInConfig()
	if err != nil {
		return errors.Wrapf(err, "Failed to read config file '%s'", configFile)
	}

	err = vp.Unmarshal(cfg)
	if err != nil {
		return errors.Wrapf(err, "Incorrect format in file '%s'", configFile)
	}

	if server {
		serverCfg := cfg.(*ServerConfig)
		err = vp.Unmarshal(&serverCfg.CACfg)
		if err != nil {
			return errors.Wrapf(err, "Incorrect format in file '%s'", configFile)
		}
	}
	return nil
}
