package main

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/cloudflare/cfssl/log"
	"github.com/nodefleet/fleet-ca/config"
	"github.com/nodefleet/fleet-ca/metadata"
	"github.com/nodefleet/fleet-ca/util"
	"github.com/pkg/errors"
)

const (
	cmdName      = "fleet-ca"
	shortName    = "fleet-ca"
	longName     = "Fleet Certificate Authority server and client"
	envVarPrefix = "FLEET_CA"
)

const (
	defaultCfgTemplate = `# Version of config file
version: <<<VERSION>>>

# Server's listening port (default: 8140)
port: 8140

# Server's listening address (default: 0.0.0.0)
address: 0.0.0.0

# Logging level: info, warning, debug, error, fatal, critical
loglevel: info

#############################################################################
#  TLS section for the server's listening port
#
#  The following types are supported for client authentication: NoClientCert,
#  RequestClientCert, RequireAnyClientCert, VerifyClientCertIfGiven,
#  and RequireAndVerifyClientCert.
#
#  Certfiles is a list of root certificate authorities that the server uses
#  when verifying client certificates.
#############################################################################
tls:
  # Enable TLS (default: false)
  enabled: false
  # TLS for the server's listening port
  certfile:
  keyfile:
  clientauth:
    type: noclientcert
    certfiles:

#############################################################################
#  The admin section holds the credential checked on signing, revocation
#  and clean requests. Pass is a bcrypt hash of the password, never the
#  password itself.
#############################################################################
admin:
  user: admin
  pass:

#############################################################################
#  The CA section names the CA and sets the key material locations and
#  lifetimes. All file settings are resolved relative to cadir.
#############################################################################
ca:
  # Common name of the signing CA certificate
  name: fleet-ca
  # Common name of the root CA certificate
  rootname: fleet-ca-root

# Directory holding the CA's keys, certificates and ledgers
cadir: ca

# Bit length for generated RSA keys
keylength: 4096

# Digest used when signing certificates and CRLs
digest: sha256

# Lifetime of signed leaf certificates
ttl: 43800h

# Lifetime of the root and intermediate CA certificates
cattl: 131400h

# Validity window of generated revocation lists
crlttl: 43800h

#############################################################################
#  Database section
#  Supported types are: "postgres", and "mysql". When type is empty the
#  server records signed certificates in the CA directory instead.
#############################################################################
db:
  type:
  datasource:

#############################################################################
#  Client section, used by the sign, create, revoke, clean and list
#  commands.
#############################################################################
url: http://localhost:8140
user: admin
password:
`
)

var (
	extraArgsError = "Unrecognized arguments found: %v\n\n%s"
)

// Initialize config
func (s *CACmd) configInit() (err error) {
	if !s.configRequired() {
		return nil
	}

	s.cfgFileName, s.homeDirectory, err = validateAndReturnAbsConf(s.cfgFileName, s.homeDirectory, cmdName)
	if err != nil {
		return err
	}

	s.v.AutomaticEnv()
	logLevel := s.v.GetString("loglevel")
	setLogLevel(logLevel)

	log.Debugf("Home directory: %s", s.homeDirectory)

	if !util.FileExists(s.cfgFileName) {
		err = s.createDefaultConfigFile()
		if err != nil {
			return errors.WithMessage(err, "Failed to create default configuration file")
		}
		log.Infof("Created default configuration file at %s", s.cfgFileName)
	} else {
		log.Infof("Configuration file location: %s", s.cfgFileName)
	}

	err = config.UnmarshalConfig(s.cfg, s.v, s.cfgFileName, true)
	if err != nil {
		return err
	}

	return config.UnmarshalConfig(s.clientCfg, s.v, s.cfgFileName, false)
}

func (s *CACmd) createDefaultConfigFile() error {
	cfg := strings.Replace(defaultCfgTemplate, "<<<VERSION>>>", metadata.Version, 1)
	cfgDir := filepath.Dir(s.cfgFileName)
	err := os.MkdirAll(cfgDir, 0755)
	if err != nil {
		return err
	}

	return ioutil.WriteFile(s.cfgFileName, []byte(cfg), 0644)
}

func setLogLevel(logLevel string) {
	switch strings.ToUpper(logLevel) {
	case "INFO":
		log.Level = log.LevelInfo
	case "WARNING":
		log.Level = log.LevelWarning
	case "DEBUG":
		log.Level = log.LevelDebug
	case "ERROR":
		log.Level = log.LevelError
	case "CRITICAL":
		log.Level = log.LevelCritical
	case "FATAL":
		log.Level = log.LevelFatal
	default:
		log.Level = log.LevelInfo
	}
}

// checks to see that there are no conflicts between the configuration file path and home directory.
// If no conflicts, returns back the absolute path for the configuration file and home directory.
func validateAndReturnAbsConf(configFilePath, homeDir, cmdName string) (string, string, error) {
	var err error
	var homeDirSet bool
	var configFileSet bool

	defaultConfig := defaultConfigFile()
	if configFilePath == "" {
		configFilePath = defaultConfig
	} else {
		configFileSet = true
	}

	if homeDir == "" {
		homeDir = filepath.Dir(defaultConfig)
	} else {
		homeDirSet = true
	}

	homeDir, err = filepath.Abs(homeDir)
	if err != nil {
		return "", "", errors.Wrap(err, "Failed to get full path of config file")
	}
	homeDir = strings.TrimRight(homeDir, string(os.PathSeparator))

	if configFileSet && homeDirSet {
		log.Warning("Using both --config and --home CLI flags; --config will take precedence")
	}

	if configFileSet {
		configFilePath, err = filepath.Abs(configFilePath)
		if err != nil {
			return "", "", errors.Wrap(err, "Failed to get full path of configuration file")
		}
		return configFilePath, filepath.Dir(configFilePath), nil
	}

	configFile := filepath.Join(homeDir, filepath.Base(defaultConfig))
	return configFile, homeDir, nil
}

func defaultConfigFile() string {
	fname := fmt.Sprintf("%s-config.yaml", cmdName)
	home := "."
	envs := []string{"FLEET_CA_SERVER_HOME", "FLEET_CA_HOME", "CA_CFG_PATH"}
	for _, env := range envs {
		envVal := os.Getenv(env)
		if envVal != "" {
			home = envVal
			break
		}
	}
	return filepath.Join(home, fname)
}
