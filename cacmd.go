package main

import (
	"encoding/pem"
	"fmt"
	"io/ioutil"
	"path/filepath"
	"strings"

	"github.com/cloudflare/cfssl/log"
	"github.com/nodefleet/fleet-ca/api"
	"github.com/nodefleet/fleet-ca/ca"
	"github.com/nodefleet/fleet-ca/client"
	"github.com/nodefleet/fleet-ca/config"
	caerrors "github.com/nodefleet/fleet-ca/errors"
	"github.com/nodefleet/fleet-ca/metadata"
	"github.com/nodefleet/fleet-ca/server"
	"github.com/nodefleet/fleet-ca/util"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	version = "version"
)

// CACmd encapsulates the cobra command that provides the command line
// interface for the fleet-ca server and client actions
type CACmd struct {
	name          string
	rootCmd       *cobra.Command
	v             *viper.Viper
	cfgFileName   string
	homeDirectory string
	cfg           *config.ServerConfig
	clientCfg     *config.ClientConfig

	// import flags
	certBundle string
	crlChain   string
	privateKey string

	// sign and create flags
	csrFile         string
	subjectAltNames string
	authorized      bool
	outDir          string
}

// NewCommand returns a new CACmd ready for running
func NewCommand(name string) *CACmd {
	s := &CACmd{
		name: name,
		v:    viper.New(),
	}
	s.init()
	return s
}

// Execute runs this CACmd
func (s *CACmd) Execute() error {
	return s.rootCmd.Execute()
}

func (s *CACmd) init() {
	// root command
	rootCmd := &cobra.Command{
		Use:   cmdName,
		Short: longName,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			err := s.configInit()
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true
			if s.v.GetBool("debug") {
				log.Level = log.LevelDebug
			}
			return nil
		},
	}
	s.rootCmd = rootCmd

	setupCmd := &cobra.Command{
		Use:   "setup",
		Short: "Generate a root and intermediate signing CA",
		Long:  "Generate the root and intermediate CA key material, certificate revocation lists and ledgers if they don't already exist",
	}
	setupCmd.RunE = func(cmd *cobra.Command, args []string) error {
		if len(args) > 0 {
			return errors.Errorf(extraArgsError, args, setupCmd.UsageString())
		}
		theCA, err := s.getCA()
		if err != nil {
			return err
		}
		err = theCA.Setup()
		if err != nil {
			return err
		}
		log.Info("Setup was successful")
		return nil
	}
	s.rootCmd.AddCommand(setupCmd)

	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Import an externally produced CA into the working directory",
		Long:  "Validate an externally produced certificate bundle, CRL chain and signing key, and install them as this server's CA",
	}
	importCmd.RunE = func(cmd *cobra.Command, args []string) error {
		if len(args) > 0 {
			return errors.Errorf(extraArgsError, args, importCmd.UsageString())
		}
		theCA, err := s.getCA()
		if err != nil {
			return err
		}
		err = theCA.Import(s.certBundle, s.crlChain, s.privateKey)
		if err != nil {
			return err
		}
		log.Info("Import was successful")
		return nil
	}
	importCmd.Flags().StringVar(&s.certBundle, "cert-bundle", "", "PEM file containing the signing certificate and any chain")
	importCmd.Flags().StringVar(&s.crlChain, "crl-chain", "", "PEM file containing the CRLs of the bundle's certificates (optional; an empty CRL is generated when omitted)")
	importCmd.Flags().StringVar(&s.privateKey, "private-key", "", "PEM file containing the signing certificate's private key")
	importCmd.MarkFlagRequired("cert-bundle")
	importCmd.MarkFlagRequired("private-key")
	s.rootCmd.AddCommand(importCmd)

	startCmd := &cobra.Command{
		Use:   "start",
		Short: fmt.Sprintf("Start the %s server", shortName),
	}
	startCmd.RunE = func(cmd *cobra.Command, args []string) error {
		if len(args) > 0 {
			return errors.Errorf(extraArgsError, args, startCmd.UsageString())
		}
		err := s.getServer().Start()
		if err != nil {
			if caerrors.IsFatalError(err) {
				util.Fatal("Server start failure: %s", err)
			}
			return err
		}
		return nil
	}
	s.rootCmd.AddCommand(startCmd)

	signCmd := &cobra.Command{
		Use:   "sign <certname>",
		Short: "Submit a certificate signing request to the server",
		Args:  cobra.ExactArgs(1),
	}
	signCmd.RunE = func(cmd *cobra.Command, args []string) error {
		certname := args[0]
		err := ca.CheckCertname(certname)
		if err != nil {
			return err
		}
		csrPEM, err := ioutil.ReadFile(s.csrFile)
		if err != nil {
			return errors.Wrapf(err, "Failed to read CSR file '%s'", s.csrFile)
		}
		certPEM, err := s.getClient().SignCert(certname, &api.SignRequest{
			CertificateRequest: string(csrPEM),
			SubjectAltNames:    s.subjectAltNames,
			Authorized:         s.authorized,
		})
		if err != nil {
			return err
		}
		log.Infof("Signed certificate for %s", certname)
		fmt.Print(certPEM)
		return nil
	}
	signCmd.Flags().StringVar(&s.csrFile, "csr", "", "PEM file containing the certificate signing request")
	signCmd.Flags().StringVar(&s.subjectAltNames, "subject-alt-names", "", "Comma-separated subject alternative names to include in the certificate")
	signCmd.Flags().BoolVar(&s.authorized, "authorized", false, "Mark the certificate as an authorized extension request")
	signCmd.MarkFlagRequired("csr")
	s.rootCmd.AddCommand(signCmd)

	createCmd := &cobra.Command{
		Use:   "create <certname>",
		Short: "Generate a key and signed certificate for a named node",
		Long:  "Generate a private key and certificate signing request locally, have the server sign it, and write both key and certificate to the output directory",
		Args:  cobra.ExactArgs(1),
	}
	createCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return s.createCert(args[0])
	}
	createCmd.Flags().StringVar(&s.outDir, "out-dir", "", "Directory the key and certificate are written to (default: the home directory)")
	createCmd.Flags().StringVar(&s.subjectAltNames, "subject-alt-names", "", "Comma-separated subject alternative names to include in the certificate")
	createCmd.Flags().BoolVar(&s.authorized, "authorized", false, "Mark the certificate as an authorized extension request")
	s.rootCmd.AddCommand(createCmd)

	revokeCmd := &cobra.Command{
		Use:   "revoke <certname>",
		Short: "Revoke all certificates issued to a named node",
		Args:  cobra.ExactArgs(1),
	}
	revokeCmd.RunE = func(cmd *cobra.Command, args []string) error {
		certname := args[0]
		err := ca.CheckCertname(certname)
		if err != nil {
			return err
		}
		msg, err := s.getClient().RevokeCert(certname)
		if err != nil {
			return err
		}
		log.Info(msg)
		return nil
	}
	s.rootCmd.AddCommand(revokeCmd)

	cleanCmd := &cobra.Command{
		Use:   "clean <certname>",
		Short: "Revoke a named node's certificates and remove them from the server",
		Args:  cobra.ExactArgs(1),
	}
	cleanCmd.RunE = func(cmd *cobra.Command, args []string) error {
		certname := args[0]
		err := ca.CheckCertname(certname)
		if err != nil {
			return err
		}
		msg, err := s.getClient().CleanCert(certname)
		if err != nil {
			return err
		}
		log.Info(msg)
		return nil
	}
	s.rootCmd.AddCommand(cleanCmd)

	listCmd := &cobra.Command{
		Use:   "list [certname]",
		Short: "List the status of issued certificates",
		Args:  cobra.MaximumNArgs(1),
	}
	listCmd.RunE = func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			status, err := s.getClient().Status(args[0])
			if err != nil {
				return err
			}
			printStatuses([]api.CertificateStatus{*status})
			return nil
		}
		statuses, err := s.getClient().Statuses()
		if err != nil {
			return err
		}
		printStatuses(statuses)
		return nil
	}
	s.rootCmd.AddCommand(listCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: fmt.Sprintf("Prints %s version", shortName),
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(metadata.GetVersionInfo(cmdName))
		},
	}
	s.rootCmd.AddCommand(versionCmd)
	s.registerFlags()
}

// registers command flags with viper
func (s *CACmd) registerFlags() {
	cfg := defaultConfigFile()

	s.v.SetEnvPrefix(envVarPrefix)
	s.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	pflags := s.rootCmd.PersistentFlags()
	pflags.StringVarP(&s.cfgFileName, "config", "c", "", "Configuration file")
	pflags.MarkHidden("config")
	pflags.StringVarP(&s.homeDirectory, "home", "H", "", fmt.Sprintf("Server's home directory (default \"%s\")", filepath.Dir(cfg)))

	s.cfg = &config.ServerConfig{}
	err := util.RegisterFlags(s.v, pflags, s.cfg)
	if err != nil {
		panic(err)
	}

	err = util.RegisterFlags(s.v, pflags, &s.cfg.CACfg)
	if err != nil {
		panic(err)
	}

	s.clientCfg = &config.ClientConfig{}
	err = util.RegisterFlags(s.v, pflags, s.clientCfg)
	if err != nil {
		panic(err)
	}
}

// Configuration file is not required for some commands like version
func (s *CACmd) configRequired() bool {
	return s.name != version
}

// getServer returns a server.Server for the start command
func (s *CACmd) getServer() *server.Server {
	return &server.Server{
		HomeDir: s.homeDirectory,
		Config:  s.cfg,
	}
}

// getCA returns the CA instance for the setup and import commands
func (s *CACmd) getCA() (*ca.CA, error) {
	return ca.NewCA(s.homeDirectory, &s.cfg.CACfg)
}

// getClient returns a client for the remote commands
func (s *CACmd) getClient() *client.Client {
	return &client.Client{
		HomeDir: s.homeDirectory,
		Config:  s.clientCfg,
	}
}

// createCert generates a key and CSR for certname, has the server sign
// the CSR and writes the key and certificate next to each other
func (s *CACmd) createCert(certname string) error {
	err := ca.CheckCertname(certname)
	if err != nil {
		return err
	}

	keylength := s.cfg.CACfg.Keylength
	key, err := ca.CreatePrivateKey(keylength)
	if err != nil {
		return err
	}
	csr, err := ca.CreateCSR(certname, key, nil)
	if err != nil {
		return err
	}
	csrPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: csr.Raw})

	certPEM, err := s.getClient().SignCert(certname, &api.SignRequest{
		CertificateRequest: string(csrPEM),
		SubjectAltNames:    s.subjectAltNames,
		Authorized:         s.authorized,
	})
	if err != nil {
		return err
	}

	outDir := s.outDir
	if outDir == "" {
		outDir = s.homeDirectory
	}
	keyPEM, err := util.KeyToPEM(key)
	if err != nil {
		return err
	}
	keyFile := filepath.Join(outDir, certname+"_key.pem")
	err = util.WriteFileAtomic(keyFile, keyPEM, 0640)
	if err != nil {
		return err
	}
	certFile := filepath.Join(outDir, certname+"_crt.pem")
	err = util.WriteFileAtomic(certFile, []byte(certPEM), 0644)
	if err != nil {
		return err
	}

	log.Infof("Wrote key to %s and certificate to %s", keyFile, certFile)
	return nil
}

func printStatuses(statuses []api.CertificateStatus) {
	for _, status := range statuses {
		fmt.Printf("%-40s %-8s %-12s expires %s", status.Name, status.State, status.SerialNumber, status.NotAfter)
		if len(status.OldSerials) > 0 {
			fmt.Printf(" (superseded %s)", strings.Join(status.OldSerials, ", "))
		}
		fmt.Println()
	}
}
