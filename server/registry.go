package server

import (
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/cloudflare/cfssl/log"
	dbutil "github.com/nodefleet/fleet-ca/db"
	caerrors "github.com/nodefleet/fleet-ca/errors"
	"github.com/nodefleet/fleet-ca/util"
	"github.com/pkg/errors"
)

// CertificateRegistry stores the PEM of every signed certificate so it
// can be fetched and cleaned later. Backed by the database when one is
// configured, by files under the CA directory otherwise.
type CertificateRegistry interface {
	PutCertificate(certname, serial, expiry string, pem []byte) error
	GetCertificate(certname string) ([]byte, error)
	DeleteCertificate(certname string) error
}

func (s *Server) initRegistry() error {
	dbCfg := s.Config.DB
	switch dbCfg.Type {
	case "":
		dir := filepath.Join(s.Config.CACfg.CADir, "signed")
		log.Debugf("Using file-backed certificate registry in %s", dir)
		if err := util.EnsureDir(dir, 0755); err != nil {
			return err
		}
		s.registry = &fileRegistry{dir: dir}
		return nil
	case "mysql":
		db, err := dbutil.NewCertStoreMySQL(dbCfg.Datasource)
		if err != nil {
			return caerrors.NewHTTPErr(500, caerrors.ErrConnectingDB, "Failed to connect to MySQL: %s", err)
		}
		s.registry = NewDBAccessor(db)
		return nil
	case "postgres":
		db, err := dbutil.NewCertStorePostgres(dbCfg.Datasource)
		if err != nil {
			return caerrors.NewHTTPErr(500, caerrors.ErrConnectingDB, "Failed to connect to Postgres: %s", err)
		}
		s.registry = NewDBAccessor(db)
		return nil
	default:
		return errors.Errorf("Invalid db.type in config file: '%s'; must be 'mysql' or 'postgres'", dbCfg.Type)
	}
}

// fileRegistry keeps one PEM file per certname in a directory.
type fileRegistry struct {
	dir string
}

func (f *fileRegistry) path(certname string) (string, error) {
	if certname == "" || filepath.Base(certname) != certname {
		return "", errors.Errorf("Invalid certname '%s'", certname)
	}
	return filepath.Join(f.dir, certname+".pem"), nil
}

func (f *fileRegistry) PutCertificate(certname, serial, expiry string, pem []byte) error {
	path, err := f.path(certname)
	if err != nil {
		return err
	}
	return util.WriteFileAtomic(path, pem, 0644)
}

func (f *fileRegistry) GetCertificate(certname string) ([]byte, error) {
	path, err := f.path(certname)
	if err != nil {
		return nil, err
	}
	pem, err := ioutil.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, caerrors.NewHTTPErr(404, caerrors.ErrCertNotFound, "Certificate for '%s' not found", certname)
		}
		return nil, errors.Wrapf(err, "Failed to read certificate for '%s'", certname)
	}
	return pem, nil
}

func (f *fileRegistry) DeleteCertificate(certname string) error {
	path, err := f.path(certname)
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "Failed to delete certificate for '%s'", certname)
	}
	return nil
}
