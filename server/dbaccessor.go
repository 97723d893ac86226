package server

import (
	"database/sql"
	"fmt"

	"github.com/cloudflare/cfssl/log"
	"github.com/kisielk/sqlstruct"
	dbutil "github.com/nodefleet/fleet-ca/db"
	caerrors "github.com/nodefleet/fleet-ca/errors"
	"github.com/pkg/errors"
)

func init() {
	sqlstruct.TagName = "db"
}

const (
	insertCert = `
INSERT INTO certificates (certname, serial_number, expiry, pem)
VALUES (:certname, :serial_number, :expiry, :pem);`

	deleteCert = `
DELETE FROM certificates
	WHERE (certname = ?);`

	getCert = `
SELECT %s FROM certificates
	WHERE (certname = ?)
	ORDER BY serial_number DESC
	LIMIT 1;`
)

// Accessor is the database-backed certificate registry
type Accessor struct {
	db *dbutil.DB
}

// NewDBAccessor is a constructor for the database registry
func NewDBAccessor(db *dbutil.DB) *Accessor {
	return &Accessor{db}
}

func (d *Accessor) checkDB() error {
	if d.db == nil {
		return errors.New("Failed to correctly setup database connection")
	}
	return nil
}

// PutCertificate stores one signed certificate
func (d *Accessor) PutCertificate(certname, serial, expiry string, pem []byte) error {
	log.Debugf("DB: Store certificate for %s", certname)
	err := d.checkDB()
	if err != nil {
		return err
	}

	res, err := d.db.NamedExec(insertCert, &dbutil.CertRecord{
		Certname:     certname,
		SerialNumber: serial,
		Expiry:       expiry,
		PEM:          string(pem),
	})
	if err != nil {
		return errors.Wrapf(err, "Error storing certificate for '%s' in the database", certname)
	}

	numRowsAffected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if numRowsAffected != 1 {
		return errors.Errorf("Expected to affect 1 entry in certificates table but affected %d", numRowsAffected)
	}
	return nil
}

// GetCertificate retrieves the most recently issued certificate for a
// certname
func (d *Accessor) GetCertificate(certname string) ([]byte, error) {
	log.Debugf("DB: Get certificate for %s", certname)
	err := d.checkDB()
	if err != nil {
		return nil, err
	}

	var rec dbutil.CertRecord
	query := fmt.Sprintf(getCert, sqlstruct.Columns(rec))
	err = d.db.Get(&rec, d.db.Rebind(query), certname)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, caerrors.NewHTTPErr(404, caerrors.ErrCertNotFound, "Certificate for '%s' not found", certname)
		}
		return nil, caerrors.NewHTTPErr(500, caerrors.ErrDBGet, "Failed to get certificate for '%s': %s", certname, err)
	}
	return []byte(rec.PEM), nil
}

// DeleteCertificate removes every stored certificate for a certname
func (d *Accessor) DeleteCertificate(certname string) error {
	log.Debugf("DB: Delete certificates for %s", certname)
	err := d.checkDB()
	if err != nil {
		return err
	}

	_, err = d.db.Exec(d.db.Rebind(deleteCert), certname)
	if err != nil {
		return caerrors.NewHTTPErr(500, caerrors.ErrDBDeleteCert, "Failed to delete certificates for '%s': %s", certname, err)
	}
	return nil
}
