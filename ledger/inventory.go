package ledger

import (
	"bufio"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	caerrors "github.com/nodefleet/fleet-ca/errors"
	"github.com/pkg/errors"
)

// Inventory file lines carry exactly four whitespace-separated fields:
// hex serial, not-before timestamp, not-after timestamp, /CN=<certname>.
const (
	inventoryFields = 4
	certnamePrefix  = "/CN="

	// timeLayout is the original strftime form the inventory has always
	// used; RFC3339 is accepted as a fallback on read.
	timeLayout = "2006-01-02T15:04:05MST"
)

// Record is the inventory entry for one certname. Serial, NotBefore and
// NotAfter track the line with the latest not-after seen; every other
// serial ever seen for the certname is preserved in OldSerials in
// encounter order.
type Record struct {
	Serial     *big.Int
	NotBefore  time.Time
	NotAfter   time.Time
	OldSerials []*big.Int
}

// Inventory maps certname to its current record.
type Inventory map[string]*Record

// ParseInventoryFile reads the inventory at 'path'. Malformed lines are
// reported against their line number and skipped; parsing continues and
// the (possibly partial) inventory is returned together with the
// collected errors. A missing file yields an empty inventory and an
// "inventory not found" error.
func ParseInventoryFile(path string) (Inventory, *caerrors.List) {
	errs := &caerrors.List{}
	inv := Inventory{}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			errs.Appendf("Inventory file '%s' not found", path)
		} else {
			errs.Append(errors.Wrapf(err, "Failed to open inventory file '%s'", path))
		}
		return inv, errs
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		serial, notBefore, notAfter, certname, err := parseInventoryLine(line)
		if err != nil {
			errs.Append(&caerrors.LedgerCorruptError{Path: path, Line: lineno, Msg: err.Error()})
			continue
		}
		inv.Add(certname, serial, notBefore, notAfter)
	}
	if err := scanner.Err(); err != nil {
		errs.Append(errors.Wrapf(err, "Failed reading inventory file '%s'", path))
	}

	return inv, errs
}

// Add records an issuance for certname. When the certname is already
// present the record with the later not-after becomes current and the
// superseded serial is appended to OldSerials; entries are never
// dropped, only reclassified.
func (inv Inventory) Add(certname string, serial *big.Int, notBefore, notAfter time.Time) {
	existing, ok := inv[certname]
	if !ok {
		inv[certname] = &Record{Serial: serial, NotBefore: notBefore, NotAfter: notAfter}
		return
	}

	if notAfter.After(existing.NotAfter) {
		existing.OldSerials = append(existing.OldSerials, existing.Serial)
		existing.Serial = serial
		existing.NotBefore = notBefore
		existing.NotAfter = notAfter
	} else {
		existing.OldSerials = append(existing.OldSerials, serial)
	}
}

func parseInventoryLine(line string) (*big.Int, time.Time, time.Time, string, error) {
	var zero time.Time

	fields := strings.Fields(line)
	if len(fields) != inventoryFields {
		return nil, zero, zero, "", errors.Errorf("expected %d fields, found %d", inventoryFields, len(fields))
	}

	serialField := strings.TrimPrefix(strings.TrimPrefix(fields[0], "0x"), "0X")
	serial, ok := new(big.Int).SetString(serialField, 16)
	if !ok {
		return nil, zero, zero, "", errors.Errorf("'%s' is not a valid hexadecimal serial", fields[0])
	}

	notBefore, err := parseInventoryTime(fields[1])
	if err != nil {
		return nil, zero, zero, "", errors.Errorf("'%s' is not a valid timestamp", fields[1])
	}
	notAfter, err := parseInventoryTime(fields[2])
	if err != nil {
		return nil, zero, zero, "", errors.Errorf("'%s' is not a valid timestamp", fields[2])
	}

	if !strings.HasPrefix(fields[3], certnamePrefix) {
		return nil, zero, zero, "", errors.Errorf("certname '%s' is not prefixed with %s", fields[3], certnamePrefix)
	}
	certname := strings.TrimPrefix(fields[3], certnamePrefix)

	return serial, notBefore, notAfter, certname, nil
}

func parseInventoryTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

// FormatEntry renders one inventory line for an issued certificate.
func FormatEntry(serial *big.Int, notBefore, notAfter time.Time, certname string) string {
	return fmt.Sprintf("0x%04x %s %s %s%s\n",
		serial,
		notBefore.UTC().Format(timeLayout),
		notAfter.UTC().Format(timeLayout),
		certnamePrefix, certname)
}

// AppendEntry appends one issuance record to the inventory file,
// creating it if absent. The inventory is append-oriented; entries are
// never removed by the engine.
func AppendEntry(path string, serial *big.Int, notBefore, notAfter time.Time, certname string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrapf(err, "Failed to open inventory file '%s'", path)
	}
	defer f.Close()

	if _, err = f.WriteString(FormatEntry(serial, notBefore, notAfter, certname)); err != nil {
		return errors.Wrapf(err, "Failed to append to inventory file '%s'", path)
	}
	return nil
}
