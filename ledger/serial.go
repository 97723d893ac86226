// Package ledger maintains the on-disk bookkeeping for issued
// certificates: the serial counter file and the certname inventory.
// Both are plain text files replaced atomically on write so a crash
// mid-write can never corrupt them.
package ledger

import (
	"io/ioutil"
	"math/big"
	"strings"

	caerrors "github.com/nodefleet/fleet-ca/errors"
	"github.com/nodefleet/fleet-ca/util"
	"github.com/pkg/errors"
)

// NextSerial reads the serial counter file and returns its value.
// The file holds a single hexadecimal integer; an optional 0x/0X prefix
// and mixed case are tolerated on read.
func NextSerial(path string) (*big.Int, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to read serial file '%s'", path)
	}

	content := strings.TrimSpace(string(data))
	content = strings.TrimPrefix(content, "0x")
	content = strings.TrimPrefix(content, "0X")

	serial, ok := new(big.Int).SetString(content, 16)
	if !ok || serial.Sign() < 0 {
		return nil, &caerrors.LedgerCorruptError{
			Path: path,
			Msg:  "content is not a valid hexadecimal serial",
		}
	}
	return serial, nil
}

// UpdateSerialFile replaces the serial counter file with 'serial',
// written as lowercase hex with no radix prefix. The replacement is
// atomic; no reader can observe a truncated or partial value.
func UpdateSerialFile(path string, serial *big.Int) error {
	return util.WriteFileAtomic(path, []byte(serial.Text(16)+"\n"), 0644)
}
