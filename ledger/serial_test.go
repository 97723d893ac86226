package ledger_test

import (
	"io/ioutil"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	caerrors "github.com/nodefleet/fleet-ca/errors"
	"github.com/nodefleet/fleet-ca/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextSerialHexForms(t *testing.T) {
	dir, err := ioutil.TempDir("", "serial")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "serial")

	for _, content := range []string{"1c", "0x1c", "0X1C", " 1C\n"} {
		require.NoError(t, ioutil.WriteFile(path, []byte(content), 0644))
		serial, err := ledger.NextSerial(path)
		require.NoError(t, err, "content %q", content)
		assert.Equal(t, int64(28), serial.Int64(), "content %q", content)
	}
}

func TestSerialRoundTrip(t *testing.T) {
	dir, err := ioutil.TempDir("", "serial")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "serial")

	for _, n := range []int64{0, 1, 15, 16, 255, 4096, 1<<40 + 7} {
		require.NoError(t, ledger.UpdateSerialFile(path, big.NewInt(n)))

		data, err := ioutil.ReadFile(path)
		require.NoError(t, err)
		content := string(data)
		assert.NotContains(t, content, "0x")
		assert.Equal(t, content, string([]byte(content)))

		serial, err := ledger.NextSerial(path)
		require.NoError(t, err)
		assert.Equal(t, n, serial.Int64())
	}
}

func TestNextSerialCorrupt(t *testing.T) {
	dir, err := ioutil.TempDir("", "serial")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "serial")
	require.NoError(t, ioutil.WriteFile(path, []byte("not-hex"), 0644))

	_, err = ledger.NextSerial(path)
	require.Error(t, err)
	_, ok := err.(*caerrors.LedgerCorruptError)
	assert.True(t, ok, "expected LedgerCorruptError, got %T", err)

	// Negative values are never written; reject them on read too.
	require.NoError(t, ioutil.WriteFile(path, []byte("-1c"), 0644))
	_, err = ledger.NextSerial(path)
	assert.Error(t, err)
}

func TestNextSerialMissingFile(t *testing.T) {
	_, err := ledger.NextSerial("does-not-exist")
	assert.Error(t, err)
}
