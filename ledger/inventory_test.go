package ledger_test

import (
	"io/ioutil"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nodefleet/fleet-ca/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeInventory(t *testing.T, lines string) string {
	dir, err := ioutil.TempDir("", "inventory")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	path := filepath.Join(dir, "inventory.txt")
	require.NoError(t, ioutil.WriteFile(path, []byte(lines), 0644))
	return path
}

func TestParseInventoryFile(t *testing.T) {
	path := writeInventory(t, `0x0002 2020-01-01T00:00:00UTC 2025-01-01T00:00:00UTC /CN=node1.example.org

0x0003 2020-06-01T00:00:00UTC 2026-01-01T00:00:00UTC /CN=node2.example.org
`)

	inv, errs := ledger.ParseInventoryFile(path)
	assert.True(t, errs.IsEmpty())
	require.Len(t, inv, 2)

	rec := inv["node1.example.org"]
	require.NotNil(t, rec)
	assert.Equal(t, int64(2), rec.Serial.Int64())
	assert.Equal(t, 2020, rec.NotBefore.Year())
	assert.Equal(t, 2025, rec.NotAfter.Year())
	assert.Empty(t, rec.OldSerials)
}

func TestParseInventoryLaterNotAfterWins(t *testing.T) {
	older := "0x0002 2020-01-01T00:00:00UTC 2024-01-01T00:00:00UTC /CN=node1.example.org\n"
	newer := "0x0005 2021-01-01T00:00:00UTC 2026-01-01T00:00:00UTC /CN=node1.example.org\n"

	// The record with the later not_after becomes current regardless of
	// line order; the other serial lands in OldSerials exactly once.
	for _, lines := range []string{older + newer, newer + older} {
		inv, errs := ledger.ParseInventoryFile(writeInventory(t, lines))
		assert.True(t, errs.IsEmpty())

		rec := inv["node1.example.org"]
		require.NotNil(t, rec)
		assert.Equal(t, int64(5), rec.Serial.Int64())
		assert.Equal(t, 2026, rec.NotAfter.Year())
		require.Len(t, rec.OldSerials, 1)
		assert.Equal(t, int64(2), rec.OldSerials[0].Int64())
	}
}

func TestParseInventoryMalformedLines(t *testing.T) {
	path := writeInventory(t, `0x0002 2020-01-01T00:00:00UTC 2025-01-01T00:00:00UTC /CN=good.example.org
0x0003 2020-01-01T00:00:00UTC 2025-01-01T00:00:00UTC
zzzz 2020-01-01T00:00:00UTC 2025-01-01T00:00:00UTC /CN=badserial.example.org
0x0004 not-a-time 2025-01-01T00:00:00UTC /CN=badtime.example.org
0x0005 2020-01-01T00:00:00UTC 2025-01-01T00:00:00UTC noprefix.example.org
0x0006 2020-01-01T00:00:00UTC 2025-01-01T00:00:00UTC /CN=alsogood.example.org
`)

	inv, errs := ledger.ParseInventoryFile(path)
	assert.Len(t, errs.Errors, 4)

	// Good lines survive around the bad ones.
	require.Len(t, inv, 2)
	assert.NotNil(t, inv["good.example.org"])
	assert.NotNil(t, inv["alsogood.example.org"])
}

func TestParseInventoryMissingFile(t *testing.T) {
	inv, errs := ledger.ParseInventoryFile("no-such-inventory.txt")
	assert.Empty(t, inv)
	require.Len(t, errs.Errors, 1)
	assert.Contains(t, errs.Errors[0].Error(), "not found")
}

func TestAppendEntryRoundTrip(t *testing.T) {
	dir, err := ioutil.TempDir("", "inventory")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "inventory.txt")

	notBefore := time.Date(2022, 3, 4, 5, 6, 7, 0, time.UTC)
	notAfter := notBefore.AddDate(5, 0, 0)
	require.NoError(t, ledger.AppendEntry(path, big.NewInt(28), notBefore, notAfter, "node.example.org"))
	require.NoError(t, ledger.AppendEntry(path, big.NewInt(29), notBefore, notAfter.AddDate(1, 0, 0), "node.example.org"))

	inv, errs := ledger.ParseInventoryFile(path)
	assert.True(t, errs.IsEmpty())

	rec := inv["node.example.org"]
	require.NotNil(t, rec)
	assert.Equal(t, int64(29), rec.Serial.Int64())
	assert.Equal(t, notBefore, rec.NotBefore)
	require.Len(t, rec.OldSerials, 1)
	assert.Equal(t, int64(28), rec.OldSerials[0].Int64())
}

func TestFormatEntry(t *testing.T) {
	notBefore := time.Date(2022, 3, 4, 5, 6, 7, 0, time.UTC)
	notAfter := notBefore.AddDate(5, 0, 0)
	line := ledger.FormatEntry(big.NewInt(28), notBefore, notAfter, "node.example.org")
	assert.Equal(t, "0x001c 2022-03-04T05:06:07UTC 2027-03-04T05:06:07UTC /CN=node.example.org\n", line)
}
