package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFatalError(t *testing.T) {
	err := NewFatalError(25, "fatal error: %s", "server")
	assert.Equal(t, 25, err.code)
	assert.Equal(t, "fatal error: server", err.msg)

	assert.Equal(t, "Code: 25 - fatal error: server", err.Error())
}

func TestIsFatalError(t *testing.T) {
	ferr := NewFatalError(25, "fatal error: %s", "server")
	assert.True(t, IsFatalError(ferr))

	err := NewAuthenticationErr(11, "auth error: %s", "server")
	assert.False(t, IsFatalError(err))
}

func TestErrorList(t *testing.T) {
	list := &List{}
	assert.True(t, list.IsEmpty())
	assert.NoError(t, list.ErrorOrNil())

	list.Append(nil)
	assert.True(t, list.IsEmpty())

	list.Appendf("problem %d", 1)
	list.Append(NewValidationError("problem %d", 2))
	assert.False(t, list.IsEmpty())
	assert.Len(t, list.Errors, 2)
	assert.Error(t, list.ErrorOrNil())
	assert.Equal(t, "problem 1\nproblem 2", list.Error())

	// A nested list is flattened, not wrapped.
	nested := &List{}
	nested.Appendf("problem %d", 3)
	nested.Appendf("problem %d", 4)
	list.Append(nested)
	assert.Len(t, list.Errors, 4)
	assert.Equal(t, "problem 1\nproblem 2\nproblem 3\nproblem 4", list.Error())
}

func TestValidationErrorRaw(t *testing.T) {
	err := &ValidationError{Reason: "could not parse certificate", Raw: "-----BEGIN CERTIFICATE-----"}
	assert.Contains(t, err.Error(), "could not parse certificate")
	assert.Contains(t, err.Error(), "BEGIN CERTIFICATE")
}

func TestInvalidNameError(t *testing.T) {
	err := &InvalidNameError{Name: "UPPER"}
	assert.Contains(t, err.Error(), "UPPER")
}

func TestLedgerCorruptError(t *testing.T) {
	err := &LedgerCorruptError{Path: "serial", Msg: "not valid hex"}
	assert.Equal(t, "Corrupt ledger serial: not valid hex", err.Error())

	err = &LedgerCorruptError{Path: "inventory.txt", Line: 3, Msg: "wrong field count"}
	assert.Equal(t, "Corrupt ledger inventory.txt line 3: wrong field count", err.Error())
}
