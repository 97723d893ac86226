// Package errors defines the error taxonomy used by the fleet-ca engine
// and the HTTP error envelope used by the REST layer.
package errors

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/pkg/errors"
)

// Error codes
var (
	// Unknown error code
	ErrUnknown = 0
	// Error connecting to database
	ErrConnectingDB = 51
	// Error when the server cannot bind its listen address
	ErrServerStart = 52
	// Error occured when making a Get request to database
	ErrDBGet = 63
	// Error occured while deleting certificate record
	ErrDBDeleteCert = 65
	// Error when a request body cannot be read
	ErrReadingReqBody = 70
	// Error when a request body is empty
	ErrEmptyReqBody = 71
	// Error when a request body is malformed
	ErrBadReqBody = 72
	// Error when a CSR in a sign request is malformed
	ErrBadCSR = 73
	// Error when a certname fails validation
	ErrBadCertname = 74
	// Error when a requested certificate record does not exist
	ErrCertNotFound = 75
	// Error when credentials are missing or wrong
	ErrAuthFailure = 76
	// Error while signing or revoking a certificate
	ErrCAOperation = 77
)

// InvalidNameError reports a certname that violates the lowercase,
// non-empty precondition. Names are never silently lowercased; callers
// validate at the boundary and violated inputs fail here.
type InvalidNameError struct {
	Name string
}

func (e *InvalidNameError) Error() string {
	return fmt.Sprintf("Certname '%s' must be a non-empty lowercase string", e.Name)
}

// CryptoError reports a failure of an underlying cryptographic
// operation (key generation, signing, digest selection).
type CryptoError struct {
	Op  string
	Err error
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("Crypto operation '%s' failed: %s", e.Op, e.Err)
}

// Cause returns the underlying error
func (e *CryptoError) Cause() error { return e.Err }

// ChainError reports a key/certificate/issuer mismatch.
type ChainError struct {
	Msg string
}

func (e *ChainError) Error() string { return e.Msg }

// NewChainError constructs a ChainError
func NewChainError(format string, args ...interface{}) *ChainError {
	return &ChainError{Msg: fmt.Sprintf(format, args...)}
}

// LedgerCorruptError reports unparsable serial or inventory content.
// Line is zero when the whole file (rather than one line) is at fault.
type LedgerCorruptError struct {
	Path string
	Line int
	Msg  string
}

func (e *LedgerCorruptError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("Corrupt ledger %s line %d: %s", e.Path, e.Line, e.Msg)
	}
	return fmt.Sprintf("Corrupt ledger %s: %s", e.Path, e.Msg)
}

// ValidationError is a trust-chain or import rejection. Raw, when
// non-empty, carries the offending input block for operator diagnosis.
type ValidationError struct {
	Reason string
	Raw    string
}

func (e *ValidationError) Error() string {
	if e.Raw != "" {
		return fmt.Sprintf("%s:\n%s", e.Reason, e.Raw)
	}
	return e.Reason
}

// NewValidationError constructs a ValidationError without raw content
func NewValidationError(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// List collects multiple independent problems so an operator can fix
// them all in one pass. Parsing and validation paths append to a List
// instead of aborting on the first failure.
type List struct {
	Errors []error
}

// Append adds an error to the list; nil errors are ignored and nested
// lists are flattened so callers can collect from sub-steps directly.
func (l *List) Append(err error) {
	if err == nil {
		return
	}
	if nested, ok := err.(*List); ok {
		l.Errors = append(l.Errors, nested.Errors...)
		return
	}
	l.Errors = append(l.Errors, err)
}

// Appendf formats and adds an error to the list
func (l *List) Appendf(format string, args ...interface{}) {
	l.Errors = append(l.Errors, errors.Errorf(format, args...))
}

// IsEmpty returns true if no errors were collected
func (l *List) IsEmpty() bool { return len(l.Errors) == 0 }

// ErrorOrNil returns the list as an error, or nil when empty
func (l *List) ErrorOrNil() error {
	if l.IsEmpty() {
		return nil
	}
	return l
}

func (l *List) Error() string {
	msgs := make([]string, len(l.Errors))
	for i, err := range l.Errors {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "\n")
}

// CreateHTTPErr constructs a new HTTP error.
func CreateHTTPErr(scode, code int, format string, args ...interface{}) *HTTPErr {
	msg := fmt.Sprintf(format, args...)
	return &HTTPErr{
		scode: scode,
		lcode: code,
		lmsg:  msg,
		rcode: code,
		rmsg:  msg,
	}
}

// NewHTTPErr constructs a new HTTP error wrappered with pkg/errors error.
func NewHTTPErr(scode, code int, format string, args ...interface{}) error {
	return errors.Wrap(CreateHTTPErr(scode, code, format, args...), "")
}

// NewAuthenticationErr constructs an HTTP error specific to an authentication failure
func NewAuthenticationErr(code int, format string, args ...interface{}) error {
	he := CreateHTTPErr(401, code, format, args...)
	he.Remote(ErrAuthFailure, "Authentication failure")
	return errors.Wrap(he, "")
}

// HTTPErr is an HTTP error.
type HTTPErr struct {
	scode int    // HTTP status code.
	lcode int    // local error code.
	lmsg  string // local error message.
	rcode int    // remote error code.
	rmsg  string // remote error message.
}

// Error returns the string representation
func (he *HTTPErr) Error() string {
	return he.String()
}

// String returns a string representation of this augmented error
func (he *HTTPErr) String() string {
	if he.lcode == he.rcode && he.lmsg == he.rmsg {
		return fmt.Sprintf("scode: %d, code: %d, msg: %s", he.scode, he.lcode, he.lmsg)
	}
	return fmt.Sprintf("scode: %d, local code: %d, local msg: %s, remote code: %d, remote msg: %s",
		he.scode, he.lcode, he.lmsg, he.rcode, he.rmsg)
}

// Remote sets the remote code and message to something different from that of the local code and message
func (he *HTTPErr) Remote(code int, format string, args ...interface{}) *HTTPErr {
	he.rcode = code
	he.rmsg = fmt.Sprintf(format, args...)
	return he
}

// GetStatusCode returns the HTTP status code
func (he *HTTPErr) GetStatusCode() int { return he.scode }

// GetLocalCode returns the local error code
func (he *HTTPErr) GetLocalCode() int { return he.lcode }

// GetLocalMsg returns the local error message
func (he *HTTPErr) GetLocalMsg() string { return he.lmsg }

// GetRemoteCode returns the remote error code
func (he *HTTPErr) GetRemoteCode() int { return he.rcode }

// GetRemoteMsg returns the remote error message
func (he *HTTPErr) GetRemoteMsg() string { return he.rmsg }

// ServerErr contains error message with corresponding CA error code
type ServerErr struct {
	code int
	msg  string
}

// FatalErr is a server error that is will prevent the server/CA from continuing to operate
type FatalErr struct {
	ServerErr
}

// NewFatalError constructs a fatal error
func NewFatalError(code int, format string, args ...interface{}) *FatalErr {
	msg := fmt.Sprintf(format, args...)
	return &FatalErr{
		ServerErr{
			code: code,
			msg:  msg,
		},
	}
}

func (fe *FatalErr) Error() string {
	return fe.String()
}

func (fe *FatalErr) String() string {
	return fmt.Sprintf("Code: %d - %s", fe.code, fe.msg)
}

// IsFatalError return true if the error is of type 'FatalErr'
func IsFatalError(err error) bool {
	causeErr := errors.Cause(err)
	typ := reflect.TypeOf(causeErr)

	if typ.Kind() == reflect.Ptr {
		typ = typ.Elem()
	}

	if typ == reflect.TypeOf(FatalErr{}) {
		return true
	}

	return false
}
