package daqstream

import (
	"errors"
	"fmt"

	"github.com/usnistgov/daqstream/decode"
	"github.com/usnistgov/daqstream/scpi"
)

// ConfigurationMismatch reports a setting whose read-back value differs from
// the value requested. It does not stop a session; the caller decides whether
// to continue with the instrument's actual configuration.
type ConfigurationMismatch struct {
	Setting   string
	Requested string
	Actual    string
}

func (e *ConfigurationMismatch) Error() string {
	return fmt.Sprintf("configuration mismatch: %s requested %s, instrument has %s",
		e.Setting, e.Requested, e.Actual)
}

// IsConfigurationMismatch tells whether err (or anything it wraps or joins) is a ConfigurationMismatch.
func IsConfigurationMismatch(err error) bool {
	var cm *ConfigurationMismatch
	return errors.As(err, &cm)
}

// Mismatches returns every ConfigurationMismatch joined into err.
func Mismatches(err error) []*ConfigurationMismatch {
	var result []*ConfigurationMismatch
	var walk func(error)
	walk = func(e error) {
		if e == nil {
			return
		}
		if cm, ok := e.(*ConfigurationMismatch); ok {
			result = append(result, cm)
			return
		}
		switch u := e.(type) {
		case interface{ Unwrap() []error }:
			for _, inner := range u.Unwrap() {
				walk(inner)
			}
		case interface{ Unwrap() error }:
			walk(u.Unwrap())
		}
	}
	walk(err)
	return result
}

// IsTransportError tells whether err came from the instrument transport.
func IsTransportError(err error) bool {
	return scpi.IsTransportError(err)
}

// IsFormatError tells whether err came from a block or preamble that did not parse.
func IsFormatError(err error) bool {
	return decode.IsFormatError(err)
}
