// Package errors implements a module+code error registry in the style of
// the core's common/errors package: every distinct failure kind the block
// pipeline can produce is registered once against a module name and a
// stable numeric code, so callers can recognize error kinds across package
// boundaries without string matching.
package errors

import (
	"fmt"
)

// Error is a module-scoped, coded error.
type Error struct {
	module  string
	code    int
	message string
}

func (e *Error) Error() string {
	return e.message
}

// Module returns the owning module name.
func (e *Error) Module() string {
	return e.module
}

// Code returns the error's code within its module.
func (e *Error) Code() int {
	return e.code
}

var registry = make(map[string]map[int]*Error)

// New registers and returns a new error of the given module and code.
//
// Panics if the module+code pair has already been registered; this mirrors
// the core's registry, which treats duplicate registration as a programmer
// error caught at init time.
func New(module string, code int, message string) *Error {
	byCode, ok := registry[module]
	if !ok {
		byCode = make(map[int]*Error)
		registry[module] = byCode
	}
	if _, dup := byCode[code]; dup {
		panic(fmt.Sprintf("errors: duplicate registration: %s code %d", module, code))
	}
	err := &Error{module: module, code: code, message: message}
	byCode[code] = err
	return err
}

// FromCode looks up a previously registered error by module and code.
// Returns nil if no such error was registered.
func FromCode(module string, code int) error {
	byCode, ok := registry[module]
	if !ok {
		return nil
	}
	if err, ok := byCode[code]; ok {
		return err
	}
	return nil
}

// Code returns the module and code of err if it (or something it wraps) is
// a registered *Error, or ("", 0) otherwise.
func Code(err error) (string, int) {
	type coded interface {
		Module() string
		Code() int
	}
	for err != nil {
		if c, ok := err.(coded); ok {
			return c.Module(), c.Code()
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return "", 0
}

// Is reports whether err is the same registered error as target.
func Is(err, target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	ee, ok := err.(*Error)
	if !ok {
		return false
	}
	return ee.module == te.module && ee.code == te.code
}
