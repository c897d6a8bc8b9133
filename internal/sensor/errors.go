package sensor

import "errors"

// Error kinds. Match with errors.Is.
var (
	ErrIO             = errors.New("io error")
	ErrGPIO           = errors.New("gpio error")
	ErrTimeout        = errors.New("timeout error")
	ErrDataValidation = errors.New("data validation error")
	ErrInit           = errors.New("initialization error")
	ErrSensor         = errors.New("sensor error")
)

// Error is a classified driver failure.
type Error struct {
	Kind error  // one of the Err* kinds above
	Msg  string // what failed, e.g. the wait phase that expired
	Err  error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	s := e.Kind.Error()
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Timeout reports an expired wait phase.
func Timeout(phase string) error {
	return &Error{Kind: ErrTimeout, Msg: phase}
}

// Validation reports a checksum or structural mismatch.
func Validation(msg string) error {
	return &Error{Kind: ErrDataValidation, Msg: msg}
}

// IO wraps a line-acquisition or transport failure.
func IO(msg string, err error) error {
	return &Error{Kind: ErrIO, Msg: msg, Err: err}
}

// GPIO wraps a failure on an acquired line.
func GPIO(msg string, err error) error {
	return &Error{Kind: ErrGPIO, Msg: msg, Err: err}
}

// Init wraps a setup failure.
func Init(msg string, err error) error {
	return &Error{Kind: ErrInit, Msg: msg, Err: err}
}

// KindOf returns the kind of err, or nil if err is not a classified failure.
func KindOf(err error) error {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return nil
}
