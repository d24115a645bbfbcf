package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode represents stable error codes for all failure modes
type ErrorCode string

const (
	// ConfigurationError indicates invalid or inconsistent input parameters
	ConfigurationError ErrorCode = "CONFIGURATION_ERROR"
	// NonConvergence indicates an iterative solver failed to converge
	NonConvergence ErrorCode = "NON_CONVERGENCE"
	// SingularJacobian indicates the implicit solver hit a structurally singular Jacobian
	SingularJacobian ErrorCode = "SINGULAR_JACOBIAN"
	// BesselRecursionUnstable indicates the hyperspherical Bessel recursion lost accuracy
	BesselRecursionUnstable ErrorCode = "BESSEL_RECURSION_UNSTABLE"
	// OutOfDomain indicates a table lookup outside the computed range
	OutOfDomain ErrorCode = "OUT_OF_DOMAIN"
	// InternalError indicates unexpected error
	InternalError ErrorCode = "INTERNAL_ERROR"
)

// BoltzError represents a solver error with code, message, and the
// position in the run where it occurred.
type BoltzError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Stage   string    `json:"stage,omitempty"`

	// Position of the failure, set for the axes that apply.
	Wavenumber float64 `json:"k,omitempty"`
	Time       float64 `json:"tau,omitempty"`
	Multipole  int     `json:"l,omitempty"`

	cause error // Underlying error (not exported to JSON)
}

// NewBoltzError creates a new BoltzError
func NewBoltzError(code ErrorCode, message string, cause error) *BoltzError {
	return &BoltzError{
		Code:    code,
		Message: message,
		cause:   cause,
	}
}

// Errorf creates a new BoltzError with a formatted message and no cause
func Errorf(code ErrorCode, format string, args ...interface{}) *BoltzError {
	return &BoltzError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Error implements the error interface
func (e *BoltzError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]", e.Code)
	if e.Stage != "" {
		fmt.Fprintf(&b, " %s:", e.Stage)
	}
	fmt.Fprintf(&b, " %s", e.Message)
	if pos := e.position(); pos != "" {
		fmt.Fprintf(&b, " (%s)", pos)
	}
	if e.cause != nil {
		fmt.Fprintf(&b, ": %v", e.cause)
	}
	return b.String()
}

func (e *BoltzError) position() string {
	parts := make([]string, 0, 3)
	if e.Wavenumber != 0 {
		parts = append(parts, fmt.Sprintf("k=%.6e/Mpc", e.Wavenumber))
	}
	if e.Time != 0 {
		parts = append(parts, fmt.Sprintf("tau=%.6e Mpc", e.Time))
	}
	if e.Multipole != 0 {
		parts = append(parts, fmt.Sprintf("l=%d", e.Multipole))
	}
	return strings.Join(parts, ", ")
}

// Unwrap returns the underlying error
func (e *BoltzError) Unwrap() error {
	return e.cause
}

// AtStage records the pipeline stage where the error occurred
func (e *BoltzError) AtStage(stage string) *BoltzError {
	e.Stage = stage
	return e
}

// AtWavenumber records the wavenumber where the error occurred
func (e *BoltzError) AtWavenumber(k float64) *BoltzError {
	e.Wavenumber = k
	return e
}

// AtTime records the conformal time where the error occurred
func (e *BoltzError) AtTime(tau float64) *BoltzError {
	e.Time = tau
	return e
}

// AtMultipole records the multipole where the error occurred
func (e *BoltzError) AtMultipole(l int) *BoltzError {
	e.Multipole = l
	return e
}

// CodeOf extracts the ErrorCode from err, or InternalError if err does
// not carry one.
func CodeOf(err error) ErrorCode {
	var be *BoltzError
	if errors.As(err, &be) {
		return be.Code
	}
	return InternalError
}

// IsCode reports whether err carries the given code
func IsCode(err error, code ErrorCode) bool {
	var be *BoltzError
	return errors.As(err, &be) && be.Code == code
}

// Aggregate collects independent per-task failures from one pipeline
// stage. The stage fails as a whole: no partial results survive, but
// every recorded failure is reported.
type Aggregate struct {
	Stage  string
	Errors []*BoltzError
}

// NewAggregate creates an empty Aggregate for a stage
func NewAggregate(stage string) *Aggregate {
	return &Aggregate{Stage: stage}
}

// Record adds a failure to the aggregate, tagging it with the stage.
// Non-BoltzError causes are wrapped as InternalError.
func (a *Aggregate) Record(err error) {
	if err == nil {
		return
	}
	var be *BoltzError
	if !errors.As(err, &be) {
		be = NewBoltzError(InternalError, "unexpected error", err)
	}
	if be.Stage == "" {
		be.Stage = a.Stage
	}
	a.Errors = append(a.Errors, be)
}

// Empty reports whether no failures were recorded
func (a *Aggregate) Empty() bool {
	return len(a.Errors) == 0
}

// Err returns the aggregate as an error, or nil if empty
func (a *Aggregate) Err() error {
	if a.Empty() {
		return nil
	}
	return a
}

// Error implements the error interface, listing every failure
func (a *Aggregate) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d failure(s)", a.Stage, len(a.Errors))
	for _, e := range a.Errors {
		fmt.Fprintf(&b, "\n  %s", e.Error())
	}
	return b.String()
}

// Unwrap exposes the collected errors to errors.Is/As
func (a *Aggregate) Unwrap() []error {
	errs := make([]error, len(a.Errors))
	for i, e := range a.Errors {
		errs[i] = e
	}
	return errs
}
