package domain

import "errors"

// RetriableError defines an interface for errors that can be retried
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable.
// The engine never retries on its own; this only tells callers whether
// resubmitting the same request unchanged could succeed.
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// ValidationError is an input rejected before any state was touched.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return "validation [" + e.Field + "]: " + e.Err.Error()
}

func (e *ValidationError) IsRetriable() bool { return false }

func (e *ValidationError) Unwrap() error { return e.Err }

// StateError is a transition whose preconditions do not hold on the current record.
type StateError struct {
	Op  string
	Err error
}

func (e *StateError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

// IsRetriable is false: the caller has to re-read state before trying again.
func (e *StateError) IsRetriable() bool { return false }

func (e *StateError) Unwrap() error { return e.Err }

// AuthorizationError is a caller acting on a listing it does not own.
type AuthorizationError struct {
	Op     string
	Caller Pubkey
	Err    error
}

func (e *AuthorizationError) Error() string {
	return e.Op + ": caller " + e.Caller.String() + ": " + e.Err.Error()
}

func (e *AuthorizationError) IsRetriable() bool { return false }

func (e *AuthorizationError) Unwrap() error { return e.Err }

// SettlementError is a transfer the settlement rail refused. The whole
// transition it belonged to has been abandoned.
type SettlementError struct {
	Op  string
	Err error
}

func (e *SettlementError) Error() string {
	return "settlement " + e.Op + ": " + e.Err.Error()
}

func (e *SettlementError) IsRetriable() bool { return false }

func (e *SettlementError) Unwrap() error { return e.Err }

// ConfigError represents a configuration error (never retriable)
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) IsRetriable() bool {
	return false
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsState reports whether err is a StateError.
func IsState(err error) bool {
	var se *StateError
	return errors.As(err, &se)
}

// IsAuthorization reports whether err is an AuthorizationError.
func IsAuthorization(err error) bool {
	var ae *AuthorizationError
	return errors.As(err, &ae)
}

// IsSettlement reports whether err is a SettlementError.
func IsSettlement(err error) bool {
	var se *SettlementError
	return errors.As(err, &se)
}

var (
	// Validation
	ErrInvalidPrice   = errors.New("price must be greater than zero")
	ErrInvalidAmount  = errors.New("amount must be greater than zero")
	ErrAmountTooSmall = errors.New("amount below minimum listing size")

	// State
	ErrListingNotActive   = errors.New("listing is not active")
	ErrListingStillActive = errors.New("listing is still active")
	ErrListingHasTokens   = errors.New("listing still holds tokens")
	ErrInsufficientAmount = errors.New("insufficient amount in listing")
	ErrListingNotFound    = errors.New("listing not found")
	ErrAlreadyInitialized = errors.New("marketplace already initialized")
	ErrNotInitialized     = errors.New("marketplace not initialized")
	ErrAuthorityCollision = errors.New("derived authority collides with an existing account")

	// Authorization
	ErrUnauthorized = errors.New("unauthorized")

	// Arithmetic
	ErrOverflow = errors.New("arithmetic overflow")

	// Settlement
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrAccountNotFound   = errors.New("account not found")
	ErrAccountExists     = errors.New("account already exists")
	ErrAccountNotEmpty   = errors.New("account not empty")

	// ErrConfigNotFound is returned when configuration file is missing
	ErrConfigNotFound = errors.New("configuration not found")
)
