package errors

import (
	"fmt"
	"time"
)

// Error types for the code intelligence daemon
type ErrorType string

const (
	// Wire errors
	ErrorTypeProtocol  ErrorType = "protocol"
	ErrorTypeTransport ErrorType = "transport"

	// Handler errors
	ErrorTypeHandler ErrorType = "handler"

	// Indexing errors
	ErrorTypeIndexing ErrorType = "indexing"
	ErrorTypeStore    ErrorType = "store"

	// Configuration errors
	ErrorTypeConfig ErrorType = "config"
)

// ProtocolError reports a frame that can never decode into a message.
// A protocol error is fatal to the transport it was read from.
type ProtocolError struct {
	Type      ErrorType
	Reason    string
	Offset    int
	Timestamp time.Time
}

// NewProtocolError creates a new protocol error
func NewProtocolError(reason string, offset int) *ProtocolError {
	return &ProtocolError{
		Type:      ErrorTypeProtocol,
		Reason:    reason,
		Offset:    offset,
		Timestamp: time.Now(),
	}
}

// Error implements the error interface
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error at byte %d: %s", e.Offset, e.Reason)
}

// TransportError wraps an I/O failure on the editor channel
type TransportError struct {
	Type       ErrorType
	Operation  string
	Endpoint   string
	Underlying error
	Timestamp  time.Time
}

// NewTransportError creates a new transport error
func NewTransportError(op, endpoint string, err error) *TransportError {
	return &TransportError{
		Type:       ErrorTypeTransport,
		Operation:  op,
		Endpoint:   endpoint,
		Underlying: err,
		Timestamp:  time.Now(),
	}
}

// Error implements the error interface
func (e *TransportError) Error() string {
	if e.Endpoint != "" {
		return fmt.Sprintf("transport %s failed on %s: %v", e.Operation, e.Endpoint, e.Underlying)
	}
	return fmt.Sprintf("transport %s failed: %v", e.Operation, e.Underlying)
}

// Unwrap returns the underlying error for errors.Is/As
func (e *TransportError) Unwrap() error {
	return e.Underlying
}

// HandlerCrash records a handler invocation that panicked inside a worker
type HandlerCrash struct {
	Type      ErrorType
	Method    string
	ID        uint64
	HasID     bool
	Value     interface{}
	Stack     []byte
	Timestamp time.Time
}

// NewHandlerCrash creates a crash record for a recovered panic
func NewHandlerCrash(method string, value interface{}, stack []byte) *HandlerCrash {
	return &HandlerCrash{
		Type:      ErrorTypeHandler,
		Method:    method,
		Value:     value,
		Stack:     stack,
		Timestamp: time.Now(),
	}
}

// WithID attaches the request id that was in flight
func (e *HandlerCrash) WithID(id uint64) *HandlerCrash {
	e.ID = id
	e.HasID = true
	return e
}

// Error implements the error interface
func (e *HandlerCrash) Error() string {
	return fmt.Sprintf("fatal error: %v in %s", e.Value, e.Method)
}

// Unwrap returns the panic value when it is an error
func (e *HandlerCrash) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// IndexingError represents a failure while indexing a single class
type IndexingError struct {
	Type        ErrorType
	ClassName   string
	SourcePath  string
	Operation   string
	Underlying  error
	Timestamp   time.Time
	Recoverable bool
}

// NewIndexingError creates a new indexing error with context
func NewIndexingError(op string, err error) *IndexingError {
	return &IndexingError{
		Type:       ErrorTypeIndexing,
		Operation:  op,
		Underlying: err,
		Timestamp:  time.Now(),
	}
}

// WithClass adds class information to the error
func (e *IndexingError) WithClass(name, path string) *IndexingError {
	e.ClassName = name
	e.SourcePath = path
	return e
}

// WithRecoverable marks the error as recoverable
func (e *IndexingError) WithRecoverable(recoverable bool) *IndexingError {
	e.Recoverable = recoverable
	return e
}

// Error implements the error interface
func (e *IndexingError) Error() string {
	if e.ClassName != "" {
		return fmt.Sprintf("%s %s failed for %s: %v", e.Type, e.Operation, e.ClassName, e.Underlying)
	}
	return fmt.Sprintf("%s %s failed: %v", e.Type, e.Operation, e.Underlying)
}

// Unwrap returns the underlying error for errors.Is/As
func (e *IndexingError) Unwrap() error {
	return e.Underlying
}

// IsRecoverable checks if the error can be skipped without aborting the build
func (e *IndexingError) IsRecoverable() bool {
	return e.Recoverable
}

// StoreError represents a failure reading or writing an index key
type StoreError struct {
	Type       ErrorType
	Key        string
	Path       string
	Operation  string
	Underlying error
	Timestamp  time.Time
}

// NewStoreError creates a new store error
func NewStoreError(op, key, path string, err error) *StoreError {
	return &StoreError{
		Type:       ErrorTypeStore,
		Key:        key,
		Path:       path,
		Operation:  op,
		Underlying: err,
		Timestamp:  time.Now(),
	}
}

// Error implements the error interface
func (e *StoreError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("store %s failed for %s (%s): %v", e.Operation, e.Key, e.Path, e.Underlying)
	}
	return fmt.Sprintf("store %s failed for %s: %v", e.Operation, e.Key, e.Underlying)
}

// Unwrap returns the underlying error
func (e *StoreError) Unwrap() error {
	return e.Underlying
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field      string
	Value      string
	Underlying error
	Timestamp  time.Time
}

// NewConfigError creates a new config error
func NewConfigError(field, value string, err error) *ConfigError {
	return &ConfigError{
		Field:      field,
		Value:      value,
		Underlying: err,
		Timestamp:  time.Now(),
	}
}

// Error implements the error interface
func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error for field %s (value %s): %v", e.Field, e.Value, e.Underlying)
}

// Unwrap returns the underlying error
func (e *ConfigError) Unwrap() error {
	return e.Underlying
}

// MultiError represents multiple errors
type MultiError struct {
	Errors []error
}

// NewMultiError creates a new multi-error
func NewMultiError(errs []error) *MultiError {
	// Filter out nil errors
	filtered := make([]error, 0, len(errs))
	for _, err := range errs {
		if err != nil {
			filtered = append(filtered, err)
		}
	}
	return &MultiError{Errors: filtered}
}

// ErrorOrNil returns nil when no errors were collected
func (e *MultiError) ErrorOrNil() error {
	if e == nil || len(e.Errors) == 0 {
		return nil
	}
	return e
}

// Error implements the error interface
func (e *MultiError) Error() string {
	if len(e.Errors) == 0 {
		return "no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("%d errors: %v", len(e.Errors), e.Errors)
}

// Unwrap returns all errors
func (e *MultiError) Unwrap() []error {
	return e.Errors
}
