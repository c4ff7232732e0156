package keypool

import (
	"errors"
	"fmt"
)

var (
	ErrUnavailable = errors.New("no key available")
	ErrKeyNotFound = errors.New("key not found")
	ErrStorage     = errors.New("key storage failure")
	ErrTransport   = errors.New("transport failure")
	ErrUpstream    = errors.New("upstream api error")
)

// UnavailableError reports that no eligible key had capacity, even after
// walking the selector's fallbacks.
type UnavailableError struct {
	Selector Selector
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("no key available for %s", e.Selector)
}

func (e *UnavailableError) Is(target error) bool {
	return target == ErrUnavailable
}

// KeyNotFoundError reports that an administrative call matched no key.
type KeyNotFoundError struct {
	Selector Selector
}

func (e *KeyNotFoundError) Error() string {
	return fmt.Sprintf("key not found for %s", e.Selector)
}

func (e *KeyNotFoundError) Is(target error) bool {
	return target == ErrKeyNotFound
}

// StorageError wraps a non-conflict backend failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("key storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

// TransportError wraps a failure of the collaborator transport. It is never
// retried and never penalises the key that was used.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// UpstreamError is the upstream API's own error envelope.
type UpstreamError struct {
	Code    int
	Message string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream api error %d: %s", e.Code, e.Message)
}

func (e *UpstreamError) Is(target error) bool {
	return target == ErrUpstream
}

// UpstreamCode extracts the upstream error code from err, if it carries one.
func UpstreamCode(err error) (int, bool) {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Code, true
	}
	return 0, false
}

// StorageFailure wraps err as a StorageError unless it already is one of the
// pool's own error kinds.
func StorageFailure(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUnavailable) || errors.Is(err, ErrKeyNotFound) || errors.Is(err, ErrStorage) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}
