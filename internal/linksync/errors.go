package linksync

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidCustomerID = errors.New("invalid customer id")
	ErrInvalidInput      = errors.New("invalid input")
	ErrSyncInProgress    = errors.New("batch sync already in progress")
	ErrNotFound          = errors.New("not found")
	ErrRemoteBusiness    = errors.New("remote business condition")
	ErrNotImplemented    = errors.New("not implemented")
)

// Business condition codes reported by the ad platform on link/unlink
// requests. These are outcomes, not transport failures.
const (
	BusinessAlreadyLinked     = "ALREADY_LINKED"
	BusinessPendingInvitation = "PENDING_INVITATION"
	BusinessSuspended         = "SUSPENDED"
	BusinessOther             = "OTHER"
)

type BusinessError struct {
	Code    string
	Message string
}

func (e *BusinessError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote business condition %s", e.Code)
	}
	return fmt.Sprintf("remote business condition %s: %s", e.Code, e.Message)
}

func (e *BusinessError) Is(target error) bool {
	return target == ErrRemoteBusiness
}

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}
