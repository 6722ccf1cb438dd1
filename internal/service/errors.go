package service

import (
	"errors"
	"fmt"
)

// ErrValidation is wrapped by every input validation error; nothing has been
// written when it is returned.
var ErrValidation = errors.New("validation failed")

var (
	ErrUnauthenticated    = errors.New("unauthenticated")
	ErrForbidden          = errors.New("forbidden")
	ErrInvalidQuantity    = fmt.Errorf("%w: quantity must be positive", ErrValidation)
	ErrInvalidStatus      = fmt.Errorf("%w: unknown order status", ErrValidation)
	ErrInvalidTransition  = errors.New("status transition not allowed")
	ErrOrderNotFound      = errors.New("order not found")
	ErrProductNotFound    = errors.New("product not found")
	ErrProductInactive    = errors.New("product is not available")
	ErrUserExists         = errors.New("user already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
	ErrLockHeld           = errors.New("reconcile already in progress")
)

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// MirrorError reports an order whose seller copy was written but whose buyer
// copy was not. The order exists and is flagged for reconciliation.
type MirrorError struct {
	OrderID  string
	SellerID string
	BuyerID  string
	Err      error
}

func (e *MirrorError) Error() string {
	return fmt.Sprintf("order %s created for seller %s but buyer copy for %s failed: %v",
		e.OrderID, e.SellerID, e.BuyerID, e.Err)
}

func (e *MirrorError) Unwrap() error {
	return e.Err
}
