package account

import "errors"

var (
	ErrInvalidCurrency = errors.New("invalid currency")
	ErrInvalidPosition = errors.New("invalid position")
)
