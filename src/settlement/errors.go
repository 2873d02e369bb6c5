package settlement

import "errors"

var (
	ErrConfiguration        = errors.New("settlement configuration error")
	ErrMissingFundReference = errors.New("missing fund reference")
)
