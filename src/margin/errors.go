package margin

import "errors"

var ErrConfiguration = errors.New("margin configuration error")
