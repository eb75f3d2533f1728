package utils

import "errors"

// ErrorValidation marks input that was rejected before any read happened.
var ErrorValidation = errors.New("validation failed")
