package memutils

import "github.com/pkg/errors"

// PowerOfTwoError is returned from CheckPow2 when the value being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// OverlapError is returned from region validation when two byte ranges intersect
var OverlapError error = errors.New("byte ranges overlap")
