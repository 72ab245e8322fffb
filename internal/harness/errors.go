package harness

import (
	"errors"
	"fmt"
)

// ErrSetUp is matched by errors from starting either instance or
// resolving the chained proxy. Such errors abort the run.
var ErrSetUp = errors.New("set up failed")

// ErrInvariant is matched by every *InvariantError.
var ErrInvariant = errors.New("chaining invariant violated")

// InvariantError reports one chaining invariant that did not hold.
type InvariantError struct {
	Invariant string
	Expected  any
	Actual    any
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("%s: expected %v, got %v", e.Invariant, e.Expected, e.Actual)
}

func (e *InvariantError) Is(target error) bool {
	return target == ErrInvariant
}

const (
	invariantDelivery  = "upstream proxy should have seen every request sent by downstream proxy"
	invariantOneTransp = "1 and only 1 transport protocol should have been used to upstream proxy"
	invariantDeclared  = "correct transport should have been used"
)
