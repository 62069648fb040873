package items

import (
	"errors"
	"fmt"

	"github.com/HerbHall/orderlist/internal/kv"
)

// Sentinel errors returned by Store operations. Callers match them with
// errors.Is; the returned errors carry the offending values.
var (
	// ErrNotFound reports an operation target that does not exist.
	ErrNotFound = errors.New("not found")
	// ErrOutOfRange reports an id outside [1, MaxItems]. It also matches ErrNotFound.
	ErrOutOfRange = fmt.Errorf("%w: id out of range", ErrNotFound)
	// ErrInvalidRange reports reorder indexes or items that cannot be applied.
	ErrInvalidRange = errors.New("invalid range")
	// ErrUnavailable reports a failure talking to the backing store.
	ErrUnavailable = kv.ErrUnavailable
)
