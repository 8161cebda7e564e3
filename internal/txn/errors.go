package txn

import "github.com/juju/errors"

// errNoFreeTrxSlot is raised when every rseg's free-slot list is
// empty; the teacher's storage layer treats this the same as any
// other resource-exhaustion condition (see innodb_store/store error
// wrapping) — annotated with juju/errors so a caller can Trace it
// through further call frames without losing the original message.
var errNoFreeTrxSlot = errors.New("no free transaction slot available in any rollback segment")
