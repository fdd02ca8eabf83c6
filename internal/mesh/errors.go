package mesh

import "errors"

// ErrNoRoute is returned by Send when the destination has no entry in
// the routing table. Callers may resubmit later; it is never retried
// internally.
var ErrNoRoute = errors.New("mesh: no route to destination")
