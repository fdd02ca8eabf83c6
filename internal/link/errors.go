package link

import "errors"

// ErrOutboxFull is returned by SendMessage when the outbound tracker
// already holds the configured maximum number of in-flight entries.
var ErrOutboxFull = errors.New("link: outbox full")

// ErrNoFragments reports a message that produced no fragments.
// SendMessage does not return it: a zero-length payload is sent as a
// single empty fragment.
var ErrNoFragments = errors.New("link: message produced no fragments")
