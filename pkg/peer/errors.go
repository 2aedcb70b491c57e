package peer

import "errors"

// ErrPeerUnreachable is returned when a dial or send to a remote peer fails.
var ErrPeerUnreachable = errors.New("peer: unreachable")

// ErrBadResponse is returned when a peer replies with a malformed or
// unexpected response for the command sent.
var ErrBadResponse = errors.New("peer: bad response")
