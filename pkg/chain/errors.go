package chain

import "errors"

// ErrFileBlockSplitChanged is returned by InsertBlock when a file that is
// already complete receives a block with a content hash that was never
// part of its recorded chunking.
var ErrFileBlockSplitChanged = errors.New("chain: file block split changed")

// ErrIntegrityFailure is used by callers (the peer node) to report that a
// chain failed VerifyIntegrity or that a proposed suffix failed
// VerifyBlocksIntegrity.
var ErrIntegrityFailure = errors.New("chain: integrity failure")
