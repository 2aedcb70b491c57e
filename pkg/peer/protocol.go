package peer

// Command tags identify the operation requested in the first Value of a
// request frame. Every request is exactly one frame; every response is
// exactly one frame; the connection closes after the reply, matching the
// one-request-response-per-connection contract.
const (
	cmdInsertBlocks       = "INSERT_BLOCKS"
	cmdContainsFile       = "CONTAINS_FILE"
	cmdGetFile            = "GET_FILE"
	cmdRegisterServer     = "REGISTER_SERVER"
	cmdGetBlock           = "GET_BLOCK"
	cmdNewBlocksAvailable = "NEW_BLOCKS_AVAILABLE"
)
