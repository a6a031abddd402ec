package voxa

// WebSocket close codes used by the server (RFC 6455 section 7.4.1).
const (
	CloseNormalClosure   = 1000
	CloseGoingAway       = 1001
	CloseProtocolError   = 1002
	ClosePolicyViolation = 1008
	CloseMessageTooBig   = 1009
	CloseInternalError   = 1011
)

// Standard error messages
const (
	// Protocol errors
	ErrMustBeMasked         = "must be masked"
	ErrControlFrameTooLarge = "control frame too large"
	ErrFragmentedControl    = "control frames must not be fragmented"
	ErrUnsupportedOpcode    = "unsupported opcode"
	ErrUnexpectedFrame      = "unexpected frame"
	ErrMessageTooBig        = "message too big"
	ErrRateLimitExceeded    = "rate limit exceeded"

	// Application errors
	ErrEmptyMessage     = "Invalid message: empty message"
	ErrInvalidIdentity  = "invalid identity message"
	ErrAuthFailed       = "authentication failed"
	ErrInternalFailure  = "internal server error"
	ErrMissingAuthToken = "missing auth token"

	// Connection errors
	ErrClientNotFound       = "client not found"
	ErrConnectionClosed     = "client connection is closed"
	ErrContextCancelled     = "client context cancelled"
	ErrSendBufferFull       = "client send buffer is full"
	ErrFailedToEncode       = "failed to encode message"
	ErrServerAlreadyRunning = "server already running"
	ErrCloseSent            = "close frame already sent"
)

// ProtocolVersion is announced in the server identity message.
const ProtocolVersion = "0.0.1"
