package chat

// ErrorKind classifies failures surfaced on the error listener.
type ErrorKind string

const (
	// ErrorTransport covers failed connection attempts, unexpected disconnects
	// and requests that never got an acknowledgment.
	ErrorTransport ErrorKind = "transport"
	// ErrorProtocol covers server error events and negative acknowledgments.
	ErrorProtocol ErrorKind = "protocol"
	// ErrorParse covers inbound payloads that could not be decoded.
	ErrorParse ErrorKind = "parse"
	// ErrorHistory covers failed REST history fetches.
	ErrorHistory ErrorKind = "history"
)

// Error is a failure reported through OnError.
type Error struct {
	Kind    ErrorKind
	JobID   string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.JobID != "" {
		return string(e.Kind) + " error (job " + e.JobID + "): " + e.Message
	}
	return string(e.Kind) + " error: " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}
