package matchdto

import "encoding/json"

// Identity headers the gateway sets on every callable request.
const (
	HeaderLoginID   = "X-Login-Id"
	HeaderProfileID = "X-Profile-Id"
)

// Envelope is the body of every callable response: exactly one of Result or Error.
type Envelope struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *CallError      `json:"error,omitempty"`
}
