package matchdto

// Caller is the authenticated identity behind a callable invocation. LoginID is
// the transient auth uid; ProfileID is the durable profile claim, when present.
type Caller struct {
	LoginID   string `json:"loginId"`
	ProfileID string `json:"profileId,omitempty"`
}

func (c Caller) Authenticated() bool { return c.LoginID != "" }
