package types

// Event is the wire-level shape of an emitted state change.
type Event struct {
	Type       string
	Attributes map[string]string
}
