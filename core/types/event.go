package types

// Event is the flattened form every ledger event is reduced to before it is
// recorded, logged or counted. Amounts are decimal strings.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
