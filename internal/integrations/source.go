// Package integrations defines the interface external scenario sources
// implement so the import endpoint can pull configurations from them.
package integrations

// ScenarioSource is a pull-based supplier of scenario configurations,
// e.g. a drop directory or an object-store prefix.
type ScenarioSource interface {
	Name() string
	Discover(since string, cursor string) (Batch, error)
	Ack(refs []string) error
}

// Batch is one page of discovered items. Cursor is opaque to the caller
// and empty when the source is drained.
type Batch struct {
	Items  []Item
	Cursor string
}

// Item is one discovered configuration. Ref identifies it to the source
// for Ack; Config holds the raw text.
type Item struct {
	Ref    string
	Name   string
	Config string
}
