package adapter

import "context"

// IntentParser is the external natural-language feature-extraction step,
// called once per session creation. Its output is an opaque structured
// intent document used as the design phase input.
type IntentParser interface {
	Parse(ctx context.Context, rawText string) ([]byte, error)
}
