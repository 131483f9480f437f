package translate

import "context"

// Translator defines the contract for turn-level text translation. The
// cascade engine calls it once per final transcript.
type Translator interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Translate renders text into the target language. An empty result
	// means the text was already in the target language and the turn
	// should be skipped.
	Translate(ctx context.Context, req Request) (string, error)
}

// Request carries one translation turn.
type Request struct {
	Text string
	// SourceLanguage may be empty when the spoken language is unknown.
	SourceLanguage string
	TargetLanguage string
	TraceID        string
}
