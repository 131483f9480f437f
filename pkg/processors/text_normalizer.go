package processors

import (
	"strings"

	"github.com/harunnryd/traduki/pkg/frames"
	"github.com/harunnryd/traduki/pkg/pipeline"
)

type TextNormalizerConfig struct {
	// Replacements maps recognizer output phrases to their corrected
	// forms, e.g. misheard product names or acronyms.
	Replacements map[string]string
	Source       string
}

// TextNormalizer corrects domain terms in recognition output before they
// reach translation.
type TextNormalizer struct {
	replacements map[string]string
	source       string
}

func NewTextNormalizer(cfg TextNormalizerConfig) *TextNormalizer {
	if cfg.Source == "" {
		cfg.Source = frames.SourceRecognition
	}
	return &TextNormalizer{
		replacements: cfg.Replacements,
		source:       cfg.Source,
	}
}

func (t *TextNormalizer) Name() string { return "text_normalizer" }

func (t *TextNormalizer) Process(f frames.Frame) ([]frames.Frame, error) {
	if f.Kind() != frames.KindText {
		return []frames.Frame{f}, nil
	}
	tf := f.(frames.TextFrame)
	meta := tf.Meta()
	if t.source != "" && meta[frames.MetaSource] != t.source {
		return []frames.Frame{f}, nil
	}
	if len(t.replacements) == 0 {
		return []frames.Frame{f}, nil
	}
	normalized := tf.Text()
	for from, to := range t.replacements {
		if from == "" {
			continue
		}
		normalized = replaceFold(normalized, from, to)
	}
	if normalized == tf.Text() {
		return []frames.Frame{f}, nil
	}
	meta[frames.MetaNormalized] = "true"
	return []frames.Frame{frames.NewTextFrame(meta[frames.MetaStreamID], tf.PTS(), normalized, meta)}, nil
}

// replaceFold replaces every case-insensitive occurrence of from with to.
func replaceFold(s, from, to string) string {
	if from == "" {
		return s
	}
	lower := strings.ToLower(s)
	target := strings.ToLower(from)
	var b strings.Builder
	for {
		i := strings.Index(lower, target)
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:i])
		b.WriteString(to)
		s = s[i+len(from):]
		lower = lower[i+len(target):]
	}
}

var _ pipeline.FrameProcessor = (*TextNormalizer)(nil)
