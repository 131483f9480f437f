package pipeline

// TranslationBuilder assembles the cascade stage order. Pre stages run
// before recognition, post stages after synthesis.
type TranslationBuilder struct {
	pre  []FrameProcessor
	core []FrameProcessor
	post []FrameProcessor
}

func NewTranslationBuilder() *TranslationBuilder {
	return &TranslationBuilder{}
}

func (b *TranslationBuilder) WithProcessor(p FrameProcessor) *TranslationBuilder {
	b.core = append(b.core, p)
	return b
}

func (b *TranslationBuilder) WithProcessorList(list []FrameProcessor) *TranslationBuilder {
	for _, p := range list {
		if p != nil {
			b.core = append(b.core, p)
		}
	}
	return b
}

func (b *TranslationBuilder) WithRecognizer(p FrameProcessor) *TranslationBuilder {
	return b.WithProcessor(p)
}

func (b *TranslationBuilder) WithTranslator(p FrameProcessor) *TranslationBuilder {
	return b.WithProcessor(p)
}

func (b *TranslationBuilder) WithFilter(p FrameProcessor) *TranslationBuilder {
	return b.WithProcessor(p)
}

func (b *TranslationBuilder) WithSynthesizer(p FrameProcessor) *TranslationBuilder {
	return b.WithProcessor(p)
}

func (b *TranslationBuilder) WithAcoustic(p FrameProcessor) *TranslationBuilder {
	b.pre = append(b.pre, p)
	return b
}

func (b *TranslationBuilder) WithSerializer(p FrameProcessor) *TranslationBuilder {
	b.post = append(b.post, p)
	return b
}

func (b *TranslationBuilder) Build(cfg Config) Orchestrator {
	return New(cfg, append(append(b.pre, b.core...), b.post...)...)
}
