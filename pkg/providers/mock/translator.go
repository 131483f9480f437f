package mock

import (
	"context"
	"sync"

	"github.com/harunnryd/traduki/pkg/adapters/translate"
)

type TranslatorConfig struct {
	// Responses maps input text to scripted output. Inputs not listed get
	// Prefix prepended instead.
	Responses map[string]string
	Prefix    string
	// Err makes every call fail.
	Err error
}

// Translator records requests and answers from a script.
type Translator struct {
	cfg  TranslatorConfig
	mu   sync.Mutex
	reqs []translate.Request
}

func NewTranslator(cfg TranslatorConfig) *Translator {
	if cfg.Prefix == "" && cfg.Responses == nil {
		cfg.Prefix = "translated: "
	}
	return &Translator{cfg: cfg}
}

func (t *Translator) Name() string { return "mock_translator" }

func (t *Translator) Translate(ctx context.Context, req translate.Request) (string, error) {
	t.mu.Lock()
	t.reqs = append(t.reqs, req)
	t.mu.Unlock()
	if t.cfg.Err != nil {
		return "", t.cfg.Err
	}
	if resp, ok := t.cfg.Responses[req.Text]; ok {
		return resp, nil
	}
	return t.cfg.Prefix + req.Text, nil
}

// Requests returns every translation request seen so far, in order.
func (t *Translator) Requests() []translate.Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]translate.Request(nil), t.reqs...)
}

var _ translate.Translator = (*Translator)(nil)
