package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/harunnryd/traduki/pkg/adapters/translate"
	"github.com/harunnryd/traduki/pkg/resilience"
)

type Translator struct {
	APIKey  string
	Model   string
	BaseURL string
	Client  *http.Client
}

func NewTranslator(apiKey, model string) *Translator {
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &Translator{
		APIKey:  apiKey,
		Model:   model,
		BaseURL: "https://api.openai.com/v1",
		Client:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (t *Translator) Name() string { return "openai_translate" }

func (t *Translator) Translate(ctx context.Context, req translate.Request) (string, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return "", nil
	}

	payload := map[string]any{
		"model":       t.Model,
		"temperature": 0.3,
		"messages": []map[string]any{
			{"role": "system", "content": translatePrompt(req)},
			{"role": "user", "content": text},
		},
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.BaseURL+"/chat/completions", bytes.NewBuffer(b))
	if err != nil {
		return "", err
	}
	t.applyHeaders(httpReq)

	resp, err := t.client().Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		body, _ := io.ReadAll(resp.Body)
		return "", resilience.RateLimitError{Provider: "openai", Message: string(body)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return "", errors.New(string(body))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", err
	}
	if len(decoded.Choices) == 0 {
		return "", errors.New("no choices")
	}
	out := strings.TrimSpace(decoded.Choices[0].Message.Content)
	// The prompt asks for this sentinel when the text already is the
	// target language. Map it to the skip signal.
	if strings.EqualFold(out, "[skip]") {
		return "", nil
	}
	return out, nil
}

func translatePrompt(req translate.Request) string {
	var b strings.Builder
	b.WriteString("You are a translation engine. Translate the user's text into ")
	b.WriteString(req.TargetLanguage)
	b.WriteString(".")
	if req.SourceLanguage != "" {
		b.WriteString(" The text is spoken in ")
		b.WriteString(req.SourceLanguage)
		b.WriteString(".")
	}
	b.WriteString(" Output ONLY the translation, with no commentary, no quotes, no explanations.")
	b.WriteString(" If the text is already in ")
	b.WriteString(req.TargetLanguage)
	b.WriteString(", output exactly [skip] and nothing else.")
	return b.String()
}

func (t *Translator) applyHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.APIKey)
}

func (t *Translator) client() *http.Client {
	if t.Client != nil {
		return t.Client
	}
	return http.DefaultClient
}

var _ translate.Translator = (*Translator)(nil)
