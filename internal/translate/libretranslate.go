package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const defaultLibreTranslateEndpoint = "http://localhost:5000"

// LibreTranslate talks to a LibreTranslate-compatible HTTP server.
type LibreTranslate struct {
	base   string
	apiKey string
	http   *http.Client
}

type libreRequest struct {
	Q      string `json:"q"`
	Source string `json:"source"`
	Target string `json:"target"`
	Format string `json:"format"`
	APIKey string `json:"api_key,omitempty"`
}

type libreResponse struct {
	TranslatedText string `json:"translatedText"`
	Error          string `json:"error"`
}

type libreLanguage struct {
	Code    string   `json:"code"`
	Name    string   `json:"name"`
	Targets []string `json:"targets"`
}

func NewLibreTranslate(base, apiKey string, timeout time.Duration) *LibreTranslate {
	if base == "" {
		base = defaultLibreTranslateEndpoint
	}
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &LibreTranslate{
		base:   strings.TrimRight(base, "/"),
		apiKey: apiKey,
		http:   &http.Client{Timeout: timeout},
	}
}

func (c *LibreTranslate) Translate(ctx context.Context, text, from, to string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return text, nil
	}
	src := strings.TrimSpace(from)
	if src == "" {
		src = "auto"
	}
	body, err := json.Marshal(libreRequest{Q: text, Source: src, Target: to, Format: "text", APIKey: c.apiKey})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/translate", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("translate request: %w", err)
	}
	defer resp.Body.Close()

	var lr libreResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return "", fmt.Errorf("decode translate response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("translate http %d: %s", resp.StatusCode, lr.Error)
	}
	return strings.TrimSpace(lr.TranslatedText), nil
}

// SupportsPair checks /languages for a from→to route. It returns
// ErrUnsupportedPair when the server answers but lacks the pair.
func (c *LibreTranslate) SupportsPair(ctx context.Context, from, to string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/languages", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("languages request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("languages http %d", resp.StatusCode)
	}

	var langs []libreLanguage
	if err := json.NewDecoder(resp.Body).Decode(&langs); err != nil {
		return fmt.Errorf("decode languages: %w", err)
	}
	from, to = normalizeLang(from), normalizeLang(to)
	for _, l := range langs {
		if normalizeLang(l.Code) != from && from != "auto" {
			continue
		}
		for _, t := range l.Targets {
			if normalizeLang(t) == to {
				return nil
			}
		}
	}
	return fmt.Errorf("%w: %s->%s", ErrUnsupportedPair, from, to)
}
