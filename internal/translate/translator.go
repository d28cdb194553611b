package translate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-captions/internal/config"
)

var ErrUnsupportedPair = errors.New("language pair not supported")

// Translator converts text between two languages. Implementations should
// honour ctx cancellation and must tolerate a new call starting while an
// abandoned, timed-out one is still running.
type Translator interface {
	Translate(ctx context.Context, text, from, to string) (string, error)
}

// Identity returns its input unchanged.
type Identity struct{}

func (Identity) Translate(_ context.Context, text, _, _ string) (string, error) {
	return text, nil
}

// Mock tags text with the target language, e.g. "[hi] hello".
type Mock struct{}

func (Mock) Translate(ctx context.Context, text, _, to string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return fmt.Sprintf("[%s] %s", to, text), nil
}

// New builds the translator selected by cfg.Mode. When the backend reports
// that the configured language pair is unavailable, New logs a warning and
// falls back to Identity.
func New(ctx context.Context, cfg config.TranslationConfig, logger *slog.Logger) (Translator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "translate"))
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond

	switch cfg.Mode {
	case "identity":
		return Identity{}, nil
	case "mock":
		return Mock{}, nil
	case "exec":
		return NewExec(cfg.Command)
	case "openai":
		return NewOpenAI(cfg.Endpoint, cfg.APIKey, cfg.Model), nil
	case "ollama":
		return NewOllama(cfg.Endpoint, cfg.Model), nil
	case "libretranslate":
		client := NewLibreTranslate(cfg.Endpoint, cfg.APIKey, timeout)
		probeCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		err := client.SupportsPair(probeCtx, cfg.SourceLanguage, cfg.TargetLanguage)
		switch {
		case err == nil:
			return client, nil
		case errors.Is(err, ErrUnsupportedPair):
			logger.Warn("translation pair unavailable, captions will not be translated",
				slog.String("source", cfg.SourceLanguage),
				slog.String("target", cfg.TargetLanguage),
			)
			return Identity{}, nil
		default:
			// The server may come up later; per-call failures fall back to
			// pass-through.
			logger.Warn("translation probe failed", slog.String("error", err.Error()))
			return client, nil
		}
	default:
		return nil, fmt.Errorf("unknown translation mode %q", cfg.Mode)
	}
}

func normalizeLang(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}
