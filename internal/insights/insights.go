// Package insights talks to the text-generation collaborator that answers
// shop-owner questions. Any failure there degrades to a static reply.
package insights

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/store"
)

type Reply struct {
	Message     string   `json:"message"`
	Suggestions []string `json:"suggestions"`
	Data        any      `json:"data,omitempty"`
}

type Generator interface {
	Generate(ctx context.Context, query string, snapshot domain.InsightsContext) (*Reply, error)
}

type HTTPGenerator struct {
	url    string
	apiKey string
	client *http.Client
}

func NewHTTPGenerator(url string, apiKey string, timeout time.Duration) *HTTPGenerator {
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &HTTPGenerator{
		url:    url,
		apiKey: apiKey,
		client: &http.Client{Timeout: timeout},
	}
}

type generateRequest struct {
	Query   string                 `json:"query"`
	Context domain.InsightsContext `json:"context"`
}

func (g *HTTPGenerator) Generate(ctx context.Context, query string, snapshot domain.InsightsContext) (*Reply, error) {
	body, err := json.Marshal(generateRequest{Query: query, Context: snapshot})
	if err != nil {
		return nil, errors.Wrap(err, "encode insights request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build insights request")
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "call insights service")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errors.Errorf("insights service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var reply Reply
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&reply); err != nil {
		return nil, errors.Wrap(err, "decode insights reply")
	}
	if strings.TrimSpace(reply.Message) == "" {
		return nil, errors.New("insights reply has no message")
	}
	return &reply, nil
}

var fallbackSuggestions = []string{
	"Show today's sales summary",
	"Which products are running low?",
	"What are my top selling products this week?",
	"Which items expire soon?",
}

// Assistant answers queries through a Generator, or statically when none is
// configured or the call fails.
type Assistant struct {
	generator Generator
}

func NewAssistant(generator Generator) *Assistant {
	return &Assistant{generator: generator}
}

func (a *Assistant) Reply(ctx context.Context, query string, snapshot domain.InsightsContext) (*domain.ChatResponse, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, store.Invalid("query is required")
	}

	if a.generator != nil {
		reply, err := a.generator.Generate(ctx, query, snapshot)
		if err == nil {
			suggestions := reply.Suggestions
			if suggestions == nil {
				suggestions = []string{}
			}
			return &domain.ChatResponse{
				Message:     reply.Message,
				Suggestions: suggestions,
				Data:        reply.Data,
			}, nil
		}
		log.WithError(err).Warn("insights generator unavailable, using fallback reply")
	}

	return Fallback(snapshot), nil
}

// Fallback is the static reply used when no generator answers.
func Fallback(snapshot domain.InsightsContext) *domain.ChatResponse {
	message := "I can't reach the insights service right now. Here is the latest snapshot of your shop."
	if snapshot.Analytics != nil {
		message = "I can't reach the insights service right now. Today's sales so far: " +
			snapshot.Analytics.DailySales.StringFixed(2) + "."
	}
	suggestions := make([]string, len(fallbackSuggestions))
	copy(suggestions, fallbackSuggestions)
	return &domain.ChatResponse{
		Message:     message,
		Suggestions: suggestions,
		Data:        snapshot,
		Fallback:    true,
	}
}
