// Package minutes turns a meeting transcript into minutes and renders the
// archived document.
package minutes

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"meeting-jobcore/internal/retry"
)

// ErrEmptyTranscript means there is nothing to summarize.
var ErrEmptyTranscript = errors.New("transcript is empty")

// Input is what a summarizer sees of a meeting.
type Input struct {
	Title      string
	Transcript string
}

// Summarizer produces meeting minutes as markdown text.
type Summarizer interface {
	Summarize(ctx context.Context, in Input) (string, error)
}

// GeminiSummarizer calls the Gemini API.
type GeminiSummarizer struct {
	client *genai.Client
	model  string
}

func NewGeminiSummarizer(ctx context.Context, apiKey, model string) (*GeminiSummarizer, error) {
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiSummarizer{client: client, model: model}, nil
}

func (g *GeminiSummarizer) Summarize(ctx context.Context, in Input) (string, error) {
	if strings.TrimSpace(in.Transcript) == "" {
		return "", retry.MarkPermanent(ErrEmptyTranscript)
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(Prompt(in)), nil)
	if err != nil {
		return "", classifyGemini(err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", fmt.Errorf("gemini returned no candidates")
	}
	cand := resp.Candidates[0]
	if cand.FinishReason == genai.FinishReasonSafety {
		return "", retry.MarkPermanent(errors.New("gemini blocked the transcript on safety grounds"))
	}
	var b strings.Builder
	for _, part := range cand.Content.Parts {
		if part != nil && part.Text != "" {
			b.WriteString(part.Text)
		}
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", fmt.Errorf("gemini returned empty text")
	}
	return text, nil
}

// classifyGemini treats quota and server errors as transient and any other
// client error (bad key, bad request, unknown model) as permanent.
func classifyGemini(err error) error {
	wrapped := fmt.Errorf("gemini generate: %w", err)
	code := 0
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
		code = apiErr.Code
	case errors.As(err, &apiErrPtr):
		code = apiErrPtr.Code
	default:
		return wrapped
	}
	if code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500 {
		return wrapped
	}
	if code >= 400 {
		return retry.MarkPermanent(wrapped)
	}
	return wrapped
}

// Prompt builds the summarization instruction.
func Prompt(in Input) string {
	title := in.Title
	if title == "" {
		title = "Untitled meeting"
	}
	return fmt.Sprintf(`You are writing minutes for the meeting %q.
Summarize the transcript below as markdown with these sections:
## Summary
## Decisions
## Action Items (one bullet per item, with owner when stated)

Transcript:
%s`, title, in.Transcript)
}
