package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"meeting-jobcore/internal/models"
	"meeting-jobcore/internal/retry"
)

// ErrNotReady means the conferencing provider has not finished producing the
// meeting's artifacts yet. It is always retried.
var ErrNotReady = errors.New("meeting artifacts not ready")

// ArtifactSource fetches post-meeting artifacts from the external system.
type ArtifactSource interface {
	Fetch(ctx context.Context, externalRef string) (models.Artifacts, error)
}

// HTTPSource reads artifacts from GET {baseURL}/meetings/{ref}/artifacts.
type HTTPSource struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPSource(baseURL, token string, timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSource) Fetch(ctx context.Context, externalRef string) (models.Artifacts, error) {
	if externalRef == "" {
		return models.Artifacts{}, retry.MarkPermanent(errors.New("meeting has no external reference"))
	}
	endpoint := fmt.Sprintf("%s/meetings/%s/artifacts", s.baseURL, url.PathEscape(externalRef))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return models.Artifacts{}, retry.MarkPermanent(fmt.Errorf("build artifacts request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return models.Artifacts{}, fmt.Errorf("fetch artifacts: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound,
		resp.StatusCode == http.StatusConflict,
		resp.StatusCode == http.StatusTooEarly:
		return models.Artifacts{}, fmt.Errorf("%w (%d)", ErrNotReady, resp.StatusCode)
	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusGone:
		return models.Artifacts{}, retry.MarkPermanent(fmt.Errorf("artifacts unavailable: status %d", resp.StatusCode))
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return models.Artifacts{}, fmt.Errorf("artifacts request failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var a models.Artifacts
	if err := json.NewDecoder(io.LimitReader(resp.Body, 32<<20)).Decode(&a); err != nil {
		return models.Artifacts{}, fmt.Errorf("decode artifacts: %w", err)
	}
	if strings.TrimSpace(a.Transcript) == "" {
		return models.Artifacts{}, fmt.Errorf("%w: transcript empty", ErrNotReady)
	}
	return a, nil
}
