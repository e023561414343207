package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// maxFeedSize caps how much of a feed response is read into memory.
const maxFeedSize = 10 << 20

// ErrInvalidURL is wrapped by FetchError when the feed URL is rejected
// before any network access.
var ErrInvalidURL = errors.New("invalid iCal URL. Paste the calendar URL from SocialSchedules > Settings > Calendar Sync")

// FetchError reports that a feed could not be obtained or decoded. Callers
// do not need to tell network, HTTP and parse failures apart.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	if errors.Is(e.Err, ErrInvalidURL) {
		return e.Err.Error()
	}
	return fmt.Sprintf("could not fetch iCal feed: %v", e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// ValidateURL checks that raw is an absolute network URL and returns the
// URL to request. webcal links, as handed out by most scheduling sites,
// are fetched over https.
func ValidateURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrInvalidURL
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	case "webcal", "webcals":
		u.Scheme = "https"
	default:
		return "", ErrInvalidURL
	}

	if u.Host == "" {
		return "", ErrInvalidURL
	}

	return u.String(), nil
}

// fetch downloads the feed body.
func (p *Parser) fetch(ctx context.Context, feedURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/calendar, */*;q=0.5")

	slog.DebugContext(ctx, "Fetching iCal feed", "url", RedactURL(feedURL))

	resp, err := p.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("feed returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return body, nil
}

func (p *Parser) httpClient() *http.Client {
	if p.Client != nil {
		return p.Client
	}
	return http.DefaultClient
}

// RedactURL hides the path and query of a feed URL for logging. Feed URLs
// embed a per-user secret.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "ics://...(redacted)"
	}
	return u.Scheme + "://" + u.Host + "/...(redacted)"
}
