// Package groupme is a small client for the GroupMe v3 REST API.
package groupme

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// DefaultBaseURL is the public GroupMe API root.
const DefaultBaseURL = "https://api.groupme.com/v3"

const (
	groupsPerPage = 10
	messageLimit  = 20
)

// ErrMissingParameter is returned before any request is made when the token,
// group ID or message text is empty.
var ErrMissingParameter = errors.New("groupme: missing parameter")

// Group is a chat group the token's user belongs to.
type Group struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	ImageURL    string `json:"image_url,omitempty"`
	UpdatedAt   int64  `json:"updated_at,omitempty"`
}

// Message is a single group message.
type Message struct {
	ID        string `json:"id"`
	SourceID  string `json:"source_guid,omitempty"`
	Name      string `json:"name"`
	UserID    string `json:"user_id,omitempty"`
	Text      string `json:"text"`
	CreatedAt int64  `json:"created_at"`
}

// APIError is a non-2xx answer from GroupMe.
type APIError struct {
	StatusCode int
	Errors     []string
}

func (e *APIError) Error() string {
	if len(e.Errors) == 0 {
		return fmt.Sprintf("groupme: API returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("groupme: API returned status %d: %s", e.StatusCode, strings.Join(e.Errors, "; "))
}

type envelope struct {
	Response json.RawMessage `json:"response"`
	Meta     struct {
		Code   int      `json:"code"`
		Errors []string `json:"errors"`
	} `json:"meta"`
}

// Client calls GroupMe on behalf of one access token.
type Client struct {
	Token string
	// BaseURL overrides DefaultBaseURL.
	BaseURL string
	// HTTPClient performs the requests. nil means http.DefaultClient.
	HTTPClient *http.Client
}

// New returns a client for token.
func New(token string) *Client {
	return &Client{Token: token}
}

// Groups lists the first page of the user's groups.
func (c *Client) Groups(ctx context.Context) ([]Group, error) {
	if c.Token == "" {
		return nil, ErrMissingParameter
	}

	params := url.Values{}
	params.Set("per_page", strconv.Itoa(groupsPerPage))

	var groups []Group
	if err := c.do(ctx, http.MethodGet, "/groups", params, nil, &groups); err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	return groups, nil
}

// Messages returns the most recent messages of a group.
func (c *Client) Messages(ctx context.Context, groupID string) ([]Message, error) {
	if c.Token == "" || groupID == "" {
		return nil, ErrMissingParameter
	}

	params := url.Values{}
	params.Set("limit", strconv.Itoa(messageLimit))

	var resp struct {
		Count    int       `json:"count"`
		Messages []Message `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, "/groups/"+url.PathEscape(groupID)+"/messages", params, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return resp.Messages, nil
}

// SendMessage posts text to a group.
func (c *Client) SendMessage(ctx context.Context, groupID, text string) (*Message, error) {
	if c.Token == "" || groupID == "" || text == "" {
		return nil, ErrMissingParameter
	}

	body := map[string]any{
		"message": map[string]string{
			"source_guid": uuid.NewString(),
			"text":        text,
		},
	}

	var resp struct {
		Message Message `json:"message"`
	}
	if err := c.do(ctx, http.MethodPost, "/groups/"+url.PathEscape(groupID)+"/messages", nil, body, &resp); err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}
	return &resp.Message, nil
}

// Notify implements notify.Notifier with destination as the group ID.
func (c *Client) Notify(ctx context.Context, groupID, text string) error {
	_, err := c.SendMessage(ctx, groupID, text)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, body, out any) error {
	if params == nil {
		params = url.Values{}
	}
	params.Set("token", c.Token)

	base := c.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	requestURL := strings.TrimSuffix(base, "/") + path + "?" + params.Encode()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, requestURL, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	slog.DebugContext(ctx, "GroupMe request", "method", method, "path", path)

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var env envelope
	decodeErr := json.Unmarshal(data, &env)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Errors: env.Meta.Errors}
	}
	if decodeErr != nil {
		return fmt.Errorf("failed to parse response: %w", decodeErr)
	}
	if out == nil || len(env.Response) == 0 || string(env.Response) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Response, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
