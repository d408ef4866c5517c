package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	cerrors "github.com/alexjbarnes/chat-sync/internal/errors"
)

// APIError represents an error response body from the chat API.
type APIError struct {
	Error string `json:"error"`
	Msg   string `json:"msg"`
}

// Client talks to the chat REST API for paginated history fetches and
// conversation creation. Push delivery is the Transport's job; the two
// share nothing but the token.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	pageSize   int
}

// NewClient creates an API client with the given http.Client.
// If httpClient is nil, http.DefaultClient is used.
func NewClient(httpClient *http.Client, baseURL, token string, pageSize int) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		token:      token,
		pageSize:   pageSize,
	}
}

// get sends a GET request and decodes the response into result.
func (c *Client) get(ctx context.Context, endpoint string, query url.Values, result interface{}) error {
	u := c.baseURL + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	return c.do(req, endpoint, result)
}

// post sends a JSON POST request and decodes the response into result.
func (c *Client) post(ctx context.Context, endpoint string, body, result interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshalling request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	return c.do(req, endpoint, result)
}

func (c *Client) do(req *http.Request, endpoint string, result interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: sending request to %s: %w", cerrors.ErrFetchFailed, endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading response from %s: %w", cerrors.ErrFetchFailed, endpoint, err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr APIError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%w: API %s (%d): %s", cerrors.ErrFetchFailed, endpoint, resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("%w: API %s returned status %d: %s", cerrors.ErrFetchFailed, endpoint, resp.StatusCode, string(respBody))
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response from %s: %w", endpoint, err)
		}
	}

	return nil
}

// FetchConversationsPage returns one page of the caller's conversation
// list, most recently active first. Pass an empty cursor for the first
// page.
func (c *Client) FetchConversationsPage(ctx context.Context, cursor string) (Page[Conversation], error) {
	query := url.Values{"limit": {strconv.Itoa(c.pageSize)}}
	if cursor != "" {
		query.Set("cursor", cursor)
	}

	var page Page[Conversation]
	if err := c.get(ctx, "/conversations", query, &page); err != nil {
		return Page[Conversation]{}, fmt.Errorf("fetching conversations page: %w", err)
	}

	return page, nil
}

// FetchMessagesPage returns one page of a conversation's message log. The
// backend sends messages newest-first; the page is normalized to
// chronological ascending order before it is returned, so callers can hand
// it straight to the message store.
func (c *Client) FetchMessagesPage(ctx context.Context, conversationID, cursor string) (Page[Message], error) {
	query := url.Values{
		"conversationId": {conversationID},
		"limit":          {strconv.Itoa(c.pageSize)},
	}
	if cursor != "" {
		query.Set("cursor", cursor)
	}

	var page Page[Message]
	if err := c.get(ctx, "/messages", query, &page); err != nil {
		return Page[Message]{}, fmt.Errorf("fetching messages page: %w", err)
	}

	reverseMessages(page.Items)
	for i := range page.Items {
		page.Items[i].State = StateConfirmed
	}

	return page, nil
}

// CreateUserConversation opens (or returns) a one-to-one conversation with
// another user.
func (c *Client) CreateUserConversation(ctx context.Context, otherUserID string) (*Conversation, error) {
	return c.createConversation(ctx, "/conversations/user-user", map[string]string{
		"userId": otherUserID,
	})
}

// CreateGroupConversation opens a group conversation with the given members.
func (c *Client) CreateGroupConversation(ctx context.Context, memberIDs []string) (*Conversation, error) {
	return c.createConversation(ctx, "/conversations/group", map[string]any{
		"memberIds": memberIDs,
	})
}

// CreatePageConversation opens a conversation between the caller and a page.
func (c *Client) CreatePageConversation(ctx context.Context, pageID string) (*Conversation, error) {
	return c.createConversation(ctx, "/conversations/user-page", map[string]string{
		"pageId": pageID,
	})
}

func (c *Client) createConversation(ctx context.Context, endpoint string, body any) (*Conversation, error) {
	var conv Conversation
	if err := c.post(ctx, endpoint, body, &conv); err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}

	return &conv, nil
}

// reverseMessages flips a newest-first server page into ascending order
// in place.
func reverseMessages(msgs []Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
