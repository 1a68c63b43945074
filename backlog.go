package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// BacklogPage selects a page of room history. Before is a server message
// ID; empty means the newest page.
type BacklogPage struct {
	Limit  int
	Before string
}

// BacklogFetcher loads room history, oldest first.
type BacklogFetcher interface {
	FetchBacklog(ctx context.Context, roomID string, page BacklogPage) ([]Message, error)
}

// HTTPBacklog fetches history from the marketplace REST API.
type HTTPBacklog struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenProvider
}

// NewHTTPBacklog returns a fetcher for the API at baseURL. A nil client
// uses a 30 second timeout.
func NewHTTPBacklog(baseURL string, tokens TokenProvider, client *http.Client) *HTTPBacklog {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPBacklog{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: client,
		tokens:     tokens,
	}
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *apiError       `json:"error,omitempty"`
}

type backlogData struct {
	Messages []MessagePayload `json:"messages"`
	HasMore  bool             `json:"hasMore"`
}

func (b *HTTPBacklog) FetchBacklog(ctx context.Context, roomID string, page BacklogPage) ([]Message, error) {
	query := map[string]string{}
	if page.Limit > 0 {
		query["limit"] = strconv.Itoa(page.Limit)
	}
	if page.Before != "" {
		query["before"] = page.Before
	}

	status, body, err := b.doRequest(ctx, http.MethodGet, "/api/chat/rooms/"+url.PathEscape(roomID)+"/messages", query)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return nil, fmt.Errorf("%w: backlog returned HTTP %d", ErrAuthRejected, status)
	}

	res, err := decodeJSON[apiResult](body)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		if res.Error != nil {
			return nil, &ServerError{Code: res.Error.Code, Message: res.Error.Message, RoomID: roomID}
		}
		return nil, fmt.Errorf("backlog request failed with HTTP %d", status)
	}

	if len(res.Data) == 0 {
		return nil, nil
	}
	data, err := decodeJSON[backlogData](res.Data)
	if err != nil {
		return nil, err
	}
	msgs := make([]Message, 0, len(data.Messages))
	for _, p := range data.Messages {
		if p.RoomID == "" {
			p.RoomID = roomID
		}
		msgs = append(msgs, *messageFromPayload(p))
	}
	return msgs, nil
}

func (b *HTTPBacklog) doRequest(ctx context.Context, method, path string, query map[string]string) (int, []byte, error) {
	u := b.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if b.tokens != nil {
		token, err := b.tokens.CurrentToken(ctx)
		if err != nil {
			return 0, nil, fmt.Errorf("get token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}
