package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/twbeatles/intranet-messenger/pkg/engine"
	"github.com/twbeatles/intranet-messenger/pkg/event"
)

// BackfillClient implements the bounded history queries: the most recent
// page on room open, scrollback pages and the gap-fill after a reconnect.
type BackfillClient struct {
	log     zerolog.Logger
	http    *http.Client
	baseURL string
	token   string
}

func NewBackfillClient(log zerolog.Logger, baseURL, token string) *BackfillClient {
	return &BackfillClient{
		log:     log.With().Str("component", "backfill").Logger(),
		http:    &http.Client{Timeout: 30 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
	}
}

var _ engine.Fetcher = (*BackfillClient)(nil)

func (c *BackfillClient) Messages(ctx context.Context, roomID int64, query engine.MessagesQuery) ([]event.Message, error) {
	params := url.Values{}
	if query.AfterID > 0 {
		params.Set("after_id", strconv.FormatInt(query.AfterID, 10))
	}
	if query.BeforeID > 0 {
		params.Set("before_id", strconv.FormatInt(query.BeforeID, 10))
	}
	if query.Limit > 0 {
		params.Set("limit", strconv.Itoa(query.Limit))
	}
	var resp struct {
		Messages []event.Message `json:"messages"`
	}
	path := fmt.Sprintf("/api/rooms/%d/messages", roomID)
	if err := c.get(ctx, path, params, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

func (c *BackfillClient) Members(ctx context.Context, roomID int64) ([]event.Member, error) {
	var resp struct {
		Members []event.Member `json:"members"`
	}
	path := fmt.Sprintf("/api/rooms/%d/members", roomID)
	if err := c.get(ctx, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Members, nil
}

func (c *BackfillClient) Rooms(ctx context.Context) ([]event.Room, error) {
	var resp struct {
		Rooms []event.Room `json:"rooms"`
	}
	if err := c.get(ctx, "/api/rooms", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Rooms, nil
}

func (c *BackfillClient) get(ctx context.Context, path string, params url.Values, out any) error {
	reqURL := c.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, path)
	}
	if err = json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}
