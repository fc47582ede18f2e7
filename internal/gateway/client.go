package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Client talks to the chat bridge's REST API.
//
// Routes:
//
//	POST /channels/{channel}/messages                    {"content"} -> {"id"}
//	POST /users/{user}/messages                          {"content"}
//	PUT  /channels/{channel}/messages/{msg}/reactions/{emoji}
//	GET  /users/{user}                                   -> {"name"}
//	GET  /servers/{server}                               -> {"name"}
//	GET  /servers/{server}/members/{user}                -> {"manage_messages"}
//
// A 404 on a lookup means unresolvable (or not a member).
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

// NewClient returns a Client with the given request timeout.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

var _ Gateway = (*Client)(nil)

// StatusError is a non-2xx answer from the bridge.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway: %s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

type contentBody struct {
	Content string `json:"content"`
}

type idBody struct {
	ID string `json:"id"`
}

type nameBody struct {
	Name string `json:"name"`
}

type memberBody struct {
	ManageMessages bool `json:"manage_messages"`
}

func (c *Client) Reply(ctx context.Context, channelID, text string) (string, error) {
	var out idBody
	err := c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/messages", contentBody{Content: text}, &out)
	if err != nil {
		return "", notFound(err)
	}
	return out.ID, nil
}

func (c *Client) SendDirectMessage(ctx context.Context, userID, text string) error {
	err := c.do(ctx, http.MethodPost, "/users/"+url.PathEscape(userID)+"/messages", contentBody{Content: text}, nil)
	return notFound(err)
}

func (c *Client) AddReaction(ctx context.Context, channelID, messageID, emoji string) error {
	path := "/channels/" + url.PathEscape(channelID) +
		"/messages/" + url.PathEscape(messageID) +
		"/reactions/" + url.PathEscape(emoji)
	return notFound(c.do(ctx, http.MethodPut, path, nil, nil))
}

func (c *Client) ResolveUser(ctx context.Context, userID string) (Lookup, error) {
	return c.lookup(ctx, "/users/"+url.PathEscape(userID))
}

func (c *Client) ResolveServerName(ctx context.Context, serverID string) (Lookup, error) {
	return c.lookup(ctx, "/servers/"+url.PathEscape(serverID))
}

func (c *Client) IsMember(ctx context.Context, userID, serverID string) (bool, error) {
	_, ok, err := c.member(ctx, userID, serverID)
	return ok, err
}

func (c *Client) CanManageMessages(ctx context.Context, userID, serverID string) (bool, error) {
	m, ok, err := c.member(ctx, userID, serverID)
	if err != nil || !ok {
		return false, err
	}
	return m.ManageMessages, nil
}

func (c *Client) lookup(ctx context.Context, path string) (Lookup, error) {
	var out nameBody
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	if isStatus(err, http.StatusNotFound) {
		return Unresolvable(), nil
	}
	if err != nil {
		return Lookup{}, err
	}
	return Resolved(out.Name), nil
}

func (c *Client) member(ctx context.Context, userID, serverID string) (memberBody, bool, error) {
	var out memberBody
	path := "/servers/" + url.PathEscape(serverID) + "/members/" + url.PathEscape(userID)
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	if isStatus(err, http.StatusNotFound) {
		return out, false, nil
	}
	if err != nil {
		return out, false, err
	}
	return out, true, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("gateway: decode %s %s: %w", method, path, err)
	}
	return nil
}

func isStatus(err error, code int) bool {
	se, ok := err.(*StatusError)
	return ok && se.Code == code
}

// notFound maps a 404 on a send to ErrNotFound while keeping the detail.
func notFound(err error) error {
	if isStatus(err, http.StatusNotFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}
