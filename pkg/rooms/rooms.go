// Package rooms is a client for the relay's room directory.
package rooms

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/teslashibe/go-live/internal/httpc"
)

// DefaultRoom is the shared room that is never closed by clients.
const DefaultRoom = "default"

// Room status values.
const (
	StatusOpen   = "open"
	StatusClosed = "closed"
)

var (
	// ErrNameRequired indicates Create was called without a name.
	ErrNameRequired = errors.New("rooms: name is required")

	// ErrNotFound indicates the room does not exist.
	ErrNotFound = errors.New("rooms: room not found")
)

// Room is a directory entry.
type Room struct {
	ID        string     `json:"room_id"`
	Name      string     `json:"name"`
	Status    string     `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
}

// Open reports whether the room accepts connections.
func (r Room) Open() bool { return r.Status == StatusOpen }

// Client talks to the room directory over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the directory served next to proxyURL.
// A nil hc uses the shared httpc client.
func NewClient(proxyURL string, hc *http.Client) (*Client, error) {
	base, err := BaseURL(proxyURL)
	if err != nil {
		return nil, err
	}
	if hc == nil {
		hc = httpc.Client
	}
	return &Client{baseURL: base, http: hc}, nil
}

// BaseURL derives the HTTP base from a websocket proxy URL: ws becomes
// http, wss becomes https, and a trailing "/ws" and "/" are removed.
func BaseURL(proxyURL string) (string, error) {
	var u string
	switch {
	case strings.HasPrefix(proxyURL, "wss://"):
		u = "https://" + strings.TrimPrefix(proxyURL, "wss://")
	case strings.HasPrefix(proxyURL, "ws://"):
		u = "http://" + strings.TrimPrefix(proxyURL, "ws://")
	case strings.HasPrefix(proxyURL, "http://"), strings.HasPrefix(proxyURL, "https://"):
		u = proxyURL
	default:
		return "", fmt.Errorf("rooms: unsupported proxy URL %q", proxyURL)
	}
	u = strings.TrimSuffix(u, "/ws")
	u = strings.TrimSuffix(u, "/")
	return u, nil
}

// BaseURL returns the directory's HTTP base.
func (c *Client) BaseURL() string { return c.baseURL }

// List returns the open rooms, newest first.
func (c *Client) List(ctx context.Context) ([]Room, error) {
	var out []Room
	if err := httpc.GetJSON(ctx, c.http, c.baseURL+"/rooms", &out); err != nil {
		return nil, fmt.Errorf("rooms: list: %w", err)
	}
	return out, nil
}

// Get returns one room.
func (c *Client) Get(ctx context.Context, id string) (Room, error) {
	var out Room
	err := httpc.GetJSON(ctx, c.http, c.baseURL+"/room/"+url.PathEscape(id), &out)
	if err != nil {
		return Room{}, mapErr("get", err)
	}
	return out, nil
}

// Create makes a new room. The returned ID is the routing key for Connect.
func (c *Client) Create(ctx context.Context, name string) (Room, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Room{}, ErrNameRequired
	}
	var out Room
	err := httpc.PostJSON(ctx, c.http, c.baseURL+"/room", map[string]string{"name": name}, &out)
	if err != nil {
		return Room{}, fmt.Errorf("rooms: create: %w", err)
	}
	if out.ID == "" {
		return Room{}, errors.New("rooms: create: response has no room_id")
	}
	return out, nil
}

// Close marks a room closed so the relay rejects new joins.
func (c *Client) Close(ctx context.Context, id string) error {
	err := httpc.PostJSON(ctx, c.http, c.baseURL+"/room/"+url.PathEscape(id)+"/close", nil, nil)
	if err != nil {
		return mapErr("close", err)
	}
	return nil
}

func mapErr(op string, err error) error {
	var se *httpc.StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
		return fmt.Errorf("rooms: %s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("rooms: %s: %w", op, err)
}
