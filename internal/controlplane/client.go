package controlplane

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/goccy/go-json"
	"github.com/imroc/req/v3"
	"github.com/openmined/foldersync/internal/version"
)

const (
	v1Status  = "/v1/status"
	v1History = "/v1/history"
	v1Events  = "/v1/events"
	v1Folders = "/v1/folders"
)

// APIError is a non-2xx reply from the control plane.
type APIError struct {
	Status int
	ErrorResponse
}

func (e *APIError) Error() string {
	return fmt.Sprintf("control plane: %s (%d %s)", e.ErrorResponse.Error, e.Status, e.ErrorCode)
}

// Client talks to the control plane of a running agent.
type Client struct {
	endpoint *Endpoint
	http     *req.Client
}

func NewClient(e *Endpoint) *Client {
	c := req.C().
		SetBaseURL(e.URL).
		SetUserAgent(version.UserAgent()).
		SetTimeout(30 * time.Second).
		SetCommonRetryCount(2).
		SetCommonRetryFixedInterval(500 * time.Millisecond).
		SetCommonErrorResult(&ErrorResponse{}).
		SetJsonMarshal(json.Marshal).
		SetJsonUnmarshal(json.Unmarshal)
	if e.Token != "" {
		c.SetCommonBearerAuthToken(e.Token)
	}
	return &Client{endpoint: e, http: c}
}

func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var res StatusResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetSuccessResult(&res).
		Get(v1Status)
	if err := handleAPIError(resp, err, "status"); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) Folders(ctx context.Context) ([]FolderResponse, error) {
	var res []FolderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetSuccessResult(&res).
		Get(v1Folders)
	if err := handleAPIError(resp, err, "folders"); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Client) History(ctx context.Context, limit, offset int) (*HistoryResponse, error) {
	var res HistoryResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("limit", fmt.Sprint(limit)).
		SetQueryParam("offset", fmt.Sprint(offset)).
		SetSuccessResult(&res).
		Get(v1History)
	if err := handleAPIError(resp, err, "history"); err != nil {
		return nil, err
	}
	return &res, nil
}

// Sync queues a pass for the folder matching ref. It does not wait for it.
func (c *Client) Sync(ctx context.Context, ref string) (*SyncResponse, error) {
	var res SyncResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("ref", ref).
		SetRetryCount(0).
		SetSuccessResult(&res).
		Post(v1Folders + "/{ref}/sync")
	if err := handleAPIError(resp, err, "sync"); err != nil {
		return nil, err
	}
	return &res, nil
}

// Events calls fn for every event the agent publishes until ctx is
// cancelled, the agent goes away or fn returns an error.
func (c *Client) Events(ctx context.Context, fn func(*EventMessage) error) error {
	wsURL, err := c.eventsURL()
	if err != nil {
		return err
	}

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": {"Bearer " + c.endpoint.Token},
			"User-Agent":    {version.UserAgent()},
		},
	})
	if err != nil {
		return fmt.Errorf("control plane events: %w", err)
	}
	defer conn.CloseNow()

	for {
		var msg EventMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return nil
			}
			return fmt.Errorf("control plane events: %w", err)
		}
		if err := fn(&msg); err != nil {
			conn.Close(websocket.StatusNormalClosure, "")
			return err
		}
	}
}

func (c *Client) eventsURL() (string, error) {
	u, err := url.Parse(c.endpoint.URL)
	if err != nil {
		return "", fmt.Errorf("control plane url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("control plane url: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + v1Events
	return u.String(), nil
}

func handleAPIError(resp *req.Response, requestErr error, operation string) error {
	if requestErr != nil {
		return fmt.Errorf("control plane %s: %w", operation, requestErr)
	}

	if resp.IsErrorState() {
		apiErr := &APIError{Status: resp.StatusCode}
		if e, ok := resp.ErrorResult().(*ErrorResponse); ok && e != nil {
			apiErr.ErrorResponse = *e
		}
		if apiErr.ErrorResponse.Error == "" {
			apiErr.ErrorResponse.Error = resp.Status
		}
		return apiErr
	}

	return nil
}

// IsUnavailable reports whether err means the agent cannot serve the request
// right now, as opposed to a bad request.
func IsUnavailable(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusServiceUnavailable
}
