// Package client drives an engine.Machine against the development relay:
// it sends the machine's outgoing requests over HTTP and feeds to-device
// events pushed over the websocket back into it.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"e2e_crypto/internal/model"
	"e2e_crypto/internal/service/engine"
	"e2e_crypto/internal/service/server"
	"e2e_crypto/internal/utils/log"
)

// maxFlushRounds bounds Flush; each round may queue follow-ups such as a
// key claim after a query.
const maxFlushRounds = 10

var ErrNotConnected = errors.New("client: not connected")

type (
	Client struct {
		machine  *engine.Machine
		base     *url.URL
		http     *http.Client
		userID   string
		deviceID string

		mu sync.Mutex
		ws *websocket.Conn
	}

	// Handler is called with every batch of to-device events after the
	// machine processed them.
	Handler func(ctx context.Context, events []*engine.ProcessedToDevice)
)

// New returns a client for the relay at baseURL, e.g. "http://localhost:9090".
func New(ctx context.Context, machine *engine.Machine, baseURL string, httpClient *http.Client) (*Client, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("relay url: %w", err)
	}
	id, err := machine.Identity(ctx)
	if err != nil {
		return nil, err
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{machine: machine, base: base, http: httpClient, userID: id.UserID, deviceID: id.DeviceID}, nil
}

func (c *Client) Machine() *engine.Machine { return c.machine }

func requestPath(req *model.OutgoingRequest) (method, path string, body any, err error) {
	switch req.Type {
	case model.RequestKeysUpload:
		return http.MethodPost, "/keys/upload", req.KeysUpload, nil
	case model.RequestKeysQuery:
		return http.MethodPost, "/keys/query", req.KeysQuery, nil
	case model.RequestKeysClaim:
		return http.MethodPost, "/keys/claim", req.KeysClaim, nil
	case model.RequestUploadSigningKeys:
		return http.MethodPost, "/keys/device_signing/upload", req.UploadSigningKeys, nil
	case model.RequestSignatureUpload:
		return http.MethodPost, "/keys/signatures/upload", req.SignatureUpload, nil
	case model.RequestToDevice:
		path := "/sendToDevice/" + url.PathEscape(req.ToDevice.EventType) + "/" + url.PathEscape(req.ToDevice.TxnID)
		return http.MethodPut, path, req.ToDevice, nil
	}
	return "", "", nil, fmt.Errorf("relay does not support %s requests", req.Type)
}

func (c *Client) do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	target := strings.TrimSuffix(c.base.String(), "/") + path
	httpReq, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(server.HeaderUserID, c.userID)
	httpReq.Header.Set(server.HeaderDeviceID, c.deviceID)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(data)))
	}
	return data, nil
}

// Send delivers one outgoing request and reports the response to the machine.
// Requests the relay cannot serve are left unconfirmed.
func (c *Client) Send(ctx context.Context, req *model.OutgoingRequest) error {
	method, path, body, err := requestPath(req)
	if err != nil {
		log.Debug("request not sent", zap.String("request_id", req.ID), zap.Error(err))
		return nil
	}
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	return c.machine.MarkRequestAsSent(ctx, req.ID, req.Type, resp)
}

// Flush sends everything the machine has queued until it is quiet.
func (c *Client) Flush(ctx context.Context) error {
	for range maxFlushRounds {
		reqs, err := c.machine.OutgoingRequests(ctx)
		if err != nil {
			return err
		}
		sent := 0
		for _, req := range reqs {
			if _, _, _, err := requestPath(req); err != nil {
				continue
			}
			if err := c.Send(ctx, req); err != nil {
				return fmt.Errorf("send %s request: %w", req.Type, err)
			}
			sent++
		}
		if sent == 0 {
			return nil
		}
	}
	return nil
}

// ShareRoomKey claims the missing pairwise sessions and sends the room key
// to every device of users.
func (c *Client) ShareRoomKey(ctx context.Context, roomID string, userIDs []string) error {
	claim, err := c.machine.GetMissingSessions(ctx, userIDs)
	if err != nil {
		return err
	}
	if claim != nil {
		if err := c.Send(ctx, claim); err != nil {
			return err
		}
	}
	reqs, err := c.machine.ShareRoomKey(ctx, roomID, userIDs)
	if err != nil {
		return err
	}
	for _, req := range reqs {
		if err := c.Send(ctx, req); err != nil {
			return err
		}
	}
	return nil
}

// Connect opens the websocket queued events are pushed over.
func (c *Client) Connect(ctx context.Context) error {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"

	header := http.Header{}
	header.Set(server.HeaderUserID, c.userID)
	header.Set(server.HeaderDeviceID, c.deviceID)
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()
	return nil
}

// Listen processes pushed events until ctx is done or the connection
// drops. After each batch it flushes the requests the events caused.
func (c *Client) Listen(ctx context.Context, handle Handler) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}

	stop := context.AfterFunc(ctx, func() { ws.Close() })
	defer stop()

	for {
		var events []model.ToDeviceEvent
		if err := ws.ReadJSON(&events); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if err := c.Receive(ctx, events, handle); err != nil {
			return err
		}
	}
}

// Receive feeds one batch of to-device events into the machine.
func (c *Client) Receive(ctx context.Context, events []model.ToDeviceEvent, handle Handler) error {
	processed, err := c.machine.ReceiveSyncChanges(ctx, &engine.SyncChanges{ToDevice: events})
	if err != nil {
		return err
	}
	if handle != nil {
		handle(ctx, processed)
	}
	return c.Flush(ctx)
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return nil
	}
	err := c.ws.Close()
	c.ws = nil
	return err
}
