// Package ingressclient implements the client side of the one-frame-in,
// one-message-out websocket contract pkg/ingress serves, so
// pkg/uploadqueue can deliver a segment without knowing anything about
// websockets.
package ingressclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/coder/websocket"
)

// message mirrors the terminal JSON shape pkg/ingress writes back.
type message struct {
	Type      string `json:"type"`
	SegmentID string `json:"segment_id"`
	Reason    string `json:"reason,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Client implements uploadqueue.Uploader by dialing the ingress endpoint
// once per segment, mirroring the teacher's deepgram STT client's
// connect-send-receive-close session shape (pkg/provider/stt/deepgram),
// inverted for a single request/response instead of a long-lived stream.
type Client struct {
	endpoint    string
	bearerToken string
	dialTimeout time.Duration
}

// New constructs a Client. endpoint is the ws:// or wss:// base URL of the
// ingress server's /ingest route (e.g. "wss://ingest.example.com/ingest").
func New(endpoint, bearerToken string) *Client {
	return &Client{endpoint: endpoint, bearerToken: bearerToken, dialTimeout: 10 * time.Second}
}

// Upload implements uploadqueue.Uploader. It reads the WAV file at
// filePath, sends it as a single binary frame, and waits for the
// terminal JSON message. A "transcription", "filtered" or "received"
// outcome is a delivered upload. An "error" outcome and any transport-level
// failure (dial, write, read error) are returned as errors, which
// uploadqueue.Queue retries.
func (c *Client) Upload(ctx context.Context, segmentID, filePath string) error {
	payload, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("ingressclient: read %s: %w", filePath, err)
	}

	u, err := url.Parse(c.endpoint)
	if err != nil {
		return fmt.Errorf("ingressclient: parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("segment_id", segmentID)
	u.RawQuery = q.Encode()

	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()

	header := http.Header{}
	if c.bearerToken != "" {
		header.Set("Authorization", "Bearer "+c.bearerToken)
	}

	conn, _, err := websocket.Dial(dialCtx, u.String(), &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return fmt.Errorf("ingressclient: dial: %w", err)
	}
	defer conn.CloseNow()

	if err := conn.Write(ctx, websocket.MessageBinary, payload); err != nil {
		return fmt.Errorf("ingressclient: write segment: %w", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("ingressclient: read response: %w", err)
	}

	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("ingressclient: decode response: %w", err)
	}
	if msg.Type == "error" {
		return fmt.Errorf("ingressclient: server reported error: %s", msg.Reason)
	}

	conn.Close(websocket.StatusNormalClosure, "")
	return nil
}
