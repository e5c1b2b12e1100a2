package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/exchange/internal/store"
)

// DeliverPath is the inbound relay route on every node.
const DeliverPath = "/v1/relay/deliver"

// Delivery is one finalized message with its chunks in order.
type Delivery struct {
	ZoneApex string              `json:"zone_apex"`
	Message  store.MessageRecord `json:"message"`
	Chunks   []store.ChunkRecord `json:"chunks"`
}

// Transport sends a delivery to addr. Errors wrapped with Terminal are not
// retried.
type Transport interface {
	Deliver(ctx context.Context, addr string, d Delivery) error
}

type HTTPTransport struct {
	Client  *http.Client
	Timeout time.Duration
}

func NewHTTPTransport(timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{Client: &http.Client{}, Timeout: timeout}
}

func (t *HTTPTransport) Deliver(ctx context.Context, addr string, d Delivery) error {
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(d); err != nil {
		return Terminal(err)
	}
	u := strings.TrimRight(addr, "/") + DeliverPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, buf)
	if err != nil {
		return Terminal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("relay post %s: %w", u, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode/100 == 2:
		return nil
	case resp.StatusCode/100 == 4:
		return Terminal(fmt.Errorf("relay post %s: %s", u, resp.Status))
	default:
		return fmt.Errorf("relay post %s: %s", u, resp.Status)
	}
}
