package remote

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/roach88/tillsync/internal/ir"
)

// Notifier keeps a websocket open to /notify and reports reachability
// changes. It is a trigger source only: losing a notification costs
// latency, never correctness, because the interval trigger still runs.
type Notifier struct {
	url        string
	minBackoff time.Duration
	maxBackoff time.Duration
	logger     *slog.Logger
}

// NotifierOption configures a Notifier.
type NotifierOption func(*Notifier)

// WithReconnectBackoff sets the reconnect delay bounds.
func WithReconnectBackoff(lo, hi time.Duration) NotifierOption {
	return func(n *Notifier) {
		n.minBackoff = lo
		n.maxBackoff = hi
	}
}

// WithNotifierLogger sets the logger. Defaults to slog.Default().
func WithNotifierLogger(l *slog.Logger) NotifierOption {
	return func(n *Notifier) {
		n.logger = l
	}
}

// NewNotifier creates a notifier for the scope on the server at baseURL.
// http and https base URLs map to ws and wss.
func NewNotifier(baseURL string, scope ir.Scope, opts ...NotifierOption) (*Notifier, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/") + PathNotify)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	q := u.Query()
	q.Set("tenantId", scope.TenantID)
	q.Set("storeId", scope.StoreID)
	u.RawQuery = q.Encode()

	n := &Notifier{
		url:        u.String(),
		minBackoff: time.Second,
		maxBackoff: 30 * time.Second,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Run connects and reads notifications until ctx is done. onConnect is
// called after every successful (re)connect; onRevision for every
// notification. Either may be nil. Returns ctx.Err().
func (n *Notifier) Run(ctx context.Context, onConnect func(), onRevision func(int64)) error {
	backoff := n.minBackoff
	for {
		connected := n.session(ctx, onConnect, onRevision)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			backoff = n.minBackoff
		}

		n.logger.Debug("notify reconnect scheduled", "in", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > n.maxBackoff {
			backoff = n.maxBackoff
		}
	}
}

// session runs one connection. Reports whether the dial succeeded.
func (n *Notifier) session(ctx context.Context, onConnect func(), onRevision func(int64)) bool {
	conn, _, err := websocket.Dial(ctx, n.url, nil)
	if err != nil {
		n.logger.Debug("notify dial failed", "error", err)
		return false
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	n.logger.Info("notify connected", "url", n.url)
	if onConnect != nil {
		onConnect()
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				n.logger.Info("notify disconnected", "error", err)
			}
			return true
		}

		var msg Notification
		if err := json.Unmarshal(data, &msg); err != nil {
			n.logger.Warn("notify message ignored", "error", err)
			continue
		}
		if onRevision != nil {
			onRevision(msg.Revision)
		}
	}
}
