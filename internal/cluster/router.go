package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/gridreduce/internal/endpoint"
	"github.com/dreamware/gridreduce/internal/protocol"
)

// HTTP paths served by Handler and used by Router.
const (
	PathDeliver = "/deliver"
	PathLink    = "/link"
	PathUnlink  = "/unlink"
)

// Router carries endpoint messages and link registrations between
// processes over HTTP. It implements endpoint.Router.
//
// A delivery is a POST of the message envelope to the destination
// process. The remote handler answers only after the message is queued in
// the destination mailbox, so Deliver returning nil means the message is
// enqueued.
type Router struct {
	client *http.Client
	logger *zap.Logger
}

// RouterOptions configures a Router.
type RouterOptions struct {
	// Timeout bounds a single HTTP exchange. Defaults to 5s.
	Timeout time.Duration
	// Client overrides the HTTP client, e.g. for tests.
	Client *http.Client
	Logger *zap.Logger
}

// NewRouter creates an HTTP router.
func NewRouter(opts RouterOptions) *Router {
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{client: client, logger: logger.Named("router")}
}

// Deliver implements endpoint.Router.
func (r *Router) Deliver(ctx context.Context, msg endpoint.Message) error {
	data, err := protocol.Marshal(msg)
	if err != nil {
		return err
	}
	err = postJSON(ctx, r.client, BaseURL(msg.To.Addr)+PathDeliver, json.RawMessage(data), nil)
	return r.mapError(msg.To, err)
}

// Watch implements endpoint.Router.
func (r *Router) Watch(ctx context.Context, watcher, target endpoint.ID) error {
	err := postJSON(ctx, r.client, BaseURL(target.Addr)+PathLink, LinkRequest{Watcher: watcher, Target: target}, nil)
	return r.mapError(target, err)
}

// Unwatch implements endpoint.Router.
func (r *Router) Unwatch(ctx context.Context, watcher, target endpoint.ID) error {
	err := postJSON(ctx, r.client, BaseURL(target.Addr)+PathUnlink, LinkRequest{Watcher: watcher, Target: target}, nil)
	return r.mapError(target, err)
}

// mapError translates transport failures into endpoint errors: a 404 means
// the endpoint does not exist, anything else that is not a client error
// means the process could not be reached.
func (r *Router) mapError(to endpoint.ID, err error) error {
	if err == nil {
		return nil
	}
	var status *StatusError
	if errors.As(err, &status) {
		switch {
		case status.Code == http.StatusNotFound:
			return fmt.Errorf("%w: %s", endpoint.ErrUnknownEndpoint, to)
		case status.Code < 500:
			return fmt.Errorf("%s: %w", to, err)
		}
	}
	r.logger.Debug("peer unreachable", zap.Stringer("to", to), zap.Error(err))
	return fmt.Errorf("%w: %s: %w", endpoint.ErrUnreachable, to, err)
}
