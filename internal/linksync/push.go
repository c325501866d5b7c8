package linksync

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"nhooyr.io/websocket"
)

const defaultReconnectDelay = 5 * time.Second

// pushEventSchema validates the server-initiated stream frames before
// they are allowed anywhere near the store.
const pushEventSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {"enum": ["status_update", "connected", "heartbeat"]},
    "customerId": {"type": "string", "minLength": 1},
    "status": {"type": "string", "minLength": 1},
    "updatedAt": {"type": "string"}
  },
  "if": {"properties": {"type": {"const": "status_update"}}},
  "then": {"required": ["type", "customerId", "status"]}
}`

type pushEvent struct {
	Type       string `json:"type"`
	CustomerID string `json:"customerId"`
	Status     string `json:"status"`
	UpdatedAt  string `json:"updatedAt,omitempty"`
}

type PushReceiverOptions struct {
	Token          string
	ReconnectDelay time.Duration
	Logger         Logger
}

// PushReceiver holds the single long-lived subscription to the platform's
// status stream. Push events write through to the store unconditionally:
// they originate from a server-side watcher closer to the source of truth
// than either polling path, so unlike batch sync they are not filtered by
// the guard registry. When a pushed status is terminal for an active poll
// session's direction, that session is stopped early; the next tick would
// converge anyway, this just saves it.
type PushReceiver struct {
	url      string
	token    string
	store    *Store
	sessions *SessionManager
	delay    time.Duration
	logger   Logger
	schema   *jsonschema.Schema
}

func NewPushReceiver(url string, store *Store, sessions *SessionManager, opts PushReceiverOptions) (*PushReceiver, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, ErrInvalidInput
	}
	compiler := jsonschema.NewCompiler()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(pushEventSchema))
	if err != nil {
		return nil, err
	}
	if err := compiler.AddResource("push_event.json", doc); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile("push_event.json")
	if err != nil {
		return nil, err
	}
	delay := opts.ReconnectDelay
	if delay <= 0 {
		delay = defaultReconnectDelay
	}
	return &PushReceiver{
		url:      url,
		token:    strings.TrimSpace(opts.Token),
		store:    store,
		sessions: sessions,
		delay:    delay,
		logger:   opts.Logger,
		schema:   schema,
	}, nil
}

// Run maintains the subscription until the context is cancelled,
// redialing after a fixed backoff whenever the stream closes or errors.
func (r *PushReceiver) Run(ctx context.Context) error {
	for {
		if err := r.runOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logf("push stream disconnected: %v", err)
		}
		if err := waitWithContext(ctx, r.delay); err != nil {
			return err
		}
	}
}

func (r *PushReceiver) runOnce(ctx context.Context) error {
	opts := &websocket.DialOptions{}
	if r.token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + r.token}}
	}
	conn, _, err := websocket.Dial(ctx, r.url, opts)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "shutting down")
	r.logf("push stream connected")

	for {
		_, payload, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		r.handle(payload)
	}
}

// handle folds one frame into the store. Malformed frames are logged and
// dropped; they never abort the stream.
func (r *PushReceiver) handle(payload []byte) {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		r.logf("push: discarding unparseable frame: %v", err)
		return
	}
	if err := r.schema.Validate(instance); err != nil {
		r.logf("push: discarding invalid frame: %v", err)
		return
	}
	var event pushEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		r.logf("push: discarding undecodable frame: %v", err)
		return
	}
	switch event.Type {
	case "connected", "heartbeat":
		return
	case "status_update":
	default:
		return
	}

	canonical, err := NormalizeCustomerID(event.CustomerID)
	if err != nil {
		r.logf("push: discarding event with bad id %q: %v", event.CustomerID, err)
		return
	}
	mapping := MapRemoteStatus(event.Status)
	r.store.Apply(canonical, MutationFromMapping(mapping, WriterPush))
	if r.sessions != nil {
		r.sessions.NotifyStatus(canonical, mapping)
	}
}

func (r *PushReceiver) logf(format string, args ...any) {
	if r.logger == nil {
		return
	}
	r.logger.Printf(format, args...)
}
