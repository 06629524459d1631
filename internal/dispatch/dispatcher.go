// ABOUTME: Classifies inbound transport messages and routes protocol envelopes to their handlers
// ABOUTME: Protocol traffic is always blanked; plain text passes through and marks the agent active

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/silverbacking/krill/internal/configpatch"
	"github.com/silverbacking/krill/internal/dedupe"
	"github.com/silverbacking/krill/internal/health"
	"github.com/silverbacking/krill/internal/pairing"
	"github.com/silverbacking/krill/internal/protocol"
	"github.com/silverbacking/krill/internal/senses"
)

// Timeouts for outbound transport calls.
const (
	sendTimeout  = 30 * time.Second
	blankTimeout = 10 * time.Second
)

// Inbound is one message delivered by the transport.
type Inbound struct {
	EventID string
	RoomID  string
	Sender  string
	Body    string
}

// Transport is the outbound half of the chat transport.
type Transport interface {
	// Send posts body to the room as a plain text message.
	Send(ctx context.Context, roomID, body string) error
	// Blank removes the visible content of an event.
	Blank(ctx context.Context, roomID, eventID string) error
}

// Injector delivers derived natural-language text toward the agent.
type Injector interface {
	Inject(ctx context.Context, roomID, sender, text string) error
}

// Outcome describes what Handle did with a message.
type Outcome int

const (
	// Passthrough means the message is not protocol traffic and should be
	// forwarded to the agent by the caller.
	Passthrough Outcome = iota
	// Handled means a protocol message was processed.
	Handled
	// Dropped means a protocol message failed authentication.
	Dropped
	// Swallowed means a namespaced message had no handler.
	Swallowed
	// Duplicate means the event id was already dispatched.
	Duplicate
)

func (o Outcome) String() string {
	switch o {
	case Passthrough:
		return "passthrough"
	case Handled:
		return "handled"
	case Dropped:
		return "dropped"
	case Swallowed:
		return "swallowed"
	case Duplicate:
		return "duplicate"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Deps are the collaborators of a Dispatcher. Pairing and Transport are
// required. A nil sense answers SENSE_DISABLED; a nil Config answers
// config and allow-list requests with a validation error.
type Deps struct {
	Pairing   *pairing.Service
	Location  *senses.LocationTracker
	Audio     *senses.AudioSense
	Camera    *senses.CameraSense
	Config    *configpatch.Engine
	Health    *health.Responder
	Transport Transport
	Injector  Injector
	Dedupe    *dedupe.Window
	Logger    *slog.Logger
}

// Dispatcher is the protocol state engine. It is safe for concurrent use.
type Dispatcher struct {
	deps   Deps
	routes map[string]route
	logger *slog.Logger
	now    func() time.Time

	// Background work (config cycles, health status) outlives the inbound
	// call and is tracked here.
	bg       sync.WaitGroup
	bgCtx    context.Context
	bgCancel context.CancelFunc
}

// New creates a dispatcher.
func New(deps Deps) (*Dispatcher, error) {
	if deps.Pairing == nil {
		return nil, errors.New("dispatch: pairing service is required")
	}
	if deps.Transport == nil {
		return nil, errors.New("dispatch: transport is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Health == nil {
		deps.Health = health.NewResponder(nil, nil, health.Options{}, deps.Logger)
	}
	if deps.Dedupe == nil {
		deps.Dedupe = dedupe.New(0, 0)
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		deps:     deps,
		logger:   deps.Logger.With("component", "dispatch"),
		now:      time.Now,
		bgCtx:    bgCtx,
		bgCancel: cancel,
	}
	d.routes = d.buildRoutes()
	return d, nil
}

// Handle classifies and processes one inbound message.
func (d *Dispatcher) Handle(ctx context.Context, in Inbound) Outcome {
	if d.deps.Dedupe.Seen(in.EventID) {
		d.logger.Debug("duplicate delivery ignored", "event_id", in.EventID)
		return Duplicate
	}

	env, ok := protocol.Parse(in.Body)
	if !ok {
		d.deps.Health.Activity().Touch(d.now())
		return Passthrough
	}

	return d.handleProtocol(ctx, in, env)
}

func (d *Dispatcher) handleProtocol(ctx context.Context, in Inbound, env *protocol.Envelope) (outcome Outcome) {
	logger := d.logger.With("type", env.Type, "sender", in.Sender, "event_id", in.EventID)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("handler panic", "panic", r, "stack", string(debug.Stack()))
			outcome = Dropped
		}
	}()

	rt, ok := d.lookup(env.Type)
	if !ok {
		logger.Debug("unknown protocol type swallowed")
		return Swallowed
	}

	req := &request{in: in, env: env, logger: logger}
	if pairing.RequiresAuth(env.Type) {
		p, err := d.deps.Pairing.Authenticate(ctx, env.Token(), in.Sender)
		if err != nil {
			// Unpaired senders get no confirmation either way.
			logger.Info("unauthenticated protocol message dropped", "reason", protocol.Code(err))
			return Dropped
		}
		req.pairing = p
		logger = logger.With("pairing_id", p.PairingID)
		req.logger = logger
	}

	// Dropped and swallowed traffic is left alone: a redaction is itself
	// visible to the sender.
	d.blank(ctx, in)

	if rt.background {
		d.spawn(func(bgCtx context.Context) {
			d.run(bgCtx, rt, req)
		})
		return Handled
	}
	d.run(ctx, rt, req)
	return Handled
}

// run executes a handler and emits its response and derived texts.
func (d *Dispatcher) run(ctx context.Context, rt route, req *request) {
	res, err := rt.handle(ctx, req)
	if err != nil {
		req.logger.Warn("protocol request failed", "code", protocol.Code(err), "error", err)
		if res == nil || res.content == nil {
			res = &result{content: protocol.FailureFor(err)}
		}
	}
	if res == nil {
		return
	}

	respType := res.typ
	if respType == "" {
		respType = rt.responseType(req.env.Type)
	}
	if res.content != nil {
		d.respond(ctx, req.in, respType, res.content)
	}
	for _, text := range res.derived {
		d.inject(ctx, req.in, text)
	}
}

// respond sends one protocol envelope in reply to in.
func (d *Dispatcher) respond(ctx context.Context, in Inbound, typ string, content any) {
	env, err := protocol.NewEnvelope(typ, content)
	if err != nil {
		d.logger.Error("failed to build response", "type", typ, "error", err)
		return
	}
	env.InReplyTo = in.EventID
	body, err := env.Encode()
	if err != nil {
		d.logger.Error("failed to encode response", "type", typ, "error", err)
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if err := d.deps.Transport.Send(sendCtx, in.RoomID, body); err != nil {
		d.logger.Error("failed to send response", "type", typ, "room_id", in.RoomID, "error", err)
	}
}

func (d *Dispatcher) inject(ctx context.Context, in Inbound, text string) {
	if d.deps.Injector == nil {
		d.logger.Debug("no injector configured, derived text discarded")
		return
	}
	if err := d.deps.Injector.Inject(ctx, in.RoomID, in.Sender, text); err != nil {
		d.logger.Error("failed to inject derived text", "room_id", in.RoomID, "error", err)
	}
}

func (d *Dispatcher) blank(ctx context.Context, in Inbound) {
	if in.EventID == "" {
		return
	}
	blankCtx, cancel := context.WithTimeout(ctx, blankTimeout)
	defer cancel()
	if err := d.deps.Transport.Blank(blankCtx, in.RoomID, in.EventID); err != nil {
		d.logger.Warn("failed to blank protocol message", "event_id", in.EventID, "error", err)
	}
}

// spawn runs fn in a tracked goroutine bound to the dispatcher lifetime.
func (d *Dispatcher) spawn(fn func(ctx context.Context)) {
	d.bg.Add(1)
	go func() {
		defer d.bg.Done()
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("background handler panic", "panic", r, "stack", string(debug.Stack()))
			}
		}()
		fn(d.bgCtx)
	}()
}

// Wait blocks until background work has finished.
func (d *Dispatcher) Wait() {
	d.bg.Wait()
}

// Close cancels background work and waits for it to return.
func (d *Dispatcher) Close() {
	d.bgCancel()
	d.bg.Wait()
}
