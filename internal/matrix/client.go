// ABOUTME: Matrix transport for the bridge: login, sync, send, redact
// ABOUTME: Wraps a mautrix client behind the send/blank/subscribe surface the dispatcher needs

package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// networkTimeout bounds Matrix API calls issued outside a caller deadline.
const networkTimeout = 10 * time.Second

// blankReason is attached to redactions of protocol traffic.
const blankReason = "krill protocol message"

// Options configures a Client.
type Options struct {
	Homeserver  string
	UserID      string
	AccessToken string
	Username    string
	Password    string
	DeviceName  string
	// AllowedRooms limits inbound handling; empty means every joined room.
	AllowedRooms []string
}

// Message is one inbound text event.
type Message struct {
	EventID string
	RoomID  string
	Sender  string
	Body    string
}

// Handler receives inbound messages. It is called on the sync goroutine and
// must not block.
type Handler func(ctx context.Context, msg Message)

// Client is the Matrix side of the bridge.
type Client struct {
	api     *mautrix.Client
	opts    Options
	allowed map[string]bool
	logger  *slog.Logger
}

// NewClient creates a client. Call Login before Run unless an access token
// was supplied.
func NewClient(opts Options, logger *slog.Logger) (*Client, error) {
	if opts.Homeserver == "" {
		return nil, errors.New("matrix homeserver is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	api, err := mautrix.NewClient(opts.Homeserver, id.UserID(opts.UserID), opts.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}

	allowed := make(map[string]bool, len(opts.AllowedRooms))
	for _, r := range opts.AllowedRooms {
		allowed[r] = true
	}

	return &Client{
		api:     api,
		opts:    opts,
		allowed: allowed,
		logger:  logger.With("component", "matrix"),
	}, nil
}

// API exposes the underlying mautrix client for crypto setup and media.
func (c *Client) API() *mautrix.Client {
	return c.api
}

// UserID returns the logged-in user id.
func (c *Client) UserID() string {
	return c.api.UserID.String()
}

// Login authenticates with a password when no access token is configured,
// or resolves the device id of the configured token otherwise.
func (c *Client) Login(ctx context.Context) error {
	if c.opts.AccessToken != "" {
		resp, err := c.api.Whoami(ctx)
		if err != nil {
			return fmt.Errorf("checking access token: %w", err)
		}
		c.api.UserID = resp.UserID
		c.api.DeviceID = resp.DeviceID
		c.logger.Info("using access token", "user_id", resp.UserID, "device_id", resp.DeviceID)
		return nil
	}

	if c.opts.Username == "" || c.opts.Password == "" {
		return errors.New("matrix username and password are required without an access token")
	}
	deviceName := c.opts.DeviceName
	if deviceName == "" {
		deviceName = "krill-matrix"
	}
	resp, err := c.api.Login(ctx, &mautrix.ReqLogin{
		Type:                     mautrix.AuthTypePassword,
		Identifier:               mautrix.UserIdentifier{Type: mautrix.IdentifierTypeUser, User: c.opts.Username},
		Password:                 c.opts.Password,
		InitialDeviceDisplayName: deviceName,
		StoreCredentials:         true,
	})
	if err != nil {
		return fmt.Errorf("password login: %w", err)
	}
	c.logger.Info("logged in", "user_id", resp.UserID, "device_id", resp.DeviceID)
	return nil
}

// Send posts a plain text message.
func (c *Client) Send(ctx context.Context, roomID, body string) error {
	if _, err := c.api.SendText(ctx, id.RoomID(roomID), body); err != nil {
		return fmt.Errorf("sending to %s: %w", roomID, err)
	}
	return nil
}

// SendMarkdown posts text with an HTML rendering of its Markdown.
func (c *Client) SendMarkdown(ctx context.Context, roomID, text string) error {
	content := &event.MessageEventContent{MsgType: event.MsgText, Body: text}
	if html, ok := renderMarkdown(text); ok {
		content.Format = event.FormatHTML
		content.FormattedBody = html
	}
	if _, err := c.api.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, content); err != nil {
		return fmt.Errorf("sending to %s: %w", roomID, err)
	}
	return nil
}

// Blank redacts an event so its content disappears for every client.
func (c *Client) Blank(ctx context.Context, roomID, eventID string) error {
	_, err := c.api.RedactEvent(ctx, id.RoomID(roomID), id.EventID(eventID), mautrix.ReqRedact{Reason: blankReason})
	if err != nil {
		return fmt.Errorf("redacting %s: %w", eventID, err)
	}
	return nil
}

// Typing toggles the typing indicator. Failures are logged only.
func (c *Client) Typing(roomID string, typing bool) {
	var timeout time.Duration
	if typing {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), networkTimeout)
	defer cancel()
	if _, err := c.api.UserTyping(ctx, id.RoomID(roomID), typing, timeout); err != nil {
		c.logger.Debug("failed to set typing indicator", "room_id", roomID, "error", err)
	}
}

// Run syncs until ctx is cancelled, delivering text messages to h. Events
// that predate startup are skipped.
func (c *Client) Run(ctx context.Context, h Handler) error {
	syncer, ok := c.api.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", c.api.Syncer)
	}
	syncer.OnSync(c.api.DontProcessOldEvents)
	syncer.OnEventType(event.EventMessage, func(ctx context.Context, evt *event.Event) {
		if msg, ok := c.toMessage(evt); ok {
			h(ctx, msg)
		}
	})

	c.logger.Info("syncing", "homeserver", c.opts.Homeserver, "user_id", c.UserID())

	syncErr := make(chan error, 1)
	go func() {
		syncErr <- c.api.SyncWithContext(ctx)
	}()

	select {
	case <-ctx.Done():
		c.api.StopSync()
		return nil
	case err := <-syncErr:
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("matrix sync failed: %w", err)
	}
}

// toMessage filters events down to text from other users in allowed rooms.
func (c *Client) toMessage(evt *event.Event) (Message, bool) {
	if evt.Sender == c.api.UserID {
		return Message{}, false
	}
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return Message{}, false
	}
	if content.MsgType != event.MsgText && content.MsgType != event.MsgNotice {
		return Message{}, false
	}
	roomID := evt.RoomID.String()
	if len(c.allowed) > 0 && !c.allowed[roomID] {
		c.logger.Debug("ignoring message from non-allowed room", "room_id", roomID)
		return Message{}, false
	}
	body := strings.TrimSpace(content.Body)
	if body == "" {
		return Message{}, false
	}
	return Message{
		EventID: evt.ID.String(),
		RoomID:  roomID,
		Sender:  evt.Sender.String(),
		Body:    body,
	}, true
}
