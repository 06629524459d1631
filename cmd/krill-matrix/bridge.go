// ABOUTME: Matrix bridge core for krill-matrix
// ABOUTME: Runs the protocol dispatcher on each message and forwards plain text to the agent

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/silverbacking/krill/internal/agentlink"
	"github.com/silverbacking/krill/internal/dispatch"
	"github.com/silverbacking/krill/internal/matrix"
)

// roomSender posts agent replies and typing state back to a room.
type roomSender interface {
	SendMarkdown(ctx context.Context, roomID, text string) error
	Typing(roomID string, typing bool)
}

// asker delivers one turn to the agent and returns its reply.
type asker interface {
	Ask(ctx context.Context, msg agentlink.Message) (string, error)
}

// handler is the protocol state engine as seen by the bridge.
type handler interface {
	Handle(ctx context.Context, in dispatch.Inbound) dispatch.Outcome
}

// Bridge connects Matrix rooms to the agent gateway with the krill protocol
// intercepted in between.
type Bridge struct {
	room     roomSender
	agent    asker
	dispatch handler
	timeout  time.Duration
	logger   *slog.Logger

	// Pending turns per room. A room has at most one worker draining its
	// queue, so turns reach the agent in arrival order.
	mu     sync.Mutex
	queues map[string][]turn

	// ctx is the parent context for forwarding goroutines.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBridge creates a bridge. SetDispatcher must be called before messages
// arrive, since the dispatcher injects derived text back through the bridge.
func NewBridge(room roomSender, agent asker, timeout time.Duration, logger *slog.Logger) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Bridge{
		room:    room,
		agent:   agent,
		timeout: timeout,
		logger:  logger.With("component", "bridge"),
		queues:  make(map[string][]turn),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// SetDispatcher attaches the protocol state engine.
func (b *Bridge) SetDispatcher(d handler) {
	b.dispatch = d
}

// OnMessage is the matrix.Handler. Classification runs inline on the sync
// goroutine so protocol messages are applied in delivery order; agent turns
// run in the background.
func (b *Bridge) OnMessage(ctx context.Context, msg matrix.Message) {
	outcome := b.dispatch.Handle(ctx, dispatch.Inbound{
		EventID: msg.EventID,
		RoomID:  msg.RoomID,
		Sender:  msg.Sender,
		Body:    msg.Body,
	})
	b.logger.Debug("message classified", "room_id", msg.RoomID, "event_id", msg.EventID, "outcome", outcome)

	if outcome != dispatch.Passthrough {
		return
	}
	b.logger.Info("received message",
		"room_id", msg.RoomID,
		"sender", msg.Sender,
		"content", truncate(msg.Body, 50),
	)
	b.goForward(msg.RoomID, msg.Sender, msg.Body)
}

// Inject implements dispatch.Injector. Derived text is delivered to the
// agent as a turn from the original sender.
func (b *Bridge) Inject(_ context.Context, roomID, sender, text string) error {
	if b.ctx.Err() != nil {
		return fmt.Errorf("bridge is shutting down: %w", b.ctx.Err())
	}
	b.goForward(roomID, sender, text)
	return nil
}

type turn struct {
	sender string
	text   string
}

func (b *Bridge) goForward(roomID, sender, text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pending, busy := b.queues[roomID]
	b.queues[roomID] = append(pending, turn{sender: sender, text: text})
	if busy {
		return
	}
	b.wg.Add(1)
	go b.drain(roomID)
}

// drain forwards queued turns for roomID until the queue is empty.
func (b *Bridge) drain(roomID string) {
	defer b.wg.Done()
	for {
		b.mu.Lock()
		pending := b.queues[roomID]
		if len(pending) == 0 {
			delete(b.queues, roomID)
			b.mu.Unlock()
			return
		}
		next := pending[0]
		b.queues[roomID] = pending[1:]
		b.mu.Unlock()

		b.forward(b.ctx, roomID, next.sender, next.text)
	}
}

// forward sends one turn to the agent and posts the reply to the room.
func (b *Bridge) forward(ctx context.Context, roomID, sender, text string) {
	b.room.Typing(roomID, true)
	defer b.room.Typing(roomID, false)

	askCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	reply, err := b.agent.Ask(askCtx, agentlink.Message{
		ThreadID:  roomID,
		Sender:    sender,
		Content:   text,
		ChannelID: roomID,
	})
	switch {
	case errors.Is(err, agentlink.ErrEmptyReply):
		b.logger.Warn("empty response from agent", "room_id", roomID)
		return
	case err != nil:
		if ctx.Err() != nil {
			return
		}
		b.logger.Error("gateway request failed", "room_id", roomID, "error", err)
		b.reply(roomID, fmt.Sprintf("Error: %v", err))
		return
	}

	b.logger.Info("sending response", "room_id", roomID, "length", len(reply))
	b.reply(roomID, reply)
}

func (b *Bridge) reply(roomID, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := b.room.SendMarkdown(ctx, roomID, text); err != nil {
		b.logger.Error("failed to send message", "room_id", roomID, "error", err)
	}
}

// Wait blocks until in-flight agent turns finish.
func (b *Bridge) Wait() {
	b.wg.Wait()
}

// Close cancels in-flight agent turns and waits for them.
func (b *Bridge) Close() {
	b.cancel()
	b.wg.Wait()
}

// truncate shortens a string to the given max rune count, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
