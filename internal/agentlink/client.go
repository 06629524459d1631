// ABOUTME: HTTP client for the agent gateway: POST /api/send with a streamed SSE reply
// ABOUTME: Used for passthrough chat, derived sense messages and the reasoning health probe

package agentlink

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// EventType is an SSE event name emitted by the gateway.
type EventType string

const (
	EventThinking   EventType = "thinking"
	EventText       EventType = "text"
	EventToolUse    EventType = "tool_use"
	EventToolResult EventType = "tool_result"
	EventFile       EventType = "file"
	EventDone       EventType = "done"
	EventError      EventType = "error"
)

// Event is one parsed server-sent event.
type Event struct {
	Type EventType
	Data string
}

type textData struct {
	Text         string `json:"text,omitempty"`
	FullResponse string `json:"full_response,omitempty"`
}

type errorData struct {
	Error string `json:"error"`
}

// Message is one turn delivered to the agent.
type Message struct {
	ThreadID  string `json:"thread_id,omitempty"`
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	Frontend  string `json:"frontend"`
	ChannelID string `json:"channel_id"`
}

// ErrEmptyReply is returned by Ask when the agent produced no text.
var ErrEmptyReply = errors.New("agent returned an empty reply")

// Client talks to the gateway HTTP API.
type Client struct {
	baseURL  string
	frontend string
	client   *http.Client
}

// NewClient creates a client for baseURL. frontend names this bridge in
// gateway requests (e.g. "krill-matrix").
func NewClient(baseURL, frontend string) *Client {
	if frontend == "" {
		frontend = "krill"
	}
	return &Client{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		frontend: frontend,
		client:   &http.Client{},
	}
}

// Send delivers msg and streams events to onEvent. It returns the final
// response text from the done event, or the concatenated text events.
func (c *Client) Send(ctx context.Context, msg Message, onEvent func(Event)) (string, error) {
	if msg.Frontend == "" {
		msg.Frontend = c.frontend
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/send", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", statusError(resp)
	}
	return readStream(ctx, resp.Body, onEvent)
}

// Ask delivers msg and returns the reply, failing on an empty one.
func (c *Client) Ask(ctx context.Context, msg Message) (string, error) {
	reply, err := c.Send(ctx, msg, nil)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(reply) == "" {
		return "", ErrEmptyReply
	}
	return reply, nil
}

// ProbePrompt is sent by Probe. The agent only has to answer with anything.
const ProbePrompt = "Health check from the companion app. Reply with the single word: pong"

// Probe exercises the agent's full reasoning path on a dedicated thread.
func (c *Client) Probe(ctx context.Context) error {
	_, err := c.Ask(ctx, Message{
		ThreadID:  "krill-health",
		Sender:    "krill-health",
		Content:   ProbePrompt,
		ChannelID: "krill-health",
	})
	return err
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var e errorData
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return fmt.Errorf("gateway error (%d): %s", resp.StatusCode, e.Error)
		}
	}
	return fmt.Errorf("gateway returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

func readStream(ctx context.Context, body io.Reader, onEvent func(Event)) (string, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64<<10), 4<<20)

	var (
		eventType EventType
		dataLines []string
		full      string
		text      strings.Builder
	)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		line := scanner.Text()
		switch {
		case line == "":
			if eventType == "" || len(dataLines) == 0 {
				eventType, dataLines = "", nil
				continue
			}
			ev := Event{Type: eventType, Data: strings.Join(dataLines, "\n")}
			eventType, dataLines = "", nil

			switch ev.Type {
			case EventText:
				var d textData
				if json.Unmarshal([]byte(ev.Data), &d) == nil {
					text.WriteString(d.Text)
				}
			case EventDone:
				var d textData
				if json.Unmarshal([]byte(ev.Data), &d) == nil {
					full = d.FullResponse
				}
			case EventError:
				var d errorData
				if json.Unmarshal([]byte(ev.Data), &d) == nil && d.Error != "" {
					return "", fmt.Errorf("agent error: %s", d.Error)
				}
			}
			if onEvent != nil {
				onEvent(ev)
			}
		case strings.HasPrefix(line, "event:"):
			eventType = EventType(strings.TrimSpace(strings.TrimPrefix(line, "event:")))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("reading SSE stream: %w", err)
	}

	if full != "" {
		return full, nil
	}
	return text.String(), nil
}
