// Package agentsdk spawns the Claude Code CLI as a subprocess and speaks its
// stream-json protocol, exposing a query-factory interface the agent manager
// drives without knowing the wire format.
package agentsdk

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	"go.uber.org/zap"

	"github.com/ridgeline-labs/controlplane/internal/logger"
)

// MessageType discriminates the shapes the core cares about. Anything else is
// MessageUnknown and logged verbatim by the caller.
type MessageType string

const (
	MessageSystemInit                 MessageType = "system.init"
	MessageAssistant                  MessageType = "assistant"
	MessageResultSuccess              MessageType = "result.success"
	MessageResultErrorDuringExecution MessageType = "result.error_during_execution"
	MessageResultErrorMaxTurns        MessageType = "result.error_max_turns"
	MessageUnknown                    MessageType = "unknown"
)

// ContentBlock is one block of an assistant message: a text chunk or a tool invocation.
type ContentBlock struct {
	Type     string // "text" or "tool_use"
	Text     string
	ToolName string
}

// Message is the decoded, typed form of one line of CLI output.
type Message struct {
	Type MessageType

	// system.init
	SessionID string
	Model     string
	Cwd       string
	Tools     []string

	// assistant
	ContentBlocks []ContentBlock

	// result.success / result.error_*
	DurationMS   int64
	TotalCostUSD float64
	NumTurns     int
	ErrorText    string

	// Raw holds the verbatim line for MessageUnknown.
	Raw string
}

// QueryParams configures one agent invocation.
type QueryParams struct {
	Prompt        string
	AgentName     string
	Cwd           string
	ModelOverride string
}

// Interrupter lets the caller request cooperative cancellation of a running query.
type Interrupter interface {
	Interrupt() error
}

// Query spawns the claude CLI in stream-json mode, sends Prompt as the first
// user message, and returns a channel of decoded messages plus an
// Interrupter. The channel is closed when the subprocess exits.
//
// Grounded on pkg/claudecode/client.go's protocol framing (NDJSON over
// stdin/stdout, control_request{subtype:"interrupt"} for cancellation) and
// internal/agentctl/server/adapter/transport/streamjson's Prompt/Cancel idiom;
// adapted to own subprocess lifecycle directly via os/exec instead of being
// handed an already-open pipe pair by a process manager.
func Query(ctx context.Context, params QueryParams, log *logger.Logger) (<-chan Message, Interrupter, error) {
	if log == nil {
		log = logger.Default()
	}

	args := []string{"--print", "--output-format", "stream-json", "--input-format", "stream-json", "--verbose"}
	if params.ModelOverride != "" {
		args = append(args, "--model", params.ModelOverride)
	}
	if params.AgentName != "" {
		args = append(args, "--agent", params.AgentName)
	}

	cmd := exec.CommandContext(ctx, "claude", args...)
	cmd.Dir = params.Cwd

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("open claude stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("open claude stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("start claude: %w", err)
	}

	sess := &session{
		stdin: stdin,
		log:   log.With(zap.String("component", "agentsdk")),
	}

	out := make(chan Message, 16)
	go sess.readLoop(stdout, out)

	if err := sess.sendUserMessage(params.Prompt); err != nil {
		_ = cmd.Process.Kill()
		return nil, nil, fmt.Errorf("send prompt: %w", err)
	}

	go func() {
		if err := cmd.Wait(); err != nil {
			log.Debug("claude subprocess exited with error", zap.Error(err))
		}
	}()

	return out, sess, nil
}

// session owns the stdin pipe and decodes stdout. It implements Interrupter.
type session struct {
	mu    sync.Mutex
	stdin interface {
		Write([]byte) (int, error)
	}
	log *logger.Logger
}

type wireEnvelope struct {
	Type    string          `json:"type"`
	Message json.RawMessage `json:"message,omitempty"`
}

type systemInitPayload struct {
	SessionID string   `json:"session_id"`
	Model     string   `json:"model,omitempty"`
	Cwd       string   `json:"cwd,omitempty"`
	Tools     []string `json:"tools,omitempty"`
}

type assistantPayload struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
		Name string `json:"name,omitempty"`
	} `json:"content"`
}

type resultPayload struct {
	Subtype      string  `json:"subtype"`
	IsError      bool    `json:"is_error"`
	DurationMS   int64   `json:"duration_ms,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
	NumTurns     int     `json:"num_turns,omitempty"`
	Result       string  `json:"result,omitempty"`
}

func (s *session) readLoop(stdout interface {
	Read([]byte) (int, error)
}, out chan<- Message) {
	defer close(out)

	scanner := bufio.NewScanner(stdout)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, ok := decodeLine(line)
		if !ok {
			s.log.Debug("unrecognized claude CLI message", zap.String("line", string(line)))
			out <- Message{Type: MessageUnknown, Raw: string(line)}
			continue
		}
		out <- msg
	}
	if err := scanner.Err(); err != nil {
		s.log.Error("claude CLI read loop error", zap.Error(err))
	}
}

func decodeLine(line []byte) (Message, bool) {
	var env wireEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return Message{}, false
	}

	switch env.Type {
	case "system":
		var p systemInitPayload
		if err := json.Unmarshal(line, &p); err != nil {
			return Message{}, false
		}
		return Message{Type: MessageSystemInit, SessionID: p.SessionID, Model: p.Model, Cwd: p.Cwd, Tools: p.Tools}, true

	case "assistant":
		var p assistantPayload
		if len(env.Message) == 0 {
			return Message{}, false
		}
		if err := json.Unmarshal(env.Message, &p); err != nil {
			return Message{}, false
		}
		blocks := make([]ContentBlock, 0, len(p.Content))
		for _, c := range p.Content {
			blocks = append(blocks, ContentBlock{Type: c.Type, Text: c.Text, ToolName: c.Name})
		}
		return Message{Type: MessageAssistant, ContentBlocks: blocks}, true

	case "result":
		var p resultPayload
		if err := json.Unmarshal(line, &p); err != nil {
			return Message{}, false
		}
		if !p.IsError {
			return Message{Type: MessageResultSuccess, DurationMS: p.DurationMS, TotalCostUSD: p.TotalCostUSD, NumTurns: p.NumTurns}, true
		}
		if p.Subtype == "error_max_turns" {
			return Message{Type: MessageResultErrorMaxTurns, ErrorText: p.Result}, true
		}
		return Message{Type: MessageResultErrorDuringExecution, ErrorText: p.Result}, true
	}

	return Message{}, false
}

func (s *session) sendUserMessage(prompt string) error {
	payload := map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": prompt,
		},
	}
	return s.send(payload)
}

// Interrupt sends a control_request{subtype:"interrupt"} to stdin, mirroring
// the teacher's streamjson Cancel().
func (s *session) Interrupt() error {
	return s.send(map[string]any{
		"type":       "control_request",
		"request_id": "interrupt",
		"request": map[string]any{
			"subtype": "interrupt",
		},
	})
}

func (s *session) send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal claude CLI message: %w", err)
	}
	data = append(data, '\n')
	_, err = s.stdin.Write(data)
	return err
}
