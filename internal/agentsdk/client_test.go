package agentsdk

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/ridgeline-labs/controlplane/internal/logger"
)

func TestDecodeLineSystemInit(t *testing.T) {
	msg, ok := decodeLine([]byte(`{"type":"system","session_id":"sess-1","model":"claude-opus","tools":["Bash","Read"]}`))
	if !ok {
		t.Fatal("decodeLine() ok = false, want true")
	}
	if msg.Type != MessageSystemInit || msg.SessionID != "sess-1" || msg.Model != "claude-opus" {
		t.Fatalf("msg = %+v", msg)
	}
	if len(msg.Tools) != 2 {
		t.Fatalf("Tools = %v, want 2 entries", msg.Tools)
	}
}

func TestDecodeLineAssistantTextAndToolUse(t *testing.T) {
	line := `{"type":"assistant","message":{"content":[{"type":"text","text":"hi"},{"type":"tool_use","name":"Bash"}]}}`
	msg, ok := decodeLine([]byte(line))
	if !ok {
		t.Fatal("decodeLine() ok = false, want true")
	}
	if msg.Type != MessageAssistant || len(msg.ContentBlocks) != 2 {
		t.Fatalf("msg = %+v", msg)
	}
	if msg.ContentBlocks[0].Text != "hi" || msg.ContentBlocks[1].ToolName != "Bash" {
		t.Fatalf("blocks = %+v", msg.ContentBlocks)
	}
}

func TestDecodeLineResultSuccess(t *testing.T) {
	msg, ok := decodeLine([]byte(`{"type":"result","is_error":false,"duration_ms":1500,"num_turns":3}`))
	if !ok {
		t.Fatal("decodeLine() ok = false, want true")
	}
	if msg.Type != MessageResultSuccess || msg.DurationMS != 1500 || msg.NumTurns != 3 {
		t.Fatalf("msg = %+v", msg)
	}
}

func TestDecodeLineResultErrorMaxTurns(t *testing.T) {
	msg, ok := decodeLine([]byte(`{"type":"result","is_error":true,"subtype":"error_max_turns","result":"hit turn limit"}`))
	if !ok {
		t.Fatal("decodeLine() ok = false, want true")
	}
	if msg.Type != MessageResultErrorMaxTurns || msg.ErrorText != "hit turn limit" {
		t.Fatalf("msg = %+v", msg)
	}
}

func TestDecodeLineResultErrorDuringExecution(t *testing.T) {
	msg, ok := decodeLine([]byte(`{"type":"result","is_error":true,"subtype":"error_during_execution","result":"boom"}`))
	if !ok {
		t.Fatal("decodeLine() ok = false, want true")
	}
	if msg.Type != MessageResultErrorDuringExecution || msg.ErrorText != "boom" {
		t.Fatalf("msg = %+v", msg)
	}
}

func TestDecodeLineUnrecognizedReturnsFalse(t *testing.T) {
	if _, ok := decodeLine([]byte(`{"type":"something_else"}`)); ok {
		t.Fatal("decodeLine() ok = true, want false for unrecognized type")
	}
	if _, ok := decodeLine([]byte(`not json at all`)); ok {
		t.Fatal("decodeLine() ok = true, want false for invalid JSON")
	}
}

func TestReadLoopEmitsUnknownForUnrecognizedLines(t *testing.T) {
	input := "{\"type\":\"system\",\"session_id\":\"abc\"}\n{\"type\":\"mystery\"}\n"
	sess := &session{log: logger.Default()}
	out := make(chan Message, 8)

	sess.readLoop(strings.NewReader(input), out)

	var got []Message
	for m := range out {
		got = append(got, m)
	}
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2", len(got))
	}
	if got[0].Type != MessageSystemInit {
		t.Fatalf("got[0] = %+v", got[0])
	}
	if got[1].Type != MessageUnknown {
		t.Fatalf("got[1] = %+v", got[1])
	}
}

func TestSessionSendUserMessageWritesJSONLine(t *testing.T) {
	var buf bytes.Buffer
	sess := &session{stdin: &buf, log: logger.Default()}

	if err := sess.sendUserMessage("hello there"); err != nil {
		t.Fatalf("sendUserMessage() error = %v", err)
	}

	var parsed map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &parsed); err != nil {
		t.Fatalf("failed to parse written message: %v", err)
	}
	if parsed["type"] != "user" {
		t.Fatalf("type = %v, want user", parsed["type"])
	}
}

func TestSessionInterruptWritesControlRequest(t *testing.T) {
	var buf bytes.Buffer
	sess := &session{stdin: &buf, log: logger.Default()}

	if err := sess.Interrupt(); err != nil {
		t.Fatalf("Interrupt() error = %v", err)
	}

	var parsed map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &parsed); err != nil {
		t.Fatalf("failed to parse written message: %v", err)
	}
	if parsed["type"] != "control_request" {
		t.Fatalf("type = %v, want control_request", parsed["type"])
	}
	req, ok := parsed["request"].(map[string]any)
	if !ok || req["subtype"] != "interrupt" {
		t.Fatalf("request = %v, want subtype interrupt", parsed["request"])
	}
}

func TestSessionSendIsConcurrencySafe(t *testing.T) {
	var buf bytes.Buffer
	sess := &session{stdin: &buf, log: logger.Default()}

	done := make(chan struct{})
	go func() {
		for i := 0; i < 20; i++ {
			_ = sess.sendUserMessage("a")
		}
		close(done)
	}()
	for i := 0; i < 20; i++ {
		_ = sess.Interrupt()
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for concurrent sends")
	}
}
