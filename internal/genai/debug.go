package genai

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/openai/openai-go"
)

// debugSeq keeps debug file names unique within one process.
var debugSeq atomic.Uint64

// debugLogEntry is the on-disk shape of one debug record.
type debugLogEntry struct {
	Timestamp string                         `json:"timestamp"`
	Method    string                         `json:"method"`
	Model     string                         `json:"model"`
	ElapsedMS int64                          `json:"elapsed_ms"`
	Params    openai.ChatCompletionNewParams `json:"params"`
	Response  *openai.ChatCompletion         `json:"response"`
	Error     string                         `json:"error,omitempty"`
}

// writeDebugLog records a request/response pair under stateDir/debug. Failures
// are logged and otherwise ignored; debug output must never break a request.
func (c *Client) writeDebugLog(method string, params openai.ChatCompletionNewParams, resp openai.ChatCompletion, callErr error, elapsed time.Duration) {
	if c.stateDir == "" {
		slog.Debug("genai.writeDebugLog: no state dir configured, skipping")
		return
	}

	debugDir := filepath.Join(c.stateDir, "debug")
	if err := os.MkdirAll(debugDir, 0755); err != nil {
		slog.Warn("genai.writeDebugLog: failed to create debug dir", "error", err, "dir", debugDir)
		return
	}

	now := time.Now()
	entry := debugLogEntry{
		Timestamp: now.Format(time.RFC3339Nano),
		Method:    method,
		Model:     c.modelName(),
		ElapsedMS: elapsed.Milliseconds(),
		Params:    params,
	}
	if callErr != nil {
		entry.Error = callErr.Error()
	} else {
		entry.Response = &resp
	}

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		slog.Warn("genai.writeDebugLog: failed to marshal debug entry", "error", err)
		return
	}

	name := fmt.Sprintf("%s_%s_%04d.json", now.Format("20060102T150405.000"), method, debugSeq.Add(1))
	path := filepath.Join(debugDir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		slog.Warn("genai.writeDebugLog: failed to write debug file", "error", err, "path", path)
		return
	}
	slog.Debug("genai.writeDebugLog: debug entry written", "path", path)
}
