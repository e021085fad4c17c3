package bundler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/vormadev/ferry/kit/colorlog"
	"github.com/vormadev/ferry/kit/grace"
)

const resultMarker = "\n__FERRY_RESULT__"

// nodeShim loads the entry module in a fresh process, so every invocation
// sees the files currently on disk.
const nodeShim = `
const entry = process.argv[process.argv.length - 1];
let input = "";
process.stdin.setEncoding("utf8");
process.stdin.on("data", (c) => { input += c; });
process.stdin.on("end", async () => {
	try {
		const mod = require(entry);
		const handler = mod.handler || (mod.default && mod.default.handler);
		if (typeof handler !== "function") {
			throw new Error(entry + " does not export a handler function");
		}
		const result = await handler(JSON.parse(input), {});
		process.stdout.write(` + "`" + resultMarker + "`" + ` + JSON.stringify(result || {}));
	} catch (e) {
		console.error((e && e.stack) || String(e));
		process.exit(1);
	}
});
`

// NodeLoader runs the packaged entry module with Node.js.
type NodeLoader struct {
	// Command defaults to "node".
	Command string
	Log     *slog.Logger
}

// InvokesFresh reports true: each invocation starts a new node process.
func (l *NodeLoader) InvokesFresh() bool { return true }

func (l *NodeLoader) Load(_ context.Context, entry string) (Handler, error) {
	abs, err := filepath.Abs(entry)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, &IOError{Op: "load", Path: abs, Err: err}
	}
	cmd := l.Command
	if cmd == "" {
		cmd = "node"
	}
	log := l.Log
	if log == nil {
		log = colorlog.New("ferry")
	}
	return &nodeHandler{command: cmd, entry: abs, log: log}, nil
}

type nodeHandler struct {
	command string
	entry   string
	log     *slog.Logger
}

func (h *nodeHandler) Invoke(ctx context.Context, ev *Event) (*Result, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, h.command, "-e", nodeShim, h.entry)
	cmd.Dir = filepath.Dir(h.entry)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Cancel = func() error { return grace.Interrupt(cmd.Process) }
	cmd.WaitDelay = 2 * time.Second

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s %s: %w: %s", h.command, h.entry, err, strings.TrimSpace(stderr.String()))
	}
	return parseNodeOutput(stdout.Bytes(), h.log)
}

// parseNodeOutput splits handler console output from the result payload.
func parseNodeOutput(out []byte, log *slog.Logger) (*Result, error) {
	i := bytes.LastIndex(out, []byte(resultMarker))
	if i < 0 {
		return nil, fmt.Errorf("handler produced no result")
	}
	if logs := bytes.TrimSpace(out[:i]); len(logs) > 0 {
		log.Debug("handler output", "stdout", string(logs))
	}
	var res Result
	if err := json.Unmarshal(out[i+len(resultMarker):], &res); err != nil {
		return nil, fmt.Errorf("decode handler result: %w", err)
	}
	return &res, nil
}
