// Package dongle drives the external hardware signer utility. Every call
// runs one subprocess, reads a single JSON document from its stdout and
// returns either the payload or an *Error carrying the utility's messages.
package dongle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Error is a failure reported by the dongle utility. Messages are kept
// verbatim so the operator sees exactly what the device said.
type Error struct {
	Command  string
	Messages []string
}

func (e *Error) Error() string {
	if len(e.Messages) == 0 {
		return fmt.Sprintf("dongle utility %s failed", e.Command)
	}
	return fmt.Sprintf("dongle utility exits with error(s): %s", strings.Join(e.Messages, ", "))
}

// Config describes how to reach the dongle utility.
type Config struct {
	// Path is the utility binary.
	Path string
	// EmulatorMode is passed as --mode when running against the emulator
	// ("dev" or "main"). Empty for real hardware.
	EmulatorMode string
	Logger       *zap.Logger
}

// Controller runs dongle utility commands.
type Controller struct {
	path    string
	mode    string
	logger  *zap.Logger
	pubKeys *cache.Cache
}

// New returns a controller for the utility described by cfg.
func New(cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		path:    cfg.Path,
		mode:    cfg.EmulatorMode,
		logger:  logger.Named("dongle"),
		pubKeys: cache.New(cache.NoExpiration, 0),
	}
}

// Emulated reports whether the controller targets the emulator.
func (c *Controller) Emulated() bool {
	return c.mode != ""
}

func (c *Controller) args(serial string, args ...string) []string {
	out := make([]string, 0, len(args)+4)
	if serial != "" {
		out = append(out, "-d", serial)
	}
	out = append(out, args...)
	if c.mode != "" {
		out = append(out, "--mode", c.mode)
	}
	return out
}

// run executes the utility and returns its decoded JSON reply. Stdout and
// stderr are drained concurrently so neither pipe can block the child.
func (c *Controller) run(ctx context.Context, args ...string) (map[string]any, error) {
	cmd := exec.CommandContext(ctx, c.path, args...)
	name := strings.Join(args, " ")

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open dongle utility stdout: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open dongle utility stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start dongle utility %s: %w", c.path, err)
	}

	var stdout, stderr bytes.Buffer
	var g errgroup.Group
	g.Go(func() error {
		_, err := io.Copy(&stdout, stdoutPipe)
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(&stderr, stderrPipe)
		return err
	})
	pipeErr := g.Wait()
	waitErr := cmd.Wait()

	c.logger.Debug("dongle utility finished",
		zap.String("command", name),
		zap.String("stdout", stdout.String()),
		zap.String("stderr", stderr.String()),
	)

	if pipeErr != nil {
		return nil, fmt.Errorf("failed to talk to dongle utility: %w", pipeErr)
	}

	doc, parseErr := parseReply(name, stdout.Bytes())
	if parseErr != nil {
		if waitErr != nil {
			return nil, fmt.Errorf("%w (exit: %v)", parseErr, waitErr)
		}
		return nil, parseErr
	}
	return doc, nil
}

// parseReply decodes the utility output. Lines printed before the JSON
// document are treated as error messages when the status is "error".
func parseReply(command string, out []byte) (map[string]any, error) {
	text := strings.TrimSpace(string(out))
	if text == "" {
		return nil, &Error{Command: command, Messages: []string{"dongle utility output is empty"}}
	}

	start := strings.Index(text, "{")
	if start < 0 {
		return nil, &Error{Command: command, Messages: splitLines(text)}
	}
	prefix := splitLines(text[:start])

	var doc map[string]any
	if err := json.Unmarshal([]byte(text[start:]), &doc); err != nil {
		msgs := append(prefix, fmt.Sprintf("malformed output: %v", err))
		return nil, &Error{Command: command, Messages: msgs}
	}

	status, _ := doc["status"].(string)
	if strings.EqualFold(status, "error") {
		return nil, &Error{Command: command, Messages: append(prefix, collectErrors(doc)...)}
	}
	return doc, nil
}

func collectErrors(doc map[string]any) []string {
	var msgs []string
	status, _ := doc["status"].(string)
	if msg, ok := doc["msg"].(string); ok && strings.EqualFold(status, "error") {
		msgs = append(msgs, msg)
	}
	for _, v := range doc {
		if nested, ok := v.(map[string]any); ok {
			msgs = append(msgs, collectErrors(nested)...)
		}
	}
	return msgs
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

// lookup walks nested objects and returns the string at path.
func lookup(doc map[string]any, path ...string) (string, error) {
	var cur any = doc
	for _, p := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return "", fmt.Errorf("dongle reply has no %q field", strings.Join(path, "."))
		}
		if cur, ok = m[p]; !ok {
			return "", fmt.Errorf("dongle reply has no %q field", strings.Join(path, "."))
		}
	}
	s, ok := cur.(string)
	if !ok {
		return "", fmt.Errorf("dongle reply field %q is not a string", strings.Join(path, "."))
	}
	return s, nil
}
