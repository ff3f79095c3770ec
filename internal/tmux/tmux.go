// Package tmux shells out to the tmux binary to manage terminal sessions and
// read their viewports.
package tmux

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"
)

type SessionState int

const (
	SessionUnknown SessionState = iota
	SessionPresent
	SessionMissing
)

type Client struct{}

func (Client) Probe(ctx context.Context, sessionName string) SessionState {
	cmd := exec.CommandContext(ctx, "tmux", "has-session", "-t", sessionName)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	if err := cmd.Run(); err == nil {
		return SessionPresent
	}
	if isSessionMissingMessage(stderr.String()) {
		return SessionMissing
	}
	return SessionUnknown
}

func (c Client) HasSession(ctx context.Context, sessionName string) bool {
	return c.Probe(ctx, sessionName) == SessionPresent
}

func (Client) NewSession(ctx context.Context, sessionName, dir, command string) error {
	args := []string{"new-session", "-d", "-s", sessionName}
	if dir != "" {
		args = append(args, "-c", dir)
	}
	if command != "" {
		args = append(args, command)
	}
	cmd := exec.CommandContext(ctx, "tmux", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("tmux new-session %s: %w: %s", sessionName, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// KillSession is idempotent: a session that is already gone is not an error.
func (Client) KillSession(ctx context.Context, sessionName string) error {
	cmd := exec.CommandContext(ctx, "tmux", "kill-session", "-t", sessionName)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err == nil {
		return nil
	}
	if isSessionMissingMessage(stderr.String()) || strings.Contains(stderr.String(), "error connecting") {
		return nil
	}
	return fmt.Errorf("tmux kill-session %s: %w: %s", sessionName, err, strings.TrimSpace(stderr.String()))
}

// SendText types text into the session literally, then presses Enter.
func (Client) SendText(ctx context.Context, sessionName, text string) error {
	cmd := exec.CommandContext(ctx, "tmux", "send-keys", "-t", sessionName, "-l", text)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("tmux send-keys %s: %w: %s", sessionName, err, strings.TrimSpace(stderr.String()))
	}
	enter := exec.CommandContext(ctx, "tmux", "send-keys", "-t", sessionName, "Enter")
	if err := enter.Run(); err != nil {
		return fmt.Errorf("tmux send-keys Enter %s: %w", sessionName, err)
	}
	return nil
}

// CapturePane returns the last n lines of the session's visible pane with
// terminal escape sequences removed.
func (Client) CapturePane(ctx context.Context, sessionName string, lines int) (string, error) {
	cmd := exec.CommandContext(ctx, "tmux", "capture-pane", "-p", "-t", sessionName)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("tmux capture-pane %s: %w: %s", sessionName, err, strings.TrimSpace(stderr.String()))
	}
	return LastLines(StripANSI(string(out)), lines), nil
}

// SessionActivity returns the session's last activity timestamp as reported
// by tmux. ok is false when tmux cannot answer or the session is gone.
func (Client) SessionActivity(ctx context.Context, sessionName string) (time.Time, bool) {
	cmd := exec.CommandContext(ctx, "tmux", "display-message", "-p", "-t", sessionName, "#{session_activity}")
	out, err := cmd.Output()
	if err != nil {
		return time.Time{}, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64)
	if err != nil || n <= 0 {
		return time.Time{}, false
	}
	return time.Unix(n, 0), true
}

func isSessionMissingMessage(stderr string) bool {
	message := strings.ToLower(strings.TrimSpace(stderr))
	switch {
	case strings.Contains(message, "can't find session"),
		strings.Contains(message, "no server running"),
		strings.Contains(message, "no such file or directory"),
		strings.Contains(message, "no sessions"):
		return true
	}
	return false
}

var ansiRegexp = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07\x1b]*(\x07|\x1b\\)|\x1b[@-_]`)

// StripANSI removes CSI, OSC and single-character escape sequences.
func StripANSI(s string) string {
	return ansiRegexp.ReplaceAllString(s, "")
}

// LastLines returns the trailing n lines of s with trailing blank lines
// dropped first. n <= 0 returns s unchanged.
func LastLines(s string, n int) string {
	s = strings.TrimRight(s, "\n")
	if n <= 0 {
		return s
	}
	parts := strings.Split(s, "\n")
	if len(parts) <= n {
		return s
	}
	return strings.Join(parts[len(parts)-n:], "\n")
}
