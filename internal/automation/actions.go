package automation

import (
	"context"
	"errors"
	"fmt"

	"devchain/internal/domain"
	"devchain/internal/engine"
)

// TextSender types text into a tmux session.
type TextSender interface {
	SendText(ctx context.Context, sessionName, text string) error
}

// ActionEnv carries the resolved execution context for one action run.
type ActionEnv struct {
	Engine engine.Engine
	Tmux   TextSender
	// Session is the event's session when one was resolved; TmuxSession is
	// empty when the event carried no session.
	Session domain.Session
}

type ActionFunc func(ctx context.Context, env ActionEnv, inputs map[string]any) error

func builtinActions() map[string]ActionFunc {
	return map[string]ActionFunc{
		"terminal.send_text": actionSendText,
		"chat.post_message":  actionPostMessage,
		"task.set_status":    actionSetTaskStatus,
	}
}

func actionSendText(ctx context.Context, env ActionEnv, inputs map[string]any) error {
	text := Stringify(inputs["text"])
	if text == "" {
		return errors.New("text input is required")
	}
	if env.Session.TmuxSession == "" {
		return errors.New("session has no terminal")
	}
	return env.Tmux.SendText(ctx, env.Session.TmuxSession, text)
}

func actionPostMessage(ctx context.Context, env ActionEnv, inputs map[string]any) error {
	threadID := Stringify(inputs["threadId"])
	if threadID == "" {
		return errors.New("threadId input is required")
	}
	content := Stringify(inputs["content"])
	if content == "" {
		return errors.New("content input is required")
	}
	role := Stringify(inputs["role"])
	if role == "" {
		role = "system"
	}
	_, err := env.Engine.PostChatMessage(ctx, threadID, role, content)
	return err
}

func actionSetTaskStatus(ctx context.Context, env ActionEnv, inputs map[string]any) error {
	taskID := Stringify(inputs["taskId"])
	status := Stringify(inputs["status"])
	if taskID == "" || status == "" {
		return errors.New("taskId and status inputs are required")
	}
	if _, err := env.Engine.SetTaskStatus(ctx, taskID, status); err != nil {
		return fmt.Errorf("set task %s to %s: %w", taskID, status, err)
	}
	return nil
}
