package mcpserver

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"devchain/internal/engine"
	"devchain/internal/repo"
)

// ListTasksTool handles the list_tasks MCP tool.
type ListTasksTool struct {
	engine engine.Engine
}

func NewListTasksTool(e engine.Engine) *ListTasksTool {
	return &ListTasksTool{engine: e}
}

func (t *ListTasksTool) Definition() mcp.Tool {
	return mcp.NewTool("list_tasks",
		mcp.WithDescription(
			"List tasks in a project. Use this to see what work is planned, "+
				"in progress, or waiting for review.",
		),
		mcp.WithString("project_id",
			mcp.Required(),
			mcp.Description("Project to list tasks for"),
		),
		mcp.WithString("status",
			mcp.Description("Filter by status: planned, in_progress, review, done, rejected, canceled"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Max results (default: 20)"),
		),
	)
}

func (t *ListTasksTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectID := req.GetString("project_id", "")
	if projectID == "" {
		return mcp.NewToolResultError("'project_id' is required"), nil
	}
	tasks, err := t.engine.Repo.ListTasks(ctx, repo.TaskFilters{
		ProjectID: projectID,
		Status:    req.GetString("status", ""),
		Limit:     intArg(req, "limit", 20),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list tasks failed: %v", err)), nil
	}
	if len(tasks) == 0 {
		return mcp.NewToolResultText("No tasks found."), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d tasks:\n\n", len(tasks))
	for i, task := range tasks {
		fmt.Fprintf(&b, "[%d] %s (%s) - %s\n", i+1, task.ID, task.Status, task.Title)
		if task.Description != "" {
			fmt.Fprintf(&b, "    %s\n", task.Description)
		}
	}
	return mcp.NewToolResultText(b.String()), nil
}

// CreateTaskTool handles the create_task MCP tool.
type CreateTaskTool struct {
	engine engine.Engine
}

func NewCreateTaskTool(e engine.Engine) *CreateTaskTool {
	return &CreateTaskTool{engine: e}
}

func (t *CreateTaskTool) Definition() mcp.Tool {
	return mcp.NewTool("create_task",
		mcp.WithDescription("Create a new task in a project."),
		mcp.WithString("project_id",
			mcp.Required(),
			mcp.Description("Project the task belongs to"),
		),
		mcp.WithString("title",
			mcp.Required(),
			mcp.Description("Short task title"),
		),
		mcp.WithString("description",
			mcp.Description("Longer task description"),
		),
		mcp.WithString("agent_id",
			mcp.Description("Agent to assign the task to"),
		),
	)
}

func (t *CreateTaskTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectID := req.GetString("project_id", "")
	if projectID == "" {
		return mcp.NewToolResultError("'project_id' is required"), nil
	}
	title := req.GetString("title", "")
	if title == "" {
		return mcp.NewToolResultError("'title' is required"), nil
	}
	task, err := t.engine.CreateTask(ctx, engine.TaskCreateOptions{
		ProjectID:   projectID,
		Title:       title,
		Description: req.GetString("description", ""),
		AgentID:     req.GetString("agent_id", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("create task failed: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task %s created: %s", task.ID, task.Title)), nil
}

// SetTaskStatusTool handles the set_task_status MCP tool.
type SetTaskStatusTool struct {
	engine engine.Engine
}

func NewSetTaskStatusTool(e engine.Engine) *SetTaskStatusTool {
	return &SetTaskStatusTool{engine: e}
}

func (t *SetTaskStatusTool) Definition() mcp.Tool {
	return mcp.NewTool("set_task_status",
		mcp.WithDescription(
			"Move a task through its workflow. Allowed transitions: planned -> in_progress, "+
				"in_progress -> review, review -> done or rejected, rejected -> in_progress. "+
				"Any non-done task can be canceled.",
		),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task to update"),
		),
		mcp.WithString("status",
			mcp.Required(),
			mcp.Description("Target status"),
		),
	)
}

func (t *SetTaskStatusTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := req.GetString("task_id", "")
	if taskID == "" {
		return mcp.NewToolResultError("'task_id' is required"), nil
	}
	status := req.GetString("status", "")
	if status == "" {
		return mcp.NewToolResultError("'status' is required"), nil
	}
	task, err := t.engine.SetTaskStatus(ctx, taskID, status)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("set status failed: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task %s is now %s", task.ID, task.Status)), nil
}

// PostMessageTool handles the post_chat_message MCP tool.
type PostMessageTool struct {
	engine engine.Engine
}

func NewPostMessageTool(e engine.Engine) *PostMessageTool {
	return &PostMessageTool{engine: e}
}

func (t *PostMessageTool) Definition() mcp.Tool {
	return mcp.NewTool("post_chat_message",
		mcp.WithDescription("Post a message into a chat thread."),
		mcp.WithString("thread_id",
			mcp.Required(),
			mcp.Description("Thread to post into"),
		),
		mcp.WithString("content",
			mcp.Required(),
			mcp.Description("Message body"),
		),
		mcp.WithString("role",
			mcp.Description("Message role: user, agent, or system (default: agent)"),
		),
	)
}

func (t *PostMessageTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	threadID := req.GetString("thread_id", "")
	if threadID == "" {
		return mcp.NewToolResultError("'thread_id' is required"), nil
	}
	content := req.GetString("content", "")
	if content == "" {
		return mcp.NewToolResultError("'content' is required"), nil
	}
	msg, err := t.engine.PostChatMessage(ctx, threadID, req.GetString("role", "agent"), content)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("post message failed: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Message %s posted to thread %s", msg.ID, threadID)), nil
}

// SendTextTool handles the send_to_terminal MCP tool.
type SendTextTool struct {
	engine engine.Engine
}

func NewSendTextTool(e engine.Engine) *SendTextTool {
	return &SendTextTool{engine: e}
}

func (t *SendTextTool) Definition() mcp.Tool {
	return mcp.NewTool("send_to_terminal",
		mcp.WithDescription(
			"Type text into a session's terminal, followed by Enter. "+
				"The session must have an attached terminal.",
		),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("Session whose terminal receives the text"),
		),
		mcp.WithString("text",
			mcp.Required(),
			mcp.Description("Text to type"),
		),
	)
}

func (t *SendTextTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := req.GetString("session_id", "")
	if sessionID == "" {
		return mcp.NewToolResultError("'session_id' is required"), nil
	}
	text := req.GetString("text", "")
	if text == "" {
		return mcp.NewToolResultError("'text' is required"), nil
	}
	if err := t.engine.SendToSession(ctx, sessionID, text); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("send failed: %v", err)), nil
	}
	return mcp.NewToolResultText("Text sent."), nil
}

// ListWatchersTool handles the list_watchers MCP tool.
type ListWatchersTool struct {
	engine engine.Engine
}

func NewListWatchersTool(e engine.Engine) *ListWatchersTool {
	return &ListWatchersTool{engine: e}
}

func (t *ListWatchersTool) Definition() mcp.Tool {
	return mcp.NewTool("list_watchers",
		mcp.WithDescription("List terminal watchers configured for a project."),
		mcp.WithString("project_id",
			mcp.Required(),
			mcp.Description("Project to list watchers for"),
		),
	)
}

func (t *ListWatchersTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectID := req.GetString("project_id", "")
	if projectID == "" {
		return mcp.NewToolResultError("'project_id' is required"), nil
	}
	watchers, err := t.engine.Repo.ListWatchers(ctx, projectID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list watchers failed: %v", err)), nil
	}
	if len(watchers) == 0 {
		return mcp.NewToolResultText("No watchers configured."), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d watchers:\n\n", len(watchers))
	for i, w := range watchers {
		state := "enabled"
		if !w.Enabled {
			state = "disabled"
		}
		fmt.Fprintf(&b, "[%d] %s (%s) - %s %s %q -> %s\n",
			i+1, w.ID, state, w.Condition.Type, w.Scope, w.Condition.Pattern, w.EventName)
	}
	return mcp.NewToolResultText(b.String()), nil
}
