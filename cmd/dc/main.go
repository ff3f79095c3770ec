package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"devchain/internal/automation"
	"devchain/internal/config"
	"devchain/internal/db"
	"devchain/internal/domain"
	"devchain/internal/engine"
	"devchain/internal/events"
	"devchain/internal/mcpserver"
	"devchain/internal/migrate"
	"devchain/internal/repo"
	"devchain/internal/server"
	"devchain/internal/sessions"
	"devchain/internal/tmux"
)

var rootCmd = &cobra.Command{
	Use:   "dc",
	Short: "DevChain CLI",
	Long: `DevChain orchestrates AI coding agents working in terminal sessions.
Core concepts:
- Workspace: your .devchain directory holding the SQLite database; devchain.yml configures it.
- Project: owns epics, tasks, agents, sessions, and automations.
- Epics and tasks: work items; tasks move planned -> in_progress -> review -> done (rejected/canceled are exits).
- Agents: named workers backed by a provider config (which API and model) and a profile (system prompt).
- Sessions: live tmux terminals an agent types into; DevChain tracks whether they are busy or idle.
- Watchers: poll a session's terminal viewport and publish an event when a pattern appears.
- Subscribers: react to events by sending text to a terminal, posting a chat message, or moving a task.
- Event log: diary of everything that happened, view with 'dc log tail'.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("DEVCHAIN")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(epicCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(watcherCmd())
	rootCmd.AddCommand(subscriberCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(mcpCmd())
}

// --- project ---

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectInitCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectUpdateCmd())
	prj.AddCommand(projectDeleteCmd())
	return prj
}

func projectInitCmd() *cobra.Command {
	var id, name, desc, repoPath string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace and project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault(id)), 0o644); err != nil {
					return err
				}
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			if name == "" {
				name = id
			}
			p, err := e.InitProject(cmd.Context(), id, name, desc, repoPath)
			if err != nil {
				return err
			}
			return printJSONOrTable(p)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&repoPath, "repo", "", "repository path")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProject(ctx, targetProject(e))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func projectUpdateCmd() *cobra.Command {
	var status, description string
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				target := targetProject(e)
				var descPtr *string
				if cmd.Flags().Changed("description") {
					descPtr = &description
				}
				if err := e.Repo.UpdateProject(ctx, target, status, descPtr); err != nil {
					return err
				}
				p, err := e.Repo.GetProject(ctx, target)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status (active, archived)")
	cmd.Flags().StringVar(&description, "description", "", "description")
	return cmd
}

func projectDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete",
		Short: "Delete a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteProject(ctx, targetProject(e))
			})
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show project status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				projectID := targetProject(e)
				p, err := e.Repo.GetProject(ctx, projectID)
				if err != nil {
					return err
				}
				counts, err := e.Repo.CountTasksByStatus(ctx, projectID)
				if err != nil {
					return err
				}
				active, err := e.Repo.ListActiveSessions(ctx, projectID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"project":         p,
					"task_counts":     counts,
					"active_sessions": len(active),
				})
			})
		},
	}
}

// --- epics ---

func epicCmd() *cobra.Command {
	epic := &cobra.Command{Use: "epic", Short: "Manage epics"}
	epic.AddCommand(epicCreateCmd())
	epic.AddCommand(epicListCmd())
	epic.AddCommand(epicStatusCmd())
	return epic
}

func epicCreateCmd() *cobra.Command {
	var title string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create epic",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				epic, err := e.CreateEpic(ctx, targetProject(e), title)
				if err != nil {
					return err
				}
				return printJSONOrTable(epic)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "epic title")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func epicListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List epics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListEpics(ctx, targetProject(e))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status"})
				for _, ep := range items {
					tw.AppendRow(table.Row{ep.ID, ep.Title, ep.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func epicStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <id> <status>",
		Short: "Update epic status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				epic, err := e.SetEpicStatus(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(epic)
			})
		},
	}
	return cmd
}

// --- tasks ---

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Manage tasks"}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskUpdateCmd())
	task.AddCommand(taskStatusCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var title, desc, epicID, agentID string
	var priority int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.TaskCreateOptions{
					ProjectID:   targetProject(e),
					EpicID:      epicID,
					AgentID:     agentID,
					Title:       title,
					Description: desc,
				}
				if cmd.Flags().Changed("priority") {
					opts.Priority = &priority
				}
				t, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "task title")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&epicID, "epic", "", "epic id")
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority (higher first)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.ProjectID == "" {
					f.ProjectID = targetProject(e)
				}
				tasks, err := e.Repo.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Agent", "Epic"})
				for _, t := range tasks {
					agent := ""
					if t.AgentID != nil {
						agent = *t.AgentID
					}
					epic := ""
					if t.EpicID != nil {
						epic = *t.EpicID
					}
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, agent, epic})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.EpicID, "epic", "", "epic filter")
	cmd.Flags().StringVar(&f.AgentID, "agent", "", "agent filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max results")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskUpdateCmd() *cobra.Command {
	var title, desc, epicID, agentID string
	var priority int
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var opts engine.TaskUpdateOptions
				if cmd.Flags().Changed("title") {
					opts.Title = &title
				}
				if cmd.Flags().Changed("description") {
					opts.Description = &desc
				}
				if cmd.Flags().Changed("epic") {
					opts.EpicID = &epicID
				}
				if cmd.Flags().Changed("agent") {
					opts.AgentID = &agentID
				}
				if cmd.Flags().Changed("priority") {
					opts.Priority = &priority
				}
				t, err := e.UpdateTask(ctx, args[0], opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "task title")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&epicID, "epic", "", "epic id")
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority")
	return cmd
}

func taskStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <id> <status>",
		Short: "Move a task through its workflow",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.SetTaskStatus(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

// --- agents ---

func agentCmd() *cobra.Command {
	agent := &cobra.Command{Use: "agent", Short: "Manage agents, profiles, and provider configs"}
	agent.AddCommand(agentProviderCmd())
	agent.AddCommand(agentProfileCmd())
	agent.AddCommand(agentCreateCmd())
	agent.AddCommand(agentListCmd())
	return agent
}

func agentProviderCmd() *cobra.Command {
	var name, provider, model string
	cmd := &cobra.Command{
		Use:   "provider",
		Short: "Create a provider config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreateProviderConfig(ctx, name, provider, model)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "config name")
	cmd.Flags().StringVar(&provider, "provider", "", "provider id from devchain.yml")
	cmd.Flags().StringVar(&model, "model", "", "model id")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("provider")
	return cmd
}

func agentProfileCmd() *cobra.Command {
	var name, providerConfigID, systemPrompt string
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Create an agent profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreateAgentProfile(ctx, name, providerConfigID, systemPrompt)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "profile name")
	cmd.Flags().StringVar(&providerConfigID, "provider-config", "", "provider config id")
	cmd.Flags().StringVar(&systemPrompt, "system-prompt", "", "system prompt")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("provider-config")
	return cmd
}

func agentCreateCmd() *cobra.Command {
	var name, profileID string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.CreateAgent(ctx, targetProject(e), name, profileID)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "agent name")
	cmd.Flags().StringVar(&profileID, "profile", "", "agent profile id")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func agentListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListAgents(ctx, targetProject(e))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.Name, a.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
}

// --- sessions ---

func sessionCmd() *cobra.Command {
	sess := &cobra.Command{Use: "session", Short: "Manage terminal sessions"}
	sess.AddCommand(sessionStartCmd())
	sess.AddCommand(sessionListCmd())
	sess.AddCommand(sessionStopCmd())
	sess.AddCommand(sessionSendCmd())
	return sess
}

func sessionStartCmd() *cobra.Command {
	var agentID, dir, command string
	var noTerminal bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a terminal session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.StartSession(ctx, engine.SessionStartOptions{
					ProjectID:  targetProject(e),
					AgentID:    agentID,
					Dir:        dir,
					Command:    command,
					NoTerminal: noTerminal,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id")
	cmd.Flags().StringVar(&dir, "dir", "", "working directory (defaults to project repo path)")
	cmd.Flags().StringVar(&command, "command", "", "command to run in the terminal")
	cmd.Flags().BoolVar(&noTerminal, "no-terminal", false, "record the session without a tmux terminal")
	return cmd
}

func sessionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List active sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListActiveSessions(ctx, targetProject(e))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Tmux", "Agent", "Activity"})
				for _, s := range items {
					agent := ""
					if s.AgentID != nil {
						agent = *s.AgentID
					}
					tw.AppendRow(table.Row{s.ID, s.TmuxSession, agent, s.ActivityState})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func sessionStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <id>",
		Short: "Stop a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.StopSession(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}

func sessionSendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <id> <text>",
		Short: "Type text into a session's terminal",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.SendToSession(ctx, args[0], strings.Join(args[1:], " "))
			})
		},
	}
}

// --- chat ---

func chatCmd() *cobra.Command {
	chat := &cobra.Command{Use: "chat", Short: "Chat threads and messages"}
	chat.AddCommand(chatThreadsCmd())
	chat.AddCommand(chatNewCmd())
	chat.AddCommand(chatPostCmd())
	chat.AddCommand(chatMessagesCmd())
	return chat
}

func chatThreadsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "threads",
		Short: "List chat threads",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListChatThreads(ctx, targetProject(e))
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func chatNewCmd() *cobra.Command {
	var title, agentID string
	cmd := &cobra.Command{
		Use:   "new",
		Short: "Create a chat thread",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateChatThread(ctx, targetProject(e), agentID, title)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "thread title")
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id")
	return cmd
}

func chatPostCmd() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "post <thread-id> <content>",
		Short: "Post a chat message",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.PostChatMessage(ctx, args[0], role, strings.Join(args[1:], " "))
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "user", "message role (user, agent, system)")
	return cmd
}

func chatMessagesCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "messages <thread-id>",
		Short: "List messages in a thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListChatMessages(ctx, args[0], limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "max messages")
	return cmd
}

// --- watchers ---

func watcherCmd() *cobra.Command {
	watcher := &cobra.Command{Use: "watcher", Short: "Manage terminal watchers"}
	watcher.AddCommand(watcherCreateCmd())
	watcher.AddCommand(watcherListCmd())
	watcher.AddCommand(watcherShowCmd())
	watcher.AddCommand(watcherEnableCmd(true))
	watcher.AddCommand(watcherEnableCmd(false))
	watcher.AddCommand(watcherDeleteCmd())
	return watcher
}

func watcherCreateCmd() *cobra.Command {
	var w domain.Watcher
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a watcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w.Enabled = true
				created, err := e.CreateWatcher(ctx, targetProject(e), w)
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	cmd.Flags().StringVar(&w.Name, "name", "", "watcher name")
	cmd.Flags().StringVar(&w.EventName, "event", "", "event name to publish on match")
	cmd.Flags().StringVar(&w.Condition.Type, "type", "contains", "condition type (contains, not_contains, regex)")
	cmd.Flags().StringVar(&w.Condition.Pattern, "pattern", "", "pattern to match")
	cmd.Flags().StringVar(&w.Condition.Flags, "flags", "", "regex flags")
	cmd.Flags().StringVar(&w.Scope, "scope", "all", "scope (all, agent, profile, provider)")
	cmd.Flags().StringVar(&w.ScopeFilterID, "scope-id", "", "scope filter id")
	cmd.Flags().IntVar(&w.PollIntervalMs, "poll-ms", 0, "poll interval in milliseconds")
	cmd.Flags().IntVar(&w.ViewportLines, "lines", 0, "viewport lines to capture")
	cmd.Flags().IntVar(&w.IdleAfterSeconds, "idle-after", 0, "only fire after this many idle seconds")
	cmd.Flags().IntVar(&w.CooldownMs, "cooldown-ms", 0, "cooldown in milliseconds")
	cmd.Flags().StringVar(&w.CooldownMode, "cooldown-mode", "time", "cooldown mode (time, until_clear)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("event")
	_ = cmd.MarkFlagRequired("pattern")
	return cmd
}

func watcherListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List watchers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListWatchers(ctx, targetProject(e))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Enabled", "Condition", "Event"})
				for _, w := range items {
					cond := fmt.Sprintf("%s %q", w.Condition.Type, w.Condition.Pattern)
					tw.AppendRow(table.Row{w.ID, w.Name, w.Enabled, cond, w.EventName})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func watcherShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a watcher",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.Repo.GetWatcher(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
}

func watcherEnableCmd(enable bool) *cobra.Command {
	use, short := "enable <id>", "Enable a watcher"
	if !enable {
		use, short = "disable <id>", "Disable a watcher"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.Repo.GetWatcher(ctx, args[0])
				if err != nil {
					return err
				}
				w.Enabled = enable
				if err := e.Repo.UpdateWatcher(ctx, w); err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
}

func watcherDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a watcher",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteWatcher(ctx, args[0])
			})
		},
	}
}

// --- subscribers ---

func subscriberCmd() *cobra.Command {
	sub := &cobra.Command{Use: "subscriber", Short: "Manage event subscribers"}
	sub.AddCommand(subscriberCreateCmd())
	sub.AddCommand(subscriberListCmd())
	sub.AddCommand(subscriberShowCmd())
	sub.AddCommand(subscriberDeleteCmd())
	return sub
}

func subscriberCreateCmd() *cobra.Command {
	var s domain.Subscriber
	var inputsJSON, filterJSON string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a subscriber",
		RunE: func(cmd *cobra.Command, args []string) error {
			if inputsJSON != "" {
				if err := json.Unmarshal([]byte(inputsJSON), &s.ActionInputs); err != nil {
					return fmt.Errorf("invalid --inputs: %w", err)
				}
			}
			if filterJSON != "" {
				var f domain.EventFilter
				if err := json.Unmarshal([]byte(filterJSON), &f); err != nil {
					return fmt.Errorf("invalid --filter: %w", err)
				}
				s.EventFilter = &f
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s.Enabled = true
				created, err := e.CreateSubscriber(ctx, targetProject(e), s)
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	cmd.Flags().StringVar(&s.Name, "name", "", "subscriber name")
	cmd.Flags().StringVar(&s.EventName, "event", "", "event name to react to")
	cmd.Flags().StringVar(&s.ActionType, "action", "", "action type (terminal.send_text, chat.post_message, task.set_status)")
	cmd.Flags().StringVar(&inputsJSON, "inputs", "", "action inputs as JSON")
	cmd.Flags().StringVar(&filterJSON, "filter", "", "event filter as JSON")
	cmd.Flags().IntVar(&s.DelayMs, "delay-ms", 0, "delay before running")
	cmd.Flags().IntVar(&s.CooldownMs, "cooldown-ms", 0, "per-session cooldown")
	cmd.Flags().BoolVar(&s.RetryOnError, "retry", false, "retry once on action failure")
	cmd.Flags().StringVar(&s.GroupName, "group", "", "group name")
	cmd.Flags().IntVar(&s.Position, "position", 0, "position within priority")
	cmd.Flags().IntVar(&s.Priority, "priority", 0, "priority (higher first)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("event")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

func subscriberListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List subscribers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListSubscribers(ctx, targetProject(e))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Enabled", "Event", "Action"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.Name, s.Enabled, s.EventName, s.ActionType})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func subscriberShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a subscriber",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Repo.GetSubscriber(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}

func subscriberDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a subscriber",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteSubscriber(ctx, args[0])
			})
		},
	}
}

// --- log ---

func logCmd() *cobra.Command {
	logc := &cobra.Command{Use: "log", Short: "Event log"}
	logc.AddCommand(logTailCmd())
	return logc
}

func logTailCmd() *cobra.Command {
	var n int
	var name string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.LatestEventsFrom(ctx, n, 0, targetProject(e), name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Name", "Disposition", "Detail"})
				for _, ev := range items {
					tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Name, ev.Disposition, ev.Detail})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&name, "name", "", "event name filter")
	return cmd
}

// --- serve ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server and automation runtime",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			logger := log.New(os.Stderr, "", log.LstdFlags)
			e.Logger = logger

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			tm := tmux.Client{}
			registry := &sessions.Registry{
				Repo:   e.Repo,
				Tmux:   tm,
				Logger: logger,
				Exited: func(ctx context.Context, s domain.Session) {
					payload := events.Payload{"projectId": s.ProjectID, "sessionId": s.ID}
					e.Events.RecordPublished(ctx, "session.exited", s.ProjectID, s.ID, payload)
					e.Bus.Publish("session.exited", payload)
				},
			}
			runner := &automation.Runner{
				Repo:     e.Repo,
				Sessions: registry,
				Capture:  tm,
				Events:   e.Events,
				Bus:      e.Bus,
				Cfg:      cfg,
				Logger:   logger,
			}
			sched := automation.NewScheduler(time.Duration(cfg.Automation.SchedulerTickMs)*time.Millisecond, logger)
			executor := &automation.Executor{
				Engine: e,
				Tmux:   tm,
				Sched:  sched,
				Logger: logger,
			}
			executor.Attach(e.Bus)
			go sched.Run(ctx)
			if err := runner.StartAll(ctx); err != nil {
				return err
			}
			defer runner.StopAll()

			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			handler, err := server.New(server.Config{Engine: e, Runner: runner, Capture: tm, BasePath: basePath})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelShutdown()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving DevChain API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to config)")
	return cmd
}

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Start the MCP server (stdio transport)",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			// logs go to stderr so they do not interfere with the stdio transport
			e.Logger = log.New(os.Stderr, "", log.LstdFlags)
			return mcpserver.ServeStdio(mcpserver.New(e))
		},
	}
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func targetProject(e engine.Engine) string {
	if p := viper.GetString("project"); p != "" {
		return p
	}
	return e.Config.Project.ID
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
