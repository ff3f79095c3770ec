package automation

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"devchain/internal/domain"
	"devchain/internal/engine"
	"devchain/internal/events"
	"devchain/internal/repo"
)

// SubscribableEvents is the catalog of event names subscribers can react to.
// Watcher events fan out under the custom name configured on the watcher.
var SubscribableEvents = map[string]bool{
	"task.created":               true,
	"task.status_changed":        true,
	"chat.message.created":       true,
	"session.started":            true,
	"session.exited":             true,
	"terminal.watcher.triggered": true,
}

// Executor routes published events to matching subscribers and runs their
// actions through the scheduler.
type Executor struct {
	Engine engine.Engine
	Tmux   TextSender
	Sched  *Scheduler
	Logger *log.Logger
	Now    func() time.Time

	actionsOnce sync.Once
	actions     map[string]ActionFunc

	mu        sync.Mutex
	cooldowns map[string]time.Time
}

// eventRef is the envelope of one published event, carried from scheduling
// through to execution.
type eventRef struct {
	id         string
	name       string
	projectID  string
	sessionID  string
	occurredAt string
}

func (x *Executor) logger() *log.Logger {
	if x.Logger != nil {
		return x.Logger
	}
	return log.Default()
}

func (x *Executor) now() time.Time {
	if x.Now != nil {
		return x.Now()
	}
	return time.Now()
}

func (x *Executor) actionTable() map[string]ActionFunc {
	x.actionsOnce.Do(func() {
		if x.actions == nil {
			x.actions = builtinActions()
		}
	})
	return x.actions
}

// Attach subscribes the executor to every event on the bus.
func (x *Executor) Attach(bus *events.Bus) {
	bus.Subscribe("*", x.OnEvent)
}

// OnEvent fans an event out to its subscribers. Watcher trigger events are
// matched by the event name carried in the payload, so subscribers see the
// name the watcher was configured to publish. Disabled or filtered-out
// subscribers are skipped up front; a fan-out summary is recorded on the
// audit log.
func (x *Executor) OnEvent(name string, payload events.Payload) {
	if !SubscribableEvents[name] {
		x.logger().Printf("executor: dropping unknown event %s", name)
		return
	}
	ctx := context.Background()
	eventName := name
	if name == "terminal.watcher.triggered" {
		if carried, _ := payload["eventName"].(string); carried != "" {
			eventName = carried
		}
	}
	projectID := x.resolveProjectID(ctx, payload)
	if projectID == "" {
		x.logger().Printf("executor: dropping %s: no project resolvable from payload", name)
		return
	}
	sessionID, _ := payload["sessionId"].(string)
	subs, err := x.Engine.Repo.FindSubscribersByEventName(ctx, projectID, eventName)
	if err != nil {
		x.logger().Printf("executor: find subscribers for %s: %v", eventName, err)
		return
	}
	if len(subs) == 0 {
		return
	}
	ev := eventRef{
		id:         uuid.NewString(),
		name:       eventName,
		projectID:  projectID,
		sessionID:  sessionID,
		occurredAt: x.now().UTC().Format(time.RFC3339),
	}
	scheduled, skipped := 0, 0
	for _, sub := range subs {
		if !sub.Enabled || (sub.EventFilter != nil && !matchFilter(*sub.EventFilter, payload)) {
			skipped++
			continue
		}
		subID := sub.ID
		group := sub.GroupName
		if group == "" {
			group = eventName
		}
		delay := time.Duration(sub.DelayMs) * time.Millisecond
		x.Sched.Schedule(group, delay, sub.Priority, sub.Position, func() {
			x.execute(context.Background(), subID, ev, payload)
		})
		scheduled++
	}
	detail := fmt.Sprintf("event %s: matched %d scheduled %d skipped %d", ev.id, len(subs), scheduled, skipped)
	x.Engine.Events.RecordScheduled(ctx, eventName, projectID, sessionID, detail, payload)
}

func (x *Executor) resolveProjectID(ctx context.Context, payload events.Payload) string {
	if id, _ := payload["projectId"].(string); id != "" {
		return id
	}
	sessionID, _ := payload["sessionId"].(string)
	if sessionID == "" {
		return ""
	}
	s, err := x.Engine.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return ""
	}
	return s.ProjectID
}

// execute runs one subscriber against one event. The subscriber is re-fetched
// so edits, disables and deletes between publish and execution are honored.
func (x *Executor) execute(ctx context.Context, subscriberID string, ev eventRef, payload events.Payload) {
	if ev.id == "" {
		ev.id = uuid.NewString()
	}
	if ev.occurredAt == "" {
		ev.occurredAt = x.now().UTC().Format(time.RFC3339)
	}
	sub, err := x.Engine.Repo.GetSubscriber(ctx, subscriberID)
	if err == repo.ErrNotFound {
		x.skip(ctx, subscriberID, ev, "deleted", payload)
		return
	}
	if err != nil {
		x.logger().Printf("executor: reload subscriber %s: %v", subscriberID, err)
		return
	}
	if !sub.Enabled {
		x.skip(ctx, subscriberID, ev, "disabled", payload)
		return
	}
	if sub.EventFilter != nil && !matchFilter(*sub.EventFilter, payload) {
		x.skip(ctx, subscriberID, ev, "filter_not_matched", payload)
		return
	}
	if x.onCooldown(sub.ID, ev.sessionID, sub.CooldownMs) {
		x.skip(ctx, subscriberID, ev, "cooldown", payload)
		return
	}
	action, ok := x.actionTable()[sub.ActionType]
	if !ok {
		x.skip(ctx, subscriberID, ev, "action_not_found", payload)
		return
	}

	// When the event names a session it must still exist and carry a live
	// terminal; session-less events thread an empty handle so non-terminal
	// actions can run.
	env := ActionEnv{Engine: x.Engine, Tmux: x.Tmux}
	if ev.sessionID != "" {
		s, err := x.Engine.Repo.GetSession(ctx, ev.sessionID)
		if err != nil || s.TmuxSession == "" {
			x.skip(ctx, subscriberID, ev, "session_error", payload)
			return
		}
		env.Session = s
	} else if sub.ActionType == "terminal.send_text" {
		x.skip(ctx, subscriberID, ev, "no_tmux_session", payload)
		return
	}

	merged := mergeEnvelope(ev, env.Session, payload)
	inputs := x.resolveInputs(sub.ActionType, sub.ActionInputs, merged)

	err = action(ctx, env, inputs)
	// Cooldown starts once the action has run, successful or not, so a
	// failing subscriber cannot hot loop on a stream of events.
	x.setCooldown(sub.ID, ev.sessionID)
	if err != nil && sub.RetryOnError {
		time.Sleep(x.retryDelay())
		if retryErr := action(ctx, env, inputs); retryErr != nil {
			x.logger().Printf("executor: subscriber %s retry failed: %v", sub.ID, retryErr)
		} else {
			err = nil
		}
	}
	if err != nil {
		x.logger().Printf("executor: subscriber %s (%s): %v", sub.ID, sub.ActionType, err)
		x.Engine.Events.RecordHandledFail(ctx, ev.name, ev.projectID, ev.sessionID, "subscriber "+sub.ID+": "+err.Error(), payload)
		return
	}
	x.Engine.Events.RecordHandledOk(ctx, ev.name, ev.projectID, ev.sessionID, sub.ID, payload)
}

// mergeEnvelope layers the standardized envelope fields over a copy of the
// event payload so input templates can reference them alongside raw fields.
// The payload's own agentId wins when it carries one.
func mergeEnvelope(ev eventRef, s domain.Session, payload events.Payload) events.Payload {
	merged := make(events.Payload, len(payload)+7)
	for k, v := range payload {
		merged[k] = v
	}
	merged["eventName"] = ev.name
	merged["projectId"] = ev.projectID
	merged["sessionId"] = ev.sessionID
	merged["sessionIdShort"] = shortID(ev.sessionID)
	merged["occurredAt"] = ev.occurredAt
	merged["eventId"] = ev.id
	if _, ok := merged["agentId"]; !ok {
		if s.AgentID != nil {
			merged["agentId"] = *s.AgentID
		} else {
			merged["agentId"] = nil
		}
	}
	return merged
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (x *Executor) retryDelay() time.Duration {
	if x.Engine.Config != nil && x.Engine.Config.Automation.RetryDelayMs > 0 {
		return time.Duration(x.Engine.Config.Automation.RetryDelayMs) * time.Millisecond
	}
	return time.Second
}

func (x *Executor) skip(ctx context.Context, subscriberID string, ev eventRef, reason string, payload events.Payload) {
	x.Engine.Events.RecordHandledFail(ctx, ev.name, ev.projectID, ev.sessionID, "subscriber "+subscriberID+": "+reason, payload)
}

func (x *Executor) cooldownKey(subscriberID, sessionID string) string {
	return subscriberID + "|" + sessionID
}

func (x *Executor) onCooldown(subscriberID, sessionID string, cooldownMs int) bool {
	if cooldownMs <= 0 {
		return false
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	last, ok := x.cooldowns[x.cooldownKey(subscriberID, sessionID)]
	if !ok {
		return false
	}
	return x.now().Sub(last) < time.Duration(cooldownMs)*time.Millisecond
}

func (x *Executor) setCooldown(subscriberID, sessionID string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.cooldowns == nil {
		x.cooldowns = map[string]time.Time{}
	}
	x.cooldowns[x.cooldownKey(subscriberID, sessionID)] = x.now()
}

// resolveInputs materializes a subscriber's configured inputs against the
// merged template context. Custom string values support {{field}}
// interpolation. The retired agentId input on terminal.send_text is dropped;
// target sessions come from the event itself.
func (x *Executor) resolveInputs(actionType string, configured map[string]domain.ActionInput, context events.Payload) map[string]any {
	inputs := map[string]any{}
	for name, in := range configured {
		if actionType == "terminal.send_text" && name == "agentId" {
			continue
		}
		switch in.Source {
		case "event_field":
			if v, ok := ResolveField(context, in.EventField); ok {
				inputs[name] = v
			} else {
				inputs[name] = nil
			}
		case "custom":
			if s, ok := in.CustomValue.(string); ok {
				inputs[name] = Interpolate(s, context)
			} else {
				inputs[name] = in.CustomValue
			}
		}
	}
	return inputs
}

func matchFilter(f domain.EventFilter, payload events.Payload) bool {
	v, ok := ResolveField(payload, f.Field)
	if !ok {
		return false
	}
	s := Stringify(v)
	switch f.Operator {
	case "equals":
		return s == f.Value
	case "contains":
		return strings.Contains(s, f.Value)
	case "regex":
		re, err := regexp.Compile(f.Value)
		if err != nil {
			return false
		}
		return re.MatchString(s)
	default:
		return false
	}
}
