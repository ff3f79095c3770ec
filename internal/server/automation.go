package server

import (
	"context"
	"net/http"
	"sort"

	"github.com/danielgtaylor/huma/v2"

	"devchain/internal/automation"
	"devchain/internal/domain"
	"devchain/internal/engine"
)

func watcherFromRequest(req WatcherRequest) domain.Watcher {
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	return domain.Watcher{
		Name:             req.Name,
		Enabled:          enabled,
		Scope:            req.Scope,
		ScopeFilterID:    req.ScopeFilterID,
		PollIntervalMs:   req.PollIntervalMs,
		ViewportLines:    req.ViewportLines,
		IdleAfterSeconds: req.IdleAfterSeconds,
		Condition:        req.Condition,
		CooldownMs:       req.CooldownMs,
		CooldownMode:     req.CooldownMode,
		EventName:        req.EventName,
	}
}

// syncRunner reconciles a watcher's poll loop with its stored definition.
func syncRunner(ctx context.Context, runner *automation.Runner, w domain.Watcher) {
	if runner == nil {
		return
	}
	if w.Enabled {
		runner.Start(ctx, w)
	} else {
		runner.Stop(w.ID)
	}
}

func registerWatchers(api huma.API, e engine.Engine, runner *automation.Runner) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-watcher",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/watchers",
		Summary:       "Create terminal watcher",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string         `path:"project_id"`
		Body      WatcherRequest `json:"body"`
	}) (*struct {
		Body domain.Watcher `json:"body"`
	}, error) {
		w, err := e.CreateWatcher(ctx, input.ProjectID, watcherFromRequest(input.Body))
		if err != nil {
			return nil, handleError(err)
		}
		syncRunner(context.WithoutCancel(ctx), runner, w)
		return &struct {
			Body domain.Watcher `json:"body"`
		}{Body: w}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-watchers",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/watchers",
		Summary:     "List watchers",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body []domain.Watcher `json:"body"`
	}, error) {
		items, err := e.Repo.ListWatchers(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Watcher{}
		}
		return &struct {
			Body []domain.Watcher `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-watcher",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/watchers/{id}",
		Summary:     "Get watcher",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
	}) (*struct {
		Body domain.Watcher `json:"body"`
	}, error) {
		w, err := e.Repo.GetWatcher(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Watcher `json:"body"`
		}{Body: w}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-watcher",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/watchers/{id}",
		Summary:     "Update watcher",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string         `path:"project_id"`
		ID        string         `path:"id"`
		Body      WatcherRequest `json:"body"`
	}) (*struct {
		Body domain.Watcher `json:"body"`
	}, error) {
		w, err := e.UpdateWatcher(ctx, input.ID, watcherFromRequest(input.Body))
		if err != nil {
			return nil, handleError(err)
		}
		syncRunner(context.WithoutCancel(ctx), runner, w)
		return &struct {
			Body domain.Watcher `json:"body"`
		}{Body: w}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-watcher",
		Method:      http.MethodDelete,
		Path:        "/projects/{project_id}/watchers/{id}",
		Summary:     "Delete watcher",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
	}) (*struct{}, error) {
		if err := e.DeleteWatcher(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		if runner != nil {
			runner.Stop(input.ID)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "test-watcher",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/watchers/{id}/test",
		Summary:     "Dry-run a watcher against live viewports",
		Errors:      []int{http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
	}) (*struct {
		Body []automation.TestResult `json:"body"`
	}, error) {
		if runner == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "unavailable", "watcher runner is not active", nil)
		}
		results, err := runner.Test(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if results == nil {
			results = []automation.TestResult{}
		}
		return &struct {
			Body []automation.TestResult `json:"body"`
		}{Body: results}, nil
	})
}

func subscriberFromRequest(req SubscriberRequest) domain.Subscriber {
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	return domain.Subscriber{
		Name:         req.Name,
		Enabled:      enabled,
		EventName:    req.EventName,
		EventFilter:  req.EventFilter,
		ActionType:   req.ActionType,
		ActionInputs: req.ActionInputs,
		DelayMs:      req.DelayMs,
		CooldownMs:   req.CooldownMs,
		RetryOnError: req.RetryOnError,
		GroupName:    req.GroupName,
		Position:     req.Position,
		Priority:     req.Priority,
	}
}

func registerSubscribers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-subscriber",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/subscribers",
		Summary:       "Create event subscriber",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		Body      SubscriberRequest `json:"body"`
	}) (*struct {
		Body domain.Subscriber `json:"body"`
	}, error) {
		s, err := e.CreateSubscriber(ctx, input.ProjectID, subscriberFromRequest(input.Body))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Subscriber `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-subscribers",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/subscribers",
		Summary:     "List subscribers",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body []domain.Subscriber `json:"body"`
	}, error) {
		items, err := e.Repo.ListSubscribers(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Subscriber{}
		}
		return &struct {
			Body []domain.Subscriber `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-subscriber",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/subscribers/{id}",
		Summary:     "Get subscriber",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
	}) (*struct {
		Body domain.Subscriber `json:"body"`
	}, error) {
		s, err := e.Repo.GetSubscriber(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Subscriber `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-subscriber",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/subscribers/{id}",
		Summary:     "Update subscriber",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		ID        string            `path:"id"`
		Body      SubscriberRequest `json:"body"`
	}) (*struct {
		Body domain.Subscriber `json:"body"`
	}, error) {
		s, err := e.UpdateSubscriber(ctx, input.ID, subscriberFromRequest(input.Body))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Subscriber `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-subscriber",
		Method:      http.MethodDelete,
		Path:        "/projects/{project_id}/subscribers/{id}",
		Summary:     "Delete subscriber",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
	}) (*struct{}, error) {
		if err := e.DeleteSubscriber(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events",
		Summary:     "List events newest-first",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Limit     int    `query:"limit" default:"50" maximum:"500"`
		Cursor    int64  `query:"cursor"`
		Name      string `query:"name"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		items, err := e.Repo.LatestEventsFrom(ctx, input.Limit, input.Cursor, input.ProjectID, input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Event{}
		}
		var next int64
		if n := len(items); n > 0 && n == input.Limit {
			next = items[n-1].ID
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: paginatedEvents{Items: items, NextCursor: next}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-subscribable-events",
		Method:      http.MethodGet,
		Path:        "/events/subscribable",
		Summary:     "List event names subscribers can bind to",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []string `json:"body"`
	}, error) {
		names := make([]string, 0, len(automation.SubscribableEvents))
		for name := range automation.SubscribableEvents {
			names = append(names, name)
		}
		sort.Strings(names)
		return &struct {
			Body []string `json:"body"`
		}{Body: names}, nil
	})
}
