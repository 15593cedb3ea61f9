package app

import (
	"context"
	"errors"
	"fmt"

	"issueline/internal/config"
	"issueline/internal/engine"
	"issueline/internal/store"
)

// ResolveProjectAndConfig picks the active project and ensures the project,
// its state catalogue and its config exist in DB, seeding defaults if missing.
// It prefers overrides, then single-project DB. If the project does not exist,
// it is created on the fly.
func ResolveProjectAndConfig(ctx context.Context, projectOverride, actorID string, e *engine.Engine) (string, *config.Config, error) {
	projectID := projectOverride
	if projectID == "" {
		if p, err := e.Store.SingleProject(ctx); err == nil {
			projectID = p.ID
		} else {
			return "", nil, fmt.Errorf("project not specified; use --project")
		}
	}
	if _, err := e.Store.GetProject(ctx, projectID); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return "", nil, err
		}
		if actorID == "" {
			actorID = "local-user"
		}
		if _, err := e.InitProject(ctx, projectID, projectID, "", actorID); err != nil {
			return "", nil, err
		}
	}
	cfg, err := e.Store.GetProjectConfig(ctx, projectID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return "", nil, err
		}
		cfg = config.Default(projectID)
		if err := e.Store.UpsertProjectConfig(ctx, projectID, cfg); err != nil {
			return "", nil, fmt.Errorf("seed project config: %w", err)
		}
	}
	cfg.Project.ID = projectID
	return projectID, cfg, nil
}
