package deploy

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/shiplane/controlplane/internal/errs"
	"github.com/shiplane/controlplane/pkg/events"
)

// failedStream returns an already-terminal stream carrying err, for
// preconditions that fail before there is anything to hand off to Deploy.
func failedStream(err error) *events.Stream {
	stream := events.NewStream(2)
	go func() {
		stream.Log(events.LevelError, "%v", err)
		stream.Complete(false, "", err.Error())
	}()
	return stream
}

// Rollback redeploys the most recent successful version before the
// current one. It is an ordinary forward deploy of a past image — a new
// version number is always allocated, never the old one (spec.md §4.8,
// Rollback orchestrator).
func (o *Orchestrator) Rollback(ctx context.Context, serviceID uuid.UUID, env, triggeredBy string) *events.Stream {
	service, err := o.services.Get(ctx, serviceID)
	if err != nil {
		return failedStream(fmt.Errorf("loading service: %w", err))
	}
	project, err := o.projects.Get(ctx, service.ProjectID)
	if err != nil {
		return failedStream(fmt.Errorf("loading project: %w", err))
	}

	current, ok, err := o.deployments.GetLatestSuccess(ctx, serviceID, env)
	if err != nil {
		return failedStream(fmt.Errorf("looking up current deployment: %w", err))
	}
	if !ok {
		return failedStream(fmt.Errorf("no successful deployment to roll back from: %w", errs.ErrNoSuchEntity))
	}

	previous, ok, err := o.deployments.GetPreviousSuccess(ctx, serviceID, env, current.Version)
	if err != nil {
		return failedStream(fmt.Errorf("looking up previous deployment: %w", err))
	}
	if !ok {
		return failedStream(fmt.Errorf("no previous successful deployment to roll back to: %w", errs.ErrNoSuchEntity))
	}

	return o.Deploy(ctx, DeployInput{
		TenantID:        project.WorkspaceID,
		ProjectID:       service.ProjectID,
		ServiceID:       serviceID,
		Env:             env,
		ServiceType:     service.ServiceType,
		ImageName:       previous.ImageName,
		EnvVariables:    previous.EnvVariables,
		ExistingNodeIDs: previous.NodeIDs,
		IsRollback:      true,
		TriggeredBy:     triggeredBy,
	})
}
