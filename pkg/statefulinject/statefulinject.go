// Package statefulinject computes the environment variables a stateless
// deployment needs to reach its sibling stateful services (C6 in the
// design): Redis/Postgres/MySQL/Mongo connection URLs, resolved from each
// sibling's latest successful deployment.
package statefulinject

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/shiplane/controlplane/internal/naming"
	"github.com/shiplane/controlplane/internal/repo"
)

// ServiceRepo is the narrow slice of internal/repo.ServiceRepo this package
// needs, kept as an interface so orchestration code can be tested without a
// database.
type ServiceRepo interface {
	ListStatefulSiblings(ctx context.Context, projectID, excludeServiceID uuid.UUID) ([]repo.Service, error)
}

// DeploymentRepo is the narrow slice of internal/repo.DeploymentRepo this
// package needs.
type DeploymentRepo interface {
	GetLatestSuccess(ctx context.Context, serviceID uuid.UUID, env string) (repo.Deployment, bool, error)
}

// NodeRepo is the narrow slice of internal/repo.NodeRepo this package needs.
type NodeRepo interface {
	Get(ctx context.Context, id uuid.UUID) (repo.Node, error)
}

// Injector computes stateful-dependency environment variables.
type Injector struct {
	services    ServiceRepo
	deployments DeploymentRepo
	nodes       NodeRepo
}

// New builds an Injector over the given repositories.
func New(services ServiceRepo, deployments DeploymentRepo, nodes NodeRepo) *Injector {
	return &Injector{services: services, deployments: deployments, nodes: nodes}
}

// Inject returns the env-var map for every stateful sibling of
// excludeServiceID within projectID/env, plus human-readable warnings for
// any sibling whose connection info could not be resolved. targetNodeID, if
// non-zero, causes a sibling colocated on the same node to be addressed as
// localhost rather than by private IP.
func (in *Injector) Inject(ctx context.Context, projectID, excludeServiceID uuid.UUID, env string, targetNodeID uuid.UUID) (map[string]string, []string, error) {
	siblings, err := in.services.ListStatefulSiblings(ctx, projectID, excludeServiceID)
	if err != nil {
		return nil, nil, fmt.Errorf("listing stateful siblings: %w", err)
	}

	envVars := make(map[string]string)
	var warnings []string

	for _, svc := range siblings {
		envVar := naming.EnvVarName(svc.ServiceType, svc.Name)

		dep, ok, err := in.deployments.GetLatestSuccess(ctx, svc.ID, env)
		if err != nil {
			return nil, nil, fmt.Errorf("getting latest success for %s: %w", svc.Name, err)
		}
		if !ok {
			warnings = append(warnings, fmt.Sprintf("%s (%s) not deployed - %s not injected", svc.Name, svc.ServiceType, envVar))
			continue
		}
		if len(dep.NodeIDs) == 0 {
			warnings = append(warnings, fmt.Sprintf("%s (%s) has no nodes - %s not injected", svc.Name, svc.ServiceType, envVar))
			continue
		}

		node, err := in.nodes.Get(ctx, dep.NodeIDs[0])
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("%s (%s) node not found - %s not injected", svc.Name, svc.ServiceType, envVar))
			continue
		}

		host := resolveHost(node, targetNodeID)
		port := naming.ContainerPort(svc.ServiceType)
		envVars[envVar] = naming.BuildURL(svc.ServiceType, host, port, svc.Name)
	}

	return envVars, warnings, nil
}

func resolveHost(node repo.Node, targetNodeID uuid.UUID) string {
	if targetNodeID != uuid.Nil && node.ID == targetNodeID {
		return "localhost"
	}
	if node.PrivateIP != "" {
		return node.PrivateIP
	}
	if node.PublicIP != "" {
		return node.PublicIP
	}
	return "localhost"
}
