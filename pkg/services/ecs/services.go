package ecs

import (
	"context"
	"fmt"
	"math/rand/v2"
	"slices"

	"github.com/goccy/go-json"

	"cloudemu/pkg/api"
	"cloudemu/pkg/awserr"
	"cloudemu/pkg/log"
	"cloudemu/pkg/models"
	"cloudemu/pkg/services/resource"
	"cloudemu/pkg/wire"
)

type serviceAttrs struct {
	TaskDefinition       string          `json:"task_definition"`
	DesiredCount         int             `json:"desired_count"`
	LaunchType           string          `json:"launch_type"`
	SchedulingStrategy   string          `json:"scheduling_strategy"`
	DeploymentID         string          `json:"deployment_id"`
	LoadBalancers        json.RawMessage `json:"load_balancers,omitempty"`
	NetworkConfiguration json.RawMessage `json:"network_configuration,omitempty"`
	Tags                 []tag           `json:"tags,omitempty"`
}

// services are keyed by cluster and name. A deleted service stays INACTIVE until a new one
// takes its name.
var services = resource.Kind[serviceAttrs]{
	Service: service,
	Kind:    "service",
	NotFound: func(string) *awserr.Error {
		return awserr.InvalidArgument("Service not found.").WithCode("ServiceNotFoundException")
	},
}

func serviceID(cluster, name string) string {
	return cluster + "/" + name
}

type deployment struct {
	ID             string  `json:"id"`
	Status         string  `json:"status"`
	TaskDefinition string  `json:"taskDefinition"`
	DesiredCount   int     `json:"desiredCount"`
	PendingCount   int     `json:"pendingCount"`
	RunningCount   int     `json:"runningCount"`
	LaunchType     string  `json:"launchType"`
	RolloutState   string  `json:"rolloutState"`
	CreatedAt      float64 `json:"createdAt"`
	UpdatedAt      float64 `json:"updatedAt"`
}

type ecsService struct {
	ServiceArn           string          `json:"serviceArn"`
	ServiceName          string          `json:"serviceName"`
	ClusterArn           string          `json:"clusterArn"`
	Status               string          `json:"status"`
	DesiredCount         int             `json:"desiredCount"`
	RunningCount         int             `json:"runningCount"`
	PendingCount         int             `json:"pendingCount"`
	LaunchType           string          `json:"launchType"`
	TaskDefinition       string          `json:"taskDefinition"`
	SchedulingStrategy   string          `json:"schedulingStrategy"`
	LoadBalancers        json.RawMessage `json:"loadBalancers"`
	NetworkConfiguration json.RawMessage `json:"networkConfiguration,omitempty"`
	Deployments          []deployment    `json:"deployments"`
	Events               []any           `json:"events"`
	CreatedAt            float64         `json:"createdAt"`
	Tags                 []tag           `json:"tags,omitempty"`
}

func describeService(st *api.State, rec *resource.Record[serviceAttrs], withTags bool) ecsService {
	running := rec.Data.DesiredCount
	if rec.State != statusActive {
		running = 0
	}
	out := ecsService{
		ServiceArn:           rec.ARN,
		ServiceName:          rec.Name,
		ClusterArn:           st.ARN(service, "cluster/"+rec.Parent),
		Status:               rec.State,
		DesiredCount:         rec.Data.DesiredCount,
		RunningCount:         running,
		LaunchType:           rec.Data.LaunchType,
		TaskDefinition:       rec.Data.TaskDefinition,
		SchedulingStrategy:   rec.Data.SchedulingStrategy,
		LoadBalancers:        rec.Data.LoadBalancers,
		NetworkConfiguration: rec.Data.NetworkConfiguration,
		Deployments:          []deployment{},
		Events:               []any{},
		CreatedAt:            wire.Epoch(rec.CreatedAt),
	}
	if out.LoadBalancers == nil {
		out.LoadBalancers = json.RawMessage("[]")
	}
	if rec.State == statusActive {
		out.Deployments = append(out.Deployments, deployment{
			ID:             rec.Data.DeploymentID,
			Status:         "PRIMARY",
			TaskDefinition: rec.Data.TaskDefinition,
			DesiredCount:   rec.Data.DesiredCount,
			RunningCount:   running,
			LaunchType:     rec.Data.LaunchType,
			RolloutState:   "COMPLETED",
			CreatedAt:      wire.Epoch(rec.CreatedAt),
			UpdatedAt:      wire.Epoch(rec.UpdatedAt),
		})
	}
	if withTags {
		out.Tags = rec.Data.Tags
	}
	return out
}

type createServiceInput struct {
	Cluster              string          `json:"cluster"`
	ServiceName          string          `json:"serviceName"`
	TaskDefinition       string          `json:"taskDefinition"`
	DesiredCount         *int            `json:"desiredCount"`
	LaunchType           string          `json:"launchType"`
	SchedulingStrategy   string          `json:"schedulingStrategy"`
	LoadBalancers        json.RawMessage `json:"loadBalancers"`
	NetworkConfiguration json.RawMessage `json:"networkConfiguration"`
	Tags                 []tag           `json:"tags"`
}

type serviceOutput struct {
	Service ecsService `json:"service"`
}

func createService(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in createServiceInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	if err := require(in.ServiceName, "serviceName"); err != nil {
		return nil, err
	}
	c, err := activeCluster(ctx, st, in.Cluster)
	if err != nil {
		return nil, err
	}
	def, err := resolveTaskDefinition(ctx, st, in.TaskDefinition)
	if err != nil {
		return nil, err
	}
	attrs := serviceAttrs{
		TaskDefinition:       def.ARN,
		LaunchType:           in.LaunchType,
		SchedulingStrategy:   in.SchedulingStrategy,
		DeploymentID:         fmt.Sprintf("ecs-svc/%019d", rand.Int64N(1e18)),
		LoadBalancers:        in.LoadBalancers,
		NetworkConfiguration: in.NetworkConfiguration,
		Tags:                 in.Tags,
	}
	if attrs.LaunchType == "" {
		attrs.LaunchType = launchTypeEC2
	}
	if attrs.SchedulingStrategy == "" {
		attrs.SchedulingStrategy = "REPLICA"
	}
	switch {
	case attrs.SchedulingStrategy == "DAEMON" && in.DesiredCount != nil:
		return nil, invalidParameter("The daemon scheduling strategy does not support a desired count for services.")
	case attrs.SchedulingStrategy == "REPLICA" && in.DesiredCount == nil:
		return nil, invalidParameter("The desired count must be set for the REPLICA scheduling strategy.")
	case in.DesiredCount != nil && *in.DesiredCount < 0:
		return nil, invalidParameter("The desired count must be zero or greater.")
	case attrs.SchedulingStrategy != "REPLICA" && attrs.SchedulingStrategy != "DAEMON":
		return nil, invalidParameter("schedulingStrategy must be REPLICA or DAEMON.")
	}
	if in.DesiredCount != nil {
		attrs.DesiredCount = *in.DesiredCount
	}

	id := serviceID(c.ID, in.ServiceName)
	if existing, err := services.Get(ctx, st, id); err == nil {
		if existing.State != statusInactive {
			return nil, invalidParameter("Creation of service was not idempotent.")
		}
		if err := services.Delete(ctx, st, id); err != nil {
			return nil, err
		}
	}
	rec := services.New(st, id, in.ServiceName, st.ARN(service, "service/"+id), attrs)
	rec.Parent = c.ID
	rec.State = statusActive
	if err := services.Create(ctx, st, rec); err != nil {
		if awserr.IsKind(err, awserr.KindAlreadyExists) {
			return nil, invalidParameter("Creation of service was not idempotent.")
		}
		return nil, err
	}
	log.Debug().Str("cluster", c.ID).Str("service", in.ServiceName).Int("desired", attrs.DesiredCount).Msg("ECS service created")
	return api.Reply(req, serviceOutput{Service: describeService(st, rec, true)})
}

type listServicesInput struct {
	listInput
	LaunchType string `json:"launchType"`
}

type listServicesOutput struct {
	ServiceArns []string `json:"serviceArns"`
	NextToken   string   `json:"nextToken,omitempty"`
}

// listServices lists the active and draining services of a cluster.
func listServices(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in listServicesInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	c, err := activeCluster(ctx, st, in.Cluster)
	if err != nil {
		return nil, err
	}
	records, err := services.List(ctx, st, models.ResourceFilter{Parent: c.ID})
	if err != nil {
		return nil, err
	}
	arns := []string{}
	for _, rec := range records {
		if rec.State != statusInactive && (in.LaunchType == "" || in.LaunchType == rec.Data.LaunchType) {
			arns = append(arns, rec.ARN)
		}
	}
	page, next, err := pageARNs(arns, in.NextToken, in.MaxResults)
	if err != nil {
		return nil, err
	}
	return api.Reply(req, listServicesOutput{ServiceArns: page, NextToken: next})
}

type describeServicesInput struct {
	Cluster  string   `json:"cluster"`
	Services []string `json:"services"`
	Include  []string `json:"include"`
}

type describeServicesOutput struct {
	Services []ecsService `json:"services"`
	Failures []failure    `json:"failures"`
}

func describeServices(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in describeServicesInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	if len(in.Services) == 0 {
		return nil, awserr.MissingParameter("services")
	}
	c, err := activeCluster(ctx, st, in.Cluster)
	if err != nil {
		return nil, err
	}
	withTags := slices.Contains(in.Include, "TAGS")
	out := describeServicesOutput{Services: []ecsService{}, Failures: []failure{}}
	for _, ref := range in.Services {
		name := lastSegment(ref)
		rec, err := services.Get(ctx, st, serviceID(c.ID, name))
		if err != nil {
			if awserr.From(err).ErrorCode() != "ServiceNotFoundException" {
				return nil, err
			}
			out.Failures = append(out.Failures, failure{Arn: st.ARN(service, "service/"+serviceID(c.ID, name)), Reason: "MISSING"})
			continue
		}
		out.Services = append(out.Services, describeService(st, rec, withTags))
	}
	return api.Reply(req, out)
}

type deleteServiceInput struct {
	Cluster string `json:"cluster"`
	Service string `json:"service"`
	Force   bool   `json:"force"`
}

// deleteService scales a service down and leaves it INACTIVE. A service that still wants tasks
// needs force.
func deleteService(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in deleteServiceInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	if err := require(in.Service, "service"); err != nil {
		return nil, err
	}
	c, err := activeCluster(ctx, st, in.Cluster)
	if err != nil {
		return nil, err
	}
	rec, err := services.Update(ctx, st, serviceID(c.ID, lastSegment(in.Service)), func(r *resource.Record[serviceAttrs]) error {
		if r.State == statusInactive {
			return awserr.InvalidArgument("Service was not ACTIVE.").WithCode("ServiceNotActiveException")
		}
		if r.Data.DesiredCount > 0 && !in.Force && r.Data.SchedulingStrategy == "REPLICA" {
			return invalidParameter("The service cannot be stopped while it is scaled above 0.")
		}
		r.State = statusInactive
		r.Data.DesiredCount = 0
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Debug().Str("cluster", c.ID).Str("service", rec.Name).Msg("ECS service deleted")
	out := describeService(st, rec, false)
	out.Status = statusDraining
	return api.Reply(req, serviceOutput{Service: out})
}
