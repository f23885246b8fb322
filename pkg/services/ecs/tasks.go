package ecs

import (
	"context"
	"slices"
	"strings"

	"github.com/goccy/go-json"

	"cloudemu/pkg/api"
	"cloudemu/pkg/awserr"
	"cloudemu/pkg/awsid"
	"cloudemu/pkg/log"
	"cloudemu/pkg/models"
	"cloudemu/pkg/services/resource"
	"cloudemu/pkg/wire"
)

const maxTasksPerRun = 10

type taskContainer struct {
	ContainerArn string `json:"containerArn"`
	Name         string `json:"name"`
	Image        string `json:"image"`
	LastStatus   string `json:"lastStatus"`
}

type taskAttrs struct {
	TaskDefinition string          `json:"task_definition"`
	Family         string          `json:"family"`
	Group          string          `json:"group"`
	StartedBy      string          `json:"started_by,omitempty"`
	LaunchType     string          `json:"launch_type"`
	CPU            string          `json:"cpu,omitempty"`
	Memory         string          `json:"memory,omitempty"`
	Containers     []taskContainer `json:"containers"`
	StoppedReason  string          `json:"stopped_reason,omitempty"`
	StoppedAt      float64         `json:"stopped_at,omitempty"`
	Tags           []tag           `json:"tags,omitempty"`
}

// tasks are children of their cluster; the id is the last segment of the task ARN.
var tasks = resource.Kind[taskAttrs]{
	Service: service,
	Kind:    "task",
	NotFound: func(string) *awserr.Error {
		return invalidParameter("The referenced task was not found.")
	},
}

type task struct {
	TaskArn           string          `json:"taskArn"`
	ClusterArn        string          `json:"clusterArn"`
	TaskDefinitionArn string          `json:"taskDefinitionArn"`
	LastStatus        string          `json:"lastStatus"`
	DesiredStatus     string          `json:"desiredStatus"`
	LaunchType        string          `json:"launchType"`
	Group             string          `json:"group"`
	StartedBy         string          `json:"startedBy,omitempty"`
	CPU               string          `json:"cpu,omitempty"`
	Memory            string          `json:"memory,omitempty"`
	Containers        []taskContainer `json:"containers"`
	CreatedAt         float64         `json:"createdAt"`
	StartedAt         float64         `json:"startedAt"`
	StoppedAt         float64         `json:"stoppedAt,omitempty"`
	StoppedReason     string          `json:"stoppedReason,omitempty"`
	StopCode          string          `json:"stopCode,omitempty"`
	Version           int             `json:"version"`
	Tags              []tag           `json:"tags,omitempty"`
	Overrides         json.RawMessage `json:"overrides"`
	HealthStatus      string          `json:"healthStatus"`
	AvailabilityZone  string          `json:"availabilityZone"`
}

func describeTask(st *api.State, rec *resource.Record[taskAttrs], withTags bool) task {
	out := task{
		TaskArn:           rec.ARN,
		ClusterArn:        st.ARN(service, "cluster/"+rec.Parent),
		TaskDefinitionArn: rec.Data.TaskDefinition,
		LastStatus:        rec.State,
		DesiredStatus:     rec.State,
		LaunchType:        rec.Data.LaunchType,
		Group:             rec.Data.Group,
		StartedBy:         rec.Data.StartedBy,
		CPU:               rec.Data.CPU,
		Memory:            rec.Data.Memory,
		Containers:        rec.Data.Containers,
		CreatedAt:         wire.Epoch(rec.CreatedAt),
		StartedAt:         wire.Epoch(rec.CreatedAt),
		StoppedAt:         rec.Data.StoppedAt,
		StoppedReason:     rec.Data.StoppedReason,
		Version:           1,
		Overrides:         json.RawMessage(`{"containerOverrides":[]}`),
		HealthStatus:      "UNKNOWN",
		AvailabilityZone:  st.Region() + "a",
	}
	if rec.State == statusStopped {
		out.StopCode = "UserInitiated"
		out.Version = 2
	}
	if withTags {
		out.Tags = rec.Data.Tags
	}
	return out
}

type runTaskInput struct {
	Cluster        string `json:"cluster"`
	TaskDefinition string `json:"taskDefinition"`
	Count          int    `json:"count"`
	Group          string `json:"group"`
	StartedBy      string `json:"startedBy"`
	LaunchType     string `json:"launchType"`
	Tags           []tag  `json:"tags"`
}

type tasksOutput struct {
	Tasks    []task    `json:"tasks"`
	Failures []failure `json:"failures"`
}

// runTask starts count copies of a task definition. Every container is RUNNING straight away.
func runTask(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in runTaskInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	if in.Count == 0 {
		in.Count = 1
	}
	if in.Count < 1 || in.Count > maxTasksPerRun {
		return nil, invalidParameter("count must be between 1 and 10.")
	}
	c, err := activeCluster(ctx, st, in.Cluster)
	if err != nil {
		return nil, err
	}
	def, err := resolveTaskDefinition(ctx, st, in.TaskDefinition)
	if err != nil {
		return nil, err
	}
	attrs, err := decodeAttrs(def)
	if err != nil {
		return nil, err
	}
	var containers []containerRef
	if err := json.Unmarshal(def.Containers, &containers); err != nil {
		return nil, awserr.JSON(err)
	}
	launchType := in.LaunchType
	if launchType == "" {
		launchType = launchTypeEC2
	}
	if launchType == "FARGATE" && !slices.Contains(render(def, attrs).Compatibilities, "FARGATE") {
		return nil, invalidParameter("Task definition does not support launch_type FARGATE.")
	}
	group := in.Group
	if group == "" {
		group = "family:" + def.Family
	}

	out := tasksOutput{Tasks: []task{}, Failures: []failure{}}
	for range in.Count {
		id := strings.ReplaceAll(awsid.UUID(), "-", "")
		arn := st.ARN(service, "task/"+c.ID+"/"+id)
		data := taskAttrs{
			TaskDefinition: def.ARN,
			Family:         def.Family,
			Group:          group,
			StartedBy:      in.StartedBy,
			LaunchType:     launchType,
			CPU:            attrs.CPU,
			Memory:         attrs.Memory,
			Tags:           in.Tags,
		}
		for _, ct := range containers {
			data.Containers = append(data.Containers, taskContainer{
				ContainerArn: st.ARN(service, "container/"+c.ID+"/"+id+"/"+awsid.UUID()),
				Name:         ct.Name,
				Image:        ct.Image,
				LastStatus:   statusRunning,
			})
		}
		rec := tasks.New(st, id, "", arn, data)
		rec.Parent = c.ID
		rec.State = statusRunning
		if err := tasks.Create(ctx, st, rec); err != nil {
			return nil, err
		}
		out.Tasks = append(out.Tasks, describeTask(st, rec, true))
	}
	log.Debug().Str("cluster", c.ID).Str("task_definition", def.ARN).Int("count", in.Count).Msg("ECS tasks started")
	return api.Reply(req, out)
}

type listTasksInput struct {
	listInput
	Family        string `json:"family"`
	ServiceName   string `json:"serviceName"`
	DesiredStatus string `json:"desiredStatus"`
	StartedBy     string `json:"startedBy"`
	LaunchType    string `json:"launchType"`
}

type listTasksOutput struct {
	TaskArns  []string `json:"taskArns"`
	NextToken string   `json:"nextToken,omitempty"`
}

// listTasks lists RUNNING tasks unless desiredStatus asks for STOPPED ones. A service's tasks
// are the ones it started, marked "ecs-svc/..." in startedBy.
func listTasks(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in listTasksInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	if in.DesiredStatus == "" {
		in.DesiredStatus = statusRunning
	}
	if in.DesiredStatus != statusRunning && in.DesiredStatus != statusStopped && in.DesiredStatus != "PENDING" {
		return nil, invalidParameter("desiredStatus must be RUNNING, PENDING or STOPPED.")
	}
	c, err := activeCluster(ctx, st, in.Cluster)
	if err != nil {
		return nil, err
	}
	startedBy := in.StartedBy
	if in.ServiceName != "" {
		svc, err := services.Get(ctx, st, serviceID(c.ID, lastSegment(in.ServiceName)))
		if err != nil {
			return nil, err
		}
		startedBy = svc.Data.DeploymentID
	}
	records, err := tasks.List(ctx, st, models.ResourceFilter{Parent: c.ID, State: in.DesiredStatus})
	if err != nil {
		return nil, err
	}
	arns := []string{}
	for _, rec := range records {
		switch {
		case in.Family != "" && rec.Data.Family != in.Family:
		case startedBy != "" && rec.Data.StartedBy != startedBy:
		case in.LaunchType != "" && rec.Data.LaunchType != in.LaunchType:
		default:
			arns = append(arns, rec.ARN)
		}
	}
	page, next, err := pageARNs(arns, in.NextToken, in.MaxResults)
	if err != nil {
		return nil, err
	}
	return api.Reply(req, listTasksOutput{TaskArns: page, NextToken: next})
}

type describeTasksInput struct {
	Cluster string   `json:"cluster"`
	Tasks   []string `json:"tasks"`
	Include []string `json:"include"`
}

func describeTasks(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in describeTasksInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	if len(in.Tasks) == 0 {
		return nil, awserr.MissingParameter("tasks")
	}
	c, err := activeCluster(ctx, st, in.Cluster)
	if err != nil {
		return nil, err
	}
	withTags := slices.Contains(in.Include, "TAGS")
	out := tasksOutput{Tasks: []task{}, Failures: []failure{}}
	for _, ref := range in.Tasks {
		id := lastSegment(ref)
		rec, err := tasks.Get(ctx, st, id)
		if err != nil || rec.Parent != c.ID {
			if err != nil && !awserr.IsKind(err, awserr.KindInvalidArgument) {
				return nil, err
			}
			out.Failures = append(out.Failures, failure{Arn: st.ARN(service, "task/"+c.ID+"/"+id), Reason: "MISSING"})
			continue
		}
		out.Tasks = append(out.Tasks, describeTask(st, rec, withTags))
	}
	return api.Reply(req, out)
}

type stopTaskInput struct {
	Cluster string `json:"cluster"`
	Task    string `json:"task"`
	Reason  string `json:"reason"`
}

type taskOutput struct {
	Task task `json:"task"`
}

// stopTask is idempotent; stopping a stopped task returns it unchanged.
func stopTask(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in stopTaskInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	if err := require(in.Task, "task"); err != nil {
		return nil, err
	}
	c, err := activeCluster(ctx, st, in.Cluster)
	if err != nil {
		return nil, err
	}
	id := lastSegment(in.Task)
	if existing, err := tasks.Get(ctx, st, id); err != nil {
		return nil, err
	} else if existing.Parent != c.ID {
		return nil, tasks.NotFound(id)
	}
	rec, err := tasks.Update(ctx, st, id, func(r *resource.Record[taskAttrs]) error {
		if r.State == statusStopped {
			return nil
		}
		r.State = statusStopped
		r.Data.StoppedReason = in.Reason
		if r.Data.StoppedReason == "" {
			r.Data.StoppedReason = "Task stopped by user"
		}
		r.Data.StoppedAt = wire.Epoch(st.Now())
		for i := range r.Data.Containers {
			r.Data.Containers[i].LastStatus = statusStopped
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Debug().Str("cluster", c.ID).Str("task", id).Msg("ECS task stopped")
	return api.Reply(req, taskOutput{Task: describeTask(st, rec, false)})
}
