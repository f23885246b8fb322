package ecs

import (
	"context"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"cloudemu/pkg/api"
	"cloudemu/pkg/awserr"
	"cloudemu/pkg/log"
	"cloudemu/pkg/models"
	"cloudemu/pkg/wire"
)

var familyPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,255}$`)

// taskDefAttrs holds everything about a revision except its container definitions, which the
// store keeps verbatim.
type taskDefAttrs struct {
	TaskRoleArn             string          `json:"taskRoleArn,omitempty"`
	ExecutionRoleArn        string          `json:"executionRoleArn,omitempty"`
	NetworkMode             string          `json:"networkMode,omitempty"`
	RequiresCompatibilities []string        `json:"requiresCompatibilities,omitempty"`
	CPU                     string          `json:"cpu,omitempty"`
	Memory                  string          `json:"memory,omitempty"`
	Volumes                 json.RawMessage `json:"volumes,omitempty"`
	PlacementConstraints    json.RawMessage `json:"placementConstraints,omitempty"`
	Tags                    []tag           `json:"tags,omitempty"`
}

type registerTaskDefinitionInput struct {
	Family               string          `json:"family"`
	ContainerDefinitions json.RawMessage `json:"containerDefinitions"`
	taskDefAttrs
}

type containerRef struct {
	Name  string `json:"name"`
	Image string `json:"image"`
}

type taskDefinition struct {
	TaskDefinitionArn       string          `json:"taskDefinitionArn"`
	Family                  string          `json:"family"`
	Revision                int             `json:"revision"`
	Status                  string          `json:"status"`
	ContainerDefinitions    json.RawMessage `json:"containerDefinitions"`
	TaskRoleArn             string          `json:"taskRoleArn,omitempty"`
	ExecutionRoleArn        string          `json:"executionRoleArn,omitempty"`
	NetworkMode             string          `json:"networkMode"`
	Volumes                 json.RawMessage `json:"volumes"`
	PlacementConstraints    json.RawMessage `json:"placementConstraints"`
	RequiresAttributes      []any           `json:"requiresAttributes"`
	Compatibilities         []string        `json:"compatibilities"`
	RequiresCompatibilities []string        `json:"requiresCompatibilities,omitempty"`
	CPU                     string          `json:"cpu,omitempty"`
	Memory                  string          `json:"memory,omitempty"`
	RegisteredAt            float64         `json:"registeredAt"`
	DeregisteredAt          *float64        `json:"deregisteredAt,omitempty"`
}

func decodeAttrs(def *models.TaskDefinition) (taskDefAttrs, error) {
	var attrs taskDefAttrs
	if len(def.Attrs) > 0 {
		if err := json.Unmarshal(def.Attrs, &attrs); err != nil {
			return attrs, awserr.JSON(err)
		}
	}
	return attrs, nil
}

func render(def *models.TaskDefinition, attrs taskDefAttrs) taskDefinition {
	out := taskDefinition{
		TaskDefinitionArn:       def.ARN,
		Family:                  def.Family,
		Revision:                def.Revision,
		Status:                  def.Status,
		ContainerDefinitions:    json.RawMessage(def.Containers),
		TaskRoleArn:             attrs.TaskRoleArn,
		ExecutionRoleArn:        attrs.ExecutionRoleArn,
		NetworkMode:             attrs.NetworkMode,
		Volumes:                 attrs.Volumes,
		PlacementConstraints:    attrs.PlacementConstraints,
		RequiresAttributes:      []any{},
		Compatibilities:         []string{launchTypeEC2},
		RequiresCompatibilities: attrs.RequiresCompatibilities,
		CPU:                     attrs.CPU,
		Memory:                  attrs.Memory,
		RegisteredAt:            wire.Epoch(def.CreatedAt),
	}
	if out.Volumes == nil {
		out.Volumes = json.RawMessage("[]")
	}
	if out.PlacementConstraints == nil {
		out.PlacementConstraints = json.RawMessage("[]")
	}
	if attrs.NetworkMode == "awsvpc" && attrs.CPU != "" && attrs.Memory != "" {
		out.Compatibilities = append(out.Compatibilities, "FARGATE")
	}
	if out.NetworkMode == "" {
		out.NetworkMode = "bridge"
	}
	return out
}

// parseTaskDefinition splits family, family:revision or a task definition ARN. Revision 0 means
// the latest active one.
func parseTaskDefinition(ref string) (string, int, error) {
	if ref == "" {
		return "", 0, awserr.MissingParameter("taskDefinition")
	}
	ref = lastSegment(ref)
	family, rev, ok := strings.Cut(ref, ":")
	if !ok {
		return family, 0, nil
	}
	n, err := strconv.Atoi(rev)
	if err != nil || n < 1 {
		return "", 0, clientException("Invalid revision number. Number: %s", rev)
	}
	return family, n, nil
}

// resolveTaskDefinition loads a revision that can still be launched.
func resolveTaskDefinition(ctx context.Context, st *api.State, ref string) (*models.TaskDefinition, error) {
	family, rev, err := parseTaskDefinition(ref)
	if err != nil {
		return nil, err
	}
	def, err := st.Meta.GetTaskDefinition(ctx, family, rev)
	if err != nil {
		return nil, err
	}
	if def.Status != statusActive {
		return nil, clientException("TaskDefinition is inactive")
	}
	return def, nil
}

type taskDefinitionOutput struct {
	TaskDefinition taskDefinition `json:"taskDefinition"`
	Tags           []tag          `json:"tags,omitempty"`
}

// registerTaskDefinition stores the next revision of the family. Fargate revisions need the
// awsvpc network mode and task-level cpu and memory.
func registerTaskDefinition(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in registerTaskDefinitionInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	if !familyPattern.MatchString(in.Family) {
		return nil, clientException("Family contains invalid characters or is longer than 255 characters.")
	}
	var containers []containerRef
	if err := json.Unmarshal(in.ContainerDefinitions, &containers); err != nil || len(containers) == 0 {
		return nil, clientException("Container list cannot be empty.")
	}
	var names []string
	for _, c := range containers {
		switch {
		case c.Name == "":
			return nil, clientException("Container.name should not be null or empty.")
		case c.Image == "":
			return nil, clientException("Container.image should not be null or empty.")
		case slices.Contains(names, c.Name):
			return nil, clientException("Duplicate container name: %s", c.Name)
		}
		names = append(names, c.Name)
	}
	attrs := in.taskDefAttrs
	if slices.Contains(attrs.RequiresCompatibilities, "FARGATE") {
		if attrs.NetworkMode != "awsvpc" {
			return nil, clientException("Fargate only supports network mode 'awsvpc'.")
		}
		if attrs.CPU == "" || attrs.Memory == "" {
			return nil, clientException("Fargate requires that 'cpu' and 'memory' be defined at the task level.")
		}
	}
	rawAttrs, err := json.Marshal(attrs)
	if err != nil {
		return nil, awserr.JSON(err)
	}
	def := &models.TaskDefinition{
		Family:     in.Family,
		Containers: in.ContainerDefinitions,
		Attrs:      rawAttrs,
		CreatedAt:  st.Now(),
	}
	err = st.Meta.RegisterTaskDefinition(ctx, def, func(rev int) string {
		return st.ARN(service, "task-definition/"+in.Family+":"+strconv.Itoa(rev))
	})
	if err != nil {
		return nil, err
	}
	log.Debug().Str("family", def.Family).Int("revision", def.Revision).Msg("task definition registered")
	return api.Reply(req, taskDefinitionOutput{TaskDefinition: render(def, attrs), Tags: attrs.Tags})
}

type describeTaskDefinitionInput struct {
	TaskDefinition string   `json:"taskDefinition"`
	Include        []string `json:"include"`
}

// describeTaskDefinition returns inactive revisions too when asked for by number.
func describeTaskDefinition(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in describeTaskDefinitionInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	family, rev, err := parseTaskDefinition(in.TaskDefinition)
	if err != nil {
		return nil, err
	}
	def, err := st.Meta.GetTaskDefinition(ctx, family, rev)
	if err != nil {
		return nil, err
	}
	attrs, err := decodeAttrs(def)
	if err != nil {
		return nil, err
	}
	out := taskDefinitionOutput{TaskDefinition: render(def, attrs)}
	if slices.Contains(in.Include, "TAGS") {
		out.Tags = attrs.Tags
	}
	return api.Reply(req, out)
}

type listTaskDefinitionsInput struct {
	FamilyPrefix string `json:"familyPrefix"`
	Status       string `json:"status"`
	Sort         string `json:"sort"`
	MaxResults   int    `json:"maxResults"`
	NextToken    string `json:"nextToken"`
}

type listTaskDefinitionsOutput struct {
	TaskDefinitionArns []string `json:"taskDefinitionArns"`
	NextToken          string   `json:"nextToken,omitempty"`
}

// listTaskDefinitions lists ACTIVE revisions unless another status is asked for, ordered by
// family then revision.
func listTaskDefinitions(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in listTaskDefinitionsInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	if in.Status == "" {
		in.Status = statusActive
	}
	if in.Status != statusActive && in.Status != statusInactive {
		return nil, invalidParameter("status must be ACTIVE or INACTIVE.")
	}
	defs, err := st.Meta.ListTaskDefinitions(ctx, "", in.Status)
	if err != nil {
		return nil, err
	}
	arns := []string{}
	for _, def := range defs {
		if in.FamilyPrefix == "" || strings.HasPrefix(def.Family, in.FamilyPrefix) {
			arns = append(arns, def.ARN)
		}
	}
	switch in.Sort {
	case "", "ASC":
	case "DESC":
		slices.Reverse(arns)
	default:
		return nil, invalidParameter("sort must be ASC or DESC.")
	}
	page, next, err := pageARNs(arns, in.NextToken, in.MaxResults)
	if err != nil {
		return nil, err
	}
	return api.Reply(req, listTaskDefinitionsOutput{TaskDefinitionArns: page, NextToken: next})
}

// deregisterTaskDefinition needs an explicit revision; the revision stays describable as
// INACTIVE and its number is never reused.
func deregisterTaskDefinition(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in describeTaskDefinitionInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	family, rev, err := parseTaskDefinition(in.TaskDefinition)
	if err != nil {
		return nil, err
	}
	if rev == 0 {
		return nil, clientException("A revision must be specified to deregister a task definition.")
	}
	def, err := st.Meta.DeregisterTaskDefinition(ctx, family, rev)
	if err != nil {
		return nil, err
	}
	attrs, err := decodeAttrs(def)
	if err != nil {
		return nil, err
	}
	out := render(def, attrs)
	now := wire.Epoch(st.Now())
	out.DeregisteredAt = &now
	log.Debug().Str("family", family).Int("revision", rev).Msg("task definition deregistered")
	return api.Reply(req, taskDefinitionOutput{TaskDefinition: out})
}
