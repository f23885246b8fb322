// Package ecs implements the ECS control plane over AWS-JSON 1.1: clusters, task definition
// revisions, services and tasks. Nothing is scheduled; tasks report RUNNING as soon as they are
// started and services count their desired tasks as running.
package ecs

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"cloudemu/pkg/api"
	"cloudemu/pkg/awserr"
	"cloudemu/pkg/dispatch"
	"cloudemu/pkg/log"
	"cloudemu/pkg/models"
	"cloudemu/pkg/services/resource"
)

const service = "ecs"

const (
	statusActive   = "ACTIVE"
	statusInactive = "INACTIVE"
	statusDraining = "DRAINING"
	statusRunning  = "RUNNING"
	statusStopped  = "STOPPED"

	defaultCluster    = "default"
	defaultMaxResults = 100
	launchTypeEC2     = "EC2"
)

// Register adds the ECS operations to r.
func Register(r *dispatch.Registry) {
	r.HandleAll(service, map[string]api.HandlerFunc{
		"CreateCluster":            createCluster,
		"ListClusters":             listClusters,
		"DescribeClusters":         describeClusters,
		"DeleteCluster":            deleteCluster,
		"RegisterTaskDefinition":   registerTaskDefinition,
		"DescribeTaskDefinition":   describeTaskDefinition,
		"ListTaskDefinitions":      listTaskDefinitions,
		"DeregisterTaskDefinition": deregisterTaskDefinition,
		"CreateService":            createService,
		"ListServices":             listServices,
		"DescribeServices":         describeServices,
		"DeleteService":            deleteService,
		"RunTask":                  runTask,
		"ListTasks":                listTasks,
		"DescribeTasks":            describeTasks,
		"StopTask":                 stopTask,
	})
}

func clientException(format string, args ...any) *awserr.Error {
	return awserr.InvalidArgument(fmt.Sprintf(format, args...)).WithCode("ClientException")
}

func invalidParameter(format string, args ...any) *awserr.Error {
	return awserr.InvalidArgument(fmt.Sprintf(format, args...)).WithCode("InvalidParameterException")
}

type tag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type failure struct {
	Arn    string `json:"arn"`
	Reason string `json:"reason"`
}

// lastSegment returns the part of an ARN after its final slash, or the reference itself when it
// is a plain name.
func lastSegment(ref string) string {
	return ref[strings.LastIndex(ref, "/")+1:]
}

// clusterName accepts a cluster name or ARN, defaulting to the default cluster.
func clusterName(ref string) string {
	if ref == "" {
		return defaultCluster
	}
	return lastSegment(ref)
}

// pageARNs cuts a maxResults page out of arns. The token is the ARN that starts the next page.
func pageARNs(arns []string, token string, maxResults int) ([]string, string, error) {
	if maxResults == 0 {
		maxResults = defaultMaxResults
	}
	if maxResults < 1 || maxResults > defaultMaxResults {
		return nil, "", invalidParameter("maxResults must be between 1 and 100.")
	}
	if token != "" {
		i := slices.Index(arns, token)
		if i < 0 {
			return nil, "", invalidParameter("Invalid nextToken.")
		}
		arns = arns[i:]
	}
	if len(arns) > maxResults {
		return arns[:maxResults], arns[maxResults], nil
	}
	return arns, "", nil
}

type clusterAttrs struct {
	Tags     []tag `json:"tags,omitempty"`
	Insights bool  `json:"insights,omitempty"`
}

var clusters = resource.Kind[clusterAttrs]{
	Service: service,
	Kind:    "cluster",
	NotFound: func(string) *awserr.Error {
		return awserr.InvalidArgument("Cluster not found.").WithCode("ClusterNotFoundException")
	},
}

type setting struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type cluster struct {
	ClusterArn                        string    `json:"clusterArn"`
	ClusterName                       string    `json:"clusterName"`
	Status                            string    `json:"status"`
	RegisteredContainerInstancesCount int       `json:"registeredContainerInstancesCount"`
	RunningTasksCount                 int       `json:"runningTasksCount"`
	PendingTasksCount                 int       `json:"pendingTasksCount"`
	ActiveServicesCount               int       `json:"activeServicesCount"`
	Settings                          []setting `json:"settings"`
	CapacityProviders                 []string  `json:"capacityProviders"`
	Tags                              []tag     `json:"tags,omitempty"`
}

func describeCluster(ctx context.Context, st *api.State, rec *resource.Record[clusterAttrs], withTags bool) (cluster, error) {
	out := cluster{
		ClusterArn:        rec.ARN,
		ClusterName:       rec.ID,
		Status:            rec.State,
		Settings:          []setting{{Name: "containerInsights", Value: "disabled"}},
		CapacityProviders: []string{},
	}
	if rec.Data.Insights {
		out.Settings[0].Value = "enabled"
	}
	if withTags {
		out.Tags = rec.Data.Tags
	}
	running, err := tasks.List(ctx, st, models.ResourceFilter{Parent: rec.ID, State: statusRunning})
	if err != nil {
		return out, err
	}
	active, err := services.List(ctx, st, models.ResourceFilter{Parent: rec.ID, State: statusActive})
	if err != nil {
		return out, err
	}
	out.RunningTasksCount, out.ActiveServicesCount = len(running), len(active)
	return out, nil
}

// activeCluster returns the named cluster, failing with ClusterNotFoundException when it is
// missing.
func activeCluster(ctx context.Context, st *api.State, ref string) (*resource.Record[clusterAttrs], error) {
	return clusters.Get(ctx, st, clusterName(ref))
}

type createClusterInput struct {
	ClusterName string    `json:"clusterName"`
	Tags        []tag     `json:"tags"`
	Settings    []setting `json:"settings"`
}

type clusterOutput struct {
	Cluster cluster `json:"cluster"`
}

// createCluster is idempotent: creating a cluster that exists returns it unchanged.
func createCluster(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in createClusterInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	name := clusterName(in.ClusterName)
	if len(name) > 255 || strings.ContainsFunc(name, func(r rune) bool {
		return !(r == '-' || r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9')
	}) {
		return nil, invalidParameter("Cluster name can only contain letters, numbers, hyphens and underscores.")
	}
	attrs := clusterAttrs{Tags: in.Tags}
	for _, s := range in.Settings {
		if s.Name == "containerInsights" {
			attrs.Insights = s.Value == "enabled"
		}
	}
	rec := clusters.New(st, name, "", st.ARN(service, "cluster/"+name), attrs)
	rec.State = statusActive
	if err := clusters.Create(ctx, st, rec); err != nil {
		if !awserr.IsKind(err, awserr.KindAlreadyExists) {
			return nil, err
		}
		if rec, err = clusters.Get(ctx, st, name); err != nil {
			return nil, err
		}
	} else {
		log.Debug().Str("cluster", name).Msg("ECS cluster created")
	}
	out, err := describeCluster(ctx, st, rec, true)
	if err != nil {
		return nil, err
	}
	return api.Reply(req, clusterOutput{Cluster: out})
}

type listInput struct {
	Cluster    string `json:"cluster"`
	MaxResults int    `json:"maxResults"`
	NextToken  string `json:"nextToken"`
}

type listClustersOutput struct {
	ClusterArns []string `json:"clusterArns"`
	NextToken   string   `json:"nextToken,omitempty"`
}

func listClusters(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in listInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	records, err := clusters.List(ctx, st, models.ResourceFilter{})
	if err != nil {
		return nil, err
	}
	arns := make([]string, 0, len(records))
	for _, rec := range records {
		arns = append(arns, rec.ARN)
	}
	page, next, err := pageARNs(arns, in.NextToken, in.MaxResults)
	if err != nil {
		return nil, err
	}
	return api.Reply(req, listClustersOutput{ClusterArns: page, NextToken: next})
}

type describeClustersInput struct {
	Clusters []string `json:"clusters"`
	Include  []string `json:"include"`
}

type describeClustersOutput struct {
	Clusters []cluster `json:"clusters"`
	Failures []failure `json:"failures"`
}

// describeClusters reports clusters that do not exist as MISSING failures.
func describeClusters(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in describeClustersInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	if len(in.Clusters) == 0 {
		in.Clusters = []string{defaultCluster}
	}
	withTags := slices.Contains(in.Include, "TAGS")
	out := describeClustersOutput{Clusters: []cluster{}, Failures: []failure{}}
	for _, ref := range in.Clusters {
		rec, err := activeCluster(ctx, st, ref)
		if err != nil {
			if awserr.From(err).ErrorCode() != "ClusterNotFoundException" {
				return nil, err
			}
			out.Failures = append(out.Failures, failure{Arn: st.ARN(service, "cluster/"+clusterName(ref)), Reason: "MISSING"})
			continue
		}
		c, err := describeCluster(ctx, st, rec, withTags)
		if err != nil {
			return nil, err
		}
		out.Clusters = append(out.Clusters, c)
	}
	return api.Reply(req, out)
}

type clusterInput struct {
	Cluster string `json:"cluster"`
}

// deleteCluster refuses while active services or running tasks remain. Inactive services and
// stopped tasks go with the cluster.
func deleteCluster(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in clusterInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	if in.Cluster == "" {
		return nil, awserr.MissingParameter("cluster")
	}
	rec, err := activeCluster(ctx, st, in.Cluster)
	if err != nil {
		return nil, err
	}
	out, err := describeCluster(ctx, st, rec, true)
	if err != nil {
		return nil, err
	}
	if out.ActiveServicesCount > 0 {
		return nil, awserr.InvalidRequest("The Cluster cannot be deleted while Services are active.").WithCode("ClusterContainsServicesException")
	}
	if out.RunningTasksCount > 0 {
		return nil, awserr.InvalidRequest("The Cluster cannot be deleted while Tasks are active.").WithCode("ClusterContainsTasksException")
	}
	for _, kind := range []string{services.Kind, tasks.Kind} {
		if _, err := st.Meta.DeleteChildren(ctx, service, kind, rec.ID); err != nil {
			return nil, err
		}
	}
	if err := clusters.Delete(ctx, st, rec.ID); err != nil {
		return nil, err
	}
	log.Debug().Str("cluster", rec.ID).Msg("ECS cluster deleted")
	out.Status = statusInactive
	return api.Reply(req, clusterOutput{Cluster: out})
}

// require fails with MissingParameter when a required field was not sent.
func require(value, name string) error {
	if value == "" {
		return awserr.MissingParameter(name)
	}
	return nil
}
