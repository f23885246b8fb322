// Package apigateway implements the API Gateway v1 (REST API) control plane over REST-JSON.
// Resources form a tree under each API; methods hang off resources. Deployments snapshot nothing
// and only record that a deploy happened.
package apigateway

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"cloudemu/pkg/api"
	"cloudemu/pkg/awserr"
	"cloudemu/pkg/awsid"
	"cloudemu/pkg/dispatch"
	"cloudemu/pkg/log"
	"cloudemu/pkg/models"
	"cloudemu/pkg/services/resource"
	"cloudemu/pkg/wire"
)

const service = "apigateway"

const (
	idLength        = 10
	defaultLimit    = 25
	maxLimit        = 500
	defaultEndpoint = "EDGE"
)

// Register adds the API Gateway operations to r.
func Register(r *dispatch.Registry) {
	r.HandleAll(service, map[string]api.HandlerFunc{
		"CreateRestApi":    createRestAPI,
		"GetRestApis":      getRestAPIs,
		"GetRestApi":       getRestAPI,
		"DeleteRestApi":    deleteRestAPI,
		"GetResources":     getResources,
		"CreateResource":   createResource,
		"GetResource":      getResource,
		"DeleteResource":   deleteResource,
		"PutMethod":        putMethod,
		"GetMethod":        getMethod,
		"DeleteMethod":     deleteMethod,
		"CreateDeployment": createDeployment,
		"GetDeployments":   getDeployments,
	})
}

func badRequest(format string, args ...any) *awserr.Error {
	return awserr.InvalidArgument(fmt.Sprintf(format, args...)).WithCode("BadRequestException")
}

func notFound(message string) *awserr.Error {
	return awserr.New(awserr.KindNotFound, message).WithCode("NotFoundException")
}

// newID returns the lowercase alphanumeric ids API Gateway uses for APIs, resources and
// deployments.
func newID(n int) string {
	return strings.ToLower(awsid.Suffix(n))
}

// apiARN builds API Gateway ARNs, which carry the region but no account.
func apiARN(st *api.State, path string) string {
	return awsid.ARN(service, st.Region(), "", path)
}

type restAPIAttrs struct {
	Name          string            `json:"name"`
	Description   string            `json:"description,omitempty"`
	Version       string            `json:"version,omitempty"`
	EndpointTypes []string          `json:"endpoint_types"`
	APIKeySource  string            `json:"api_key_source"`
	RootID        string            `json:"root_id"`
	Tags          map[string]string `json:"tags,omitempty"`
}

// restAPIs are keyed by their generated id. Names need not be unique.
var restAPIs = resource.Kind[restAPIAttrs]{
	Service: service,
	Kind:    "restapi",
	NotFound: func(string) *awserr.Error {
		return notFound("Invalid API identifier specified")
	},
}

type endpointConfiguration struct {
	Types []string `json:"types"`
}

type restAPI struct {
	ID                    string                `json:"id"`
	Name                  string                `json:"name"`
	Description           string                `json:"description,omitempty"`
	Version               string                `json:"version,omitempty"`
	CreatedDate           float64               `json:"createdDate"`
	APIKeySource          string                `json:"apiKeySource"`
	EndpointConfiguration endpointConfiguration `json:"endpointConfiguration"`
	RootResourceID        string                `json:"rootResourceId"`
	DisableExecuteAPI     bool                  `json:"disableExecuteApiEndpoint"`
	Tags                  map[string]string     `json:"tags,omitempty"`
}

func describeRestAPI(rec *resource.Record[restAPIAttrs]) restAPI {
	return restAPI{
		ID:                    rec.ID,
		Name:                  rec.Data.Name,
		Description:           rec.Data.Description,
		Version:               rec.Data.Version,
		CreatedDate:           wire.Epoch(rec.CreatedAt),
		APIKeySource:          rec.Data.APIKeySource,
		EndpointConfiguration: endpointConfiguration{Types: rec.Data.EndpointTypes},
		RootResourceID:        rec.Data.RootID,
		Tags:                  rec.Data.Tags,
	}
}

// apiFromPath loads the API named by the :api path parameter.
func apiFromPath(ctx context.Context, st *api.State, req *api.Request) (*resource.Record[restAPIAttrs], error) {
	return restAPIs.Get(ctx, st, req.PathParam("api"))
}

// pageOf reads the position and limit query parameters. Position is the index of the first item
// of the page.
func pageOf[T any](req *api.Request, items []T) ([]T, string, error) {
	limit := defaultLimit
	if v := req.Query.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxLimit {
			return nil, "", badRequest("Invalid limit: %s", v)
		}
		limit = n
	}
	start := 0
	if v := req.Query.Get("position"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > len(items) {
			return nil, "", badRequest("Invalid position: %s", v)
		}
		start = n
	}
	items = items[start:]
	if len(items) > limit {
		return items[:limit], strconv.Itoa(start + limit), nil
	}
	return items, "", nil
}

type collection[T any] struct {
	Items    []T    `json:"item"`
	Position string `json:"position,omitempty"`
}

type createRestAPIInput struct {
	Name                  string                 `json:"name"`
	Description           string                 `json:"description"`
	Version               string                 `json:"version"`
	APIKeySource          string                 `json:"apiKeySource"`
	EndpointConfiguration *endpointConfiguration `json:"endpointConfiguration"`
	Tags                  map[string]string      `json:"tags"`
}

// createRestAPI creates the API together with its root resource "/".
func createRestAPI(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in createRestAPIInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	if in.Name == "" {
		return nil, badRequest("Invalid REST API name specified")
	}
	attrs := restAPIAttrs{
		Name:          in.Name,
		Description:   in.Description,
		Version:       in.Version,
		EndpointTypes: []string{defaultEndpoint},
		APIKeySource:  in.APIKeySource,
		RootID:        newID(idLength),
		Tags:          in.Tags,
	}
	if in.EndpointConfiguration != nil && len(in.EndpointConfiguration.Types) > 0 {
		attrs.EndpointTypes = in.EndpointConfiguration.Types
	}
	for _, t := range attrs.EndpointTypes {
		if t != "EDGE" && t != "REGIONAL" && t != "PRIVATE" {
			return nil, badRequest("Invalid endpoint type: %s", t)
		}
	}
	switch attrs.APIKeySource {
	case "":
		attrs.APIKeySource = "HEADER"
	case "HEADER", "AUTHORIZER":
	default:
		return nil, badRequest("Invalid API key source: %s", attrs.APIKeySource)
	}

	id := newID(idLength)
	rec := restAPIs.New(st, id, "", apiARN(st, "/restapis/"+id), attrs)
	if err := restAPIs.Create(ctx, st, rec); err != nil {
		return nil, err
	}
	root := resources.New(st, attrs.RootID, "/", "", resourceAttrs{Path: "/"})
	root.Parent = id
	if err := resources.Create(ctx, st, root); err != nil {
		return nil, err
	}
	log.Debug().Str("api", id).Str("name", in.Name).Msg("REST API created")
	return api.ReplyStatus(req, http.StatusCreated, describeRestAPI(rec))
}

func getRestAPIs(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	records, err := restAPIs.List(ctx, st, models.ResourceFilter{})
	if err != nil {
		return nil, err
	}
	records, position, err := pageOf(req, records)
	if err != nil {
		return nil, err
	}
	out := collection[restAPI]{Items: []restAPI{}, Position: position}
	for _, rec := range records {
		out.Items = append(out.Items, describeRestAPI(rec))
	}
	return api.Reply(req, out)
}

func getRestAPI(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	rec, err := apiFromPath(ctx, st, req)
	if err != nil {
		return nil, err
	}
	return api.Reply(req, describeRestAPI(rec))
}

// deleteRestAPI removes the API with its resources and deployments.
func deleteRestAPI(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	rec, err := apiFromPath(ctx, st, req)
	if err != nil {
		return nil, err
	}
	for _, kind := range []string{resources.Kind, deployments.Kind} {
		if _, err := st.Meta.DeleteChildren(ctx, service, kind, rec.ID); err != nil {
			return nil, err
		}
	}
	if err := restAPIs.Delete(ctx, st, rec.ID); err != nil {
		return nil, err
	}
	log.Debug().Str("api", rec.ID).Msg("REST API deleted")
	return api.Empty(http.StatusAccepted), nil
}

type deploymentAttrs struct {
	Description string `json:"description,omitempty"`
	StageName   string `json:"stage_name,omitempty"`
}

var deployments = resource.Kind[deploymentAttrs]{
	Service: service,
	Kind:    "deployment",
}

type deployment struct {
	ID          string  `json:"id"`
	Description string  `json:"description,omitempty"`
	CreatedDate float64 `json:"createdDate"`
}

func describeDeployment(rec *resource.Record[deploymentAttrs]) deployment {
	return deployment{ID: rec.ID, Description: rec.Data.Description, CreatedDate: wire.Epoch(rec.CreatedAt)}
}

type createDeploymentInput struct {
	StageName   string `json:"stageName"`
	Description string `json:"description"`
}

// createDeployment needs at least one method somewhere in the API.
func createDeployment(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in createDeploymentInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	rec, err := apiFromPath(ctx, st, req)
	if err != nil {
		return nil, err
	}
	tree, err := resources.List(ctx, st, models.ResourceFilter{Parent: rec.ID})
	if err != nil {
		return nil, err
	}
	methods := 0
	for _, r := range tree {
		methods += len(r.Data.Methods)
	}
	if methods == 0 {
		return nil, badRequest("The REST API doesn't contain any methods")
	}
	if in.StageName != "" && !stagePattern.MatchString(in.StageName) {
		return nil, badRequest("Stage name only allows a-zA-Z0-9_")
	}
	id := newID(6)
	dep := deployments.New(st, id, "", apiARN(st, "/restapis/"+rec.ID+"/deployments/"+id),
		deploymentAttrs{Description: in.Description, StageName: in.StageName})
	dep.Parent = rec.ID
	if err := deployments.Create(ctx, st, dep); err != nil {
		return nil, err
	}
	log.Debug().Str("api", rec.ID).Str("deployment", id).Str("stage", in.StageName).Msg("REST API deployed")
	return api.ReplyStatus(req, http.StatusCreated, describeDeployment(dep))
}

func getDeployments(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	rec, err := apiFromPath(ctx, st, req)
	if err != nil {
		return nil, err
	}
	records, err := deployments.List(ctx, st, models.ResourceFilter{Parent: rec.ID})
	if err != nil {
		return nil, err
	}
	records, position, err := pageOf(req, records)
	if err != nil {
		return nil, err
	}
	out := collection[deployment]{Items: []deployment{}, Position: position}
	for _, d := range records {
		out.Items = append(out.Items, describeDeployment(d))
	}
	return api.Reply(req, out)
}
