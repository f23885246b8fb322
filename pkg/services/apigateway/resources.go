package apigateway

import (
	"context"
	"net/http"
	"regexp"
	"slices"
	"strings"

	"cloudemu/pkg/api"
	"cloudemu/pkg/awserr"
	"cloudemu/pkg/log"
	"cloudemu/pkg/models"
	"cloudemu/pkg/services/resource"
)

var (
	pathPartPattern = regexp.MustCompile(`^(\{[a-zA-Z0-9._-]+\+?\}|[a-zA-Z0-9._:-]+)$`)
	stagePattern    = regexp.MustCompile(`^[a-zA-Z0-9_]{1,128}$`)

	httpMethods        = []string{"GET", "POST", "PUT", "DELETE", "PATCH", "HEAD", "OPTIONS", "ANY"}
	authorizationTypes = []string{"NONE", "AWS_IAM", "CUSTOM", "COGNITO_USER_POOLS"}
)

type methodAttrs struct {
	AuthorizationType string            `json:"authorization_type"`
	AuthorizerID      string            `json:"authorizer_id,omitempty"`
	APIKeyRequired    bool              `json:"api_key_required"`
	OperationName     string            `json:"operation_name,omitempty"`
	RequestParameters map[string]bool   `json:"request_parameters,omitempty"`
	RequestModels     map[string]string `json:"request_models,omitempty"`
}

type resourceAttrs struct {
	ParentID string                 `json:"parent_id,omitempty"`
	PathPart string                 `json:"path_part,omitempty"`
	Path     string                 `json:"path"`
	Methods  map[string]methodAttrs `json:"methods,omitempty"`
}

// resources are the nodes of an API's path tree. They are named by their full path so a path
// exists once per API.
var resources = resource.Kind[resourceAttrs]{
	Service: service,
	Kind:    "resource",
	NotFound: func(string) *awserr.Error {
		return notFound("Invalid Resource identifier specified")
	},
	Exists: func(path string) *awserr.Error {
		return awserr.Conflict("Another resource with the same parent already has this name: " + path).WithCode("ConflictException")
	},
}

type method struct {
	HTTPMethod        string            `json:"httpMethod"`
	AuthorizationType string            `json:"authorizationType"`
	AuthorizerID      string            `json:"authorizerId,omitempty"`
	APIKeyRequired    bool              `json:"apiKeyRequired"`
	OperationName     string            `json:"operationName,omitempty"`
	RequestParameters map[string]bool   `json:"requestParameters,omitempty"`
	RequestModels     map[string]string `json:"requestModels,omitempty"`
}

func describeMethod(name string, m methodAttrs) method {
	return method{
		HTTPMethod:        name,
		AuthorizationType: m.AuthorizationType,
		AuthorizerID:      m.AuthorizerID,
		APIKeyRequired:    m.APIKeyRequired,
		OperationName:     m.OperationName,
		RequestParameters: m.RequestParameters,
		RequestModels:     m.RequestModels,
	}
}

type apiResource struct {
	ID              string            `json:"id"`
	ParentID        string            `json:"parentId,omitempty"`
	PathPart        string            `json:"pathPart,omitempty"`
	Path            string            `json:"path"`
	ResourceMethods map[string]method `json:"resourceMethods,omitempty"`
}

func describeResource(rec *resource.Record[resourceAttrs], withMethods bool) apiResource {
	out := apiResource{ID: rec.ID, ParentID: rec.Data.ParentID, PathPart: rec.Data.PathPart, Path: rec.Data.Path}
	if len(rec.Data.Methods) == 0 {
		return out
	}
	out.ResourceMethods = map[string]method{}
	for name, m := range rec.Data.Methods {
		if withMethods {
			out.ResourceMethods[name] = describeMethod(name, m)
		} else {
			out.ResourceMethods[name] = method{}
		}
	}
	return out
}

// resourceFromPath loads the :resource of the :api, failing when it belongs to another API.
func resourceFromPath(ctx context.Context, st *api.State, req *api.Request) (*resource.Record[resourceAttrs], error) {
	parent, err := apiFromPath(ctx, st, req)
	if err != nil {
		return nil, err
	}
	id := req.PathParam("resource")
	rec, err := resources.Get(ctx, st, id)
	if err != nil {
		return nil, err
	}
	if rec.Parent != parent.ID {
		return nil, resources.NotFound(id)
	}
	return rec, nil
}

// getResources lists the tree sorted by path. embed=methods includes full method bodies.
func getResources(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	parent, err := apiFromPath(ctx, st, req)
	if err != nil {
		return nil, err
	}
	records, err := resources.List(ctx, st, models.ResourceFilter{Parent: parent.ID})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(records, func(a, b *resource.Record[resourceAttrs]) int { return strings.Compare(a.Data.Path, b.Data.Path) })
	records, position, err := pageOf(req, records)
	if err != nil {
		return nil, err
	}
	withMethods := slices.Contains(req.Query["embed"], "methods")
	out := collection[apiResource]{Items: []apiResource{}, Position: position}
	for _, rec := range records {
		out.Items = append(out.Items, describeResource(rec, withMethods))
	}
	return api.Reply(req, out)
}

func getResource(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	rec, err := resourceFromPath(ctx, st, req)
	if err != nil {
		return nil, err
	}
	return api.Reply(req, describeResource(rec, true))
}

type createResourceInput struct {
	PathPart string `json:"pathPart"`
}

// createResource adds a child under the :resource path parameter, which names the parent.
func createResource(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in createResourceInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	parent, err := resourceFromPath(ctx, st, req)
	if err != nil {
		return nil, err
	}
	if !pathPartPattern.MatchString(in.PathPart) {
		return nil, badRequest("Resource's path part only allow a-zA-Z0-9._- and curly braces at the beginning and the end and an optional plus sign before the closing brace.")
	}
	if strings.HasSuffix(parent.Data.PathPart, "+}") {
		return nil, badRequest("A sub-resource cannot be created for a resource with a greedy path variable.")
	}
	path := strings.TrimSuffix(parent.Data.Path, "/") + "/" + in.PathPart
	id := newID(idLength)
	rec := resources.New(st, id, path, "", resourceAttrs{ParentID: parent.ID, PathPart: in.PathPart, Path: path})
	rec.Parent = parent.Parent
	if err := resources.Create(ctx, st, rec); err != nil {
		return nil, err
	}
	log.Debug().Str("api", rec.Parent).Str("path", path).Msg("REST API resource created")
	return api.ReplyStatus(req, http.StatusCreated, describeResource(rec, true))
}

// deleteResource removes a resource and everything below it. The root cannot go.
func deleteResource(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	rec, err := resourceFromPath(ctx, st, req)
	if err != nil {
		return nil, err
	}
	if rec.Data.ParentID == "" {
		return nil, badRequest("Cannot delete root resource")
	}
	tree, err := resources.List(ctx, st, models.ResourceFilter{Parent: rec.Parent})
	if err != nil {
		return nil, err
	}
	for _, r := range tree {
		if r.ID == rec.ID || strings.HasPrefix(r.Data.Path, rec.Data.Path+"/") {
			if err := resources.Delete(ctx, st, r.ID); err != nil {
				return nil, err
			}
		}
	}
	log.Debug().Str("api", rec.Parent).Str("path", rec.Data.Path).Msg("REST API resource deleted")
	return api.Empty(http.StatusAccepted), nil
}

type putMethodInput struct {
	AuthorizationType string            `json:"authorizationType"`
	AuthorizerID      string            `json:"authorizerId"`
	APIKeyRequired    bool              `json:"apiKeyRequired"`
	OperationName     string            `json:"operationName"`
	RequestParameters map[string]bool   `json:"requestParameters"`
	RequestModels     map[string]string `json:"requestModels"`
}

func httpMethod(req *api.Request) (string, error) {
	name := strings.ToUpper(req.PathParam("method"))
	if !slices.Contains(httpMethods, name) {
		return "", badRequest("Invalid HttpMethod specified. Valid options are %s", strings.Join(httpMethods, ","))
	}
	return name, nil
}

// putMethod creates or replaces a method. Custom and Cognito authorization need an authorizer.
func putMethod(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in putMethodInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	name, err := httpMethod(req)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(authorizationTypes, in.AuthorizationType) {
		return nil, badRequest("Invalid authorization type specified. Valid options are %s", strings.Join(authorizationTypes, ","))
	}
	if (in.AuthorizationType == "CUSTOM" || in.AuthorizationType == "COGNITO_USER_POOLS") && in.AuthorizerID == "" {
		return nil, badRequest("Invalid authorizer ID specified. Setting the authorization type to %s requires a valid authorizer.", in.AuthorizationType)
	}
	target, err := resourceFromPath(ctx, st, req)
	if err != nil {
		return nil, err
	}
	m := methodAttrs{
		AuthorizationType: in.AuthorizationType,
		AuthorizerID:      in.AuthorizerID,
		APIKeyRequired:    in.APIKeyRequired,
		OperationName:     in.OperationName,
		RequestParameters: in.RequestParameters,
		RequestModels:     in.RequestModels,
	}
	if _, err := resources.Update(ctx, st, target.ID, func(r *resource.Record[resourceAttrs]) error {
		if r.Data.Methods == nil {
			r.Data.Methods = map[string]methodAttrs{}
		}
		r.Data.Methods[name] = m
		return nil
	}); err != nil {
		return nil, err
	}
	log.Debug().Str("api", target.Parent).Str("path", target.Data.Path).Str("method", name).Msg("REST API method put")
	return api.ReplyStatus(req, http.StatusCreated, describeMethod(name, m))
}

func getMethod(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	name, err := httpMethod(req)
	if err != nil {
		return nil, err
	}
	target, err := resourceFromPath(ctx, st, req)
	if err != nil {
		return nil, err
	}
	m, ok := target.Data.Methods[name]
	if !ok {
		return nil, notFound("Invalid Method identifier specified")
	}
	return api.Reply(req, describeMethod(name, m))
}

func deleteMethod(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	name, err := httpMethod(req)
	if err != nil {
		return nil, err
	}
	target, err := resourceFromPath(ctx, st, req)
	if err != nil {
		return nil, err
	}
	if _, ok := target.Data.Methods[name]; !ok {
		return nil, notFound("Invalid Method identifier specified")
	}
	if _, err := resources.Update(ctx, st, target.ID, func(r *resource.Record[resourceAttrs]) error {
		delete(r.Data.Methods, name)
		return nil
	}); err != nil {
		return nil, err
	}
	return api.NoContent(), nil
}
