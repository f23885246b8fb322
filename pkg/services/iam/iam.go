// Package iam implements IAM roles, users and managed policies over AWS-Query. IAM is global:
// ARNs carry no region. Nothing is ever evaluated against the stored documents.
package iam

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"cloudemu/pkg/api"
	"cloudemu/pkg/awserr"
	"cloudemu/pkg/awsid"
	"cloudemu/pkg/dispatch"
	"cloudemu/pkg/log"
	"cloudemu/pkg/models"
	"cloudemu/pkg/services/resource"
	"cloudemu/pkg/wire"
)

const service = "iam"

const (
	defaultPath       = "/"
	defaultMaxItems   = 100
	maxSessionDefault = 3600
	awsManagedPrefix  = "arn:aws:iam::aws:policy/"
)

var (
	entityNamePattern = regexp.MustCompile(`^[\w+=,.@-]{1,64}$`)
	policyNamePattern = regexp.MustCompile(`^[\w+=,.@-]{1,128}$`)
)

type tag struct {
	Key   string `json:"key" xml:"Key"`
	Value string `json:"value" xml:"Value"`
}

type roleAttrs struct {
	RoleID             string `json:"role_id"`
	Path               string `json:"path"`
	AssumeRolePolicy   string `json:"assume_role_policy"`
	Description        string `json:"description,omitempty"`
	MaxSessionDuration int    `json:"max_session_duration"`
	Tags               []tag  `json:"tags,omitempty"`
}

type userAttrs struct {
	UserID string `json:"user_id"`
	Path   string `json:"path"`
	Tags   []tag  `json:"tags,omitempty"`
}

type policyAttrs struct {
	PolicyID    string `json:"policy_id"`
	Path        string `json:"path"`
	Document    string `json:"document"`
	Description string `json:"description,omitempty"`
	Tags        []tag  `json:"tags,omitempty"`
}

// attachmentAttrs links a role (the parent) to a policy ARN (the name).
type attachmentAttrs struct {
	PolicyName string `json:"policy_name"`
}

func noSuchEntity(message string) *awserr.Error {
	return awserr.New(awserr.KindNotFound, message).WithCode("NoSuchEntity")
}

func entityExists(message string) *awserr.Error {
	return awserr.New(awserr.KindAlreadyExists, message).WithCode("EntityAlreadyExists")
}

func validationError(format string, args ...any) *awserr.Error {
	return awserr.InvalidArgument(fmt.Sprintf(format, args...)).WithCode("ValidationError")
}

func deleteConflict(message string) *awserr.Error {
	return awserr.Conflict(message).WithCode("DeleteConflict")
}

var (
	roles = resource.Kind[roleAttrs]{
		Service: service,
		Kind:    "role",
		NotFound: func(name string) *awserr.Error {
			return noSuchEntity(fmt.Sprintf("The role with name %s cannot be found.", name))
		},
		Exists: func(name string) *awserr.Error {
			return entityExists(fmt.Sprintf("Role with name %s already exists.", name))
		},
	}
	users = resource.Kind[userAttrs]{
		Service: service,
		Kind:    "user",
		NotFound: func(name string) *awserr.Error {
			return noSuchEntity(fmt.Sprintf("The user with name %s cannot be found.", name))
		},
		Exists: func(name string) *awserr.Error {
			return entityExists(fmt.Sprintf("User with name %s already exists.", name))
		},
	}
	policies = resource.Kind[policyAttrs]{
		Service: service,
		Kind:    "policy",
		NotFound: func(arn string) *awserr.Error {
			return noSuchEntity(fmt.Sprintf("Policy %s does not exist or is not attachable.", arn))
		},
		Exists: func(name string) *awserr.Error {
			return entityExists(fmt.Sprintf("A policy called %s already exists. Duplicate names are not allowed.", name))
		},
	}
	attachments = resource.Kind[attachmentAttrs]{Service: service, Kind: "attachment"}
)

// Register adds the IAM operations to r.
func Register(r *dispatch.Registry) {
	r.HandleAll(service, map[string]api.HandlerFunc{
		"CreateRole":               createRole,
		"GetRole":                  getRole,
		"ListRoles":                listRoles,
		"DeleteRole":               deleteRole,
		"CreateUser":               createUser,
		"GetUser":                  getUser,
		"ListUsers":                listUsers,
		"DeleteUser":               deleteUser,
		"CreatePolicy":             createPolicy,
		"GetPolicy":                getPolicy,
		"ListPolicies":             listPolicies,
		"DeletePolicy":             deletePolicy,
		"AttachRolePolicy":         attachRolePolicy,
		"DetachRolePolicy":         detachRolePolicy,
		"ListAttachedRolePolicies": listAttachedRolePolicies,
	})
}

// entityPath validates a path such as /service-role/. Empty means /.
func entityPath(path string) (string, error) {
	if path == "" {
		return defaultPath, nil
	}
	if !strings.HasPrefix(path, "/") || !strings.HasSuffix(path, "/") || len(path) > 512 {
		return "", validationError("The specified value for path is invalid. It must begin and end with / and contain only alphanumeric characters and/or / characters.")
	}
	return path, nil
}

func entityName(p wire.Params, key string, pattern *regexp.Regexp) (string, error) {
	name, err := p.Require(key)
	if err != nil {
		return "", err
	}
	if !pattern.MatchString(name) {
		return "", validationError("The specified value for %s is invalid.", strings.ToLower(key[:1])+key[1:])
	}
	return name, nil
}

// checkDocument accepts any JSON object carrying a Statement.
func checkDocument(doc string) error {
	var parsed map[string]any
	if err := json.Unmarshal([]byte(doc), &parsed); err != nil || parsed == nil {
		return awserr.MalformedPolicy("Syntax errors in policy.").WithCode("MalformedPolicyDocument")
	}
	if _, ok := parsed["Statement"]; !ok {
		return awserr.MalformedPolicy("Missing required field Statement").WithCode("MalformedPolicyDocument")
	}
	return nil
}

// encodeDocument renders a policy document the way IAM returns it: URL-encoded with %20 for
// spaces.
func encodeDocument(doc string) string {
	return strings.ReplaceAll(url.QueryEscape(doc), "+", "%20")
}

func parseTags(p wire.Params) []tag {
	var tags []tag
	for _, t := range p.Structs("Tags") {
		tags = append(tags, tag{Key: t.Get("Key"), Value: t.Get("Value")})
	}
	return tags
}

// listPage sorts records by name and cuts the page that starts at marker. The marker handed
// back is the name of the first record on the next page.
func listPage[T any](records []*resource.Record[T], p wire.Params, pathOf func(T) string) ([]*resource.Record[T], string, error) {
	maxItems := p.Int("MaxItems", defaultMaxItems)
	if maxItems < 1 || maxItems > 1000 {
		return nil, "", validationError("1 validation error detected: Value '%d' at 'maxItems' failed to satisfy constraint: Member must have value between 1 and 1000", maxItems)
	}
	prefix, marker := p.Get("PathPrefix"), p.Get("Marker")
	slices.SortFunc(records, func(a, b *resource.Record[T]) int { return strings.Compare(a.Name, b.Name) })
	var out []*resource.Record[T]
	for _, rec := range records {
		if !strings.HasPrefix(pathOf(rec.Data), prefix) || (marker != "" && rec.Name < marker) {
			continue
		}
		if len(out) == maxItems {
			return out, rec.Name, nil
		}
		out = append(out, rec)
	}
	return out, "", nil
}

type role struct {
	Path                     string    `xml:"Path"`
	RoleName                 string    `xml:"RoleName"`
	RoleID                   string    `xml:"RoleId"`
	Arn                      string    `xml:"Arn"`
	CreateDate               time.Time `xml:"CreateDate"`
	AssumeRolePolicyDocument string    `xml:"AssumeRolePolicyDocument"`
	Description              string    `xml:"Description,omitempty"`
	MaxSessionDuration       int       `xml:"MaxSessionDuration"`
	Tags                     []tag     `xml:"Tags>member,omitempty"`
}

func describeRole(rec *resource.Record[roleAttrs]) role {
	return role{
		Path:                     rec.Data.Path,
		RoleName:                 rec.Name,
		RoleID:                   rec.Data.RoleID,
		Arn:                      rec.ARN,
		CreateDate:               rec.CreatedAt,
		AssumeRolePolicyDocument: encodeDocument(rec.Data.AssumeRolePolicy),
		Description:              rec.Data.Description,
		MaxSessionDuration:       rec.Data.MaxSessionDuration,
		Tags:                     rec.Data.Tags,
	}
}

type roleOutput struct {
	Role role `xml:"Role"`
}

func createRole(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	p := req.Params
	name, err := entityName(p, "RoleName", entityNamePattern)
	if err != nil {
		return nil, err
	}
	doc, err := p.Require("AssumeRolePolicyDocument")
	if err != nil {
		return nil, err
	}
	if err := checkDocument(doc); err != nil {
		return nil, err
	}
	path, err := entityPath(p.Get("Path"))
	if err != nil {
		return nil, err
	}
	session := p.Int("MaxSessionDuration", maxSessionDefault)
	if session < 3600 || session > 43200 {
		return nil, validationError("The requested MaxSessionDuration %d is outside the allowed range of 3600 to 43200 seconds.", session)
	}
	attrs := roleAttrs{
		RoleID:             awsid.IAMID("AROA"),
		Path:               path,
		AssumeRolePolicy:   doc,
		Description:        p.Get("Description"),
		MaxSessionDuration: session,
		Tags:               parseTags(p),
	}
	rec := roles.New(st, name, name, st.GlobalARN(service, "role"+path+name), attrs)
	if err := roles.Create(ctx, st, rec); err != nil {
		return nil, err
	}
	log.Debug().Str("role", name).Msg("Role created")
	return api.Reply(req, roleOutput{Role: describeRole(rec)})
}

func getRole(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	name, err := req.Params.Require("RoleName")
	if err != nil {
		return nil, err
	}
	rec, err := roles.Get(ctx, st, name)
	if err != nil {
		return nil, err
	}
	return api.Reply(req, roleOutput{Role: describeRole(rec)})
}

type listRolesOutput struct {
	Roles       []role `xml:"Roles>member"`
	IsTruncated bool   `xml:"IsTruncated"`
	Marker      string `xml:"Marker,omitempty"`
}

func listRoles(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	all, err := roles.List(ctx, st, models.ResourceFilter{})
	if err != nil {
		return nil, err
	}
	picked, marker, err := listPage(all, req.Params, func(a roleAttrs) string { return a.Path })
	if err != nil {
		return nil, err
	}
	out := listRolesOutput{IsTruncated: marker != "", Marker: marker}
	for _, rec := range picked {
		out.Roles = append(out.Roles, describeRole(rec))
	}
	return api.Reply(req, out)
}

func deleteRole(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	name, err := req.Params.Require("RoleName")
	if err != nil {
		return nil, err
	}
	if _, err := roles.Get(ctx, st, name); err != nil {
		return nil, err
	}
	attached, err := st.Meta.CountChildren(ctx, service, attachments.Kind, name)
	if err != nil {
		return nil, err
	}
	if attached > 0 {
		return nil, deleteConflict("Cannot delete entity, must detach all policies first.")
	}
	if err := roles.Delete(ctx, st, name); err != nil {
		return nil, err
	}
	log.Debug().Str("role", name).Msg("Role deleted")
	return api.Reply(req, nil)
}

type user struct {
	Path       string    `xml:"Path"`
	UserName   string    `xml:"UserName"`
	UserID     string    `xml:"UserId"`
	Arn        string    `xml:"Arn"`
	CreateDate time.Time `xml:"CreateDate"`
	Tags       []tag     `xml:"Tags>member,omitempty"`
}

func describeUser(rec *resource.Record[userAttrs]) user {
	return user{
		Path:       rec.Data.Path,
		UserName:   rec.Name,
		UserID:     rec.Data.UserID,
		Arn:        rec.ARN,
		CreateDate: rec.CreatedAt,
		Tags:       rec.Data.Tags,
	}
}

type userOutput struct {
	User user `xml:"User"`
}

func createUser(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	p := req.Params
	name, err := entityName(p, "UserName", entityNamePattern)
	if err != nil {
		return nil, err
	}
	path, err := entityPath(p.Get("Path"))
	if err != nil {
		return nil, err
	}
	attrs := userAttrs{UserID: awsid.IAMID("AIDA"), Path: path, Tags: parseTags(p)}
	rec := users.New(st, name, name, st.GlobalARN(service, "user"+path+name), attrs)
	if err := users.Create(ctx, st, rec); err != nil {
		return nil, err
	}
	log.Debug().Str("user", name).Msg("User created")
	return api.Reply(req, userOutput{User: describeUser(rec)})
}

func getUser(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	name, err := req.Params.Require("UserName")
	if err != nil {
		return nil, err
	}
	rec, err := users.Get(ctx, st, name)
	if err != nil {
		return nil, err
	}
	return api.Reply(req, userOutput{User: describeUser(rec)})
}

type listUsersOutput struct {
	Users       []user `xml:"Users>member"`
	IsTruncated bool   `xml:"IsTruncated"`
	Marker      string `xml:"Marker,omitempty"`
}

func listUsers(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	all, err := users.List(ctx, st, models.ResourceFilter{})
	if err != nil {
		return nil, err
	}
	picked, marker, err := listPage(all, req.Params, func(a userAttrs) string { return a.Path })
	if err != nil {
		return nil, err
	}
	out := listUsersOutput{IsTruncated: marker != "", Marker: marker}
	for _, rec := range picked {
		out.Users = append(out.Users, describeUser(rec))
	}
	return api.Reply(req, out)
}

func deleteUser(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	name, err := req.Params.Require("UserName")
	if err != nil {
		return nil, err
	}
	if err := users.Delete(ctx, st, name); err != nil {
		return nil, err
	}
	log.Debug().Str("user", name).Msg("User deleted")
	return api.Reply(req, nil)
}
