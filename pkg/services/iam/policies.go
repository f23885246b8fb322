package iam

import (
	"context"
	"strings"
	"time"

	"cloudemu/pkg/api"
	"cloudemu/pkg/awserr"
	"cloudemu/pkg/awsid"
	"cloudemu/pkg/log"
	"cloudemu/pkg/models"
	"cloudemu/pkg/services/resource"
	"cloudemu/pkg/wire"
)

const defaultVersion = "v1"

type policy struct {
	PolicyName                    string    `xml:"PolicyName"`
	PolicyID                      string    `xml:"PolicyId"`
	Arn                           string    `xml:"Arn"`
	Path                          string    `xml:"Path"`
	DefaultVersionID              string    `xml:"DefaultVersionId"`
	AttachmentCount               int       `xml:"AttachmentCount"`
	PermissionsBoundaryUsageCount int       `xml:"PermissionsBoundaryUsageCount"`
	IsAttachable                  bool      `xml:"IsAttachable"`
	Description                   string    `xml:"Description,omitempty"`
	CreateDate                    time.Time `xml:"CreateDate"`
	UpdateDate                    time.Time `xml:"UpdateDate"`
	Tags                          []tag     `xml:"Tags>member,omitempty"`
}

// attachmentCount counts the roles the policy is attached to.
func attachmentCount(ctx context.Context, st *api.State, arn string) (int, error) {
	linked, err := attachments.List(ctx, st, models.ResourceFilter{Names: []string{arn}})
	if err != nil {
		return 0, err
	}
	return len(linked), nil
}

func describePolicy(ctx context.Context, st *api.State, rec *resource.Record[policyAttrs]) (policy, error) {
	count, err := attachmentCount(ctx, st, rec.ARN)
	if err != nil {
		return policy{}, err
	}
	return policy{
		PolicyName:       rec.Name,
		PolicyID:         rec.Data.PolicyID,
		Arn:              rec.ARN,
		Path:             rec.Data.Path,
		DefaultVersionID: defaultVersion,
		AttachmentCount:  count,
		IsAttachable:     true,
		Description:      rec.Data.Description,
		CreateDate:       rec.CreatedAt,
		UpdateDate:       rec.UpdatedAt,
		Tags:             rec.Data.Tags,
	}, nil
}

type policyOutput struct {
	Policy policy `xml:"Policy"`
}

func createPolicy(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	p := req.Params
	name, err := entityName(p, "PolicyName", policyNamePattern)
	if err != nil {
		return nil, err
	}
	doc, err := p.Require("PolicyDocument")
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
	attrs := policyAttrs{
		PolicyID:    awsid.IAMID("ANPA"),
		Path:        path,
		Document:    doc,
		Description: p.Get("Description"),
		Tags:        parseTags(p),
	}
	arn := st.GlobalARN(service, "policy"+path+name)
	rec := policies.New(st, arn, name, arn, attrs)
	if err := policies.Create(ctx, st, rec); err != nil {
		return nil, err
	}
	out, err := describePolicy(ctx, st, rec)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("policy", arn).Msg("Policy created")
	return api.Reply(req, policyOutput{Policy: out})
}

func getPolicy(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	arn, err := req.Params.Require("PolicyArn")
	if err != nil {
		return nil, err
	}
	rec, err := policies.Get(ctx, st, arn)
	if err != nil {
		return nil, err
	}
	out, err := describePolicy(ctx, st, rec)
	if err != nil {
		return nil, err
	}
	return api.Reply(req, policyOutput{Policy: out})
}

type listPoliciesOutput struct {
	Policies    []policy `xml:"Policies>member"`
	IsTruncated bool     `xml:"IsTruncated"`
	Marker      string   `xml:"Marker,omitempty"`
}

// listPolicies lists customer managed policies. AWS managed policies are not stored, so
// Scope=AWS is always empty.
func listPolicies(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	p := req.Params
	scope := p.Get("Scope")
	switch scope {
	case "", "All", "Local":
	case "AWS":
		return api.Reply(req, listPoliciesOutput{})
	default:
		return nil, validationError("1 validation error detected: Value '%s' at 'scope' failed to satisfy constraint: Member must satisfy enum value set: [All, AWS, Local]", scope)
	}
	all, err := policies.List(ctx, st, models.ResourceFilter{})
	if err != nil {
		return nil, err
	}
	if p.Bool("OnlyAttached", false) {
		var attached []*resource.Record[policyAttrs]
		for _, rec := range all {
			count, err := attachmentCount(ctx, st, rec.ARN)
			if err != nil {
				return nil, err
			}
			if count > 0 {
				attached = append(attached, rec)
			}
		}
		all = attached
	}
	picked, marker, err := listPage(all, p, func(a policyAttrs) string { return a.Path })
	if err != nil {
		return nil, err
	}
	out := listPoliciesOutput{IsTruncated: marker != "", Marker: marker}
	for _, rec := range picked {
		desc, err := describePolicy(ctx, st, rec)
		if err != nil {
			return nil, err
		}
		out.Policies = append(out.Policies, desc)
	}
	return api.Reply(req, out)
}

func deletePolicy(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	arn, err := req.Params.Require("PolicyArn")
	if err != nil {
		return nil, err
	}
	if _, err := policies.Get(ctx, st, arn); err != nil {
		return nil, err
	}
	count, err := attachmentCount(ctx, st, arn)
	if err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, deleteConflict("Cannot delete a policy attached to entities.")
	}
	if err := policies.Delete(ctx, st, arn); err != nil {
		return nil, err
	}
	log.Debug().Str("policy", arn).Msg("Policy deleted")
	return api.Reply(req, nil)
}

// attachable resolves a policy ARN to its name. AWS managed policies are accepted without
// being stored; customer managed ones must exist.
func attachable(ctx context.Context, st *api.State, arn string) (string, error) {
	if !strings.HasPrefix(arn, "arn:aws:iam::") || !strings.Contains(arn, ":policy/") {
		return "", awserr.InvalidArgument("ARN " + arn + " is not valid.").WithCode("InvalidInput")
	}
	if strings.HasPrefix(arn, awsManagedPrefix) {
		return arn[strings.LastIndex(arn, "/")+1:], nil
	}
	rec, err := policies.Get(ctx, st, arn)
	if err != nil {
		return "", err
	}
	return rec.Name, nil
}

func attachmentID(roleName, arn string) string {
	return roleName + "|" + arn
}

func rolePolicyParams(p wire.Params) (string, string, error) {
	roleName, err := p.Require("RoleName")
	if err != nil {
		return "", "", err
	}
	arn, err := p.Require("PolicyArn")
	if err != nil {
		return "", "", err
	}
	return roleName, arn, nil
}

// attachRolePolicy links a policy to a role. Attaching twice is a no-op.
func attachRolePolicy(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	roleName, arn, err := rolePolicyParams(req.Params)
	if err != nil {
		return nil, err
	}
	if _, err := roles.Get(ctx, st, roleName); err != nil {
		return nil, err
	}
	policyName, err := attachable(ctx, st, arn)
	if err != nil {
		return nil, err
	}
	rec := attachments.New(st, attachmentID(roleName, arn), arn, "", attachmentAttrs{PolicyName: policyName})
	rec.Parent = roleName
	if err := attachments.Create(ctx, st, rec); err != nil && !awserr.IsKind(err, awserr.KindAlreadyExists) {
		return nil, err
	}
	log.Debug().Str("role", roleName).Str("policy", arn).Msg("Policy attached")
	return api.Reply(req, nil)
}

func detachRolePolicy(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	roleName, arn, err := rolePolicyParams(req.Params)
	if err != nil {
		return nil, err
	}
	if _, err := roles.Get(ctx, st, roleName); err != nil {
		return nil, err
	}
	deleted, err := st.Meta.DeleteResource(ctx, service, attachments.Kind, attachmentID(roleName, arn))
	if err != nil {
		return nil, err
	}
	if !deleted {
		return nil, noSuchEntity("Policy " + arn + " was not found.")
	}
	log.Debug().Str("role", roleName).Str("policy", arn).Msg("Policy detached")
	return api.Reply(req, nil)
}

type attachedPolicy struct {
	PolicyName string `xml:"PolicyName"`
	PolicyArn  string `xml:"PolicyArn"`
}

type listAttachedRolePoliciesOutput struct {
	AttachedPolicies []attachedPolicy `xml:"AttachedPolicies>member"`
	IsTruncated      bool             `xml:"IsTruncated"`
	Marker           string           `xml:"Marker,omitempty"`
}

func listAttachedRolePolicies(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	roleName, err := req.Params.Require("RoleName")
	if err != nil {
		return nil, err
	}
	if _, err := roles.Get(ctx, st, roleName); err != nil {
		return nil, err
	}
	linked, err := attachments.List(ctx, st, models.ResourceFilter{Parent: roleName})
	if err != nil {
		return nil, err
	}
	// Attachments carry no path; PathPrefix filtering does not apply.
	params := wire.Params{}
	for k, v := range req.Params {
		if k != "PathPrefix" {
			params[k] = v
		}
	}
	picked, marker, err := listPage(linked, params, func(attachmentAttrs) string { return "" })
	if err != nil {
		return nil, err
	}
	out := listAttachedRolePoliciesOutput{IsTruncated: marker != "", Marker: marker}
	for _, rec := range picked {
		out.AttachedPolicies = append(out.AttachedPolicies, attachedPolicy{PolicyName: rec.Data.PolicyName, PolicyArn: rec.Name})
	}
	return api.Reply(req, out)
}
