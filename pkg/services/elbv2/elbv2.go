// Package elbv2 implements Elastic Load Balancing v2 over AWS-Query: load balancers, target
// groups with their registered targets, and listeners. No traffic is ever balanced and every
// registered target reports healthy.
package elbv2

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"cloudemu/pkg/api"
	"cloudemu/pkg/awserr"
	"cloudemu/pkg/awsid"
	"cloudemu/pkg/dispatch"
	"cloudemu/pkg/models"
	"cloudemu/pkg/services/resource"
	"cloudemu/pkg/wire"
)

const service = "elasticloadbalancing"

const (
	stateActive      = "active"
	defaultPageSize  = 400
	canonicalZoneID  = "Z35SXDOTRQ7X7K"
	maxNameLength    = 32
	typeApplication  = "application"
	typeNetwork      = "network"
	typeGateway      = "gateway"
	schemeInternet   = "internet-facing"
	schemeInternal   = "internal"
	targetInstance   = "instance"
	targetLambda     = "lambda"
	healthyState     = "healthy"
	trafficPort      = "traffic-port"
	notRegisteredTag = "Target.NotRegistered"
)

var namePattern = regexp.MustCompile(`^[a-zA-Z0-9](-?[a-zA-Z0-9])*$`)

type tag struct {
	Key   string `json:"key" xml:"Key"`
	Value string `json:"value" xml:"Value"`
}

func validationError(format string, args ...any) *awserr.Error {
	return awserr.InvalidArgument(fmt.Sprintf(format, args...)).WithCode("ValidationError")
}

func notFound(code, format string, args ...any) *awserr.Error {
	return awserr.InvalidArgument(fmt.Sprintf(format, args...)).WithCode(code)
}

// Register adds the ELBv2 operations to r.
func Register(r *dispatch.Registry) {
	r.HandleAll(service, map[string]api.HandlerFunc{
		"CreateLoadBalancer":    createLoadBalancer,
		"DescribeLoadBalancers": describeLoadBalancers,
		"DeleteLoadBalancer":    deleteLoadBalancer,
		"CreateTargetGroup":     createTargetGroup,
		"DescribeTargetGroups":  describeTargetGroups,
		"DeleteTargetGroup":     deleteTargetGroup,
		"RegisterTargets":       registerTargets,
		"DeregisterTargets":     deregisterTargets,
		"DescribeTargetHealth":  describeTargetHealth,
		"CreateListener":        createListener,
		"DescribeListeners":     describeListeners,
		"DeleteListener":        deleteListener,
	})
}

// checkName applies the naming rules shared by load balancers and target groups.
func checkName(kind, name string) error {
	if len(name) > maxNameLength || !namePattern.MatchString(name) {
		return validationError("%s name '%s' can have a maximum of 32 characters, can contain only alphanumeric characters or hyphens, and must not begin or end with a hyphen", kind, name)
	}
	if strings.HasPrefix(strings.ToLower(name), "internal-") {
		return validationError("%s name '%s' cannot begin with 'internal-'", kind, name)
	}
	return nil
}

// shortID returns the 16 hex characters that end ELBv2 ARNs.
func shortID() string {
	return strings.TrimPrefix(awsid.LongResourceID("x"), "x-")[:16]
}

func parseTags(p wire.Params) []tag {
	var tags []tag
	for _, t := range p.Structs("Tags") {
		tags = append(tags, tag{Key: t.Get("Key"), Value: t.Get("Value")})
	}
	return tags
}

// page cuts a PageSize page out of records starting at the Marker, which is the ARN of the first
// record of the page.
func page[T any](records []*resource.Record[T], p wire.Params) ([]*resource.Record[T], string, error) {
	size := p.Int("PageSize", defaultPageSize)
	if size < 1 || size > defaultPageSize {
		return nil, "", validationError("Page size must be between 1 and 400")
	}
	if marker := p.Get("Marker"); marker != "" {
		i := slices.IndexFunc(records, func(r *resource.Record[T]) bool { return r.ID == marker })
		if i < 0 {
			return nil, "", validationError("Invalid marker '%s'", marker)
		}
		records = records[i:]
	}
	if len(records) > size {
		return records[:size], records[size].ID, nil
	}
	return records, "", nil
}

// selectByARNOrName lists kind, keeping only the requested ARNs or names. A requested one that
// does not exist fails with notFound.
func selectByARNOrName[T any](ctx context.Context, st *api.State, kind resource.Kind[T], arns, names []string) ([]*resource.Record[T], error) {
	if len(arns) > 0 && len(names) > 0 {
		return nil, validationError("ARNs and names cannot be specified at the same time")
	}
	records, err := kind.List(ctx, st, models.ResourceFilter{IDs: arns, Names: names})
	if err != nil {
		return nil, err
	}
	for _, arn := range arns {
		if !slices.ContainsFunc(records, func(r *resource.Record[T]) bool { return r.ID == arn }) {
			return nil, kind.NotFound(arn)
		}
	}
	for _, name := range names {
		if !slices.ContainsFunc(records, func(r *resource.Record[T]) bool { return r.Name == name }) {
			return nil, kind.NotFound(name)
		}
	}
	return records, nil
}

// dnsSuffix derives the numeric part of a load balancer DNS name from its ARN.
func dnsSuffix(arn string) string {
	sum := sha256.Sum256([]byte(arn))
	return fmt.Sprintf("%010d", binary.BigEndian.Uint64(sum[:8])%10_000_000_000)
}
