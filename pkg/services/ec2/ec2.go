// Package ec2 implements the EC2 and VPC control plane over the EC2 flavour of AWS-Query.
// Instances never boot: they get ids, mock addresses and a state machine. VPCs, subnets and
// security groups are bookkeeping only.
package ec2

import (
	"context"
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

const service = "ec2"

const (
	stateAvailable    = "available"
	defaultVPCName    = "default"
	defaultVPCCIDR    = "172.31.0.0/16"
	defaultSubnetCIDR = "172.31.0.0/20"
	defaultGroupName  = "default"
)

// Register adds the EC2 operations to r.
func Register(r *dispatch.Registry) {
	r.HandleAll(service, map[string]api.HandlerFunc{
		"RunInstances":                  runInstances,
		"DescribeInstances":             describeInstances,
		"StopInstances":                 stopInstances,
		"StartInstances":                startInstances,
		"TerminateInstances":            terminateInstances,
		"CreateVpc":                     createVpc,
		"DescribeVpcs":                  describeVpcs,
		"DeleteVpc":                     deleteVpc,
		"CreateSubnet":                  createSubnet,
		"DescribeSubnets":               describeSubnets,
		"DeleteSubnet":                  deleteSubnet,
		"CreateSecurityGroup":           createSecurityGroup,
		"DescribeSecurityGroups":        describeSecurityGroups,
		"DeleteSecurityGroup":           deleteSecurityGroup,
		"AuthorizeSecurityGroupIngress": authorizeSecurityGroupIngress,
		"CreateTags":                    createTags,
		"DeleteTags":                    deleteTags,
		"DescribeRegions":               describeRegions,
		"DescribeAvailabilityZones":     describeAvailabilityZones,
	})
}

// EC2 reports unknown ids as 400s with a per-resource code.
func notFound(code, format string, args ...any) *awserr.Error {
	return awserr.InvalidArgument(fmt.Sprintf(format, args...)).WithCode(code)
}

func invalidParameterValue(format string, args ...any) *awserr.Error {
	return awserr.InvalidArgument(fmt.Sprintf(format, args...)).WithCode("InvalidParameterValue")
}

func dependencyViolation(format string, args ...any) *awserr.Error {
	return awserr.InvalidRequest(fmt.Sprintf(format, args...)).WithCode("DependencyViolation")
}

type tag struct {
	Key   string `json:"key" xml:"key"`
	Value string `json:"value" xml:"value"`
}

// tagSpecs collects TagSpecification.N entries whose ResourceType is kind.
func tagSpecs(p wire.Params, kind string) []tag {
	var tags []tag
	for _, spec := range p.Structs("TagSpecification") {
		if spec.Get("ResourceType") != kind {
			continue
		}
		for _, t := range spec.Structs("Tag") {
			tags = setTag(tags, t.Get("Key"), t.Get("Value"))
		}
	}
	return tags
}

func setTag(tags []tag, key, value string) []tag {
	if i := slices.IndexFunc(tags, func(t tag) bool { return t.Key == key }); i >= 0 {
		tags[i].Value = value
		return tags
	}
	return append(tags, tag{Key: key, Value: value})
}

// tagField answers the tag:<key>, tag-key and tag-value filters.
func tagField(tags []tag, name string) ([]string, bool) {
	var out []string
	switch {
	case strings.HasPrefix(name, "tag:"):
		for _, t := range tags {
			if t.Key == name[len("tag:"):] {
				out = append(out, t.Value)
			}
		}
	case name == "tag-key":
		for _, t := range tags {
			out = append(out, t.Key)
		}
	case name == "tag-value":
		for _, t := range tags {
			out = append(out, t.Value)
		}
	default:
		return nil, false
	}
	return out, true
}

type filter struct {
	name   string
	values []*regexp.Regexp
}

// parseFilters reads Filter.N.Name / Filter.N.Value.M. Values may use * and ? wildcards.
func parseFilters(p wire.Params) []filter {
	var filters []filter
	for _, f := range p.Structs("Filter") {
		parsed := filter{name: f.Get("Name")}
		for _, v := range f.List("Value") {
			expr := regexp.QuoteMeta(v)
			expr = strings.ReplaceAll(expr, `\*`, ".*")
			expr = strings.ReplaceAll(expr, `\?`, ".")
			parsed.values = append(parsed.values, regexp.MustCompile("^"+expr+"$"))
		}
		filters = append(filters, parsed)
	}
	return filters
}

// fieldFunc returns the values of one filterable field; false means the filter is unknown.
type fieldFunc func(name string) ([]string, bool)

func matchFilters(filters []filter, fields fieldFunc) (bool, error) {
	for _, f := range filters {
		got, ok := fields(f.name)
		if !ok {
			return false, invalidParameterValue("The filter '%s' is invalid", f.name)
		}
		hit := false
		for _, re := range f.values {
			if slices.ContainsFunc(got, re.MatchString) {
				hit = true
				break
			}
		}
		if !hit {
			return false, nil
		}
	}
	return true, nil
}

// selectRecords returns the records named by ids (all when empty) that pass the filters. A
// requested id that does not exist fails with the kind's NotFound.
func selectRecords[T any](ctx context.Context, st *api.State, kind resource.Kind[T], ids []string,
	filters []filter, fields func(*resource.Record[T]) fieldFunc) ([]*resource.Record[T], error) {
	records, err := kind.List(ctx, st, models.ResourceFilter{IDs: ids})
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if !slices.ContainsFunc(records, func(r *resource.Record[T]) bool { return r.ID == id }) {
			return nil, kind.NotFound(id)
		}
	}
	out := records[:0]
	for _, rec := range records {
		ok, err := matchFilters(filters, fields(rec))
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

// pageRecords cuts a MaxResults page starting at the NextToken id.
func pageRecords[T any](records []*resource.Record[T], p wire.Params) ([]*resource.Record[T], string, error) {
	if token := p.Get("NextToken"); token != "" {
		i := slices.IndexFunc(records, func(r *resource.Record[T]) bool { return r.ID == token })
		if i < 0 {
			return nil, "", invalidParameterValue("Invalid value '%s' for nextToken", token).WithCode("InvalidNextToken")
		}
		records = records[i:]
	}
	if !p.Has("MaxResults") {
		return records, "", nil
	}
	limit := p.Int("MaxResults", 0)
	if limit < 5 || limit > 1000 {
		return nil, "", invalidParameterValue("Value ( %d ) for parameter maxResults is invalid. Expecting a value between 5 and 1000.", limit)
	}
	if len(records) > limit {
		return records[:limit], records[limit].ID, nil
	}
	return records, "", nil
}

// ensureDefaults creates the account's default VPC with one default subnet and its default
// security group. Losing a creation race to another request is fine.
func ensureDefaults(ctx context.Context, st *api.State) (*resource.Record[vpcAttrs], error) {
	existing, err := vpcs.List(ctx, st, models.ResourceFilter{Names: []string{defaultVPCName}})
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return existing[0], nil
	}
	vpc := newVPC(st, defaultVPCCIDR, true, nil)
	vpc.Name = defaultVPCName
	if err := vpcs.Create(ctx, st, vpc); err != nil {
		if awserr.IsKind(err, awserr.KindAlreadyExists) {
			return ensureDefaults(ctx, st)
		}
		return nil, err
	}
	if err := createDefaultGroup(ctx, st, vpc.ID); err != nil {
		return nil, err
	}
	subnet, err := newSubnet(st, vpc, defaultSubnetCIDR, st.Region()+"a", nil)
	if err != nil {
		return nil, err
	}
	subnet.Data.DefaultForAz = true
	subnet.Data.MapPublicIPOnLaunch = true
	if err := subnets.Create(ctx, st, subnet); err != nil {
		return nil, err
	}
	return vpc, nil
}

func newID(prefix string) string {
	return awsid.ResourceID(prefix)
}

type returnOutput struct {
	wire.EC2Meta
	Return bool `xml:"return"`
}

// createTags sets tags on any mix of instances, VPCs, subnets and security groups.
func createTags(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var tags []tag
	for _, t := range req.Params.Structs("Tag") {
		tags = setTag(tags, t.Get("Key"), t.Get("Value"))
	}
	if err := retag(ctx, st, req.Params.List("ResourceId"), func(current []tag) []tag {
		for _, t := range tags {
			current = setTag(current, t.Key, t.Value)
		}
		return current
	}); err != nil {
		return nil, err
	}
	return api.Reply(req, &returnOutput{Return: true})
}

// deleteTags removes tags by key, or by key and value when a value is given.
func deleteTags(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	remove := req.Params.Structs("Tag")
	if err := retag(ctx, st, req.Params.List("ResourceId"), func(current []tag) []tag {
		if len(remove) == 0 {
			return nil
		}
		return slices.DeleteFunc(current, func(t tag) bool {
			return slices.ContainsFunc(remove, func(r wire.Params) bool {
				return r.Get("Key") == t.Key && (!r.Has("Value") || r.Get("Value") == t.Value)
			})
		})
	}); err != nil {
		return nil, err
	}
	return api.Reply(req, &returnOutput{Return: true})
}

func retag(ctx context.Context, st *api.State, ids []string, edit func([]tag) []tag) error {
	if len(ids) == 0 {
		return awserr.MissingParameter("ResourceId")
	}
	for _, id := range ids {
		var err error
		switch prefix, _, _ := strings.Cut(id, "-"); prefix {
		case "i":
			_, err = instances.Update(ctx, st, id, func(r *resource.Record[instanceAttrs]) error {
				r.Data.Tags = edit(r.Data.Tags)
				return nil
			})
		case "vpc":
			_, err = vpcs.Update(ctx, st, id, func(r *resource.Record[vpcAttrs]) error {
				r.Data.Tags = edit(r.Data.Tags)
				return nil
			})
		case "subnet":
			_, err = subnets.Update(ctx, st, id, func(r *resource.Record[subnetAttrs]) error {
				r.Data.Tags = edit(r.Data.Tags)
				return nil
			})
		case "sg":
			_, err = groups.Update(ctx, st, id, func(r *resource.Record[groupAttrs]) error {
				r.Data.Tags = edit(r.Data.Tags)
				return nil
			})
		default:
			err = invalidParameterValue("Invalid id: \"%s\"", id).WithCode("InvalidID")
		}
		if err != nil {
			return err
		}
	}
	return nil
}
