package ec2

import (
	"context"
	"net/netip"
	"slices"
	"strconv"
	"strings"

	"cloudemu/pkg/api"
	"cloudemu/pkg/awserr"
	"cloudemu/pkg/log"
	"cloudemu/pkg/models"
	"cloudemu/pkg/services/resource"
	"cloudemu/pkg/wire"
)

const (
	allProtocols       = "-1"
	duplicateGroupCode = "InvalidGroup.Duplicate"
)

type ipRange struct {
	CIDRIP      string `json:"cidr_ip" xml:"cidrIp"`
	Description string `json:"description,omitempty" xml:"description,omitempty"`
}

type groupPair struct {
	GroupID string `json:"group_id" xml:"groupId"`
	UserID  string `json:"user_id" xml:"userId"`
}

// permission is one protocol and port range with its sources. Ports are meaningless for
// protocol -1.
type permission struct {
	Protocol string      `json:"protocol"`
	FromPort int         `json:"from_port"`
	ToPort   int         `json:"to_port"`
	Ranges   []ipRange   `json:"ranges,omitempty"`
	Groups   []groupPair `json:"groups,omitempty"`
}

func (p permission) samePorts(o permission) bool {
	return p.Protocol == o.Protocol && p.FromPort == o.FromPort && p.ToPort == o.ToPort
}

type groupAttrs struct {
	Description string       `json:"description"`
	VpcID       string       `json:"vpc_id"`
	Ingress     []permission `json:"ingress,omitempty"`
	Egress      []permission `json:"egress,omitempty"`
	Tags        []tag        `json:"tags,omitempty"`
}

// Group names are unique per VPC: the record's parent is its VPC.
var groups = resource.Kind[groupAttrs]{
	Service: service,
	Kind:    "security-group",
	NotFound: func(id string) *awserr.Error {
		return notFound("InvalidGroup.NotFound", "The security group '%s' does not exist", id)
	},
	Exists: func(name string) *awserr.Error {
		return awserr.InvalidArgument("The security group '" + name + "' already exists").WithCode(duplicateGroupCode)
	},
}

func allowAllEgress() []permission {
	return []permission{{Protocol: allProtocols, Ranges: []ipRange{{CIDRIP: "0.0.0.0/0"}}}}
}

func newGroup(st *api.State, name, description, vpcID string, tags []tag) *resource.Record[groupAttrs] {
	id := newID("sg")
	rec := groups.New(st, id, name, st.ARN(service, "security-group/"+id), groupAttrs{
		Description: description,
		VpcID:       vpcID,
		Egress:      allowAllEgress(),
		Tags:        tags,
	})
	rec.Parent = vpcID
	return rec
}

// createDefaultGroup adds the VPC's "default" group, which admits traffic from its own members.
func createDefaultGroup(ctx context.Context, st *api.State, vpcID string) error {
	rec := newGroup(st, defaultGroupName, "default VPC security group", vpcID, nil)
	rec.Data.Ingress = []permission{{
		Protocol: allProtocols,
		Groups:   []groupPair{{GroupID: rec.ID, UserID: st.AccountID()}},
	}}
	if err := groups.Create(ctx, st, rec); err != nil && awserr.From(err).ErrorCode() != duplicateGroupCode {
		return err
	}
	return nil
}

// defaultGroup returns the "default" group of a VPC.
func defaultGroup(ctx context.Context, st *api.State, vpcID string) (*resource.Record[groupAttrs], error) {
	return groups.Find(ctx, st, vpcID, defaultGroupName)
}

type createSecurityGroupOutput struct {
	wire.EC2Meta
	Return  bool   `xml:"return"`
	GroupID string `xml:"groupId"`
	TagSet  []tag  `xml:"tagSet>item,omitempty"`
}

func createSecurityGroup(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	p := req.Params
	name, err := p.Require("GroupName")
	if err != nil {
		return nil, err
	}
	description, err := p.Require("GroupDescription")
	if err != nil {
		return nil, err
	}
	if strings.HasPrefix(name, "sg-") || len(name) > 255 {
		return nil, invalidParameterValue("Invalid value '%s' for groupName.", name)
	}
	if name == defaultGroupName {
		return nil, awserr.InvalidArgument("The security group 'default' is reserved").WithCode("InvalidGroup.Reserved")
	}
	vpcID := p.Get("VpcId")
	if vpcID == "" {
		vpc, err := ensureDefaults(ctx, st)
		if err != nil {
			return nil, err
		}
		vpcID = vpc.ID
	} else if _, err := vpcs.Get(ctx, st, vpcID); err != nil {
		return nil, err
	}
	rec := newGroup(st, name, description, vpcID, tagSpecs(p, "security-group"))
	if err := groups.Create(ctx, st, rec); err != nil {
		return nil, err
	}
	log.Debug().Str("group", rec.ID).Str("vpc", vpcID).Msg("Security group created")
	return api.Reply(req, &createSecurityGroupOutput{Return: true, GroupID: rec.ID, TagSet: rec.Data.Tags})
}

type permissionItem struct {
	IPProtocol string      `xml:"ipProtocol"`
	FromPort   *int        `xml:"fromPort,omitempty"`
	ToPort     *int        `xml:"toPort,omitempty"`
	Groups     []groupPair `xml:"groups>item"`
	IPRanges   []ipRange   `xml:"ipRanges>item"`
}

type groupItem struct {
	OwnerID             string           `xml:"ownerId"`
	GroupID             string           `xml:"groupId"`
	GroupName           string           `xml:"groupName"`
	GroupDescription    string           `xml:"groupDescription"`
	VpcID               string           `xml:"vpcId"`
	IPPermissions       []permissionItem `xml:"ipPermissions>item"`
	IPPermissionsEgress []permissionItem `xml:"ipPermissionsEgress>item"`
	TagSet              []tag            `xml:"tagSet>item,omitempty"`
}

func permissionItems(perms []permission) []permissionItem {
	items := make([]permissionItem, 0, len(perms))
	for _, p := range perms {
		item := permissionItem{IPProtocol: p.Protocol, Groups: p.Groups, IPRanges: p.Ranges}
		if p.Protocol != allProtocols {
			from, to := p.FromPort, p.ToPort
			item.FromPort, item.ToPort = &from, &to
		}
		items = append(items, item)
	}
	return items
}

func describeGroup(st *api.State, rec *resource.Record[groupAttrs]) groupItem {
	return groupItem{
		OwnerID:             st.AccountID(),
		GroupID:             rec.ID,
		GroupName:           rec.Name,
		GroupDescription:    rec.Data.Description,
		VpcID:               rec.Data.VpcID,
		IPPermissions:       permissionItems(rec.Data.Ingress),
		IPPermissionsEgress: permissionItems(rec.Data.Egress),
		TagSet:              rec.Data.Tags,
	}
}

type describeSecurityGroupsOutput struct {
	wire.EC2Meta
	SecurityGroupInfo []groupItem `xml:"securityGroupInfo>item"`
	NextToken         string      `xml:"nextToken,omitempty"`
}

func groupFields(st *api.State) func(*resource.Record[groupAttrs]) fieldFunc {
	return func(rec *resource.Record[groupAttrs]) fieldFunc {
		return func(name string) ([]string, bool) {
			switch name {
			case "group-id":
				return []string{rec.ID}, true
			case "group-name":
				return []string{rec.Name}, true
			case "vpc-id":
				return []string{rec.Data.VpcID}, true
			case "description":
				return []string{rec.Data.Description}, true
			case "owner-id":
				return []string{st.AccountID()}, true
			case "ip-permission.protocol":
				var out []string
				for _, p := range rec.Data.Ingress {
					out = append(out, p.Protocol)
				}
				return out, true
			case "ip-permission.cidr":
				var out []string
				for _, p := range rec.Data.Ingress {
					for _, r := range p.Ranges {
						out = append(out, r.CIDRIP)
					}
				}
				return out, true
			}
			return tagField(rec.Data.Tags, name)
		}
	}
}

func describeSecurityGroups(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	if _, err := ensureDefaults(ctx, st); err != nil {
		return nil, err
	}
	filters := parseFilters(req.Params)
	names := req.Params.List("GroupName")
	records, err := selectRecords(ctx, st, groups, req.Params.List("GroupId"), filters, groupFields(st))
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		if !slices.ContainsFunc(records, func(r *resource.Record[groupAttrs]) bool { return r.Name == name }) {
			return nil, groups.NotFound(name)
		}
	}
	if len(names) > 0 {
		records = slices.DeleteFunc(records, func(r *resource.Record[groupAttrs]) bool { return !slices.Contains(names, r.Name) })
	}
	records, token, err := pageRecords(records, req.Params)
	if err != nil {
		return nil, err
	}
	out := &describeSecurityGroupsOutput{NextToken: token}
	for _, rec := range records {
		out.SecurityGroupInfo = append(out.SecurityGroupInfo, describeGroup(st, rec))
	}
	return api.Reply(req, out)
}

// lookupGroup resolves GroupId, or GroupName in the default VPC.
func lookupGroup(ctx context.Context, st *api.State, p wire.Params) (*resource.Record[groupAttrs], error) {
	if id := p.Get("GroupId"); id != "" {
		return groups.Get(ctx, st, id)
	}
	name, err := p.Require("GroupName")
	if err != nil {
		return nil, awserr.MissingParameter("GroupId")
	}
	vpc, err := ensureDefaults(ctx, st)
	if err != nil {
		return nil, err
	}
	rec, err := groups.Find(ctx, st, vpc.ID, name)
	if err != nil {
		return nil, groups.NotFound(name)
	}
	return rec, nil
}

// deleteSecurityGroup refuses the default group, groups used by live instances and groups
// referenced by another group's rules.
func deleteSecurityGroup(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	rec, err := lookupGroup(ctx, st, req.Params)
	if err != nil {
		return nil, err
	}
	if rec.Name == defaultGroupName {
		return nil, awserr.InvalidArgument("cannot delete default security group").WithCode("CannotDelete")
	}
	live, err := instances.List(ctx, st, models.ResourceFilter{})
	if err != nil {
		return nil, err
	}
	for _, inst := range live {
		if inst.State != stateTerminated && slices.Contains(inst.Data.SecurityGroups, rec.ID) {
			return nil, dependencyViolation("resource %s has a dependent object", rec.ID)
		}
	}
	all, err := groups.List(ctx, st, models.ResourceFilter{})
	if err != nil {
		return nil, err
	}
	for _, other := range all {
		if other.ID != rec.ID && referencesGroup(other.Data.Ingress, rec.ID) {
			return nil, dependencyViolation("resource %s has a dependent object", rec.ID)
		}
	}
	if err := groups.Delete(ctx, st, rec.ID); err != nil {
		return nil, err
	}
	log.Debug().Str("group", rec.ID).Msg("Security group deleted")
	return api.Reply(req, &returnOutput{Return: true})
}

func referencesGroup(perms []permission, groupID string) bool {
	for _, p := range perms {
		if slices.ContainsFunc(p.Groups, func(g groupPair) bool { return g.GroupID == groupID }) {
			return true
		}
	}
	return false
}

var protocolNumbers = map[string]string{"6": "tcp", "17": "udp", "1": "icmp", "all": allProtocols}

// parsePermission reads one permission from IpPermissions.N fields or the legacy flat form.
func parsePermission(p wire.Params, accountID string) (permission, error) {
	proto := strings.ToLower(p.Get("IpProtocol"))
	if named, ok := protocolNumbers[proto]; ok {
		proto = named
	}
	perm := permission{Protocol: proto}
	switch proto {
	case "tcp", "udp":
		perm.FromPort, perm.ToPort = p.Int("FromPort", -1), p.Int("ToPort", -1)
		if perm.FromPort < 0 || perm.ToPort > 65535 || perm.FromPort > perm.ToPort {
			return perm, invalidParameterValue("Invalid value for portRange. Must specify both from and to ports with TCP/UDP.")
		}
	case "icmp":
		perm.FromPort, perm.ToPort = p.Int("FromPort", -1), p.Int("ToPort", -1)
	case allProtocols:
	default:
		if _, err := strconv.Atoi(proto); err != nil {
			return perm, invalidParameterValue("Invalid value '%s' for IP protocol. Unknown protocol.", p.Get("IpProtocol"))
		}
	}
	for _, r := range p.Structs("IpRanges") {
		perm.Ranges = append(perm.Ranges, ipRange{CIDRIP: r.Get("CidrIp"), Description: r.Get("Description")})
	}
	if cidr := p.Get("CidrIp"); cidr != "" {
		perm.Ranges = append(perm.Ranges, ipRange{CIDRIP: cidr})
	}
	for _, r := range perm.Ranges {
		if _, err := netip.ParsePrefix(r.CIDRIP); err != nil {
			return perm, invalidParameterValue("CIDR block %s is malformed", r.CIDRIP)
		}
	}
	for _, g := range p.Structs("Groups") {
		perm.Groups = append(perm.Groups, groupPair{GroupID: g.Get("GroupId"), UserID: accountID})
	}
	if len(perm.Ranges) == 0 && len(perm.Groups) == 0 {
		return perm, awserr.MissingParameter("IpPermissions.IpRanges")
	}
	return perm, nil
}

// mergePermission folds add into perms, failing when any source is already authorized.
func mergePermission(perms []permission, add permission) ([]permission, error) {
	i := slices.IndexFunc(perms, add.samePorts)
	if i < 0 {
		return append(perms, add), nil
	}
	existing := &perms[i]
	for _, r := range add.Ranges {
		if slices.ContainsFunc(existing.Ranges, func(e ipRange) bool { return e.CIDRIP == r.CIDRIP }) {
			return nil, awserr.InvalidArgument("the specified rule \"peer: "+r.CIDRIP+", "+strings.ToUpper(add.Protocol)+"\" already exists").
				WithCode("InvalidPermission.Duplicate")
		}
		existing.Ranges = append(existing.Ranges, r)
	}
	for _, g := range add.Groups {
		if slices.ContainsFunc(existing.Groups, func(e groupPair) bool { return e.GroupID == g.GroupID }) {
			return nil, awserr.InvalidArgument("the specified rule \"peer: "+g.GroupID+"\" already exists").
				WithCode("InvalidPermission.Duplicate")
		}
		existing.Groups = append(existing.Groups, g)
	}
	return perms, nil
}

func authorizeSecurityGroupIngress(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	target, err := lookupGroup(ctx, st, req.Params)
	if err != nil {
		return nil, err
	}
	var perms []permission
	for _, fields := range req.Params.Structs("IpPermissions") {
		perm, err := parsePermission(fields, st.AccountID())
		if err != nil {
			return nil, err
		}
		perms = append(perms, perm)
	}
	if len(perms) == 0 && req.Params.Has("IpProtocol") {
		perm, err := parsePermission(req.Params, st.AccountID())
		if err != nil {
			return nil, err
		}
		perms = append(perms, perm)
	}
	if len(perms) == 0 {
		return nil, awserr.MissingParameter("IpPermissions")
	}
	for _, perm := range perms {
		for _, g := range perm.Groups {
			if _, err := groups.Get(ctx, st, g.GroupID); err != nil {
				return nil, err
			}
		}
	}
	if _, err := groups.Update(ctx, st, target.ID, func(r *resource.Record[groupAttrs]) error {
		for _, perm := range perms {
			merged, err := mergePermission(r.Data.Ingress, perm)
			if err != nil {
				return err
			}
			r.Data.Ingress = merged
		}
		return nil
	}); err != nil {
		return nil, err
	}
	log.Debug().Str("group", target.ID).Int("permissions", len(perms)).Msg("Ingress authorized")
	return api.Reply(req, &returnOutput{Return: true})
}
