package ec2

import (
	"context"
	"net/netip"
	"strconv"

	"cloudemu/pkg/api"
	"cloudemu/pkg/awserr"
	"cloudemu/pkg/log"
	"cloudemu/pkg/models"
	"cloudemu/pkg/services/resource"
	"cloudemu/pkg/wire"
)

type vpcAttrs struct {
	CIDRBlock       string `json:"cidr_block"`
	IsDefault       bool   `json:"is_default"`
	InstanceTenancy string `json:"instance_tenancy"`
	DHCPOptionsID   string `json:"dhcp_options_id"`
	Tags            []tag  `json:"tags,omitempty"`
}

type subnetAttrs struct {
	VpcID               string `json:"vpc_id"`
	CIDRBlock           string `json:"cidr_block"`
	AvailabilityZone    string `json:"availability_zone"`
	DefaultForAz        bool   `json:"default_for_az"`
	MapPublicIPOnLaunch bool   `json:"map_public_ip_on_launch"`
	Tags                []tag  `json:"tags,omitempty"`
}

var (
	vpcs = resource.Kind[vpcAttrs]{
		Service: service,
		Kind:    "vpc",
		NotFound: func(id string) *awserr.Error {
			return notFound("InvalidVpcID.NotFound", "The vpc ID '%s' does not exist", id)
		},
	}
	subnets = resource.Kind[subnetAttrs]{
		Service: service,
		Kind:    "subnet",
		NotFound: func(id string) *awserr.Error {
			return notFound("InvalidSubnetID.NotFound", "The subnet ID '%s' does not exist", id)
		},
	}
)

// parseBlock accepts IPv4 CIDRs from /16 through /28.
func parseBlock(cidr, code string) (netip.Prefix, error) {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil || !prefix.Addr().Is4() || prefix.Masked() != prefix {
		return netip.Prefix{}, invalidParameterValue("Value (%s) for parameter cidrBlock is invalid. This is not a valid CIDR block.", cidr)
	}
	if prefix.Bits() < 16 || prefix.Bits() > 28 {
		return netip.Prefix{}, awserr.InvalidArgument("The CIDR '" + cidr + "' is invalid.").WithCode(code)
	}
	return prefix, nil
}

func newVPC(st *api.State, cidr string, isDefault bool, tags []tag) *resource.Record[vpcAttrs] {
	id := newID("vpc")
	rec := vpcs.New(st, id, "", st.ARN(service, "vpc/"+id), vpcAttrs{
		CIDRBlock:       cidr,
		IsDefault:       isDefault,
		InstanceTenancy: "default",
		DHCPOptionsID:   "dopt-" + id[len("vpc-"):],
		Tags:            tags,
	})
	rec.State = stateAvailable
	return rec
}

type vpcItem struct {
	VpcID           string `xml:"vpcId"`
	OwnerID         string `xml:"ownerId"`
	State           string `xml:"state"`
	CIDRBlock       string `xml:"cidrBlock"`
	DHCPOptionsID   string `xml:"dhcpOptionsId"`
	InstanceTenancy string `xml:"instanceTenancy"`
	IsDefault       bool   `xml:"isDefault"`
	TagSet          []tag  `xml:"tagSet>item,omitempty"`
}

func describeVPC(st *api.State, rec *resource.Record[vpcAttrs]) vpcItem {
	return vpcItem{
		VpcID:           rec.ID,
		OwnerID:         st.AccountID(),
		State:           rec.State,
		CIDRBlock:       rec.Data.CIDRBlock,
		DHCPOptionsID:   rec.Data.DHCPOptionsID,
		InstanceTenancy: rec.Data.InstanceTenancy,
		IsDefault:       rec.Data.IsDefault,
		TagSet:          rec.Data.Tags,
	}
}

type createVpcOutput struct {
	wire.EC2Meta
	Vpc vpcItem `xml:"vpc"`
}

// createVpc also creates the VPC's default security group.
func createVpc(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	p := req.Params
	cidr, err := p.Require("CidrBlock")
	if err != nil {
		return nil, err
	}
	if _, err := parseBlock(cidr, "InvalidVpc.Range"); err != nil {
		return nil, err
	}
	if _, err := ensureDefaults(ctx, st); err != nil {
		return nil, err
	}
	rec := newVPC(st, cidr, false, tagSpecs(p, "vpc"))
	if tenancy := p.Get("InstanceTenancy"); tenancy != "" {
		rec.Data.InstanceTenancy = tenancy
	}
	if err := vpcs.Create(ctx, st, rec); err != nil {
		return nil, err
	}
	if err := createDefaultGroup(ctx, st, rec.ID); err != nil {
		return nil, err
	}
	log.Debug().Str("vpc", rec.ID).Str("cidr", cidr).Msg("VPC created")
	return api.Reply(req, &createVpcOutput{Vpc: describeVPC(st, rec)})
}

type describeVpcsOutput struct {
	wire.EC2Meta
	VpcSet    []vpcItem `xml:"vpcSet>item"`
	NextToken string    `xml:"nextToken,omitempty"`
}

func vpcFields(rec *resource.Record[vpcAttrs]) fieldFunc {
	return func(name string) ([]string, bool) {
		switch name {
		case "vpc-id":
			return []string{rec.ID}, true
		case "cidr", "cidr-block", "cidr-block-association.cidr-block":
			return []string{rec.Data.CIDRBlock}, true
		case "state":
			return []string{rec.State}, true
		case "is-default", "isDefault":
			return []string{strconv.FormatBool(rec.Data.IsDefault)}, true
		case "dhcp-options-id":
			return []string{rec.Data.DHCPOptionsID}, true
		}
		return tagField(rec.Data.Tags, name)
	}
}

func describeVpcs(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	if _, err := ensureDefaults(ctx, st); err != nil {
		return nil, err
	}
	records, err := selectRecords(ctx, st, vpcs, req.Params.List("VpcId"), parseFilters(req.Params), vpcFields)
	if err != nil {
		return nil, err
	}
	records, token, err := pageRecords(records, req.Params)
	if err != nil {
		return nil, err
	}
	out := &describeVpcsOutput{NextToken: token}
	for _, rec := range records {
		out.VpcSet = append(out.VpcSet, describeVPC(st, rec))
	}
	return api.Reply(req, out)
}

// deleteVpc refuses while subnets, instances or non-default security groups remain. The
// default security group goes with the VPC.
func deleteVpc(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	id, err := req.Params.Require("VpcId")
	if err != nil {
		return nil, err
	}
	if _, err := vpcs.Get(ctx, st, id); err != nil {
		return nil, err
	}
	dependents, err := st.Meta.CountChildren(ctx, service, subnets.Kind, id)
	if err != nil {
		return nil, err
	}
	vpcGroups, err := groups.List(ctx, st, models.ResourceFilter{Parent: id})
	if err != nil {
		return nil, err
	}
	for _, g := range vpcGroups {
		if g.Name != defaultGroupName {
			dependents++
		}
	}
	if dependents > 0 {
		return nil, dependencyViolation("The vpc '%s' has dependencies and cannot be deleted.", id)
	}
	if _, err := st.Meta.DeleteChildren(ctx, service, groups.Kind, id); err != nil {
		return nil, err
	}
	if err := vpcs.Delete(ctx, st, id); err != nil {
		return nil, err
	}
	log.Debug().Str("vpc", id).Msg("VPC deleted")
	return api.Reply(req, &returnOutput{Return: true})
}

// newSubnet validates cidr against the VPC block. Overlap with sibling subnets is checked by
// the caller.
func newSubnet(st *api.State, vpc *resource.Record[vpcAttrs], cidr, zone string, tags []tag) (*resource.Record[subnetAttrs], error) {
	block, err := parseBlock(cidr, "InvalidSubnet.Range")
	if err != nil {
		return nil, err
	}
	vpcBlock := netip.MustParsePrefix(vpc.Data.CIDRBlock)
	if block.Bits() < vpcBlock.Bits() || !vpcBlock.Contains(block.Addr()) {
		return nil, awserr.InvalidArgument("The CIDR '" + cidr + "' is invalid.").WithCode("InvalidSubnet.Range")
	}
	id := newID("subnet")
	rec := subnets.New(st, id, "", st.ARN(service, "subnet/"+id), subnetAttrs{
		VpcID:            vpc.ID,
		CIDRBlock:        cidr,
		AvailabilityZone: zone,
		Tags:             tags,
	})
	rec.Parent = vpc.ID
	rec.State = stateAvailable
	return rec, nil
}

type subnetItem struct {
	SubnetID                string `xml:"subnetId"`
	SubnetArn               string `xml:"subnetArn"`
	State                   string `xml:"state"`
	VpcID                   string `xml:"vpcId"`
	OwnerID                 string `xml:"ownerId"`
	CIDRBlock               string `xml:"cidrBlock"`
	AvailableIPAddressCount int    `xml:"availableIpAddressCount"`
	AvailabilityZone        string `xml:"availabilityZone"`
	DefaultForAz            bool   `xml:"defaultForAz"`
	MapPublicIPOnLaunch     bool   `xml:"mapPublicIpOnLaunch"`
	TagSet                  []tag  `xml:"tagSet>item,omitempty"`
}

// AWS reserves five addresses in every subnet.
func availableAddresses(cidr string) int {
	prefix := netip.MustParsePrefix(cidr)
	return 1<<(32-prefix.Bits()) - 5
}

func describeSubnet(st *api.State, rec *resource.Record[subnetAttrs]) subnetItem {
	return subnetItem{
		SubnetID:                rec.ID,
		SubnetArn:               rec.ARN,
		State:                   rec.State,
		VpcID:                   rec.Data.VpcID,
		OwnerID:                 st.AccountID(),
		CIDRBlock:               rec.Data.CIDRBlock,
		AvailableIPAddressCount: availableAddresses(rec.Data.CIDRBlock),
		AvailabilityZone:        rec.Data.AvailabilityZone,
		DefaultForAz:            rec.Data.DefaultForAz,
		MapPublicIPOnLaunch:     rec.Data.MapPublicIPOnLaunch,
		TagSet:                  rec.Data.Tags,
	}
}

type createSubnetOutput struct {
	wire.EC2Meta
	Subnet subnetItem `xml:"subnet"`
}

func createSubnet(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	p := req.Params
	vpcID, err := p.Require("VpcId")
	if err != nil {
		return nil, err
	}
	cidr, err := p.Require("CidrBlock")
	if err != nil {
		return nil, err
	}
	vpc, err := vpcs.Get(ctx, st, vpcID)
	if err != nil {
		return nil, err
	}
	zone := p.Get("AvailabilityZone")
	if zone == "" {
		zone = st.Region() + "a"
	} else if !validZone(st, zone) {
		return nil, invalidParameterValue("Value (%s) for parameter availabilityZone is invalid. Subnets can currently only be created in the following availability zones: %s.", zone, zoneList(st))
	}
	rec, err := newSubnet(st, vpc, cidr, zone, tagSpecs(p, "subnet"))
	if err != nil {
		return nil, err
	}
	siblings, err := subnets.List(ctx, st, models.ResourceFilter{Parent: vpcID})
	if err != nil {
		return nil, err
	}
	block := netip.MustParsePrefix(cidr)
	for _, s := range siblings {
		if netip.MustParsePrefix(s.Data.CIDRBlock).Overlaps(block) {
			return nil, awserr.InvalidArgument("The CIDR '" + cidr + "' conflicts with another subnet").WithCode("InvalidSubnet.Conflict")
		}
	}
	if err := subnets.Create(ctx, st, rec); err != nil {
		return nil, err
	}
	log.Debug().Str("subnet", rec.ID).Str("vpc", vpcID).Msg("Subnet created")
	return api.Reply(req, &createSubnetOutput{Subnet: describeSubnet(st, rec)})
}

type describeSubnetsOutput struct {
	wire.EC2Meta
	SubnetSet []subnetItem `xml:"subnetSet>item"`
	NextToken string       `xml:"nextToken,omitempty"`
}

func subnetFields(rec *resource.Record[subnetAttrs]) fieldFunc {
	return func(name string) ([]string, bool) {
		switch name {
		case "subnet-id", "subnetId":
			return []string{rec.ID}, true
		case "vpc-id", "vpcId":
			return []string{rec.Data.VpcID}, true
		case "cidr", "cidr-block", "cidrBlock":
			return []string{rec.Data.CIDRBlock}, true
		case "availability-zone", "availabilityZone":
			return []string{rec.Data.AvailabilityZone}, true
		case "state":
			return []string{rec.State}, true
		case "default-for-az", "defaultForAz":
			return []string{strconv.FormatBool(rec.Data.DefaultForAz)}, true
		}
		return tagField(rec.Data.Tags, name)
	}
}

func describeSubnets(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	if _, err := ensureDefaults(ctx, st); err != nil {
		return nil, err
	}
	records, err := selectRecords(ctx, st, subnets, req.Params.List("SubnetId"), parseFilters(req.Params), subnetFields)
	if err != nil {
		return nil, err
	}
	records, token, err := pageRecords(records, req.Params)
	if err != nil {
		return nil, err
	}
	out := &describeSubnetsOutput{NextToken: token}
	for _, rec := range records {
		out.SubnetSet = append(out.SubnetSet, describeSubnet(st, rec))
	}
	return api.Reply(req, out)
}

// deleteSubnet refuses while instances that are not terminated remain in the subnet.
func deleteSubnet(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	id, err := req.Params.Require("SubnetId")
	if err != nil {
		return nil, err
	}
	if _, err := subnets.Get(ctx, st, id); err != nil {
		return nil, err
	}
	inSubnet, err := instances.List(ctx, st, models.ResourceFilter{Parent: id})
	if err != nil {
		return nil, err
	}
	for _, inst := range inSubnet {
		if inst.State != stateTerminated {
			return nil, dependencyViolation("The subnet '%s' has dependencies and cannot be deleted.", id)
		}
	}
	if err := subnets.Delete(ctx, st, id); err != nil {
		return nil, err
	}
	log.Debug().Str("subnet", id).Msg("Subnet deleted")
	return api.Reply(req, &returnOutput{Return: true})
}
