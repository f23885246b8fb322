package ec2

import (
	"context"
	"encoding/xml"
	"testing"

	"github.com/stretchr/testify/suite"

	"cloudemu/pkg/api"
	"cloudemu/pkg/api/apitest"
	"cloudemu/pkg/awserr"
)

type EC2TestSuite struct {
	suite.Suite
	st  *api.State
	ctx context.Context
}

func TestEC2TestSuite(t *testing.T) {
	suite.Run(t, new(EC2TestSuite))
}

func (s *EC2TestSuite) SetupTest() {
	s.st = apitest.NewState(s.T())
	s.ctx = context.Background()
}

func (s *EC2TestSuite) call(h api.HandlerFunc, action string, params map[string]string, out any) string {
	resp := apitest.Call(s.T(), s.st, h, apitest.Query(service, action, params))
	if out != nil {
		s.Require().NoError(xml.Unmarshal(resp.Body, out))
	}
	return string(resp.Body)
}

func (s *EC2TestSuite) fail(h api.HandlerFunc, action string, params map[string]string) string {
	resp, err := h(s.ctx, s.st, apitest.Query(service, action, params))
	s.Require().Error(err)
	s.Nil(resp)
	return awserr.From(err).ErrorCode()
}

func (s *EC2TestSuite) createVpc(cidr string) vpcItem {
	var out struct {
		Vpc vpcItem `xml:"vpc"`
	}
	s.call(createVpc, "CreateVpc", map[string]string{"CidrBlock": cidr}, &out)
	return out.Vpc
}

func (s *EC2TestSuite) createSubnet(vpcID, cidr string) subnetItem {
	var out struct {
		Subnet subnetItem `xml:"subnet"`
	}
	s.call(createSubnet, "CreateSubnet", map[string]string{"VpcId": vpcID, "CidrBlock": cidr}, &out)
	return out.Subnet
}

func (s *EC2TestSuite) TestVpcsAndSubnets() {
	body := s.call(createVpc, "CreateVpc", map[string]string{
		"CidrBlock":                       "10.0.0.0/16",
		"TagSpecification.1.ResourceType": "vpc",
		"TagSpecification.1.Tag.1.Key":    "Name",
		"TagSpecification.1.Tag.1.Value":  "main",
	}, nil)
	s.Contains(body, `<CreateVpcResponse xmlns="http://ec2.amazonaws.com/doc/2016-11-15/">`)
	s.Contains(body, "<requestId>")
	s.NotContains(body, "CreateVpcResult")

	var vpcsOut struct {
		Vpcs []vpcItem `xml:"vpcSet>item"`
	}
	s.call(describeVpcs, "DescribeVpcs", nil, &vpcsOut)
	s.Require().Len(vpcsOut.Vpcs, 2)
	s.True(vpcsOut.Vpcs[0].IsDefault)
	s.Equal(defaultVPCCIDR, vpcsOut.Vpcs[0].CIDRBlock)
	primary := vpcsOut.Vpcs[1]
	s.Regexp(`^vpc-[0-9a-f]{8}$`, primary.VpcID)
	s.Equal([]tag{{Key: "Name", Value: "main"}}, primary.TagSet)

	var tagged struct {
		Vpcs []vpcItem `xml:"vpcSet>item"`
	}
	s.call(describeVpcs, "DescribeVpcs", map[string]string{"Filter.1.Name": "tag:Name", "Filter.1.Value.1": "ma*"}, &tagged)
	s.Require().Len(tagged.Vpcs, 1)
	s.Equal(primary.VpcID, tagged.Vpcs[0].VpcID)

	subnet := s.createSubnet(primary.VpcID, "10.0.1.0/24")
	s.Regexp(`^subnet-[0-9a-f]{8}$`, subnet.SubnetID)
	s.Equal(251, subnet.AvailableIPAddressCount)
	s.Equal("us-east-1a", subnet.AvailabilityZone)

	s.Equal("InvalidSubnet.Conflict", s.fail(createSubnet, "CreateSubnet", map[string]string{"VpcId": primary.VpcID, "CidrBlock": "10.0.1.128/25"}))
	s.Equal("InvalidSubnet.Range", s.fail(createSubnet, "CreateSubnet", map[string]string{"VpcId": primary.VpcID, "CidrBlock": "192.168.0.0/24"}))
	s.Equal("InvalidVpcID.NotFound", s.fail(createSubnet, "CreateSubnet", map[string]string{"VpcId": "vpc-00000000", "CidrBlock": "10.0.2.0/24"}))
	s.Equal("InvalidVpc.Range", s.fail(createVpc, "CreateVpc", map[string]string{"CidrBlock": "10.0.0.0/8"}))

	var subnetsOut struct {
		Subnets []subnetItem `xml:"subnetSet>item"`
	}
	s.call(describeSubnets, "DescribeSubnets", map[string]string{"Filter.1.Name": "vpc-id", "Filter.1.Value.1": primary.VpcID}, &subnetsOut)
	s.Require().Len(subnetsOut.Subnets, 1)

	s.Equal("DependencyViolation", s.fail(deleteVpc, "DeleteVpc", map[string]string{"VpcId": primary.VpcID}))
	s.call(deleteSubnet, "DeleteSubnet", map[string]string{"SubnetId": subnet.SubnetID}, nil)
	s.call(deleteVpc, "DeleteVpc", map[string]string{"VpcId": primary.VpcID}, nil)
	s.Equal("InvalidVpcID.NotFound", s.fail(describeVpcs, "DescribeVpcs", map[string]string{"VpcId.1": primary.VpcID}))
	s.Equal("InvalidParameterValue", s.fail(describeVpcs, "DescribeVpcs", map[string]string{"Filter.1.Name": "bogus", "Filter.1.Value.1": "x"}))
}

func (s *EC2TestSuite) TestSecurityGroups() {
	vpc := s.createVpc("10.1.0.0/16")
	var created struct {
		GroupID string `xml:"groupId"`
	}
	s.call(createSecurityGroup, "CreateSecurityGroup", map[string]string{
		"GroupName":        "web",
		"GroupDescription": "web tier",
		"VpcId":            vpc.VpcID,
	}, &created)
	s.Regexp(`^sg-[0-9a-f]{8}$`, created.GroupID)
	s.Equal("InvalidGroup.Duplicate", s.fail(createSecurityGroup, "CreateSecurityGroup", map[string]string{
		"GroupName": "web", "GroupDescription": "again", "VpcId": vpc.VpcID,
	}))

	ingress := map[string]string{
		"GroupId":                           created.GroupID,
		"IpPermissions.1.IpProtocol":        "tcp",
		"IpPermissions.1.FromPort":          "443",
		"IpPermissions.1.ToPort":            "443",
		"IpPermissions.1.IpRanges.1.CidrIp": "0.0.0.0/0",
	}
	s.call(authorizeSecurityGroupIngress, "AuthorizeSecurityGroupIngress", ingress, nil)
	s.Equal("InvalidPermission.Duplicate", s.fail(authorizeSecurityGroupIngress, "AuthorizeSecurityGroupIngress", ingress))
	s.Equal("InvalidParameterValue", s.fail(authorizeSecurityGroupIngress, "AuthorizeSecurityGroupIngress", map[string]string{
		"GroupId":                           created.GroupID,
		"IpPermissions.1.IpProtocol":        "tcp",
		"IpPermissions.1.FromPort":          "90",
		"IpPermissions.1.ToPort":            "80",
		"IpPermissions.1.IpRanges.1.CidrIp": "0.0.0.0/0",
	}))

	var described struct {
		Groups []groupItem `xml:"securityGroupInfo>item"`
	}
	s.call(describeSecurityGroups, "DescribeSecurityGroups", map[string]string{"Filter.1.Name": "vpc-id", "Filter.1.Value.1": vpc.VpcID}, &described)
	s.Require().Len(described.Groups, 2)
	names := []string{described.Groups[0].GroupName, described.Groups[1].GroupName}
	s.ElementsMatch([]string{"default", "web"}, names)

	var web struct {
		Groups []groupItem `xml:"securityGroupInfo>item"`
	}
	s.call(describeSecurityGroups, "DescribeSecurityGroups", map[string]string{"GroupId.1": created.GroupID}, &web)
	s.Require().Len(web.Groups, 1)
	perms := web.Groups[0].IPPermissions
	s.Require().Len(perms, 1)
	s.Equal("tcp", perms[0].IPProtocol)
	s.Require().NotNil(perms[0].FromPort)
	s.Equal(443, *perms[0].FromPort)
	s.Equal("0.0.0.0/0", perms[0].IPRanges[0].CIDRIP)
	s.Equal("-1", web.Groups[0].IPPermissionsEgress[0].IPProtocol)

	s.call(deleteSecurityGroup, "DeleteSecurityGroup", map[string]string{"GroupId": created.GroupID}, nil)
	s.Equal("InvalidGroup.NotFound", s.fail(deleteSecurityGroup, "DeleteSecurityGroup", map[string]string{"GroupId": created.GroupID}))

	var def struct {
		Groups []groupItem `xml:"securityGroupInfo>item"`
	}
	s.call(describeSecurityGroups, "DescribeSecurityGroups", map[string]string{"Filter.1.Name": "vpc-id", "Filter.1.Value.1": vpc.VpcID}, &def)
	s.Require().Len(def.Groups, 1)
	s.Equal("CannotDelete", s.fail(deleteSecurityGroup, "DeleteSecurityGroup", map[string]string{"GroupId": def.Groups[0].GroupID}))
}

type launched struct {
	ReservationID string         `xml:"reservationId"`
	Instances     []instanceItem `xml:"instancesSet>item"`
}

func (s *EC2TestSuite) TestInstanceLifecycle() {
	vpc := s.createVpc("10.2.0.0/16")
	subnet := s.createSubnet(vpc.VpcID, "10.2.0.0/24")

	var run launched
	s.call(runInstances, "RunInstances", map[string]string{
		"ImageId":                         "ami-12345678",
		"MinCount":                        "2",
		"MaxCount":                        "2",
		"InstanceType":                    "t3.small",
		"SubnetId":                        subnet.SubnetID,
		"TagSpecification.1.ResourceType": "instance",
		"TagSpecification.1.Tag.1.Key":    "role",
		"TagSpecification.1.Tag.1.Value":  "api",
	}, &run)
	s.Regexp(`^r-[0-9a-f]{8}$`, run.ReservationID)
	s.Require().Len(run.Instances, 2)
	first := run.Instances[0]
	s.Regexp(`^i-[0-9a-f]{8}$`, first.InstanceID)
	s.Equal("running", first.InstanceState.Name)
	s.Equal(16, first.InstanceState.Code)
	s.Equal("10.2.0.4", first.PrivateIPAddress)
	s.Equal("10.2.0.5", run.Instances[1].PrivateIPAddress)
	s.Equal("ip-10-2-0-4.ec2.internal", first.PrivateDNSName)
	s.Empty(first.IPAddress)
	s.Require().Len(first.GroupSet, 1)
	s.Equal("default", first.GroupSet[0].GroupName)

	var described struct {
		Reservations []launched `xml:"reservationSet>item"`
	}
	s.call(describeInstances, "DescribeInstances", map[string]string{"Filter.1.Name": "tag:role", "Filter.1.Value.1": "api"}, &described)
	s.Require().Len(described.Reservations, 1)
	s.Len(described.Reservations[0].Instances, 2)

	type changes struct {
		Items []stateChange `xml:"instancesSet>item"`
	}
	var stopped changes
	s.call(stopInstances, "StopInstances", map[string]string{"InstanceId.1": first.InstanceID}, &stopped)
	s.Require().Len(stopped.Items, 1)
	s.Equal("running", stopped.Items[0].PreviousState.Name)
	s.Equal("stopped", stopped.Items[0].CurrentState.Name)

	var started changes
	s.call(startInstances, "StartInstances", map[string]string{"InstanceId.1": first.InstanceID}, &started)
	s.Equal("running", started.Items[0].CurrentState.Name)

	s.Equal("DependencyViolation", s.fail(deleteSubnet, "DeleteSubnet", map[string]string{"SubnetId": subnet.SubnetID}))

	var terminated changes
	s.call(terminateInstances, "TerminateInstances", map[string]string{
		"InstanceId.1": first.InstanceID,
		"InstanceId.2": run.Instances[1].InstanceID,
	}, &terminated)
	s.Len(terminated.Items, 2)
	s.Equal(48, terminated.Items[0].CurrentState.Code)
	s.Equal("IncorrectInstanceState", s.fail(startInstances, "StartInstances", map[string]string{"InstanceId.1": first.InstanceID}))
	s.Equal("InvalidInstanceID.NotFound", s.fail(stopInstances, "StopInstances", map[string]string{"InstanceId.1": "i-00000000"}))

	s.call(deleteSubnet, "DeleteSubnet", map[string]string{"SubnetId": subnet.SubnetID}, nil)
}

func (s *EC2TestSuite) TestDefaultLaunchAndTags() {
	var run launched
	s.call(runInstances, "RunInstances", map[string]string{"ImageId": "ami-1"}, &run)
	s.Require().Len(run.Instances, 1)
	inst := run.Instances[0]
	s.Equal("t2.micro", inst.InstanceType)
	s.Equal("172.31.0.4", inst.PrivateIPAddress)
	s.NotEmpty(inst.IPAddress)

	s.call(createTags, "CreateTags", map[string]string{
		"ResourceId.1": inst.InstanceID,
		"Tag.1.Key":    "env",
		"Tag.1.Value":  "dev",
	}, nil)
	var described struct {
		Reservations []launched `xml:"reservationSet>item"`
	}
	s.call(describeInstances, "DescribeInstances", map[string]string{"InstanceId.1": inst.InstanceID}, &described)
	s.Equal([]tag{{Key: "env", Value: "dev"}}, described.Reservations[0].Instances[0].TagSet)

	s.call(deleteTags, "DeleteTags", map[string]string{"ResourceId.1": inst.InstanceID, "Tag.1.Key": "env"}, nil)
	var untagged struct {
		Reservations []launched `xml:"reservationSet>item"`
	}
	s.call(describeInstances, "DescribeInstances", map[string]string{"InstanceId.1": inst.InstanceID}, &untagged)
	s.Empty(untagged.Reservations[0].Instances[0].TagSet)

	s.Equal("InvalidID", s.fail(createTags, "CreateTags", map[string]string{"ResourceId.1": "bogus-1", "Tag.1.Key": "k"}))
	s.Equal("MissingParameter", s.fail(runInstances, "RunInstances", nil))
}

func (s *EC2TestSuite) TestRegionsAndZones() {
	var regionsOut struct {
		Regions []regionItem `xml:"regionInfo>item"`
	}
	s.call(describeRegions, "DescribeRegions", nil, &regionsOut)
	s.Len(regionsOut.Regions, len(regions))

	var one struct {
		Regions []regionItem `xml:"regionInfo>item"`
	}
	s.call(describeRegions, "DescribeRegions", map[string]string{"RegionName.1": "eu-west-1"}, &one)
	s.Require().Len(one.Regions, 1)
	s.Equal("ec2.eu-west-1.amazonaws.com", one.Regions[0].RegionEndpoint)

	var zonesOut struct {
		Zones []zoneItem `xml:"availabilityZoneInfo>item"`
	}
	s.call(describeAvailabilityZones, "DescribeAvailabilityZones", nil, &zonesOut)
	s.Require().Len(zonesOut.Zones, 3)
	s.Equal("us-east-1a", zonesOut.Zones[0].ZoneName)
	s.Equal("use1-az1", zonesOut.Zones[0].ZoneID)
	s.Equal("available", zonesOut.Zones[0].ZoneState)
}
