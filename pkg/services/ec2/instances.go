package ec2

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"cloudemu/pkg/api"
	"cloudemu/pkg/awserr"
	"cloudemu/pkg/log"
	"cloudemu/pkg/models"
	"cloudemu/pkg/services/resource"
	"cloudemu/pkg/wire"
)

// Instance states and their codes.
const (
	statePending      = "pending"
	stateRunning      = "running"
	stateShuttingDown = "shutting-down"
	stateTerminated   = "terminated"
	stateStopping     = "stopping"
	stateStopped      = "stopped"
)

// stateVerbs names the action that leads into a state, for error messages.
var stateVerbs = map[string]string{
	stateRunning:    "started",
	stateStopped:    "stopped",
	stateTerminated: "terminated",
}

var stateCodes = map[string]int{
	statePending:      0,
	stateRunning:      16,
	stateShuttingDown: 32,
	stateTerminated:   48,
	stateStopping:     64,
	stateStopped:      80,
}

const (
	defaultInstanceType = "t2.micro"
	maxLaunchCount      = 20
)

type instanceAttrs struct {
	ReservationID    string   `json:"reservation_id"`
	ImageID          string   `json:"image_id"`
	InstanceType     string   `json:"instance_type"`
	KeyName          string   `json:"key_name,omitempty"`
	LaunchIndex      int      `json:"launch_index"`
	SubnetID         string   `json:"subnet_id"`
	VpcID            string   `json:"vpc_id"`
	AvailabilityZone string   `json:"availability_zone"`
	PrivateIP        string   `json:"private_ip"`
	PublicIP         string   `json:"public_ip,omitempty"`
	SecurityGroups   []string `json:"security_groups"`
	StateReason      string   `json:"state_reason,omitempty"`
	Tags             []tag    `json:"tags,omitempty"`
}

// Instances are children of their subnet.
var instances = resource.Kind[instanceAttrs]{
	Service: service,
	Kind:    "instance",
	NotFound: func(id string) *awserr.Error {
		return notFound("InvalidInstanceID.NotFound", "The instance ID '%s' does not exist", id)
	},
}

// privateIP hands out the n-th usable address of a subnet, after the four AWS reserves at the
// bottom of every block.
func privateIP(cidr string, n int) (string, error) {
	prefix := netip.MustParsePrefix(cidr)
	addr := prefix.Addr()
	for i := 0; i < 4+n; i++ {
		addr = addr.Next()
	}
	if !prefix.Contains(addr) || availableAddresses(cidr) <= n {
		return "", awserr.InvalidRequest("There are not enough free addresses in subnet to satisfy the requested number of instances.").
			WithCode("InsufficientFreeAddressesInSubnet")
	}
	return addr.String(), nil
}

// publicIP derives a stable mock public address from the instance id.
func publicIP(instanceID string) string {
	raw, err := hex.DecodeString(strings.TrimPrefix(instanceID, "i-"))
	if err != nil || len(raw) < 3 {
		return "54.0.0.1"
	}
	return fmt.Sprintf("54.%d.%d.%d", raw[0], raw[1], raw[2]|1)
}

func (a instanceAttrs) privateDNS(region string) string {
	host := "ip-" + strings.ReplaceAll(a.PrivateIP, ".", "-")
	if region == "us-east-1" {
		return host + ".ec2.internal"
	}
	return host + "." + region + ".compute.internal"
}

// launchSubnet picks the requested subnet or the default VPC's default subnet.
func launchSubnet(ctx context.Context, st *api.State, subnetID string) (*resource.Record[subnetAttrs], error) {
	if subnetID != "" {
		return subnets.Get(ctx, st, subnetID)
	}
	vpc, err := ensureDefaults(ctx, st)
	if err != nil {
		return nil, err
	}
	candidates, err := subnets.List(ctx, st, models.ResourceFilter{Parent: vpc.ID})
	if err != nil {
		return nil, err
	}
	for _, s := range candidates {
		if s.Data.DefaultForAz {
			return s, nil
		}
	}
	return nil, awserr.InvalidArgument("No default subnet for availability zone").WithCode("MissingInput")
}

// launchGroups resolves SecurityGroupId.N and SecurityGroup.N (names) within the VPC. No
// groups means the VPC's default group.
func launchGroups(ctx context.Context, st *api.State, p wire.Params, vpcID string) ([]string, error) {
	var ids []string
	for _, id := range p.List("SecurityGroupId") {
		rec, err := groups.Get(ctx, st, id)
		if err != nil {
			return nil, err
		}
		if rec.Data.VpcID != vpcID {
			return nil, invalidParameterValue("Security group %s and subnet belong to different networks.", id)
		}
		ids = append(ids, rec.ID)
	}
	for _, name := range p.List("SecurityGroup") {
		rec, err := groups.Find(ctx, st, vpcID, name)
		if err != nil {
			return nil, groups.NotFound(name)
		}
		ids = append(ids, rec.ID)
	}
	if len(ids) > 0 {
		return ids, nil
	}
	def, err := defaultGroup(ctx, st, vpcID)
	if err != nil {
		return nil, err
	}
	return []string{def.ID}, nil
}

type instanceState struct {
	Code int    `xml:"code"`
	Name string `xml:"name"`
}

func stateOf(name string) instanceState {
	return instanceState{Code: stateCodes[name], Name: name}
}

type groupRef struct {
	GroupID   string `xml:"groupId"`
	GroupName string `xml:"groupName"`
}

type placement struct {
	AvailabilityZone string `xml:"availabilityZone"`
	Tenancy          string `xml:"tenancy"`
}

type monitoring struct {
	State string `xml:"state"`
}

type instanceItem struct {
	InstanceID            string        `xml:"instanceId"`
	ImageID               string        `xml:"imageId"`
	InstanceState         instanceState `xml:"instanceState"`
	PrivateDNSName        string        `xml:"privateDnsName"`
	DNSName               string        `xml:"dnsName"`
	Reason                string        `xml:"reason"`
	KeyName               string        `xml:"keyName,omitempty"`
	AmiLaunchIndex        int           `xml:"amiLaunchIndex"`
	InstanceType          string        `xml:"instanceType"`
	LaunchTime            time.Time     `xml:"launchTime"`
	Placement             placement     `xml:"placement"`
	Monitoring            monitoring    `xml:"monitoring"`
	SubnetID              string        `xml:"subnetId"`
	VpcID                 string        `xml:"vpcId"`
	PrivateIPAddress      string        `xml:"privateIpAddress"`
	IPAddress             string        `xml:"ipAddress,omitempty"`
	GroupSet              []groupRef    `xml:"groupSet>item"`
	Architecture          string        `xml:"architecture"`
	RootDeviceType        string        `xml:"rootDeviceType"`
	RootDeviceName        string        `xml:"rootDeviceName"`
	VirtualizationType    string        `xml:"virtualizationType"`
	Hypervisor            string        `xml:"hypervisor"`
	TagSet                []tag         `xml:"tagSet>item,omitempty"`
	StateTransitionReason string        `xml:"stateReason>message,omitempty"`
}

// groupRefs names the instance's security groups. Deleted groups are listed by id only.
func groupRefs(ctx context.Context, st *api.State, ids []string) ([]groupRef, error) {
	records, err := groups.List(ctx, st, models.ResourceFilter{IDs: ids})
	if err != nil {
		return nil, err
	}
	names := map[string]string{}
	for _, rec := range records {
		names[rec.ID] = rec.Name
	}
	refs := make([]groupRef, 0, len(ids))
	for _, id := range ids {
		refs = append(refs, groupRef{GroupID: id, GroupName: names[id]})
	}
	return refs, nil
}

func describeInstance(ctx context.Context, st *api.State, rec *resource.Record[instanceAttrs]) (instanceItem, error) {
	refs, err := groupRefs(ctx, st, rec.Data.SecurityGroups)
	if err != nil {
		return instanceItem{}, err
	}
	item := instanceItem{
		InstanceID:            rec.ID,
		ImageID:               rec.Data.ImageID,
		InstanceState:         stateOf(rec.State),
		PrivateDNSName:        rec.Data.privateDNS(st.Region()),
		Reason:                rec.Data.StateReason,
		KeyName:               rec.Data.KeyName,
		AmiLaunchIndex:        rec.Data.LaunchIndex,
		InstanceType:          rec.Data.InstanceType,
		LaunchTime:            rec.CreatedAt,
		Placement:             placement{AvailabilityZone: rec.Data.AvailabilityZone, Tenancy: "default"},
		Monitoring:            monitoring{State: "disabled"},
		SubnetID:              rec.Data.SubnetID,
		VpcID:                 rec.Data.VpcID,
		PrivateIPAddress:      rec.Data.PrivateIP,
		GroupSet:              refs,
		Architecture:          "x86_64",
		RootDeviceType:        "ebs",
		RootDeviceName:        "/dev/xvda",
		VirtualizationType:    "hvm",
		Hypervisor:            "xen",
		TagSet:                rec.Data.Tags,
		StateTransitionReason: rec.Data.StateReason,
	}
	if rec.State == stateRunning && rec.Data.PublicIP != "" {
		item.IPAddress = rec.Data.PublicIP
		item.DNSName = "ec2-" + strings.ReplaceAll(rec.Data.PublicIP, ".", "-") + ".compute-1.amazonaws.com"
	}
	if rec.State == stateTerminated {
		item.PrivateDNSName = ""
	}
	return item, nil
}

type reservation struct {
	ReservationID string         `xml:"reservationId"`
	OwnerID       string         `xml:"ownerId"`
	InstancesSet  []instanceItem `xml:"instancesSet>item"`
}

type runInstancesOutput struct {
	wire.EC2Meta
	reservation
}

// runInstances launches MaxCount instances straight into running. Failures between MinCount
// and MaxCount cannot happen here, so MinCount only bounds validation.
func runInstances(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	p := req.Params
	imageID, err := p.Require("ImageId")
	if err != nil {
		return nil, err
	}
	minCount, maxCount := p.Int("MinCount", 1), p.Int("MaxCount", 1)
	if minCount < 1 || maxCount < minCount {
		return nil, invalidParameterValue("Invalid value '%d' for maxCount. Must be greater than or equal to minCount.", maxCount)
	}
	if minCount > maxLaunchCount {
		return nil, awserr.InvalidRequest(fmt.Sprintf("You have requested more instances (%d) than your current instance limit of %d allows.", minCount, maxLaunchCount)).
			WithCode("InstanceLimitExceeded")
	}
	maxCount = min(maxCount, maxLaunchCount)
	instanceType := p.Get("InstanceType")
	if instanceType == "" {
		instanceType = defaultInstanceType
	}
	subnet, err := launchSubnet(ctx, st, p.Get("SubnetId"))
	if err != nil {
		return nil, err
	}
	groupIDs, err := launchGroups(ctx, st, p, subnet.Data.VpcID)
	if err != nil {
		return nil, err
	}
	used, err := st.Meta.CountChildren(ctx, service, instances.Kind, subnet.ID)
	if err != nil {
		return nil, err
	}

	out := &runInstancesOutput{reservation: reservation{ReservationID: newID("r"), OwnerID: st.AccountID()}}
	tags := tagSpecs(p, "instance")
	for i := range maxCount {
		ip, err := privateIP(subnet.Data.CIDRBlock, int(used)+i)
		if err != nil {
			return nil, err
		}
		id := newID("i")
		attrs := instanceAttrs{
			ReservationID:    out.ReservationID,
			ImageID:          imageID,
			InstanceType:     instanceType,
			KeyName:          p.Get("KeyName"),
			LaunchIndex:      i,
			SubnetID:         subnet.ID,
			VpcID:            subnet.Data.VpcID,
			AvailabilityZone: subnet.Data.AvailabilityZone,
			PrivateIP:        ip,
			SecurityGroups:   groupIDs,
			Tags:             tags,
		}
		if subnet.Data.MapPublicIPOnLaunch || p.Bool("NetworkInterface.1.AssociatePublicIpAddress", false) {
			attrs.PublicIP = publicIP(id)
		}
		rec := instances.New(st, id, "", st.ARN(service, "instance/"+id), attrs)
		rec.Parent = subnet.ID
		rec.State = stateRunning
		if err := instances.Create(ctx, st, rec); err != nil {
			return nil, err
		}
		item, err := describeInstance(ctx, st, rec)
		if err != nil {
			return nil, err
		}
		out.InstancesSet = append(out.InstancesSet, item)
	}
	log.Debug().Str("reservation", out.ReservationID).Int("count", maxCount).Str("subnet", subnet.ID).Msg("Instances launched")
	return api.Reply(req, out)
}

type describeInstancesOutput struct {
	wire.EC2Meta
	ReservationSet []reservation `xml:"reservationSet>item"`
	NextToken      string        `xml:"nextToken,omitempty"`
}

func instanceFields(rec *resource.Record[instanceAttrs]) fieldFunc {
	return func(name string) ([]string, bool) {
		switch name {
		case "instance-id":
			return []string{rec.ID}, true
		case "instance-state-name":
			return []string{rec.State}, true
		case "instance-state-code":
			return []string{fmt.Sprint(stateCodes[rec.State])}, true
		case "instance-type":
			return []string{rec.Data.InstanceType}, true
		case "image-id":
			return []string{rec.Data.ImageID}, true
		case "subnet-id":
			return []string{rec.Data.SubnetID}, true
		case "vpc-id":
			return []string{rec.Data.VpcID}, true
		case "reservation-id":
			return []string{rec.Data.ReservationID}, true
		case "availability-zone":
			return []string{rec.Data.AvailabilityZone}, true
		case "key-name":
			return []string{rec.Data.KeyName}, true
		case "private-ip-address":
			return []string{rec.Data.PrivateIP}, true
		case "ip-address":
			return []string{rec.Data.PublicIP}, true
		case "instance.group-id", "group-id":
			return rec.Data.SecurityGroups, true
		}
		return tagField(rec.Data.Tags, name)
	}
}

// describeInstances groups the selected instances by reservation in launch order.
func describeInstances(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	records, err := selectRecords(ctx, st, instances, req.Params.List("InstanceId"), parseFilters(req.Params), instanceFields)
	if err != nil {
		return nil, err
	}
	records, token, err := pageRecords(records, req.Params)
	if err != nil {
		return nil, err
	}
	out := &describeInstancesOutput{NextToken: token}
	index := map[string]int{}
	for _, rec := range records {
		item, err := describeInstance(ctx, st, rec)
		if err != nil {
			return nil, err
		}
		i, ok := index[rec.Data.ReservationID]
		if !ok {
			i = len(out.ReservationSet)
			index[rec.Data.ReservationID] = i
			out.ReservationSet = append(out.ReservationSet, reservation{ReservationID: rec.Data.ReservationID, OwnerID: st.AccountID()})
		}
		out.ReservationSet[i].InstancesSet = append(out.ReservationSet[i].InstancesSet, item)
	}
	return api.Reply(req, out)
}

type stateChange struct {
	InstanceID    string        `xml:"instanceId"`
	CurrentState  instanceState `xml:"currentState"`
	PreviousState instanceState `xml:"previousState"`
}

type stateChangeOutput struct {
	wire.EC2Meta
	InstancesSet []stateChange `xml:"instancesSet>item"`
}

// transition moves every listed instance to target. allowed returns false for a source state
// the move is illegal from; repeating a move on an instance already in target is a no-op.
func transition(ctx context.Context, st *api.State, req *api.Request, target, reason string, allowed func(from string) bool) (*api.Response, error) {
	ids := req.Params.List("InstanceId")
	if len(ids) == 0 {
		return nil, awserr.MissingParameter("InstanceId")
	}
	if _, err := selectRecords(ctx, st, instances, ids, nil, instanceFields); err != nil {
		return nil, err
	}
	out := &stateChangeOutput{}
	for _, id := range ids {
		var previous string
		_, err := instances.Update(ctx, st, id, func(r *resource.Record[instanceAttrs]) error {
			previous = r.State
			if previous == target {
				return nil
			}
			if !allowed(previous) {
				return awserr.InvalidRequest(fmt.Sprintf("The instance '%s' is not in a state from which it can be %s.", id, stateVerbs[target])).
					WithCode("IncorrectInstanceState")
			}
			r.State = target
			r.Data.StateReason = ""
			if reason != "" {
				r.Data.StateReason = fmt.Sprintf("%s (%s)", reason, st.Now().Format("2006-01-02 15:04:05 MST"))
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		out.InstancesSet = append(out.InstancesSet, stateChange{InstanceID: id, CurrentState: stateOf(target), PreviousState: stateOf(previous)})
		log.Debug().Str("instance", id).Str("from", previous).Str("to", target).Msg("Instance state changed")
	}
	return api.Reply(req, out)
}

func stopInstances(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	return transition(ctx, st, req, stateStopped, "User initiated", func(from string) bool {
		return from == stateRunning || from == statePending
	})
}

func startInstances(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	return transition(ctx, st, req, stateRunning, "", func(from string) bool {
		return from == stateStopped
	})
}

func terminateInstances(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	return transition(ctx, st, req, stateTerminated, "User initiated", func(string) bool { return true })
}
