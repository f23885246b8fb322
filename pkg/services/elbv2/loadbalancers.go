package elbv2

import (
	"context"
	"fmt"
	"slices"
	"time"

	"cloudemu/pkg/api"
	"cloudemu/pkg/awserr"
	"cloudemu/pkg/log"
	"cloudemu/pkg/models"
	"cloudemu/pkg/services/resource"
)

type balancerAttrs struct {
	Type           string   `json:"type"`
	Scheme         string   `json:"scheme"`
	IPAddressType  string   `json:"ip_address_type"`
	DNSName        string   `json:"dns_name"`
	Subnets        []string `json:"subnets,omitempty"`
	SecurityGroups []string `json:"security_groups,omitempty"`
	Tags           []tag    `json:"tags,omitempty"`
}

var balancers = resource.Kind[balancerAttrs]{
	Service: service,
	Kind:    "loadbalancer",
	NotFound: func(string) *awserr.Error {
		return notFound("LoadBalancerNotFound", "One or more load balancers not found")
	},
	Exists: func(string) *awserr.Error {
		return awserr.InvalidArgument("A load balancer with the same name exists, but with different settings").WithCode("DuplicateLoadBalancerName")
	},
}

type zone struct {
	ZoneName string `xml:"ZoneName"`
	SubnetID string `xml:"SubnetId"`
}

type loadBalancer struct {
	LoadBalancerArn       string    `xml:"LoadBalancerArn"`
	DNSName               string    `xml:"DNSName"`
	CanonicalHostedZoneID string    `xml:"CanonicalHostedZoneId"`
	CreatedTime           time.Time `xml:"CreatedTime"`
	LoadBalancerName      string    `xml:"LoadBalancerName"`
	Scheme                string    `xml:"Scheme"`
	State                 struct {
		Code string `xml:"Code"`
	} `xml:"State"`
	Type              string   `xml:"Type"`
	AvailabilityZones []zone   `xml:"AvailabilityZones>member"`
	SecurityGroups    []string `xml:"SecurityGroups>member,omitempty"`
	IPAddressType     string   `xml:"IpAddressType"`
}

func describeBalancer(st *api.State, rec *resource.Record[balancerAttrs]) loadBalancer {
	out := loadBalancer{
		LoadBalancerArn:       rec.ID,
		DNSName:               rec.Data.DNSName,
		CanonicalHostedZoneID: canonicalZoneID,
		CreatedTime:           rec.CreatedAt,
		LoadBalancerName:      rec.Name,
		Scheme:                rec.Data.Scheme,
		Type:                  rec.Data.Type,
		SecurityGroups:        rec.Data.SecurityGroups,
		IPAddressType:         rec.Data.IPAddressType,
	}
	out.State.Code = rec.State
	for i, subnet := range rec.Data.Subnets {
		out.AvailabilityZones = append(out.AvailabilityZones, zone{
			ZoneName: st.Region() + string(rune('a'+i%3)),
			SubnetID: subnet,
		})
	}
	return out
}

type loadBalancersOutput struct {
	LoadBalancers []loadBalancer `xml:"LoadBalancers>member"`
	NextMarker    string         `xml:"NextMarker,omitempty"`
}

// createLoadBalancer records a load balancer. The subnets are echoed back but never checked
// against EC2. Repeating a create with the same settings returns the existing balancer.
func createLoadBalancer(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	p := req.Params
	name, err := p.Require("Name")
	if err != nil {
		return nil, err
	}
	if err := checkName("Load balancer", name); err != nil {
		return nil, err
	}
	attrs := balancerAttrs{
		Type:           p.Get("Type"),
		Scheme:         p.Get("Scheme"),
		IPAddressType:  p.Get("IpAddressType"),
		Subnets:        p.List("Subnets"),
		SecurityGroups: p.List("SecurityGroups"),
		Tags:           parseTags(p),
	}
	for _, mapping := range p.Structs("SubnetMappings") {
		attrs.Subnets = append(attrs.Subnets, mapping.Get("SubnetId"))
	}
	if attrs.Type == "" {
		attrs.Type = typeApplication
	}
	if !slices.Contains([]string{typeApplication, typeNetwork, typeGateway}, attrs.Type) {
		return nil, validationError("Load balancer type '%s' is not valid", attrs.Type)
	}
	if attrs.Scheme == "" {
		attrs.Scheme = schemeInternet
	}
	if attrs.Scheme != schemeInternet && attrs.Scheme != schemeInternal {
		return nil, validationError("Scheme '%s' is not valid", attrs.Scheme)
	}
	if attrs.IPAddressType == "" {
		attrs.IPAddressType = "ipv4"
	}
	if attrs.Type == typeApplication && len(attrs.Subnets) == 1 {
		return nil, validationError("At least two subnets in two different Availability Zones must be specified")
	}

	if existing, err := balancers.Find(ctx, st, "", name); err == nil {
		if existing.Data.Type != attrs.Type || existing.Data.Scheme != attrs.Scheme {
			return nil, balancers.Exists(name)
		}
		return api.Reply(req, loadBalancersOutput{LoadBalancers: []loadBalancer{describeBalancer(st, existing)}})
	}

	kind := "app"
	switch attrs.Type {
	case typeNetwork:
		kind = "net"
	case typeGateway:
		kind = "gwy"
	}
	arn := st.ARN(service, fmt.Sprintf("loadbalancer/%s/%s/%s", kind, name, shortID()))
	host := name + "-" + dnsSuffix(arn)
	if attrs.Scheme == schemeInternal {
		host = "internal-" + host
	}
	attrs.DNSName = fmt.Sprintf("%s.%s.elb.amazonaws.com", host, st.Region())
	rec := balancers.New(st, arn, name, arn, attrs)
	rec.State = stateActive
	if err := balancers.Create(ctx, st, rec); err != nil {
		return nil, err
	}
	log.Debug().Str("loadbalancer", name).Str("type", attrs.Type).Msg("load balancer created")
	return api.Reply(req, loadBalancersOutput{LoadBalancers: []loadBalancer{describeBalancer(st, rec)}})
}

func describeLoadBalancers(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	records, err := selectByARNOrName(ctx, st, balancers, req.Params.List("LoadBalancerArns"), req.Params.List("Names"))
	if err != nil {
		return nil, err
	}
	records, next, err := page(records, req.Params)
	if err != nil {
		return nil, err
	}
	out := loadBalancersOutput{NextMarker: next}
	for _, rec := range records {
		out.LoadBalancers = append(out.LoadBalancers, describeBalancer(st, rec))
	}
	return api.Reply(req, out)
}

// deleteLoadBalancer removes a balancer and its listeners. Deleting one that does not exist
// succeeds.
func deleteLoadBalancer(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	arn, err := req.Params.Require("LoadBalancerArn")
	if err != nil {
		return nil, err
	}
	if _, err := st.Meta.DeleteChildren(ctx, service, listeners.Kind, arn); err != nil {
		return nil, err
	}
	if _, err := st.Meta.DeleteResource(ctx, service, balancers.Kind, arn); err != nil {
		return nil, err
	}
	log.Debug().Str("loadbalancer", arn).Msg("load balancer deleted")
	return api.Reply(req, struct{}{})
}

// balancerARNs returns the balancers whose listeners forward to the target group.
func balancerARNs(ctx context.Context, st *api.State, groupARN string) ([]string, error) {
	all, err := listeners.List(ctx, st, models.ResourceFilter{})
	if err != nil {
		return nil, err
	}
	var arns []string
	for _, l := range all {
		if l.Data.forwardsTo(groupARN) && !slices.Contains(arns, l.Parent) {
			arns = append(arns, l.Parent)
		}
	}
	return arns, nil
}
