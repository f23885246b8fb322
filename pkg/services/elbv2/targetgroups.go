package elbv2

import (
	"context"
	"fmt"
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

var protocols = []string{"HTTP", "HTTPS", "TCP", "TLS", "UDP", "TCP_UDP", "GENEVE"}

type healthCheck struct {
	Enabled            bool   `json:"enabled"`
	Protocol           string `json:"protocol"`
	Port               string `json:"port"`
	Path               string `json:"path,omitempty"`
	IntervalSeconds    int    `json:"interval_seconds"`
	TimeoutSeconds     int    `json:"timeout_seconds"`
	HealthyThreshold   int    `json:"healthy_threshold"`
	UnhealthyThreshold int    `json:"unhealthy_threshold"`
	Matcher            string `json:"matcher,omitempty"`
}

type groupAttrs struct {
	Protocol        string      `json:"protocol,omitempty"`
	ProtocolVersion string      `json:"protocol_version,omitempty"`
	Port            int         `json:"port,omitempty"`
	VpcID           string      `json:"vpc_id,omitempty"`
	TargetType      string      `json:"target_type"`
	HealthCheck     healthCheck `json:"health_check"`
	Tags            []tag       `json:"tags,omitempty"`
}

var targetGroups = resource.Kind[groupAttrs]{
	Service: service,
	Kind:    "targetgroup",
	NotFound: func(string) *awserr.Error {
		return notFound("TargetGroupNotFound", "One or more target groups not found")
	},
	Exists: func(string) *awserr.Error {
		return awserr.InvalidArgument("A target group with the same name exists, but with different settings").WithCode("DuplicateTargetGroupName")
	},
}

type targetAttrs struct {
	ID               string `json:"id"`
	Port             int    `json:"port,omitempty"`
	AvailabilityZone string `json:"availability_zone,omitempty"`
}

// targets are keyed by group ARN, target id and port; a target registered on two ports is two
// targets.
var targets = resource.Kind[targetAttrs]{
	Service: service,
	Kind:    "target",
}

func targetKey(group string, t targetAttrs) string {
	return group + "|" + t.ID + "|" + strconv.Itoa(t.Port)
}

// defaultHealthCheck fills the health check settings AWS picks for the protocol.
func defaultHealthCheck(attrs groupAttrs) healthCheck {
	hc := healthCheck{
		Enabled:            true,
		Protocol:           attrs.Protocol,
		Port:               trafficPort,
		IntervalSeconds:    30,
		TimeoutSeconds:     5,
		HealthyThreshold:   5,
		UnhealthyThreshold: 2,
	}
	switch {
	case attrs.TargetType == targetLambda:
		hc = healthCheck{IntervalSeconds: 35, TimeoutSeconds: 30, HealthyThreshold: 5, UnhealthyThreshold: 2, Path: "/", Matcher: "200"}
	case attrs.Protocol == "HTTP" || attrs.Protocol == "HTTPS":
		hc.Path, hc.Matcher = "/", "200"
	default:
		hc.Protocol, hc.TimeoutSeconds, hc.HealthyThreshold = "TCP", 10, 5
	}
	return hc
}

func parseHealthCheck(p wire.Params, hc healthCheck) (healthCheck, error) {
	if v := p.Get("HealthCheckProtocol"); v != "" {
		hc.Protocol = v
	}
	if v := p.Get("HealthCheckPort"); v != "" {
		hc.Port = v
	}
	if v := p.Get("HealthCheckPath"); v != "" {
		if !strings.HasPrefix(v, "/") {
			return hc, validationError("Health check path must begin with '/'")
		}
		hc.Path = v
	}
	if v := p.Get("Matcher.HttpCode"); v != "" {
		hc.Matcher = v
	}
	hc.Enabled = p.Bool("HealthCheckEnabled", hc.Enabled)
	hc.IntervalSeconds = p.Int("HealthCheckIntervalSeconds", hc.IntervalSeconds)
	hc.TimeoutSeconds = p.Int("HealthCheckTimeoutSeconds", hc.TimeoutSeconds)
	hc.HealthyThreshold = p.Int("HealthyThresholdCount", hc.HealthyThreshold)
	hc.UnhealthyThreshold = p.Int("UnhealthyThresholdCount", hc.UnhealthyThreshold)
	switch {
	case hc.IntervalSeconds < 5 || hc.IntervalSeconds > 300:
		return hc, validationError("Health check interval must be between 5 and 300 seconds")
	case hc.TimeoutSeconds < 2 || hc.TimeoutSeconds > 120:
		return hc, validationError("Health check timeout must be between 2 and 120 seconds")
	case hc.TimeoutSeconds >= hc.IntervalSeconds:
		return hc, validationError("Health check interval must be greater than the timeout")
	case hc.HealthyThreshold < 2 || hc.HealthyThreshold > 10 || hc.UnhealthyThreshold < 2 || hc.UnhealthyThreshold > 10:
		return hc, validationError("Health check threshold counts must be between 2 and 10")
	}
	return hc, nil
}

type targetGroup struct {
	TargetGroupArn             string   `xml:"TargetGroupArn"`
	TargetGroupName            string   `xml:"TargetGroupName"`
	Protocol                   string   `xml:"Protocol,omitempty"`
	ProtocolVersion            string   `xml:"ProtocolVersion,omitempty"`
	Port                       int      `xml:"Port,omitempty"`
	VpcID                      string   `xml:"VpcId,omitempty"`
	HealthCheckEnabled         bool     `xml:"HealthCheckEnabled"`
	HealthCheckProtocol        string   `xml:"HealthCheckProtocol,omitempty"`
	HealthCheckPort            string   `xml:"HealthCheckPort,omitempty"`
	HealthCheckPath            string   `xml:"HealthCheckPath,omitempty"`
	HealthCheckIntervalSeconds int      `xml:"HealthCheckIntervalSeconds"`
	HealthCheckTimeoutSeconds  int      `xml:"HealthCheckTimeoutSeconds"`
	HealthyThresholdCount      int      `xml:"HealthyThresholdCount"`
	UnhealthyThresholdCount    int      `xml:"UnhealthyThresholdCount"`
	Matcher                    *matcher `xml:"Matcher,omitempty"`
	LoadBalancerArns           []string `xml:"LoadBalancerArns>member"`
	TargetType                 string   `xml:"TargetType"`
	IPAddressType              string   `xml:"IpAddressType"`
}

type matcher struct {
	HTTPCode string `xml:"HttpCode"`
}

func describeGroup(ctx context.Context, st *api.State, rec *resource.Record[groupAttrs]) (targetGroup, error) {
	hc := rec.Data.HealthCheck
	out := targetGroup{
		TargetGroupArn:             rec.ID,
		TargetGroupName:            rec.Name,
		Protocol:                   rec.Data.Protocol,
		ProtocolVersion:            rec.Data.ProtocolVersion,
		Port:                       rec.Data.Port,
		VpcID:                      rec.Data.VpcID,
		HealthCheckEnabled:         hc.Enabled,
		HealthCheckProtocol:        hc.Protocol,
		HealthCheckPort:            hc.Port,
		HealthCheckPath:            hc.Path,
		HealthCheckIntervalSeconds: hc.IntervalSeconds,
		HealthCheckTimeoutSeconds:  hc.TimeoutSeconds,
		HealthyThresholdCount:      hc.HealthyThreshold,
		UnhealthyThresholdCount:    hc.UnhealthyThreshold,
		TargetType:                 rec.Data.TargetType,
		IPAddressType:              "ipv4",
	}
	if hc.Matcher != "" {
		out.Matcher = &matcher{HTTPCode: hc.Matcher}
	}
	arns, err := balancerARNs(ctx, st, rec.ID)
	if err != nil {
		return out, err
	}
	out.LoadBalancerArns = arns
	return out, nil
}

type targetGroupsOutput struct {
	TargetGroups []targetGroup `xml:"TargetGroups>member"`
	NextMarker   string        `xml:"NextMarker,omitempty"`
}

func createTargetGroup(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	p := req.Params
	name, err := p.Require("Name")
	if err != nil {
		return nil, err
	}
	if err := checkName("Target group", name); err != nil {
		return nil, err
	}
	attrs := groupAttrs{
		Protocol:   p.Get("Protocol"),
		Port:       p.Int("Port", 0),
		VpcID:      p.Get("VpcId"),
		TargetType: p.Get("TargetType"),
		Tags:       parseTags(p),
	}
	if attrs.TargetType == "" {
		attrs.TargetType = targetInstance
	}
	if attrs.TargetType == targetLambda {
		if attrs.Protocol != "" || p.Has("Port") || attrs.VpcID != "" {
			return nil, validationError("A protocol, port or VPC ID cannot be specified for target groups with target type 'lambda'")
		}
	} else {
		switch {
		case !slices.Contains(protocols, attrs.Protocol):
			return nil, validationError("A valid protocol must be specified")
		case attrs.Port < 1 || attrs.Port > 65535:
			return nil, validationError("A port between 1 and 65535 must be specified")
		case attrs.VpcID == "":
			return nil, validationError("A VPC ID must be specified")
		}
	}
	if attrs.Protocol == "HTTP" || attrs.Protocol == "HTTPS" {
		attrs.ProtocolVersion = "HTTP1"
		if v := p.Get("ProtocolVersion"); v != "" {
			attrs.ProtocolVersion = v
		}
	}
	if attrs.HealthCheck, err = parseHealthCheck(p, defaultHealthCheck(attrs)); err != nil {
		return nil, err
	}

	if existing, err := targetGroups.Find(ctx, st, "", name); err == nil {
		same := existing.Data.Protocol == attrs.Protocol && existing.Data.Port == attrs.Port &&
			existing.Data.VpcID == attrs.VpcID && existing.Data.TargetType == attrs.TargetType
		if !same {
			return nil, targetGroups.Exists(name)
		}
		return replyGroups(ctx, st, req, []*resource.Record[groupAttrs]{existing}, "")
	}

	arn := st.ARN(service, fmt.Sprintf("targetgroup/%s/%s", name, shortID()))
	rec := targetGroups.New(st, arn, name, arn, attrs)
	if err := targetGroups.Create(ctx, st, rec); err != nil {
		return nil, err
	}
	log.Debug().Str("targetgroup", name).Str("target_type", attrs.TargetType).Msg("target group created")
	return replyGroups(ctx, st, req, []*resource.Record[groupAttrs]{rec}, "")
}

func replyGroups(ctx context.Context, st *api.State, req *api.Request, records []*resource.Record[groupAttrs], next string) (*api.Response, error) {
	out := targetGroupsOutput{NextMarker: next}
	for _, rec := range records {
		g, err := describeGroup(ctx, st, rec)
		if err != nil {
			return nil, err
		}
		out.TargetGroups = append(out.TargetGroups, g)
	}
	return api.Reply(req, out)
}

// describeTargetGroups selects by ARNs, names or the load balancer the groups are attached to.
func describeTargetGroups(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	p := req.Params
	records, err := selectByARNOrName(ctx, st, targetGroups, p.List("TargetGroupArns"), p.List("Names"))
	if err != nil {
		return nil, err
	}
	if lb := p.Get("LoadBalancerArn"); lb != "" {
		if _, err := balancers.Get(ctx, st, lb); err != nil {
			return nil, err
		}
		attached, err := listeners.List(ctx, st, models.ResourceFilter{Parent: lb})
		if err != nil {
			return nil, err
		}
		records = slices.DeleteFunc(records, func(g *resource.Record[groupAttrs]) bool {
			return !slices.ContainsFunc(attached, func(l *resource.Record[listenerAttrs]) bool { return l.Data.forwardsTo(g.ID) })
		})
	}
	records, next, err := page(records, p)
	if err != nil {
		return nil, err
	}
	return replyGroups(ctx, st, req, records, next)
}

// deleteTargetGroup drops a group and its registrations. A group still used by a listener
// cannot go; one that does not exist is already gone.
func deleteTargetGroup(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	arn, err := req.Params.Require("TargetGroupArn")
	if err != nil {
		return nil, err
	}
	users, err := balancerARNs(ctx, st, arn)
	if err != nil {
		return nil, err
	}
	if len(users) > 0 {
		return nil, awserr.InvalidRequest(fmt.Sprintf("Target group '%s' is currently in use by a listener or a rule", arn)).WithCode("ResourceInUse")
	}
	if _, err := st.Meta.DeleteChildren(ctx, service, targets.Kind, arn); err != nil {
		return nil, err
	}
	if _, err := st.Meta.DeleteResource(ctx, service, targetGroups.Kind, arn); err != nil {
		return nil, err
	}
	log.Debug().Str("targetgroup", arn).Msg("target group deleted")
	return api.Reply(req, struct{}{})
}

// parseTargets reads Targets.member.N, defaulting the port to the group's.
func parseTargets(p wire.Params, group *resource.Record[groupAttrs]) ([]targetAttrs, error) {
	var out []targetAttrs
	for _, t := range p.Structs("Targets") {
		target := targetAttrs{ID: t.Get("Id"), Port: t.Int("Port", group.Data.Port), AvailabilityZone: t.Get("AvailabilityZone")}
		if target.ID == "" {
			return nil, validationError("A target ID must be specified")
		}
		switch group.Data.TargetType {
		case targetInstance:
			if !strings.HasPrefix(target.ID, "i-") {
				return nil, invalidTarget("The following targets are not valid instances: '%s'", target.ID)
			}
		case "ip":
			if _, err := netip.ParseAddr(target.ID); err != nil {
				return nil, invalidTarget("The IP address '%s' is not a valid IPv4 address", target.ID)
			}
		case targetLambda:
			target.Port = 0
		}
		if group.Data.TargetType != targetLambda && (target.Port < 1 || target.Port > 65535) {
			return nil, validationError("Port must be between 1 and 65535")
		}
		out = append(out, target)
	}
	if len(out) == 0 {
		return nil, validationError("At least one target must be specified")
	}
	return out, nil
}

func invalidTarget(format string, args ...any) *awserr.Error {
	return awserr.InvalidArgument(fmt.Sprintf(format, args...)).WithCode("InvalidTarget")
}

// registerTargets adds targets to a group. Registering a target twice is harmless.
func registerTargets(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	arn, err := req.Params.Require("TargetGroupArn")
	if err != nil {
		return nil, err
	}
	group, err := targetGroups.Get(ctx, st, arn)
	if err != nil {
		return nil, err
	}
	list, err := parseTargets(req.Params, group)
	if err != nil {
		return nil, err
	}
	for _, t := range list {
		rec := targets.New(st, targetKey(arn, t), "", "", t)
		rec.Parent = arn
		if err := targets.Create(ctx, st, rec); err != nil && !awserr.IsKind(err, awserr.KindAlreadyExists) {
			return nil, err
		}
	}
	log.Debug().Str("targetgroup", arn).Int("targets", len(list)).Msg("targets registered")
	return api.Reply(req, struct{}{})
}

// deregisterTargets removes targets from a group. Targets that are not registered are skipped.
func deregisterTargets(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	arn, err := req.Params.Require("TargetGroupArn")
	if err != nil {
		return nil, err
	}
	group, err := targetGroups.Get(ctx, st, arn)
	if err != nil {
		return nil, err
	}
	list, err := parseTargets(req.Params, group)
	if err != nil {
		return nil, err
	}
	for _, t := range list {
		if _, err := st.Meta.DeleteResource(ctx, service, targets.Kind, targetKey(arn, t)); err != nil {
			return nil, err
		}
	}
	return api.Reply(req, struct{}{})
}

type targetDescription struct {
	ID               string `xml:"Id"`
	Port             int    `xml:"Port,omitempty"`
	AvailabilityZone string `xml:"AvailabilityZone,omitempty"`
}

type targetHealth struct {
	State       string `xml:"State"`
	Reason      string `xml:"Reason,omitempty"`
	Description string `xml:"Description,omitempty"`
}

type targetHealthDescription struct {
	Target          targetDescription `xml:"Target"`
	HealthCheckPort string            `xml:"HealthCheckPort,omitempty"`
	TargetHealth    targetHealth      `xml:"TargetHealth"`
}

type describeTargetHealthOutput struct {
	TargetHealthDescriptions []targetHealthDescription `xml:"TargetHealthDescriptions>member"`
}

// describeTargetHealth reports every registered target as healthy. Targets asked about by id
// that are not registered come back unused.
func describeTargetHealth(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	arn, err := req.Params.Require("TargetGroupArn")
	if err != nil {
		return nil, err
	}
	group, err := targetGroups.Get(ctx, st, arn)
	if err != nil {
		return nil, err
	}
	registered, err := targets.List(ctx, st, models.ResourceFilter{Parent: arn})
	if err != nil {
		return nil, err
	}
	port := func(t targetAttrs) string {
		if group.Data.HealthCheck.Port == trafficPort && t.Port > 0 {
			return strconv.Itoa(t.Port)
		}
		return group.Data.HealthCheck.Port
	}

	out := describeTargetHealthOutput{}
	describe := func(t targetAttrs, health targetHealth) {
		out.TargetHealthDescriptions = append(out.TargetHealthDescriptions, targetHealthDescription{
			Target:          targetDescription{ID: t.ID, Port: t.Port, AvailabilityZone: t.AvailabilityZone},
			HealthCheckPort: port(t),
			TargetHealth:    health,
		})
	}
	if !req.Params.Has("Targets.member.1.Id") {
		for _, rec := range registered {
			describe(rec.Data, targetHealth{State: healthyState})
		}
		return api.Reply(req, out)
	}
	asked, err := parseTargets(req.Params, group)
	if err != nil {
		return nil, err
	}
	for _, t := range asked {
		i := slices.IndexFunc(registered, func(r *resource.Record[targetAttrs]) bool { return r.ID == targetKey(arn, t) })
		if i < 0 {
			describe(t, targetHealth{State: "unused", Reason: notRegisteredTag, Description: "Target is not registered to the target group"})
			continue
		}
		describe(registered[i].Data, targetHealth{State: healthyState})
	}
	return api.Reply(req, out)
}
