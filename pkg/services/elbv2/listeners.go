package elbv2

import (
	"context"
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

const defaultSSLPolicy = "ELBSecurityPolicy-2016-08"

var listenerProtocols = map[string][]string{
	typeApplication: {"HTTP", "HTTPS"},
	typeNetwork:     {"TCP", "TLS", "UDP", "TCP_UDP"},
	typeGateway:     {"GENEVE"},
}

type redirectConfig struct {
	Protocol   string `json:"protocol,omitempty" xml:"Protocol,omitempty"`
	Port       string `json:"port,omitempty" xml:"Port,omitempty"`
	Host       string `json:"host,omitempty" xml:"Host,omitempty"`
	Path       string `json:"path,omitempty" xml:"Path,omitempty"`
	Query      string `json:"query,omitempty" xml:"Query,omitempty"`
	StatusCode string `json:"status_code" xml:"StatusCode"`
}

type fixedResponseConfig struct {
	StatusCode  string `json:"status_code" xml:"StatusCode"`
	ContentType string `json:"content_type,omitempty" xml:"ContentType,omitempty"`
	MessageBody string `json:"message_body,omitempty" xml:"MessageBody,omitempty"`
}

type weightedGroup struct {
	TargetGroupArn string `json:"target_group_arn" xml:"TargetGroupArn"`
	Weight         int    `json:"weight" xml:"Weight"`
}

type forwardConfig struct {
	TargetGroups []weightedGroup `json:"target_groups" xml:"TargetGroups>member"`
}

type action struct {
	Type                string               `json:"type" xml:"Type"`
	TargetGroupArn      string               `json:"target_group_arn,omitempty" xml:"TargetGroupArn,omitempty"`
	Order               int                  `json:"order,omitempty" xml:"Order,omitempty"`
	ForwardConfig       *forwardConfig       `json:"forward_config,omitempty" xml:"ForwardConfig,omitempty"`
	RedirectConfig      *redirectConfig      `json:"redirect_config,omitempty" xml:"RedirectConfig,omitempty"`
	FixedResponseConfig *fixedResponseConfig `json:"fixed_response_config,omitempty" xml:"FixedResponseConfig,omitempty"`
}

type listenerAttrs struct {
	Protocol     string   `json:"protocol"`
	Port         int      `json:"port"`
	SSLPolicy    string   `json:"ssl_policy,omitempty"`
	Certificates []string `json:"certificates,omitempty"`
	Actions      []action `json:"actions"`
}

// forwardsTo reports whether any default action sends traffic to the target group.
func (l listenerAttrs) forwardsTo(group string) bool {
	for _, a := range l.Actions {
		if a.TargetGroupArn == group {
			return true
		}
		if a.ForwardConfig != nil && slices.ContainsFunc(a.ForwardConfig.TargetGroups, func(w weightedGroup) bool { return w.TargetGroupArn == group }) {
			return true
		}
	}
	return false
}

// listeners live under their load balancer and are named by port, so a port is taken once per
// balancer.
var listeners = resource.Kind[listenerAttrs]{
	Service: service,
	Kind:    "listener",
	NotFound: func(string) *awserr.Error {
		return notFound("ListenerNotFound", "One or more listeners not found")
	},
	Exists: func(string) *awserr.Error {
		return awserr.InvalidArgument("A listener already exists on this port for this load balancer").WithCode("DuplicateListener")
	},
}

// parseActions reads DefaultActions.member.N and checks that the target groups exist.
func parseActions(ctx context.Context, st *api.State, p wire.Params) ([]action, error) {
	var out []action
	for _, a := range p.Structs("DefaultActions") {
		act := action{Type: a.Get("Type"), TargetGroupArn: a.Get("TargetGroupArn"), Order: a.Int("Order", 0)}
		switch act.Type {
		case "forward":
			for _, g := range a.Structs("ForwardConfig.TargetGroups") {
				if act.ForwardConfig == nil {
					act.ForwardConfig = &forwardConfig{}
				}
				act.ForwardConfig.TargetGroups = append(act.ForwardConfig.TargetGroups,
					weightedGroup{TargetGroupArn: g.Get("TargetGroupArn"), Weight: g.Int("Weight", 1)})
			}
			if act.TargetGroupArn == "" && act.ForwardConfig == nil {
				return nil, validationError("A target group ARN must be specified for a forward action")
			}
			if act.TargetGroupArn != "" && act.ForwardConfig == nil {
				act.ForwardConfig = &forwardConfig{TargetGroups: []weightedGroup{{TargetGroupArn: act.TargetGroupArn, Weight: 1}}}
			}
			for _, g := range act.ForwardConfig.TargetGroups {
				if _, err := targetGroups.Get(ctx, st, g.TargetGroupArn); err != nil {
					return nil, err
				}
			}
		case "redirect":
			act.RedirectConfig = &redirectConfig{
				Protocol:   a.Get("RedirectConfig.Protocol"),
				Port:       a.Get("RedirectConfig.Port"),
				Host:       a.Get("RedirectConfig.Host"),
				Path:       a.Get("RedirectConfig.Path"),
				Query:      a.Get("RedirectConfig.Query"),
				StatusCode: a.Get("RedirectConfig.StatusCode"),
			}
			if act.RedirectConfig.StatusCode != "HTTP_301" && act.RedirectConfig.StatusCode != "HTTP_302" {
				return nil, validationError("Redirect status code must be HTTP_301 or HTTP_302")
			}
		case "fixed-response":
			act.FixedResponseConfig = &fixedResponseConfig{
				StatusCode:  a.Get("FixedResponseConfig.StatusCode"),
				ContentType: a.Get("FixedResponseConfig.ContentType"),
				MessageBody: a.Get("FixedResponseConfig.MessageBody"),
			}
			if code, err := strconv.Atoi(act.FixedResponseConfig.StatusCode); err != nil || code < 200 || code > 599 {
				return nil, validationError("Fixed response status code must be between 200 and 599")
			}
		default:
			return nil, validationError("Action type '%s' must be one of 'forward', 'redirect', 'fixed-response'", act.Type)
		}
		out = append(out, act)
	}
	if len(out) == 0 {
		return nil, validationError("A default action must be specified")
	}
	return out, nil
}

type certificate struct {
	CertificateArn string `xml:"CertificateArn"`
}

type listener struct {
	ListenerArn     string        `xml:"ListenerArn"`
	LoadBalancerArn string        `xml:"LoadBalancerArn"`
	Port            int           `xml:"Port"`
	Protocol        string        `xml:"Protocol"`
	Certificates    []certificate `xml:"Certificates>member,omitempty"`
	SSLPolicy       string        `xml:"SslPolicy,omitempty"`
	DefaultActions  []action      `xml:"DefaultActions>member"`
}

func describeListener(rec *resource.Record[listenerAttrs]) listener {
	out := listener{
		ListenerArn:     rec.ID,
		LoadBalancerArn: rec.Parent,
		Port:            rec.Data.Port,
		Protocol:        rec.Data.Protocol,
		SSLPolicy:       rec.Data.SSLPolicy,
		DefaultActions:  rec.Data.Actions,
	}
	for _, arn := range rec.Data.Certificates {
		out.Certificates = append(out.Certificates, certificate{CertificateArn: arn})
	}
	return out
}

type listenersOutput struct {
	Listeners  []listener `xml:"Listeners>member"`
	NextMarker string     `xml:"NextMarker,omitempty"`
}

func createListener(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	p := req.Params
	lbARN, err := p.Require("LoadBalancerArn")
	if err != nil {
		return nil, err
	}
	lb, err := balancers.Get(ctx, st, lbARN)
	if err != nil {
		return nil, err
	}
	attrs := listenerAttrs{Protocol: p.Get("Protocol"), Port: p.Int("Port", 0)}
	for _, c := range p.Structs("Certificates") {
		attrs.Certificates = append(attrs.Certificates, c.Get("CertificateArn"))
	}
	if lb.Data.Type == typeGateway {
		attrs.Protocol = "GENEVE"
		attrs.Port = 6081
	}
	if !slices.Contains(listenerProtocols[lb.Data.Type], attrs.Protocol) {
		return nil, validationError("Protocol '%s' is not supported for %s load balancers", attrs.Protocol, lb.Data.Type)
	}
	if attrs.Port < 1 || attrs.Port > 65535 {
		return nil, validationError("A port between 1 and 65535 must be specified")
	}
	if attrs.Protocol == "HTTPS" || attrs.Protocol == "TLS" {
		if len(attrs.Certificates) == 0 {
			return nil, awserr.InvalidArgument("A certificate must be specified for HTTPS and TLS listeners").WithCode("CertificateNotFound")
		}
		attrs.SSLPolicy = p.Get("SslPolicy")
		if attrs.SSLPolicy == "" {
			attrs.SSLPolicy = defaultSSLPolicy
		}
	}
	if attrs.Actions, err = parseActions(ctx, st, p); err != nil {
		return nil, err
	}

	arn := strings.Replace(lbARN, ":loadbalancer/", ":listener/", 1) + "/" + shortID()
	rec := listeners.New(st, arn, strconv.Itoa(attrs.Port), arn, attrs)
	rec.Parent = lbARN
	rec.State = stateActive
	if err := listeners.Create(ctx, st, rec); err != nil {
		return nil, err
	}
	log.Debug().Str("loadbalancer", lb.Name).Int("port", attrs.Port).Str("protocol", attrs.Protocol).Msg("listener created")
	return api.Reply(req, listenersOutput{Listeners: []listener{describeListener(rec)}})
}

// describeListeners needs either a load balancer or listener ARNs.
func describeListeners(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	p := req.Params
	lbARN := p.Get("LoadBalancerArn")
	arns := p.List("ListenerArns")
	if (lbARN == "") == (len(arns) == 0) {
		return nil, validationError("You must specify either listener ARNs or a load balancer ARN")
	}
	filter := models.ResourceFilter{IDs: arns}
	if lbARN != "" {
		if _, err := balancers.Get(ctx, st, lbARN); err != nil {
			return nil, err
		}
		filter.Parent = lbARN
	}
	records, err := listeners.List(ctx, st, filter)
	if err != nil {
		return nil, err
	}
	for _, arn := range arns {
		if !slices.ContainsFunc(records, func(r *resource.Record[listenerAttrs]) bool { return r.ID == arn }) {
			return nil, listeners.NotFound(arn)
		}
	}
	records, next, err := page(records, p)
	if err != nil {
		return nil, err
	}
	out := listenersOutput{NextMarker: next}
	for _, rec := range records {
		out.Listeners = append(out.Listeners, describeListener(rec))
	}
	return api.Reply(req, out)
}

func deleteListener(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	arn, err := req.Params.Require("ListenerArn")
	if err != nil {
		return nil, err
	}
	if err := listeners.Delete(ctx, st, arn); err != nil {
		return nil, err
	}
	log.Debug().Str("listener", arn).Msg("listener deleted")
	return api.Reply(req, struct{}{})
}
