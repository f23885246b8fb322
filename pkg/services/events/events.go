// Package events implements EventBridge buses, rules and targets over AWS-JSON 1.1. PutEvents
// records each event with the rules its pattern matched; nothing is delivered to targets.
package events

import (
	"context"
	"regexp"
	"slices"
	"strings"

	"cloudemu/pkg/api"
	"cloudemu/pkg/awserr"
	"cloudemu/pkg/dispatch"
	"cloudemu/pkg/log"
	"cloudemu/pkg/models"
	"cloudemu/pkg/services/resource"
	"cloudemu/pkg/wire"
)

const service = "events"

const (
	defaultBus        = "default"
	stateEnabled      = "ENABLED"
	stateDisabled     = "DISABLED"
	maxTargets        = 5
	maxEntries        = 10
	defaultListLimit  = 100
	validationErrCode = "ValidationException"
)

var (
	busNamePattern  = regexp.MustCompile(`^[/.\-_A-Za-z0-9]{1,256}$`)
	ruleNamePattern = regexp.MustCompile(`^[.\-_A-Za-z0-9]{1,64}$`)
	schedulePattern = regexp.MustCompile(`^(rate\(\d+ (minute|minutes|hour|hours|day|days)\)|cron\(.+\))$`)
)

type busAttrs struct {
	Description string `json:"description,omitempty"`
}

type ruleAttrs struct {
	Bus                string `json:"bus"`
	EventPattern       string `json:"event_pattern,omitempty"`
	ScheduleExpression string `json:"schedule_expression,omitempty"`
	Description        string `json:"description,omitempty"`
	RoleArn            string `json:"role_arn,omitempty"`
}

type targetAttrs struct {
	Arn       string `json:"arn"`
	Input     string `json:"input,omitempty"`
	InputPath string `json:"input_path,omitempty"`
	RoleArn   string `json:"role_arn,omitempty"`
}

var (
	buses = resource.Kind[busAttrs]{
		Service: service,
		Kind:    "bus",
		NotFound: func(name string) *awserr.Error {
			return awserr.NotFound("EventBus", name).WithResource(name)
		},
	}
	rules = resource.Kind[ruleAttrs]{
		Service: service,
		Kind:    "rule",
		NotFound: func(id string) *awserr.Error {
			return awserr.Newf(awserr.KindNotFound, "Rule %s does not exist.", id[strings.LastIndex(id, "/")+1:])
		},
	}
	targets = resource.Kind[targetAttrs]{Service: service, Kind: "target"}
)

// Register adds the EventBridge operations to r.
func Register(r *dispatch.Registry) {
	r.HandleAll(service, map[string]api.HandlerFunc{
		"CreateEventBus":    createEventBus,
		"DescribeEventBus":  describeEventBus,
		"ListEventBuses":    listEventBuses,
		"DeleteEventBus":    deleteEventBus,
		"PutRule":           putRule,
		"DescribeRule":      describeRule,
		"ListRules":         listRules,
		"DeleteRule":        deleteRule,
		"EnableRule":        enableRule,
		"DisableRule":       disableRule,
		"PutTargets":        putTargets,
		"ListTargetsByRule": listTargetsByRule,
		"RemoveTargets":     removeTargets,
		"PutEvents":         putEvents,
	})
}

func validation(message string) *awserr.Error {
	return awserr.InvalidArgument(message).WithCode(validationErrCode)
}

func busARN(st *api.State, name string) string {
	return st.ARN(service, "event-bus/"+name)
}

// ensureDefaultBus creates the default bus on first use. Losing a creation race is fine.
func ensureDefaultBus(ctx context.Context, st *api.State) error {
	if _, err := buses.Get(ctx, st, defaultBus); err == nil || !awserr.IsKind(err, awserr.KindNotFound) {
		return err
	}
	rec := buses.New(st, defaultBus, defaultBus, busARN(st, defaultBus), busAttrs{})
	if err := buses.Create(ctx, st, rec); err != nil && !awserr.IsKind(err, awserr.KindAlreadyExists) {
		return err
	}
	return nil
}

// busName accepts a bus name or ARN; empty means the default bus.
func busName(nameOrARN string) string {
	if nameOrARN == "" {
		return defaultBus
	}
	if i := strings.Index(nameOrARN, ":event-bus/"); i >= 0 {
		return nameOrARN[i+len(":event-bus/"):]
	}
	return nameOrARN
}

func loadBus(ctx context.Context, st *api.State, nameOrARN string) (*resource.Record[busAttrs], error) {
	if err := ensureDefaultBus(ctx, st); err != nil {
		return nil, err
	}
	return buses.Get(ctx, st, busName(nameOrARN))
}

type createEventBusInput struct {
	Name        string `json:"Name"`
	Description string `json:"Description"`
}

type eventBusARNOutput struct {
	EventBusArn string `json:"EventBusArn"`
}

func createEventBus(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in createEventBusInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	if in.Name == "" {
		return nil, awserr.MissingParameter("Name")
	}
	if !busNamePattern.MatchString(in.Name) {
		return nil, validation("1 validation error detected: Value '" + in.Name + "' at 'name' failed to satisfy constraint")
	}
	if err := ensureDefaultBus(ctx, st); err != nil {
		return nil, err
	}
	rec := buses.New(st, in.Name, in.Name, busARN(st, in.Name), busAttrs{Description: in.Description})
	if err := buses.Create(ctx, st, rec); err != nil {
		if awserr.IsKind(err, awserr.KindAlreadyExists) {
			return nil, awserr.AlreadyExists(in.Name).WithCode("ResourceAlreadyExistsException")
		}
		return nil, err
	}
	log.Debug().Str("bus", in.Name).Msg("Event bus created")
	return api.Reply(req, eventBusARNOutput{EventBusArn: rec.ARN})
}

type nameInput struct {
	Name string `json:"Name"`
}

type eventBus struct {
	Name             string  `json:"Name"`
	Arn              string  `json:"Arn"`
	Description      string  `json:"Description,omitempty"`
	CreationTime     float64 `json:"CreationTime"`
	LastModifiedTime float64 `json:"LastModifiedTime"`
}

func describeBus(rec *resource.Record[busAttrs]) eventBus {
	return eventBus{
		Name:             rec.Name,
		Arn:              rec.ARN,
		Description:      rec.Data.Description,
		CreationTime:     wire.Epoch(rec.CreatedAt),
		LastModifiedTime: wire.Epoch(rec.UpdatedAt),
	}
}

func describeEventBus(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in nameInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	rec, err := loadBus(ctx, st, in.Name)
	if err != nil {
		return nil, err
	}
	return api.Reply(req, describeBus(rec))
}

type listInput struct {
	NamePrefix   string `json:"NamePrefix"`
	EventBusName string `json:"EventBusName"`
	Limit        int    `json:"Limit"`
	NextToken    string `json:"NextToken"`
}

func (in listInput) limit() (int, error) {
	switch {
	case in.Limit == 0:
		return defaultListLimit, nil
	case in.Limit < 1 || in.Limit > defaultListLimit:
		return 0, validation("Limit must be between 1 and 100")
	}
	return in.Limit, nil
}

func sortByName[T any](records []*resource.Record[T]) {
	slices.SortFunc(records, func(a, b *resource.Record[T]) int { return strings.Compare(a.Name, b.Name) })
}

// page applies prefix and token paging to names sorted ascending. The token is the first
// name of the next page.
func page(names []string, in listInput) ([]int, string, error) {
	limit, err := in.limit()
	if err != nil {
		return nil, "", err
	}
	var picked []int
	for i, name := range names {
		if !strings.HasPrefix(name, in.NamePrefix) || (in.NextToken != "" && name < in.NextToken) {
			continue
		}
		if len(picked) == limit {
			return picked, name, nil
		}
		picked = append(picked, i)
	}
	return picked, "", nil
}

type listEventBusesOutput struct {
	EventBuses []eventBus `json:"EventBuses"`
	NextToken  string     `json:"NextToken,omitempty"`
}

func listEventBuses(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in listInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	if err := ensureDefaultBus(ctx, st); err != nil {
		return nil, err
	}
	all, err := buses.List(ctx, st, models.ResourceFilter{})
	if err != nil {
		return nil, err
	}
	sortByName(all)
	names := make([]string, len(all))
	for i, rec := range all {
		names[i] = rec.Name
	}
	picked, token, err := page(names, in)
	if err != nil {
		return nil, err
	}
	out := listEventBusesOutput{EventBuses: []eventBus{}, NextToken: token}
	for _, i := range picked {
		out.EventBuses = append(out.EventBuses, describeBus(all[i]))
	}
	return api.Reply(req, out)
}

// deleteEventBus drops a custom bus with its rules and their targets. Deleting a bus that does
// not exist succeeds.
func deleteEventBus(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in nameInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	if in.Name == "" {
		return nil, awserr.MissingParameter("Name")
	}
	name := busName(in.Name)
	if name == defaultBus {
		return nil, validation("Cannot delete event bus default.")
	}
	ruleList, err := rules.List(ctx, st, models.ResourceFilter{Parent: name})
	if err != nil {
		return nil, err
	}
	for _, rule := range ruleList {
		if _, err := st.Meta.DeleteChildren(ctx, service, targets.Kind, rule.ID); err != nil {
			return nil, err
		}
		if err := rules.Delete(ctx, st, rule.ID); err != nil {
			return nil, err
		}
	}
	if _, err := st.Meta.DeleteResource(ctx, service, buses.Kind, name); err != nil {
		return nil, err
	}
	log.Debug().Str("bus", name).Int("rules", len(ruleList)).Msg("Event bus deleted")
	return api.Reply(req, nil)
}
