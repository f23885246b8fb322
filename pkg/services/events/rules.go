package events

import (
	"context"

	"github.com/goccy/go-json"

	"cloudemu/pkg/api"
	"cloudemu/pkg/awserr"
	"cloudemu/pkg/awsid"
	"cloudemu/pkg/models"
	"cloudemu/pkg/services/resource"
	"cloudemu/pkg/wire"
)

func ruleID(bus, name string) string {
	return bus + "/" + name
}

func ruleARN(st *api.State, bus, name string) string {
	if bus == defaultBus {
		return st.ARN(service, "rule/"+name)
	}
	return st.ARN(service, "rule/"+bus+"/"+name)
}

type ruleRef struct {
	Name         string `json:"Name"`
	EventBusName string `json:"EventBusName"`
}

// load resolves the rule and its bus; the bus must exist.
func (in ruleRef) load(ctx context.Context, st *api.State) (*resource.Record[ruleAttrs], error) {
	if in.Name == "" {
		return nil, awserr.MissingParameter("Name")
	}
	bus, err := loadBus(ctx, st, in.EventBusName)
	if err != nil {
		return nil, err
	}
	return rules.Get(ctx, st, ruleID(bus.Name, in.Name))
}

type putRuleInput struct {
	ruleRef
	EventPattern       string `json:"EventPattern"`
	ScheduleExpression string `json:"ScheduleExpression"`
	State              string `json:"State"`
	Description        string `json:"Description"`
	RoleArn            string `json:"RoleArn"`
}

type ruleARNOutput struct {
	RuleArn string `json:"RuleArn"`
}

// putRule creates the rule or replaces its definition. Targets survive a replace.
func putRule(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in putRuleInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	if in.Name == "" {
		return nil, awserr.MissingParameter("Name")
	}
	if !ruleNamePattern.MatchString(in.Name) {
		return nil, validation("1 validation error detected: Value '" + in.Name + "' at 'name' failed to satisfy constraint")
	}
	if in.EventPattern == "" && in.ScheduleExpression == "" {
		return nil, validation("Parameter(s) EventPattern or ScheduleExpression must be specified.")
	}
	if in.EventPattern != "" {
		if _, err := parsePattern(in.EventPattern); err != nil {
			return nil, err
		}
	}
	if in.ScheduleExpression != "" && !schedulePattern.MatchString(in.ScheduleExpression) {
		return nil, validation("Parameter ScheduleExpression is not valid.")
	}
	state := in.State
	switch state {
	case "":
		state = stateEnabled
	case stateEnabled, stateDisabled:
	default:
		return nil, validation("1 validation error detected: Value '" + state + "' at 'state' failed to satisfy constraint")
	}

	bus, err := loadBus(ctx, st, in.EventBusName)
	if err != nil {
		return nil, err
	}
	attrs := ruleAttrs{
		Bus:                bus.Name,
		EventPattern:       in.EventPattern,
		ScheduleExpression: in.ScheduleExpression,
		Description:        in.Description,
		RoleArn:            in.RoleArn,
	}
	id := ruleID(bus.Name, in.Name)
	rec, err := rules.Update(ctx, st, id, func(r *resource.Record[ruleAttrs]) error {
		r.Data = attrs
		r.State = state
		return nil
	})
	if awserr.IsKind(err, awserr.KindNotFound) {
		rec = rules.New(st, id, in.Name, ruleARN(st, bus.Name, in.Name), attrs)
		rec.Parent = bus.Name
		rec.State = state
		err = rules.Create(ctx, st, rec)
	}
	if err != nil {
		return nil, err
	}
	return api.Reply(req, ruleARNOutput{RuleArn: rec.ARN})
}

type rule struct {
	Name               string `json:"Name"`
	Arn                string `json:"Arn"`
	EventPattern       string `json:"EventPattern,omitempty"`
	ScheduleExpression string `json:"ScheduleExpression,omitempty"`
	State              string `json:"State"`
	Description        string `json:"Description,omitempty"`
	RoleArn            string `json:"RoleArn,omitempty"`
	EventBusName       string `json:"EventBusName"`
	CreatedBy          string `json:"CreatedBy,omitempty"`
}

func describe(st *api.State, rec *resource.Record[ruleAttrs]) rule {
	return rule{
		Name:               rec.Name,
		Arn:                rec.ARN,
		EventPattern:       rec.Data.EventPattern,
		ScheduleExpression: rec.Data.ScheduleExpression,
		State:              rec.State,
		Description:        rec.Data.Description,
		RoleArn:            rec.Data.RoleArn,
		EventBusName:       rec.Data.Bus,
		CreatedBy:          st.AccountID(),
	}
}

func describeRule(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in ruleRef
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	rec, err := in.load(ctx, st)
	if err != nil {
		return nil, err
	}
	return api.Reply(req, describe(st, rec))
}

type listRulesOutput struct {
	Rules     []rule `json:"Rules"`
	NextToken string `json:"NextToken,omitempty"`
}

func listRules(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in listInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	bus, err := loadBus(ctx, st, in.EventBusName)
	if err != nil {
		return nil, err
	}
	all, err := rules.List(ctx, st, models.ResourceFilter{Parent: bus.Name})
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
	out := listRulesOutput{Rules: []rule{}, NextToken: token}
	for _, i := range picked {
		out.Rules = append(out.Rules, describe(st, all[i]))
	}
	return api.Reply(req, out)
}

type deleteRuleInput struct {
	ruleRef
	Force bool `json:"Force"`
}

// deleteRule refuses to drop a rule that still has targets unless forced.
func deleteRule(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in deleteRuleInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	rec, err := in.load(ctx, st)
	if err != nil {
		return nil, err
	}
	n, err := st.Meta.CountChildren(ctx, service, targets.Kind, rec.ID)
	if err != nil {
		return nil, err
	}
	if n > 0 && !in.Force {
		return nil, validation("Rule can't be deleted since it has targets.")
	}
	if _, err := st.Meta.DeleteChildren(ctx, service, targets.Kind, rec.ID); err != nil {
		return nil, err
	}
	if err := rules.Delete(ctx, st, rec.ID); err != nil {
		return nil, err
	}
	return api.Reply(req, nil)
}

func setRuleState(ctx context.Context, st *api.State, req *api.Request, state string) (*api.Response, error) {
	var in ruleRef
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	rec, err := in.load(ctx, st)
	if err != nil {
		return nil, err
	}
	if _, err := rules.Update(ctx, st, rec.ID, func(r *resource.Record[ruleAttrs]) error {
		r.State = state
		return nil
	}); err != nil {
		return nil, err
	}
	return api.Reply(req, nil)
}

func enableRule(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	return setRuleState(ctx, st, req, stateEnabled)
}

func disableRule(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	return setRuleState(ctx, st, req, stateDisabled)
}

type target struct {
	ID        string `json:"Id"`
	Arn       string `json:"Arn"`
	Input     string `json:"Input,omitempty"`
	InputPath string `json:"InputPath,omitempty"`
	RoleArn   string `json:"RoleArn,omitempty"`
}

type targetsRef struct {
	Rule         string `json:"Rule"`
	EventBusName string `json:"EventBusName"`
}

func (in targetsRef) load(ctx context.Context, st *api.State) (*resource.Record[ruleAttrs], error) {
	if in.Rule == "" {
		return nil, awserr.MissingParameter("Rule")
	}
	return ruleRef{Name: in.Rule, EventBusName: in.EventBusName}.load(ctx, st)
}

type putTargetsInput struct {
	targetsRef
	Targets []target `json:"Targets"`
}

type failedEntry struct {
	TargetID     string `json:"TargetId,omitempty"`
	ErrorCode    string `json:"ErrorCode"`
	ErrorMessage string `json:"ErrorMessage"`
}

type targetsOutput struct {
	FailedEntryCount int           `json:"FailedEntryCount"`
	FailedEntries    []failedEntry `json:"FailedEntries"`
}

// putTargets adds or replaces targets by id. A rule holds at most five.
func putTargets(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in putTargetsInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	if len(in.Targets) == 0 || len(in.Targets) > 10 {
		return nil, validation("Targets must contain between 1 and 10 entries.")
	}
	rec, err := in.load(ctx, st)
	if err != nil {
		return nil, err
	}

	out := targetsOutput{FailedEntries: []failedEntry{}}
	for _, t := range in.Targets {
		if t.ID == "" || t.Arn == "" {
			return nil, validation("Target Id and Arn are required.")
		}
		id := rec.ID + "/" + t.ID
		attrs := targetAttrs{Arn: t.Arn, Input: t.Input, InputPath: t.InputPath, RoleArn: t.RoleArn}
		_, err := targets.Update(ctx, st, id, func(r *resource.Record[targetAttrs]) error {
			r.Data = attrs
			return nil
		})
		if !awserr.IsKind(err, awserr.KindNotFound) {
			if err != nil {
				return nil, err
			}
			continue
		}

		n, err := st.Meta.CountChildren(ctx, service, targets.Kind, rec.ID)
		if err != nil {
			return nil, err
		}
		if n >= maxTargets {
			return nil, awserr.InvalidRequest("The requested resource exceeds the maximum number allowed.").
				WithCode("LimitExceededException")
		}
		created := targets.New(st, id, t.ID, "", attrs)
		created.Parent = rec.ID
		if err := targets.Create(ctx, st, created); err != nil {
			out.FailedEntries = append(out.FailedEntries, failedEntry{
				TargetID: t.ID, ErrorCode: "ConcurrentModificationException", ErrorMessage: err.Error(),
			})
		}
	}
	out.FailedEntryCount = len(out.FailedEntries)
	return api.Reply(req, out)
}

type listTargetsOutput struct {
	Targets []target `json:"Targets"`
}

func listTargetsByRule(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in targetsRef
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	rec, err := in.load(ctx, st)
	if err != nil {
		return nil, err
	}
	all, err := targets.List(ctx, st, models.ResourceFilter{Parent: rec.ID})
	if err != nil {
		return nil, err
	}
	out := listTargetsOutput{Targets: []target{}}
	for _, t := range all {
		out.Targets = append(out.Targets, target{
			ID: t.Name, Arn: t.Data.Arn, Input: t.Data.Input, InputPath: t.Data.InputPath, RoleArn: t.Data.RoleArn,
		})
	}
	return api.Reply(req, out)
}

type removeTargetsInput struct {
	targetsRef
	IDs []string `json:"Ids"`
}

// removeTargets drops the named targets. Unknown ids are reported as failed entries.
func removeTargets(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in removeTargetsInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	if len(in.IDs) == 0 {
		return nil, awserr.MissingParameter("Ids")
	}
	rec, err := in.load(ctx, st)
	if err != nil {
		return nil, err
	}
	out := targetsOutput{FailedEntries: []failedEntry{}}
	for _, id := range in.IDs {
		deleted, err := st.Meta.DeleteResource(ctx, service, targets.Kind, rec.ID+"/"+id)
		if err != nil {
			return nil, err
		}
		if !deleted {
			out.FailedEntries = append(out.FailedEntries, failedEntry{
				TargetID: id, ErrorCode: "ResourceNotFoundException", ErrorMessage: "Target " + id + " does not exist.",
			})
		}
	}
	out.FailedEntryCount = len(out.FailedEntries)
	return api.Reply(req, out)
}

type eventEntry struct {
	Source       string   `json:"Source"`
	DetailType   string   `json:"DetailType"`
	Detail       string   `json:"Detail"`
	EventBusName string   `json:"EventBusName"`
	Resources    []string `json:"Resources"`
	Time         *float64 `json:"Time"`
}

type putEventsInput struct {
	Entries []eventEntry `json:"Entries"`
}

type eventResult struct {
	EventID      string `json:"EventId,omitempty"`
	ErrorCode    string `json:"ErrorCode,omitempty"`
	ErrorMessage string `json:"ErrorMessage,omitempty"`
}

type putEventsOutput struct {
	FailedEntryCount int           `json:"FailedEntryCount"`
	Entries          []eventResult `json:"Entries"`
}

// recordedEvent is the stored form of an accepted event: the EventBridge envelope plus the
// enabled rules whose pattern it matched.
type recordedEvent struct {
	Version      string         `json:"version"`
	ID           string         `json:"id"`
	DetailType   string         `json:"detail-type"`
	Source       string         `json:"source"`
	Account      string         `json:"account"`
	Time         string         `json:"time"`
	Region       string         `json:"region"`
	Resources    []string       `json:"resources"`
	Detail       map[string]any `json:"detail"`
	MatchedRules []string       `json:"matched-rules,omitempty"`
}

// putEvents validates each entry on its own; bad entries fail without failing the call.
func putEvents(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in putEventsInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	if len(in.Entries) == 0 || len(in.Entries) > maxEntries {
		return nil, validation("Entries must contain between 1 and 10 entries.")
	}
	if err := ensureDefaultBus(ctx, st); err != nil {
		return nil, err
	}

	out := putEventsOutput{Entries: make([]eventResult, 0, len(in.Entries))}
	for _, entry := range in.Entries {
		result, err := putEvent(ctx, st, entry)
		if err != nil {
			return nil, err
		}
		if result.ErrorCode != "" {
			out.FailedEntryCount++
		}
		out.Entries = append(out.Entries, result)
	}
	return api.Reply(req, out)
}

func putEvent(ctx context.Context, st *api.State, entry eventEntry) (eventResult, error) {
	if entry.Source == "" || entry.DetailType == "" || entry.Detail == "" {
		return eventResult{ErrorCode: "InvalidArgument", ErrorMessage: "Parameters Source, DetailType and Detail are required."}, nil
	}
	var detail map[string]any
	if err := json.Unmarshal([]byte(entry.Detail), &detail); err != nil || detail == nil {
		return eventResult{ErrorCode: "MalformedDetail", ErrorMessage: "Detail is malformed."}, nil
	}
	bus, err := buses.Get(ctx, st, busName(entry.EventBusName))
	if awserr.IsKind(err, awserr.KindNotFound) {
		return eventResult{ErrorCode: "NotFound", ErrorMessage: "Event bus " + busName(entry.EventBusName) + " does not exist."}, nil
	}
	if err != nil {
		return eventResult{}, err
	}

	when := st.Now()
	if entry.Time != nil {
		when = wire.FromEpoch(*entry.Time)
	}
	resources := entry.Resources
	if resources == nil {
		resources = []string{}
	}
	event := recordedEvent{
		Version:    "0",
		ID:         awsid.UUID(),
		DetailType: entry.DetailType,
		Source:     entry.Source,
		Account:    st.AccountID(),
		Time:       when.Format("2006-01-02T15:04:05Z"),
		Region:     st.Region(),
		Resources:  resources,
		Detail:     detail,
	}
	if event.MatchedRules, err = matchingRules(ctx, st, bus.Name, event); err != nil {
		return eventResult{}, err
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return eventResult{}, awserr.JSON(err)
	}
	if err := st.Meta.RecordEvent(ctx, models.EventRecord{
		ID:        event.ID,
		Service:   service,
		Target:    bus.ARN,
		Payload:   payload,
		CreatedAt: st.Now(),
	}); err != nil {
		return eventResult{}, err
	}
	return eventResult{EventID: event.ID}, nil
}

// matchingRules returns the enabled rules on bus whose pattern matches event.
func matchingRules(ctx context.Context, st *api.State, bus string, event recordedEvent) ([]string, error) {
	all, err := rules.List(ctx, st, models.ResourceFilter{Parent: bus, State: stateEnabled})
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	data, err := json.Marshal(event)
	if err != nil {
		return nil, awserr.JSON(err)
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, awserr.JSON(err)
	}

	var matched []string
	for _, r := range all {
		if r.Data.EventPattern == "" {
			continue
		}
		p, err := parsePattern(r.Data.EventPattern)
		if err != nil {
			continue
		}
		if p.matches(doc) {
			matched = append(matched, r.Name)
		}
	}
	return matched, nil
}
