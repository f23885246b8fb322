package events

import (
	"context"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"cloudemu/pkg/api"
	"cloudemu/pkg/api/apitest"
	"cloudemu/pkg/awserr"
	"cloudemu/pkg/wire"
)

type EventsTestSuite struct {
	suite.Suite
	st  *api.State
	ctx context.Context
}

func TestEventsTestSuite(t *testing.T) {
	suite.Run(t, new(EventsTestSuite))
}

func (s *EventsTestSuite) SetupTest() {
	s.st = apitest.NewState(s.T())
	s.ctx = context.Background()
}

func (s *EventsTestSuite) call(h api.HandlerFunc, op string, body, out any) {
	resp := apitest.Call(s.T(), s.st, h, apitest.JSON(s.T(), service, op, wire.JSON11, body))
	if out != nil {
		apitest.DecodeJSON(s.T(), resp, out)
	}
}

func (s *EventsTestSuite) fail(h api.HandlerFunc, op string, body any) *awserr.Error {
	resp, err := h(s.ctx, s.st, apitest.JSON(s.T(), service, op, wire.JSON11, body))
	s.Require().Error(err)
	s.Nil(resp)
	return awserr.From(err)
}

func (s *EventsTestSuite) TestDefaultBusAlwaysExists() {
	var bus eventBus
	s.call(describeEventBus, "DescribeEventBus", nil, &bus)
	s.Equal("default", bus.Name)
	s.Equal("arn:aws:events:us-east-1:000000000000:event-bus/default", bus.Arn)

	var list listEventBusesOutput
	s.call(listEventBuses, "ListEventBuses", nil, &list)
	s.Require().Len(list.EventBuses, 1)

	e := s.fail(deleteEventBus, "DeleteEventBus", map[string]string{"Name": "default"})
	s.Equal("ValidationException", e.ErrorCode())
	e = s.fail(createEventBus, "CreateEventBus", map[string]string{"Name": "default"})
	s.Equal("ResourceAlreadyExistsException", e.ErrorCode())
}

func (s *EventsTestSuite) TestCustomBusLifecycle() {
	var created eventBusARNOutput
	s.call(createEventBus, "CreateEventBus", map[string]string{"Name": "orders", "Description": "order events"}, &created)
	s.Equal("arn:aws:events:us-east-1:000000000000:event-bus/orders", created.EventBusArn)

	var bus eventBus
	s.call(describeEventBus, "DescribeEventBus", map[string]string{"Name": created.EventBusArn}, &bus)
	s.Equal("order events", bus.Description)

	var ruleOut ruleARNOutput
	s.call(putRule, "PutRule", map[string]string{
		"Name": "big", "EventBusName": "orders", "EventPattern": `{"source":["shop"]}`,
	}, &ruleOut)
	s.Equal("arn:aws:events:us-east-1:000000000000:rule/orders/big", ruleOut.RuleArn)

	var list listEventBusesOutput
	s.call(listEventBuses, "ListEventBuses", map[string]string{"NamePrefix": "ord"}, &list)
	s.Require().Len(list.EventBuses, 1)

	s.call(deleteEventBus, "DeleteEventBus", map[string]string{"Name": "orders"}, nil)
	e := s.fail(describeEventBus, "DescribeEventBus", map[string]string{"Name": "orders"})
	s.Equal("ResourceNotFoundException", e.ErrorCode())
	e = s.fail(describeRule, "DescribeRule", map[string]string{"Name": "big", "EventBusName": "orders"})
	s.Equal("ResourceNotFoundException", e.ErrorCode())

	// Deleting again is not an error.
	s.call(deleteEventBus, "DeleteEventBus", map[string]string{"Name": "orders"}, nil)
}

func (s *EventsTestSuite) TestRules() {
	var out ruleARNOutput
	s.call(putRule, "PutRule", map[string]string{"Name": "nightly", "ScheduleExpression": "rate(1 day)"}, &out)
	s.Equal("arn:aws:events:us-east-1:000000000000:rule/nightly", out.RuleArn)
	s.call(putRule, "PutRule", map[string]string{
		"Name": "errors", "EventPattern": `{"detail":{"level":["error"]}}`, "State": "DISABLED",
	}, nil)

	var r rule
	s.call(describeRule, "DescribeRule", map[string]string{"Name": "errors"}, &r)
	s.Equal("DISABLED", r.State)
	s.Equal("default", r.EventBusName)
	s.Equal("000000000000", r.CreatedBy)

	s.call(enableRule, "EnableRule", map[string]string{"Name": "errors"}, nil)
	s.call(describeRule, "DescribeRule", map[string]string{"Name": "errors"}, &r)
	s.Equal("ENABLED", r.State)

	// PutRule on an existing name replaces the definition.
	s.call(putRule, "PutRule", map[string]string{"Name": "nightly", "ScheduleExpression": "cron(0 3 * * ? *)"}, nil)
	s.call(describeRule, "DescribeRule", map[string]string{"Name": "nightly"}, &r)
	s.Equal("cron(0 3 * * ? *)", r.ScheduleExpression)

	var list listRulesOutput
	s.call(listRules, "ListRules", map[string]int{"Limit": 1}, &list)
	s.Require().Len(list.Rules, 1)
	s.Equal("errors", list.Rules[0].Name)
	s.Equal("nightly", list.NextToken)

	cases := map[string]map[string]string{
		"ValidationException":          {"Name": "none"},
		"InvalidEventPatternException": {"Name": "bad", "EventPattern": `{"source":"shop"}`},
	}
	for code, body := range cases {
		e := s.fail(putRule, "PutRule", body)
		s.Equal(code, e.ErrorCode())
	}
	e := s.fail(putRule, "PutRule", map[string]string{"Name": "sched", "ScheduleExpression": "every day"})
	s.Equal("ValidationException", e.ErrorCode())
	e = s.fail(disableRule, "DisableRule", map[string]string{"Name": "missing"})
	s.Equal("ResourceNotFoundException", e.ErrorCode())
}

func (s *EventsTestSuite) TestTargets() {
	s.call(putRule, "PutRule", map[string]string{"Name": "r", "EventPattern": `{"source":["app"]}`}, nil)

	var put targetsOutput
	s.call(putTargets, "PutTargets", map[string]any{
		"Rule": "r",
		"Targets": []map[string]string{
			{"Id": "q", "Arn": "arn:aws:sqs:us-east-1:000000000000:queue"},
			{"Id": "fn", "Arn": "arn:aws:lambda:us-east-1:000000000000:function:f", "Input": `{"a":1}`},
		},
	}, &put)
	s.Zero(put.FailedEntryCount)

	// Same id replaces.
	s.call(putTargets, "PutTargets", map[string]any{
		"Rule":    "r",
		"Targets": []map[string]string{{"Id": "q", "Arn": "arn:aws:sqs:us-east-1:000000000000:other"}},
	}, nil)

	var list listTargetsOutput
	s.call(listTargetsByRule, "ListTargetsByRule", map[string]string{"Rule": "r"}, &list)
	s.Require().Len(list.Targets, 2)
	s.Equal("q", list.Targets[0].ID)
	s.Equal("arn:aws:sqs:us-east-1:000000000000:other", list.Targets[0].Arn)
	s.Equal(`{"a":1}`, list.Targets[1].Input)

	e := s.fail(deleteRule, "DeleteRule", map[string]string{"Name": "r"})
	s.Equal("ValidationException", e.ErrorCode())

	var removed targetsOutput
	s.call(removeTargets, "RemoveTargets", map[string]any{"Rule": "r", "Ids": []string{"q", "ghost"}}, &removed)
	s.Equal(1, removed.FailedEntryCount)
	s.Equal("ghost", removed.FailedEntries[0].TargetID)

	var more []map[string]string
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		more = append(more, map[string]string{"Id": id, "Arn": "arn:aws:sns:us-east-1:000000000000:" + id})
	}
	e = s.fail(putTargets, "PutTargets", map[string]any{"Rule": "r", "Targets": more})
	s.Equal("LimitExceededException", e.ErrorCode())

	s.call(deleteRule, "DeleteRule", map[string]any{"Name": "r", "Force": true}, nil)
	e = s.fail(listTargetsByRule, "ListTargetsByRule", map[string]string{"Rule": "r"})
	s.Equal("ResourceNotFoundException", e.ErrorCode())
}

func (s *EventsTestSuite) TestPutEventsRecordsMatches() {
	s.call(putRule, "PutRule", map[string]string{"Name": "shop-errors", "EventPattern": `{"source":["shop"],"detail":{"level":["error"]}}`}, nil)
	s.call(putRule, "PutRule", map[string]string{"Name": "all-shop", "EventPattern": `{"source":[{"prefix":"sho"}]}`}, nil)
	s.call(putRule, "PutRule", map[string]string{"Name": "off", "EventPattern": `{"source":["shop"]}`, "State": "DISABLED"}, nil)

	var out putEventsOutput
	s.call(putEvents, "PutEvents", map[string]any{"Entries": []map[string]string{
		{"Source": "shop", "DetailType": "Order Failed", "Detail": `{"level":"error","id":7}`},
		{"Source": "shop", "DetailType": "Order Placed", "Detail": `{"level":"info"}`},
		{"Source": "shop", "DetailType": "Broken", "Detail": `not json`},
		{"Source": "shop", "DetailType": "Lost", "Detail": `{}`, "EventBusName": "nowhere"},
	}}, &out)
	s.Equal(2, out.FailedEntryCount)
	s.Require().Len(out.Entries, 4)
	s.NotEmpty(out.Entries[0].EventID)
	s.Equal("MalformedDetail", out.Entries[2].ErrorCode)
	s.Equal("NotFound", out.Entries[3].ErrorCode)

	events, err := s.st.Meta.ListEvents(s.ctx, service, "arn:aws:events:us-east-1:000000000000:event-bus/default")
	s.Require().NoError(err)
	s.Require().Len(events, 2)

	var first, second recordedEvent
	s.Require().NoError(json.Unmarshal(events[0].Payload, &first))
	s.Require().NoError(json.Unmarshal(events[1].Payload, &second))
	s.Equal(out.Entries[0].EventID, first.ID)
	s.Equal("Order Failed", first.DetailType)
	s.ElementsMatch([]string{"shop-errors", "all-shop"}, first.MatchedRules)
	s.Equal([]string{"all-shop"}, second.MatchedRules)

	e := s.fail(putEvents, "PutEvents", map[string]any{"Entries": []map[string]string{}})
	s.Equal("ValidationException", e.ErrorCode())
}

func TestPatternMatching(t *testing.T) {
	event := map[string]any{
		"source":    "orders",
		"resources": []any{"arn:a", "arn:b"},
		"detail": map[string]any{
			"amount": 150.0,
			"status": "PAID",
			"tags":   []any{"vip", "eu"},
		},
	}
	cases := []struct {
		pattern string
		want    bool
	}{
		{`{"source":["orders"]}`, true},
		{`{"source":["billing","orders"]}`, true},
		{`{"source":["billing"]}`, false},
		{`{"resources":["arn:b"]}`, true},
		{`{"detail":{"tags":["vip"]}}`, true},
		{`{"detail":{"status":[{"equals-ignore-case":"paid"}]}}`, true},
		{`{"detail":{"status":[{"anything-but":["PAID"]}]}}`, false},
		{`{"detail":{"amount":[{"numeric":[">",100,"<=",150]}]}}`, true},
		{`{"detail":{"amount":[{"numeric":["<",100]}]}}`, false},
		{`{"detail":{"missing":[{"exists":false}]}}`, true},
		{`{"detail":{"status":[{"exists":false}]}}`, false},
		{`{"detail":{"status":[{"suffix":"ID"}]}}`, true},
		{`{"detail":{"nested":{"x":["y"]}}}`, false},
	}
	for _, tc := range cases {
		p, err := parsePattern(tc.pattern)
		if !assert.NoError(t, err, tc.pattern) {
			continue
		}
		assert.Equal(t, tc.want, p.matches(event), tc.pattern)
	}

	for _, bad := range []string{`[]`, `{"source":"orders"}`, `{"source":[{"prefix":"a","suffix":"b"}]}`, `nope`} {
		_, err := parsePattern(bad)
		assert.Error(t, err, bad)
	}
}
