// Package sns implements SNS over both AWS-Query and AWS-JSON. Topics and subscriptions are
// persisted; publishes are recorded in the event log and never delivered.
package sns

import (
	"context"
	"encoding/xml"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"cloudemu/pkg/api"
	"cloudemu/pkg/awserr"
	"cloudemu/pkg/awsid"
	"cloudemu/pkg/dispatch"
	"cloudemu/pkg/log"
	"cloudemu/pkg/models"
	"cloudemu/pkg/wire"
)

const (
	service        = "sns"
	maxMessageSize = 262144
	pageSize       = 100
)

var (
	topicNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,256}(\.fifo)?$`)
	protocols        = []string{"http", "https", "email", "email-json", "sms", "sqs", "application", "lambda", "firehose"}
)

// Register adds the SNS operations to r.
func Register(r *dispatch.Registry) {
	r.HandleAll(service, map[string]api.HandlerFunc{
		"CreateTopic":               createTopic,
		"ListTopics":                listTopics,
		"DeleteTopic":               deleteTopic,
		"GetTopicAttributes":        getTopicAttributes,
		"Subscribe":                 subscribe,
		"Unsubscribe":               unsubscribe,
		"ListSubscriptions":         listSubscriptions,
		"ListSubscriptionsByTopic":  listSubscriptionsByTopic,
		"GetSubscriptionAttributes": getSubscriptionAttributes,
		"Publish":                   publish,
	})
}

func invalidParameter(format string, args ...any) *awserr.Error {
	return awserr.InvalidArgument(fmt.Sprintf(format, args...)).WithCode("InvalidParameter")
}

// decode fills v from the JSON body, or lets fill copy the AWS-Query parameters into it.
func decode(req *api.Request, v any, fill func(p wire.Params)) error {
	if req.Dialect == wire.Query {
		fill(req.Params)
		return nil
	}
	return req.DecodeJSON(v)
}

// attributeMap renders as a JSON object and as the <entry><key/><value/></entry> list of
// AWS-Query.
type attributeMap map[string]string

type attributeEntry struct {
	Key   string `xml:"key"`
	Value string `xml:"value"`
}

func (m attributeMap) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	if err := e.EncodeToken(start); err != nil {
		return err
	}
	for _, k := range keys {
		if err := e.EncodeElement(attributeEntry{k, m[k]}, xml.StartElement{Name: xml.Name{Local: "entry"}}); err != nil {
			return err
		}
	}
	return e.EncodeToken(start.End())
}

// page returns the slice of items after the token and the token of the next page.
func page[T any](items []T, token string, key func(T) string) ([]T, string) {
	if token != "" {
		idx := slices.IndexFunc(items, func(it T) bool { return key(it) == token })
		if idx >= 0 {
			items = items[idx:]
		}
	}
	if len(items) > pageSize {
		return items[:pageSize], key(items[pageSize])
	}
	return items, ""
}

type createTopicInput struct {
	Name       string            `json:"Name"`
	Attributes map[string]string `json:"Attributes"`
}

type topicARNOutput struct {
	TopicArn string `xml:"TopicArn" json:"TopicArn"`
}

func createTopic(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in createTopicInput
	if err := decode(req, &in, func(p wire.Params) {
		in.Name = p.Get("Name")
		in.Attributes = p.Map("Attributes")
	}); err != nil {
		return nil, err
	}
	if in.Name == "" {
		return nil, awserr.MissingParameter("Name")
	}
	if !topicNamePattern.MatchString(in.Name) {
		return nil, invalidParameter("Invalid parameter: Topic Name")
	}
	if strings.HasSuffix(in.Name, ".fifo") != (in.Attributes["FifoTopic"] == "true") {
		return nil, invalidParameter("Invalid parameter: Fifo Topic names must end with .fifo and must be made up of only uppercase and lowercase ASCII letters, numbers, underscores, and hyphens, and must be between 1 and 256 characters long.")
	}

	topic := &models.Topic{
		ARN:        st.ARN(service, in.Name),
		Name:       in.Name,
		Attributes: in.Attributes,
		CreatedAt:  st.Now(),
	}
	stored, err := st.Meta.CreateTopic(ctx, topic)
	if err != nil {
		return nil, err
	}
	if stored == topic {
		log.Debug().Str("topic", topic.ARN).Msg("Topic created")
	}
	return api.Reply(req, topicARNOutput{TopicArn: stored.ARN})
}

type listInput struct {
	NextToken string `json:"NextToken"`
	TopicArn  string `json:"TopicArn"`
}

func decodeList(req *api.Request) (listInput, error) {
	var in listInput
	err := decode(req, &in, func(p wire.Params) {
		in.NextToken = p.Get("NextToken")
		in.TopicArn = p.Get("TopicArn")
	})
	return in, err
}

type listTopicsOutput struct {
	Topics    []topicARNOutput `xml:"Topics>member" json:"Topics"`
	NextToken string           `xml:"NextToken,omitempty" json:"NextToken,omitempty"`
}

func listTopics(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	in, err := decodeList(req)
	if err != nil {
		return nil, err
	}
	topics, err := st.Meta.ListTopics(ctx)
	if err != nil {
		return nil, err
	}
	topics, next := page(topics, in.NextToken, func(t models.Topic) string { return t.ARN })
	out := listTopicsOutput{Topics: []topicARNOutput{}, NextToken: next}
	for _, t := range topics {
		out.Topics = append(out.Topics, topicARNOutput{TopicArn: t.ARN})
	}
	return api.Reply(req, out)
}

func topicARNParam(req *api.Request) (string, error) {
	var in topicARNOutput
	if err := decode(req, &in, func(p wire.Params) { in.TopicArn = p.Get("TopicArn") }); err != nil {
		return "", err
	}
	if in.TopicArn == "" {
		return "", awserr.MissingParameter("TopicArn")
	}
	return in.TopicArn, nil
}

func deleteTopic(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	arn, err := topicARNParam(req)
	if err != nil {
		return nil, err
	}
	if err := st.Meta.DeleteTopic(ctx, arn); err != nil {
		return nil, err
	}
	return api.Reply(req, nil)
}

type attributesOutput struct {
	Attributes attributeMap `xml:"Attributes" json:"Attributes"`
}

func getTopicAttributes(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	arn, err := topicARNParam(req)
	if err != nil {
		return nil, err
	}
	topic, err := st.Meta.GetTopic(ctx, arn)
	if err != nil {
		return nil, err
	}
	subs, err := st.Meta.ListSubscriptions(ctx, arn)
	if err != nil {
		return nil, err
	}
	attrs := attributeMap{
		"TopicArn":                topic.ARN,
		"Owner":                   st.AccountID(),
		"DisplayName":             "",
		"SubscriptionsConfirmed":  strconv.Itoa(len(subs)),
		"SubscriptionsPending":    "0",
		"SubscriptionsDeleted":    "0",
		"Policy":                  defaultPolicy(st, topic.ARN),
		"EffectiveDeliveryPolicy": `{"http":{"defaultHealthyRetryPolicy":{"minDelayTarget":20,"maxDelayTarget":20,"numRetries":3,"numMaxDelayRetries":0,"numNoDelayRetries":0,"numMinDelayRetries":0,"backoffFunction":"linear"},"disableSubscriptionOverrides":false}}`,
	}
	for k, v := range topic.Attributes {
		attrs[k] = v
	}
	return api.Reply(req, attributesOutput{Attributes: attrs})
}

func defaultPolicy(st *api.State, topicARN string) string {
	policy := map[string]any{
		"Version": "2008-10-17",
		"Id":      "__default_policy_ID",
		"Statement": []map[string]any{{
			"Sid":       "__default_statement_ID",
			"Effect":    "Allow",
			"Principal": map[string]string{"AWS": "*"},
			"Action":    []string{"SNS:GetTopicAttributes", "SNS:SetTopicAttributes", "SNS:Subscribe", "SNS:Publish"},
			"Resource":  topicARN,
			"Condition": map[string]any{"StringEquals": map[string]string{"AWS:SourceOwner": st.AccountID()}},
		}},
	}
	data, err := json.Marshal(policy)
	if err != nil {
		return ""
	}
	return string(data)
}

type subscribeInput struct {
	TopicArn string `json:"TopicArn"`
	Protocol string `json:"Protocol"`
	Endpoint string `json:"Endpoint"`
}

type subscriptionARNOutput struct {
	SubscriptionArn string `xml:"SubscriptionArn" json:"SubscriptionArn"`
}

func subscribe(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in subscribeInput
	if err := decode(req, &in, func(p wire.Params) {
		in.TopicArn = p.Get("TopicArn")
		in.Protocol = p.Get("Protocol")
		in.Endpoint = p.Get("Endpoint")
	}); err != nil {
		return nil, err
	}
	if in.TopicArn == "" {
		return nil, awserr.MissingParameter("TopicArn")
	}
	if in.Protocol == "" {
		return nil, awserr.MissingParameter("Protocol")
	}
	if !slices.Contains(protocols, in.Protocol) {
		return nil, invalidParameter("Invalid parameter: Amazon SNS does not support this protocol string: %s", in.Protocol)
	}

	existing, err := st.Meta.FindSubscription(ctx, in.TopicArn, in.Protocol, in.Endpoint)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return api.Reply(req, subscriptionARNOutput{SubscriptionArn: existing.ARN})
	}
	sub := &models.Subscription{
		ARN:       in.TopicArn + ":" + awsid.UUID(),
		TopicARN:  in.TopicArn,
		Protocol:  in.Protocol,
		Endpoint:  in.Endpoint,
		CreatedAt: st.Now(),
	}
	if err := st.Meta.CreateSubscription(ctx, sub); err != nil {
		return nil, err
	}
	return api.Reply(req, subscriptionARNOutput{SubscriptionArn: sub.ARN})
}

func unsubscribe(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in subscriptionARNOutput
	if err := decode(req, &in, func(p wire.Params) { in.SubscriptionArn = p.Get("SubscriptionArn") }); err != nil {
		return nil, err
	}
	if in.SubscriptionArn == "" {
		return nil, awserr.MissingParameter("SubscriptionArn")
	}
	if err := st.Meta.DeleteSubscription(ctx, in.SubscriptionArn); err != nil {
		return nil, err
	}
	return api.Reply(req, nil)
}

type subscriptionEntry struct {
	SubscriptionArn string `xml:"SubscriptionArn" json:"SubscriptionArn"`
	Owner           string `xml:"Owner" json:"Owner"`
	Protocol        string `xml:"Protocol" json:"Protocol"`
	Endpoint        string `xml:"Endpoint" json:"Endpoint"`
	TopicArn        string `xml:"TopicArn" json:"TopicArn"`
}

type listSubscriptionsOutput struct {
	Subscriptions []subscriptionEntry `xml:"Subscriptions>member" json:"Subscriptions"`
	NextToken     string              `xml:"NextToken,omitempty" json:"NextToken,omitempty"`
}

func subscriptionsReply(st *api.State, req *api.Request, subs []models.Subscription, token string) (*api.Response, error) {
	subs, next := page(subs, token, func(s models.Subscription) string { return s.ARN })
	out := listSubscriptionsOutput{Subscriptions: []subscriptionEntry{}, NextToken: next}
	for _, s := range subs {
		out.Subscriptions = append(out.Subscriptions, subscriptionEntry{
			SubscriptionArn: s.ARN,
			Owner:           st.AccountID(),
			Protocol:        s.Protocol,
			Endpoint:        s.Endpoint,
			TopicArn:        s.TopicARN,
		})
	}
	return api.Reply(req, out)
}

func listSubscriptions(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	in, err := decodeList(req)
	if err != nil {
		return nil, err
	}
	subs, err := st.Meta.ListSubscriptions(ctx, "")
	if err != nil {
		return nil, err
	}
	return subscriptionsReply(st, req, subs, in.NextToken)
}

func listSubscriptionsByTopic(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	in, err := decodeList(req)
	if err != nil {
		return nil, err
	}
	if in.TopicArn == "" {
		return nil, awserr.MissingParameter("TopicArn")
	}
	subs, err := st.Meta.ListSubscriptions(ctx, in.TopicArn)
	if err != nil {
		return nil, err
	}
	return subscriptionsReply(st, req, subs, in.NextToken)
}

func getSubscriptionAttributes(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in subscriptionARNOutput
	if err := decode(req, &in, func(p wire.Params) { in.SubscriptionArn = p.Get("SubscriptionArn") }); err != nil {
		return nil, err
	}
	if in.SubscriptionArn == "" {
		return nil, awserr.MissingParameter("SubscriptionArn")
	}
	topicARN := in.SubscriptionArn[:max(strings.LastIndex(in.SubscriptionArn, ":"), 0)]
	subs, err := st.Meta.ListSubscriptions(ctx, topicARN)
	if err != nil && !awserr.IsKind(err, awserr.KindNotFound) {
		return nil, err
	}
	idx := slices.IndexFunc(subs, func(s models.Subscription) bool { return s.ARN == in.SubscriptionArn })
	if idx < 0 {
		return nil, awserr.NotFound("Subscription", in.SubscriptionArn).WithCode("NotFound")
	}
	s := subs[idx]
	return api.Reply(req, attributesOutput{Attributes: attributeMap{
		"SubscriptionArn":              s.ARN,
		"TopicArn":                     s.TopicARN,
		"Protocol":                     s.Protocol,
		"Endpoint":                     s.Endpoint,
		"Owner":                        st.AccountID(),
		"ConfirmationWasAuthenticated": "true",
		"PendingConfirmation":          "false",
		"RawMessageDelivery":           "false",
	}})
}

type messageAttribute struct {
	DataType    string `json:"DataType"`
	StringValue string `json:"StringValue,omitempty"`
	BinaryValue []byte `json:"BinaryValue,omitempty"`
}

type publishInput struct {
	TopicArn          string                      `json:"TopicArn"`
	TargetArn         string                      `json:"TargetArn"`
	PhoneNumber       string                      `json:"PhoneNumber"`
	Message           string                      `json:"Message"`
	Subject           string                      `json:"Subject"`
	MessageStructure  string                      `json:"MessageStructure"`
	MessageGroupID    string                      `json:"MessageGroupId"`
	MessageAttributes map[string]messageAttribute `json:"MessageAttributes"`
}

type publishOutput struct {
	MessageID string `xml:"MessageId" json:"MessageId"`
}

// publishedMessage is what the event log keeps for a publish.
type publishedMessage struct {
	MessageID         string                      `json:"MessageId"`
	TopicArn          string                      `json:"TopicArn,omitempty"`
	PhoneNumber       string                      `json:"PhoneNumber,omitempty"`
	Subject           string                      `json:"Subject,omitempty"`
	Message           string                      `json:"Message"`
	MessageAttributes map[string]messageAttribute `json:"MessageAttributes,omitempty"`
	Timestamp         string                      `json:"Timestamp"`
}

func publish(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in publishInput
	if err := decode(req, &in, func(p wire.Params) {
		in.TopicArn = p.Get("TopicArn")
		in.TargetArn = p.Get("TargetArn")
		in.PhoneNumber = p.Get("PhoneNumber")
		in.Message = p.Get("Message")
		in.Subject = p.Get("Subject")
		in.MessageStructure = p.Get("MessageStructure")
		in.MessageGroupID = p.Get("MessageGroupId")
		for _, entry := range p.Structs("MessageAttributes.entry") {
			if in.MessageAttributes == nil {
				in.MessageAttributes = map[string]messageAttribute{}
			}
			in.MessageAttributes[entry.Get("Name")] = messageAttribute{
				DataType:    entry.Get("Value.DataType"),
				StringValue: entry.Get("Value.StringValue"),
				BinaryValue: []byte(entry.Get("Value.BinaryValue")),
			}
		}
	}); err != nil {
		return nil, err
	}

	target := in.TopicArn
	if target == "" {
		target = in.TargetArn
	}
	if target == "" && in.PhoneNumber == "" {
		return nil, invalidParameter("Invalid parameter: TopicArn or TargetArn Reason: no value for required parameter")
	}
	if in.Message == "" {
		return nil, invalidParameter("Invalid parameter: Empty message")
	}
	if len(in.Message) > maxMessageSize {
		return nil, invalidParameter("Invalid parameter: Message too long")
	}
	if in.MessageStructure == "json" {
		var structured map[string]string
		if err := json.Unmarshal([]byte(in.Message), &structured); err != nil || structured["default"] == "" {
			return nil, invalidParameter("Invalid parameter: Message Structure - No default entry in JSON message body")
		}
	}
	if target != "" {
		topic, err := st.Meta.GetTopic(ctx, target)
		if err != nil {
			return nil, err
		}
		if strings.HasSuffix(topic.Name, ".fifo") && in.MessageGroupID == "" {
			return nil, invalidParameter("Invalid parameter: The MessageGroupId parameter is required for FIFO topics")
		}
	}

	msg := publishedMessage{
		MessageID:         awsid.UUID(),
		TopicArn:          target,
		PhoneNumber:       in.PhoneNumber,
		Subject:           in.Subject,
		Message:           in.Message,
		MessageAttributes: in.MessageAttributes,
		Timestamp:         st.Now().Format("2006-01-02T15:04:05.000Z"),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, awserr.JSON(err)
	}
	recordTarget := target
	if recordTarget == "" {
		recordTarget = in.PhoneNumber
	}
	if err := st.Meta.RecordEvent(ctx, models.EventRecord{
		ID:        msg.MessageID,
		Service:   service,
		Target:    recordTarget,
		Payload:   payload,
		CreatedAt: st.Now(),
	}); err != nil {
		return nil, err
	}
	log.Debug().Str("target", recordTarget).Str("message_id", msg.MessageID).Msg("Message published")
	return api.Reply(req, publishOutput{MessageID: msg.MessageID})
}
