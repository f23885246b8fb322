// Package sqs implements the SQS AWS-JSON 1.0 API. Queues and messages live in the metadata
// store; receive selects and hides messages in one transaction.
package sqs

import (
	"context"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"cloudemu/pkg/api"
	"cloudemu/pkg/awserr"
	"cloudemu/pkg/dispatch"
	"cloudemu/pkg/log"
	"cloudemu/pkg/models"
)

const service = "sqs"

const (
	attrVisibilityTimeout = "VisibilityTimeout"
	attrDelaySeconds      = "DelaySeconds"

	defaultVisibility = 30
	maxVisibility     = 43200
	maxDelay          = 900
	maxMessageSize    = 262144
	maxBatchEntries   = 10
)

// defaultAttributes are the settable attributes every new queue starts with.
var defaultAttributes = map[string]string{
	attrVisibilityTimeout:           strconv.Itoa(defaultVisibility),
	attrDelaySeconds:                "0",
	"MaximumMessageSize":            strconv.Itoa(maxMessageSize),
	"MessageRetentionPeriod":        "345600",
	"ReceiveMessageWaitTimeSeconds": "0",
}

// settable bounds the integer queue attributes; other names are stored verbatim.
var settable = map[string][2]int{
	attrVisibilityTimeout:           {0, maxVisibility},
	attrDelaySeconds:                {0, maxDelay},
	"MaximumMessageSize":            {1024, maxMessageSize},
	"MessageRetentionPeriod":        {60, 1209600},
	"ReceiveMessageWaitTimeSeconds": {0, 20},
}

var knownAttributes = []string{
	attrVisibilityTimeout, attrDelaySeconds, "MaximumMessageSize", "MessageRetentionPeriod",
	"ReceiveMessageWaitTimeSeconds", "Policy", "RedrivePolicy", "RedriveAllowPolicy", "FifoQueue",
	"ContentBasedDeduplication", "KmsMasterKeyId", "KmsDataKeyReusePeriodSeconds", "SqsManagedSseEnabled",
	"DeduplicationScope", "FifoThroughputLimit",
}

var queueNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,80}(\.fifo)?$`)

// Register adds the SQS operations to r.
func Register(r *dispatch.Registry) {
	r.HandleAll(service, map[string]api.HandlerFunc{
		"CreateQueue":             createQueue,
		"GetQueueUrl":             getQueueURL,
		"ListQueues":              listQueues,
		"DeleteQueue":             deleteQueue,
		"GetQueueAttributes":      getQueueAttributes,
		"SetQueueAttributes":      setQueueAttributes,
		"PurgeQueue":              purgeQueue,
		"SendMessage":             sendMessage,
		"SendMessageBatch":        sendMessageBatch,
		"ReceiveMessage":          receiveMessage,
		"DeleteMessage":           deleteMessage,
		"DeleteMessageBatch":      deleteMessageBatch,
		"ChangeMessageVisibility": changeMessageVisibility,
	})
}

func invalidParameter(format string, args ...any) *awserr.Error {
	return awserr.InvalidArgument(fmt.Sprintf(format, args...)).WithCode("InvalidParameterValue")
}

// sqsErr maps store errors onto the error types the JSON protocol reports.
func sqsErr(err error) error {
	if awserr.IsKind(err, awserr.KindNotFound) {
		return awserr.From(err).WithCode("QueueDoesNotExist")
	}
	return err
}

// queueURL builds the URL clients use to address name, preferring the host they called.
func queueURL(st *api.State, req *api.Request, name string) string {
	host := req.Host
	if host == "" {
		host = fmt.Sprintf("%s:%d", st.Config.Host, st.Config.Port)
		if st.Config.Host == "" || st.Config.Host == "0.0.0.0" {
			host = fmt.Sprintf("localhost:%d", st.Config.Port)
		}
	}
	return "http://" + host + "/" + st.AccountID() + "/" + name
}

// queueName extracts the queue name from a queue URL. A bare name is accepted too.
func queueName(url string) (string, error) {
	if url == "" {
		return "", awserr.MissingParameter("QueueUrl")
	}
	name := url[strings.LastIndex(url, "/")+1:]
	if name == "" {
		return "", invalidParameter("Value %s for parameter QueueUrl is invalid. Reason: Invalid queue URL.", url)
	}
	return name, nil
}

// validateAttributes checks attribute names and integer bounds.
func validateAttributes(attrs map[string]string) error {
	for name, value := range attrs {
		if !slices.Contains(knownAttributes, name) {
			return awserr.InvalidArgument("Unknown Attribute " + name + ".").WithCode("InvalidAttributeName")
		}
		bounds, ok := settable[name]
		if !ok {
			continue
		}
		n, err := strconv.Atoi(value)
		if err != nil || n < bounds[0] || n > bounds[1] {
			return awserr.InvalidArgument(fmt.Sprintf("Invalid value for the parameter %s.", name)).
				WithCode("InvalidAttributeValue")
		}
	}
	return nil
}

func intAttribute(q *models.Queue, name string, def int) int {
	if n, err := strconv.Atoi(q.Attributes[name]); err == nil {
		return n
	}
	return def
}

type createQueueInput struct {
	QueueName  string            `json:"QueueName"`
	Attributes map[string]string `json:"Attributes"`
	Tags       map[string]string `json:"tags"`
}

type queueURLOutput struct {
	QueueURL string `json:"QueueUrl"`
}

func createQueue(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in createQueueInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	if in.QueueName == "" {
		return nil, awserr.MissingParameter("QueueName")
	}
	if !queueNamePattern.MatchString(in.QueueName) {
		return nil, invalidParameter("Can only include alphanumeric characters, hyphens, or underscores. 1 to 80 in length")
	}
	if err := validateAttributes(in.Attributes); err != nil {
		return nil, err
	}
	fifo := strings.HasSuffix(in.QueueName, ".fifo")
	if fifo != (in.Attributes["FifoQueue"] == "true") {
		return nil, invalidParameter("The name of a FIFO queue can only include alphanumeric characters, hyphens, or underscores, must end with .fifo suffix.")
	}

	attrs := maps.Clone(defaultAttributes)
	maps.Copy(attrs, in.Attributes)
	queue := &models.Queue{
		Name:       in.QueueName,
		URL:        queueURL(st, req, in.QueueName),
		ARN:        st.ARN(service, in.QueueName),
		Attributes: attrs,
		CreatedAt:  st.Now(),
	}
	stored, err := st.Meta.CreateQueue(ctx, queue)
	if err != nil {
		return nil, err
	}
	if stored != queue {
		// Re-creating a queue is idempotent only when the attributes agree.
		for name, value := range in.Attributes {
			if stored.Attributes[name] != value {
				return nil, awserr.AlreadyExists(in.QueueName).WithCode("QueueNameExists").
					WithResource(in.QueueName)
			}
		}
	} else {
		log.Debug().Str("queue", queue.Name).Msg("Queue created")
	}
	return api.Reply(req, queueURLOutput{QueueURL: stored.URL})
}

func getQueueURL(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in struct {
		QueueName string `json:"QueueName"`
	}
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	if in.QueueName == "" {
		return nil, awserr.MissingParameter("QueueName")
	}
	queue, err := st.Meta.GetQueue(ctx, in.QueueName)
	if err != nil {
		return nil, sqsErr(err)
	}
	return api.Reply(req, queueURLOutput{QueueURL: queue.URL})
}

type listQueuesInput struct {
	QueueNamePrefix string `json:"QueueNamePrefix"`
	MaxResults      int    `json:"MaxResults"`
	NextToken       string `json:"NextToken"`
}

type listQueuesOutput struct {
	QueueUrls []string `json:"QueueUrls,omitempty"`
	NextToken string   `json:"NextToken,omitempty"`
}

func listQueues(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in listQueuesInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	if in.MaxResults < 0 || in.MaxResults > 1000 {
		return nil, invalidParameter("Value %d for parameter MaxResults is invalid. Reason: must be between 1 and 1000.", in.MaxResults)
	}
	queues, err := st.Meta.ListQueues(ctx, in.QueueNamePrefix)
	if err != nil {
		return nil, err
	}
	// NextToken is the name of the last queue already returned.
	if in.NextToken != "" {
		idx := slices.IndexFunc(queues, func(q models.Queue) bool { return q.Name > in.NextToken })
		if idx < 0 {
			idx = len(queues)
		}
		queues = queues[idx:]
	}
	var out listQueuesOutput
	if in.MaxResults > 0 && len(queues) > in.MaxResults {
		queues = queues[:in.MaxResults]
		out.NextToken = queues[len(queues)-1].Name
	}
	for _, q := range queues {
		out.QueueUrls = append(out.QueueUrls, q.URL)
	}
	return api.Reply(req, out)
}

type queueInput struct {
	QueueURL string `json:"QueueUrl"`
}

func deleteQueue(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in queueInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	name, err := queueName(in.QueueURL)
	if err != nil {
		return nil, err
	}
	if err := st.Meta.DeleteQueue(ctx, name); err != nil {
		return nil, sqsErr(err)
	}
	log.Debug().Str("queue", name).Msg("Queue deleted")
	return api.Reply(req, nil)
}

func purgeQueue(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in queueInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	name, err := queueName(in.QueueURL)
	if err != nil {
		return nil, err
	}
	if err := st.Meta.PurgeQueue(ctx, name); err != nil {
		return nil, sqsErr(err)
	}
	return api.Reply(req, nil)
}

type getQueueAttributesInput struct {
	QueueURL       string   `json:"QueueUrl"`
	AttributeNames []string `json:"AttributeNames"`
}

type attributesOutput struct {
	Attributes map[string]string `json:"Attributes,omitempty"`
}

func getQueueAttributes(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in getQueueAttributesInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	name, err := queueName(in.QueueURL)
	if err != nil {
		return nil, err
	}
	queue, err := st.Meta.GetQueue(ctx, name)
	if err != nil {
		return nil, sqsErr(err)
	}
	counts, err := st.Meta.CountMessages(ctx, name, st.Now())
	if err != nil {
		return nil, sqsErr(err)
	}

	all := maps.Clone(queue.Attributes)
	if all == nil {
		all = map[string]string{}
	}
	all["QueueArn"] = queue.ARN
	all["CreatedTimestamp"] = strconv.FormatInt(queue.CreatedAt.Unix(), 10)
	all["LastModifiedTimestamp"] = strconv.FormatInt(queue.UpdatedAt.Unix(), 10)
	all["ApproximateNumberOfMessages"] = strconv.FormatInt(counts.Visible, 10)
	all["ApproximateNumberOfMessagesNotVisible"] = strconv.FormatInt(counts.InFlight, 10)
	all["ApproximateNumberOfMessagesDelayed"] = strconv.FormatInt(counts.Delayed, 10)

	out := attributesOutput{Attributes: map[string]string{}}
	for _, want := range in.AttributeNames {
		if want == "All" {
			out.Attributes = all
			break
		}
		if v, ok := all[want]; ok {
			out.Attributes[want] = v
		} else if !slices.Contains(knownAttributes, want) {
			return nil, awserr.InvalidArgument("Unknown Attribute " + want + ".").WithCode("InvalidAttributeName")
		}
	}
	return api.Reply(req, out)
}

type setQueueAttributesInput struct {
	QueueURL   string            `json:"QueueUrl"`
	Attributes map[string]string `json:"Attributes"`
}

func setQueueAttributes(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in setQueueAttributesInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	name, err := queueName(in.QueueURL)
	if err != nil {
		return nil, err
	}
	if err := validateAttributes(in.Attributes); err != nil {
		return nil, err
	}
	if _, ok := in.Attributes["FifoQueue"]; ok {
		return nil, awserr.InvalidArgument("Invalid value for the parameter FifoQueue. Reason: Modifying queue type is not supported.").
			WithCode("InvalidAttributeValue")
	}
	if err := st.Meta.SetQueueAttributes(ctx, name, in.Attributes, st.Now()); err != nil {
		return nil, sqsErr(err)
	}
	return api.Reply(req, nil)
}
