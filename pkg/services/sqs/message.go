package sqs

import (
	"bytes"
	"context"
	"crypto/md5" // #nosec G501 -- SQS checksums are MD5 by protocol
	"encoding/binary"
	"encoding/hex"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/goccy/go-json"

	"cloudemu/pkg/api"
	"cloudemu/pkg/awserr"
	"cloudemu/pkg/awsid"
	"cloudemu/pkg/models"
)

const pollInterval = 100 * time.Millisecond

var batchIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,80}$`)

// messageAttribute is a user message attribute. It is stored JSON-encoded per name.
type messageAttribute struct {
	DataType    string `json:"DataType"`
	StringValue string `json:"StringValue,omitempty"`
	BinaryValue []byte `json:"BinaryValue,omitempty"`
}

func bodyMD5(body string) string {
	sum := md5.Sum([]byte(body)) // #nosec G401
	return hex.EncodeToString(sum[:])
}

// attributesMD5 is the checksum SDKs verify over message attributes: for each name in order,
// length-prefixed name and data type, a transport byte, then the length-prefixed value.
func attributesMD5(attrs map[string]messageAttribute) string {
	if len(attrs) == 0 {
		return ""
	}
	var buf bytes.Buffer
	writeField := func(b []byte) {
		_ = binary.Write(&buf, binary.BigEndian, uint32(len(b)))
		buf.Write(b)
	}
	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		a := attrs[name]
		writeField([]byte(name))
		writeField([]byte(a.DataType))
		if strings.HasPrefix(a.DataType, "Binary") {
			buf.WriteByte(2)
			writeField(a.BinaryValue)
		} else {
			buf.WriteByte(1)
			writeField([]byte(a.StringValue))
		}
	}
	sum := md5.Sum(buf.Bytes()) // #nosec G401
	return hex.EncodeToString(sum[:])
}

func validateMessageAttributes(attrs map[string]messageAttribute) error {
	if len(attrs) > 10 {
		return invalidParameter("Number of message attributes [%d] exceeds the allowed maximum [10].", len(attrs))
	}
	for name, a := range attrs {
		base, _, _ := strings.Cut(a.DataType, ".")
		switch base {
		case "String", "Number":
			if a.StringValue == "" {
				return invalidParameter("Message (user) attribute '%s' must contain a non-empty value of type '%s'.", name, a.DataType)
			}
		case "Binary":
			if len(a.BinaryValue) == 0 {
				return invalidParameter("Message (user) attribute '%s' must contain a non-empty value of type '%s'.", name, a.DataType)
			}
		default:
			return invalidParameter("The type of message (user) attribute '%s' is invalid. You must use only the following supported type prefixes: Binary, Number, String.", name)
		}
	}
	return nil
}

func encodeMessageAttributes(attrs map[string]messageAttribute) (map[string]string, error) {
	if len(attrs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(attrs))
	for name, a := range attrs {
		data, err := json.Marshal(a)
		if err != nil {
			return nil, awserr.JSON(err)
		}
		out[name] = string(data)
	}
	return out, nil
}

func decodeMessageAttributes(stored map[string]string) map[string]messageAttribute {
	if len(stored) == 0 {
		return nil
	}
	out := make(map[string]messageAttribute, len(stored))
	for name, raw := range stored {
		var a messageAttribute
		if err := json.Unmarshal([]byte(raw), &a); err == nil {
			out[name] = a
		}
	}
	return out
}

// validBody reports whether body holds only the characters SQS accepts.
func validBody(body string) bool {
	if !utf8.ValidString(body) {
		return false
	}
	for _, r := range body {
		switch {
		case r == 0x9, r == 0xA, r == 0xD:
		case r >= 0x20 && r <= 0xD7FF:
		case r >= 0xE000 && r <= 0xFFFD:
		case r >= 0x10000 && r <= 0x10FFFF:
		default:
			return false
		}
	}
	return true
}

type sendEntry struct {
	ID                string                      `json:"Id"`
	MessageBody       string                      `json:"MessageBody"`
	DelaySeconds      *int                        `json:"DelaySeconds"`
	MessageAttributes map[string]messageAttribute `json:"MessageAttributes"`
}

type sendResult struct {
	ID                     string `json:"Id,omitempty"`
	MessageID              string `json:"MessageId"`
	MD5OfMessageBody       string `json:"MD5OfMessageBody"`
	MD5OfMessageAttributes string `json:"MD5OfMessageAttributes,omitempty"`
}

// newMessage validates one entry against the queue and builds the stored message.
func newMessage(st *api.State, queue *models.Queue, e sendEntry) (*models.Message, error) {
	if e.MessageBody == "" {
		return nil, awserr.MissingParameter("MessageBody")
	}
	if limit := intAttribute(queue, "MaximumMessageSize", maxMessageSize); len(e.MessageBody) > limit {
		return nil, invalidParameter("One or more parameters are invalid. Reason: Message must be shorter than %d bytes.", limit)
	}
	if !validBody(e.MessageBody) {
		return nil, awserr.InvalidArgument("Invalid characters found.").WithCode("InvalidMessageContents")
	}
	if err := validateMessageAttributes(e.MessageAttributes); err != nil {
		return nil, err
	}
	delay := intAttribute(queue, attrDelaySeconds, 0)
	if e.DelaySeconds != nil {
		delay = *e.DelaySeconds
	}
	if delay < 0 || delay > maxDelay {
		return nil, invalidParameter("Value %d for parameter DelaySeconds is invalid. Reason: must be between 0 and 900, if provided.", delay)
	}
	attrs, err := encodeMessageAttributes(e.MessageAttributes)
	if err != nil {
		return nil, err
	}
	now := st.Now()
	return &models.Message{
		ID:           awsid.UUID(),
		Queue:        queue.Name,
		Body:         e.MessageBody,
		MD5:          bodyMD5(e.MessageBody),
		Attributes:   attrs,
		VisibleAfter: now.Add(time.Duration(delay) * time.Second),
		SentAt:       now,
	}, nil
}

func resultOf(id string, msg *models.Message, attrs map[string]messageAttribute) sendResult {
	return sendResult{
		ID:                     id,
		MessageID:              msg.ID,
		MD5OfMessageBody:       msg.MD5,
		MD5OfMessageAttributes: attributesMD5(attrs),
	}
}

type sendMessageInput struct {
	QueueURL string `json:"QueueUrl"`
	sendEntry
}

func sendMessage(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in sendMessageInput
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
	msg, err := newMessage(st, queue, in.sendEntry)
	if err != nil {
		return nil, err
	}
	if err := st.Meta.SendMessages(ctx, name, []*models.Message{msg}); err != nil {
		return nil, sqsErr(err)
	}
	return api.Reply(req, resultOf("", msg, in.MessageAttributes))
}

type batchError struct {
	ID          string `json:"Id"`
	SenderFault bool   `json:"SenderFault"`
	Code        string `json:"Code"`
	Message     string `json:"Message,omitempty"`
}

func entryError(id string, err error) batchError {
	e := awserr.From(err)
	return batchError{ID: id, SenderFault: e.Status() < 500, Code: e.ErrorCode(), Message: e.Message}
}

// checkBatch enforces the batch-level rules shared by the batch operations.
func checkBatch(ids []string) error {
	if len(ids) == 0 {
		return awserr.InvalidArgument("There should be at least one entry in the request.").WithCode("EmptyBatchRequest")
	}
	if len(ids) > maxBatchEntries {
		return awserr.InvalidArgument("Maximum number of entries per request are 10.").WithCode("TooManyEntriesInBatchRequest")
	}
	seen := map[string]bool{}
	for _, id := range ids {
		if !batchIDPattern.MatchString(id) {
			return awserr.InvalidArgument("A batch entry id can only contain alphanumeric characters, hyphens and underscores.").
				WithCode("InvalidBatchEntryId")
		}
		if seen[id] {
			return awserr.InvalidArgument("Id " + id + " repeated.").WithCode("BatchEntryIdsNotDistinct")
		}
		seen[id] = true
	}
	return nil
}

type sendMessageBatchInput struct {
	QueueURL string      `json:"QueueUrl"`
	Entries  []sendEntry `json:"Entries"`
}

type sendBatchOutput struct {
	Successful []sendResult `json:"Successful"`
	Failed     []batchError `json:"Failed"`
}

func sendMessageBatch(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in sendMessageBatchInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	name, err := queueName(in.QueueURL)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(in.Entries))
	for _, e := range in.Entries {
		ids = append(ids, e.ID)
	}
	if err := checkBatch(ids); err != nil {
		return nil, err
	}
	queue, err := st.Meta.GetQueue(ctx, name)
	if err != nil {
		return nil, sqsErr(err)
	}

	out := sendBatchOutput{Successful: []sendResult{}, Failed: []batchError{}}
	var messages []*models.Message
	for _, e := range in.Entries {
		msg, err := newMessage(st, queue, e)
		if err != nil {
			out.Failed = append(out.Failed, entryError(e.ID, err))
			continue
		}
		messages = append(messages, msg)
		out.Successful = append(out.Successful, resultOf(e.ID, msg, e.MessageAttributes))
	}
	if len(messages) > 0 {
		if err := st.Meta.SendMessages(ctx, name, messages); err != nil {
			return nil, sqsErr(err)
		}
	}
	return api.Reply(req, out)
}

type receiveMessageInput struct {
	QueueURL                    string   `json:"QueueUrl"`
	MaxNumberOfMessages         *int     `json:"MaxNumberOfMessages"`
	VisibilityTimeout           *int     `json:"VisibilityTimeout"`
	WaitTimeSeconds             *int     `json:"WaitTimeSeconds"`
	AttributeNames              []string `json:"AttributeNames"`
	MessageSystemAttributeNames []string `json:"MessageSystemAttributeNames"`
	MessageAttributeNames       []string `json:"MessageAttributeNames"`
}

type receivedMessage struct {
	MessageID              string                      `json:"MessageId"`
	ReceiptHandle          string                      `json:"ReceiptHandle"`
	MD5OfBody              string                      `json:"MD5OfBody"`
	Body                   string                      `json:"Body"`
	Attributes             map[string]string           `json:"Attributes,omitempty"`
	MD5OfMessageAttributes string                      `json:"MD5OfMessageAttributes,omitempty"`
	MessageAttributes      map[string]messageAttribute `json:"MessageAttributes,omitempty"`
}

type receiveOutput struct {
	Messages []receivedMessage `json:"Messages,omitempty"`
}

func receiveMessage(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in receiveMessageInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	name, err := queueName(in.QueueURL)
	if err != nil {
		return nil, err
	}
	limit := 1
	if in.MaxNumberOfMessages != nil {
		limit = *in.MaxNumberOfMessages
	}
	if limit < 1 || limit > maxBatchEntries {
		return nil, invalidParameter("Value %d for parameter MaxNumberOfMessages is invalid. Reason: Must be between 1 and 10, if provided.", limit)
	}
	queue, err := st.Meta.GetQueue(ctx, name)
	if err != nil {
		return nil, sqsErr(err)
	}

	visibility := intAttribute(queue, attrVisibilityTimeout, defaultVisibility)
	if in.VisibilityTimeout != nil {
		visibility = *in.VisibilityTimeout
	}
	if visibility < 0 || visibility > maxVisibility {
		return nil, invalidParameter("Value %d for parameter VisibilityTimeout is invalid. Reason: Must be between 0 and 43200, if provided.", visibility)
	}
	wait := intAttribute(queue, "ReceiveMessageWaitTimeSeconds", 0)
	if in.WaitTimeSeconds != nil {
		wait = *in.WaitTimeSeconds
	}
	if wait < 0 || wait > 20 {
		return nil, invalidParameter("Value %d for parameter WaitTimeSeconds is invalid. Reason: Must be >= 0 and <= 20, if provided.", wait)
	}

	messages, err := receiveWithWait(ctx, st, name, limit, time.Duration(visibility)*time.Second, time.Duration(wait)*time.Second)
	if err != nil {
		return nil, err
	}

	systemNames := append(slices.Clone(in.AttributeNames), in.MessageSystemAttributeNames...)
	var out receiveOutput
	for _, msg := range messages {
		out.Messages = append(out.Messages, received(st, msg, systemNames, in.MessageAttributeNames))
	}
	return api.Reply(req, out)
}

// receiveWithWait polls until a message is available or wait elapses.
func receiveWithWait(ctx context.Context, st *api.State, queue string, limit int, visibility, wait time.Duration) ([]models.Message, error) {
	deadline := time.Now().Add(wait)
	for {
		messages, err := st.Meta.ReceiveMessages(ctx, queue, limit, st.Now(), visibility)
		if err != nil {
			return nil, sqsErr(err)
		}
		if len(messages) > 0 || !time.Now().Before(deadline) {
			return messages, nil
		}
		select {
		case <-ctx.Done():
			return nil, nil
		case <-time.After(pollInterval):
		}
	}
}

func received(st *api.State, msg models.Message, systemNames, attrNames []string) receivedMessage {
	out := receivedMessage{
		MessageID:     msg.ID,
		ReceiptHandle: msg.ReceiptHandle,
		MD5OfBody:     msg.MD5,
		Body:          msg.Body,
	}

	system := map[string]string{
		"SenderId":                         st.AccountID(),
		"SentTimestamp":                    strconv.FormatInt(msg.SentAt.UnixMilli(), 10),
		"ApproximateReceiveCount":          strconv.Itoa(msg.ReceiveCount),
		"ApproximateFirstReceiveTimestamp": strconv.FormatInt(msg.FirstReceivedAt.UnixMilli(), 10),
	}
	for _, want := range systemNames {
		if want == "All" {
			out.Attributes = system
			break
		}
		if v, ok := system[want]; ok {
			if out.Attributes == nil {
				out.Attributes = map[string]string{}
			}
			out.Attributes[want] = v
		}
	}

	attrs := decodeMessageAttributes(msg.Attributes)
	selected := map[string]messageAttribute{}
	for name, a := range attrs {
		for _, want := range attrNames {
			if want == "All" || want == ".*" || want == name ||
				(strings.HasSuffix(want, ".*") && strings.HasPrefix(name, strings.TrimSuffix(want, "*"))) {
				selected[name] = a
				break
			}
		}
	}
	if len(selected) > 0 {
		out.MessageAttributes = selected
		out.MD5OfMessageAttributes = attributesMD5(selected)
	}
	return out
}

type deleteMessageInput struct {
	QueueURL      string `json:"QueueUrl"`
	ReceiptHandle string `json:"ReceiptHandle"`
}

func deleteMessage(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in deleteMessageInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	name, err := queueName(in.QueueURL)
	if err != nil {
		return nil, err
	}
	if in.ReceiptHandle == "" {
		return nil, awserr.MissingParameter("ReceiptHandle")
	}
	if err := st.Meta.DeleteMessage(ctx, name, in.ReceiptHandle); err != nil {
		return nil, sqsErr(err)
	}
	return api.Reply(req, nil)
}

type deleteEntry struct {
	ID            string `json:"Id"`
	ReceiptHandle string `json:"ReceiptHandle"`
}

type deleteMessageBatchInput struct {
	QueueURL string        `json:"QueueUrl"`
	Entries  []deleteEntry `json:"Entries"`
}

type batchSuccess struct {
	ID string `json:"Id"`
}

type batchOutput struct {
	Successful []batchSuccess `json:"Successful"`
	Failed     []batchError   `json:"Failed"`
}

func deleteMessageBatch(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in deleteMessageBatchInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	name, err := queueName(in.QueueURL)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(in.Entries))
	for _, e := range in.Entries {
		ids = append(ids, e.ID)
	}
	if err := checkBatch(ids); err != nil {
		return nil, err
	}

	out := batchOutput{Successful: []batchSuccess{}, Failed: []batchError{}}
	for _, e := range in.Entries {
		if e.ReceiptHandle == "" {
			out.Failed = append(out.Failed, entryError(e.ID, awserr.MissingParameter("ReceiptHandle")))
			continue
		}
		if err := st.Meta.DeleteMessage(ctx, name, e.ReceiptHandle); err != nil {
			if awserr.IsKind(err, awserr.KindNotFound) {
				return nil, sqsErr(err)
			}
			out.Failed = append(out.Failed, entryError(e.ID, err))
			continue
		}
		out.Successful = append(out.Successful, batchSuccess{ID: e.ID})
	}
	return api.Reply(req, out)
}

type changeVisibilityInput struct {
	QueueURL          string `json:"QueueUrl"`
	ReceiptHandle     string `json:"ReceiptHandle"`
	VisibilityTimeout *int   `json:"VisibilityTimeout"`
}

func changeMessageVisibility(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in changeVisibilityInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	name, err := queueName(in.QueueURL)
	if err != nil {
		return nil, err
	}
	if in.ReceiptHandle == "" {
		return nil, awserr.MissingParameter("ReceiptHandle")
	}
	if in.VisibilityTimeout == nil {
		return nil, awserr.MissingParameter("VisibilityTimeout")
	}
	if *in.VisibilityTimeout < 0 || *in.VisibilityTimeout > maxVisibility {
		return nil, invalidParameter("Value %d for parameter VisibilityTimeout is invalid. Reason: Must be between 0 and 43200.", *in.VisibilityTimeout)
	}
	visibleAfter := st.Now().Add(time.Duration(*in.VisibilityTimeout) * time.Second)
	if err := st.Meta.ChangeMessageVisibility(ctx, name, in.ReceiptHandle, visibleAfter); err != nil {
		return nil, sqsErr(err)
	}
	return api.Reply(req, nil)
}
