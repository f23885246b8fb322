package sqs

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"cloudemu/pkg/api"
	"cloudemu/pkg/api/apitest"
	"cloudemu/pkg/awserr"
	"cloudemu/pkg/wire"
)

type SQSTestSuite struct {
	suite.Suite
	st  *api.State
	ctx context.Context
	now time.Time
}

func TestSQSTestSuite(t *testing.T) {
	suite.Run(t, new(SQSTestSuite))
}

func (s *SQSTestSuite) SetupTest() {
	s.st = apitest.NewState(s.T())
	s.ctx = context.Background()
	s.now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.st.Clock = func() time.Time { return s.now }
}

func (s *SQSTestSuite) request(op string, body any) *api.Request {
	req := apitest.JSON(s.T(), service, op, wire.JSON10, body)
	req.Host = "localhost:4566"
	return req
}

func (s *SQSTestSuite) call(h api.HandlerFunc, op string, body any, out any) {
	resp := apitest.Call(s.T(), s.st, h, s.request(op, body))
	if out != nil {
		apitest.DecodeJSON(s.T(), resp, out)
	}
}

func (s *SQSTestSuite) fail(h api.HandlerFunc, op string, body any) string {
	resp, err := h(s.ctx, s.st, s.request(op, body))
	s.Require().Error(err)
	s.Nil(resp)
	return awserr.From(err).ErrorCode()
}

func (s *SQSTestSuite) createQueue(name string) string {
	var out queueURLOutput
	s.call(createQueue, "CreateQueue", map[string]any{"QueueName": name}, &out)
	return out.QueueURL
}

func (s *SQSTestSuite) send(url, body string) sendResult {
	var out sendResult
	s.call(sendMessage, "SendMessage", map[string]any{"QueueUrl": url, "MessageBody": body}, &out)
	return out
}

func (s *SQSTestSuite) receive(url string, max int) []receivedMessage {
	var out receiveOutput
	s.call(receiveMessage, "ReceiveMessage", map[string]any{"QueueUrl": url, "MaxNumberOfMessages": max}, &out)
	return out.Messages
}

func (s *SQSTestSuite) TestSendReceiveVisibility() {
	url := s.createQueue("MyQueue")
	s.Equal("http://localhost:4566/000000000000/MyQueue", url)

	sent := s.send(url, "Hello Queue")
	s.NotEmpty(sent.MessageID)
	s.Equal(bodyMD5("Hello Queue"), sent.MD5OfMessageBody)

	msgs := s.receive(url, 1)
	s.Require().Len(msgs, 1)
	s.Equal("Hello Queue", msgs[0].Body)
	s.Equal(sent.MessageID, msgs[0].MessageID)
	s.NotEmpty(msgs[0].ReceiptHandle)

	s.Empty(s.receive(url, 1))

	s.now = s.now.Add(29 * time.Second)
	s.Empty(s.receive(url, 1))

	s.now = s.now.Add(2 * time.Second)
	again := s.receive(url, 1)
	s.Require().Len(again, 1)
	s.NotEqual(msgs[0].ReceiptHandle, again[0].ReceiptHandle)

	s.call(deleteMessage, "DeleteMessage", map[string]any{"QueueUrl": url, "ReceiptHandle": again[0].ReceiptHandle}, nil)
	// Deleting again is a no-op.
	s.call(deleteMessage, "DeleteMessage", map[string]any{"QueueUrl": url, "ReceiptHandle": again[0].ReceiptHandle}, nil)

	s.now = s.now.Add(time.Minute)
	s.Empty(s.receive(url, 10))
}

func (s *SQSTestSuite) TestCreateQueueIdempotent() {
	url := s.createQueue("orders")
	s.Equal(url, s.createQueue("orders"))

	s.Equal("QueueNameExists", s.fail(createQueue, "CreateQueue",
		map[string]any{"QueueName": "orders", "Attributes": map[string]string{"VisibilityTimeout": "5"}}))
	s.Equal("InvalidParameterValue", s.fail(createQueue, "CreateQueue", map[string]any{"QueueName": "bad name"}))
	s.Equal("InvalidParameterValue", s.fail(createQueue, "CreateQueue", map[string]any{"QueueName": "jobs.fifo"}))
	s.Equal("InvalidAttributeName", s.fail(createQueue, "CreateQueue",
		map[string]any{"QueueName": "x", "Attributes": map[string]string{"Bogus": "1"}}))
	s.Equal("InvalidAttributeValue", s.fail(createQueue, "CreateQueue",
		map[string]any{"QueueName": "x", "Attributes": map[string]string{"VisibilityTimeout": "99999"}}))

	var got queueURLOutput
	s.call(getQueueURL, "GetQueueUrl", map[string]any{"QueueName": "orders"}, &got)
	s.Equal(url, got.QueueURL)
	s.Equal("QueueDoesNotExist", s.fail(getQueueURL, "GetQueueUrl", map[string]any{"QueueName": "nope"}))
}

func (s *SQSTestSuite) TestListAndDeleteQueues() {
	for _, name := range []string{"alpha-1", "alpha-2", "beta"} {
		s.createQueue(name)
	}
	var out listQueuesOutput
	s.call(listQueues, "ListQueues", map[string]any{"QueueNamePrefix": "alpha"}, &out)
	s.Len(out.QueueUrls, 2)

	out = listQueuesOutput{}
	s.call(listQueues, "ListQueues", map[string]any{"MaxResults": 2}, &out)
	s.Len(out.QueueUrls, 2)
	s.Equal("alpha-2", out.NextToken)
	next := listQueuesOutput{}
	s.call(listQueues, "ListQueues", map[string]any{"MaxResults": 2, "NextToken": out.NextToken}, &next)
	s.Equal([]string{"http://localhost:4566/000000000000/beta"}, next.QueueUrls)
	s.Empty(next.NextToken)

	s.call(deleteQueue, "DeleteQueue", map[string]any{"QueueUrl": "http://localhost:4566/000000000000/beta"}, nil)
	s.Equal("QueueDoesNotExist", s.fail(deleteQueue, "DeleteQueue", map[string]any{"QueueUrl": "http://localhost:4566/000000000000/beta"}))
	s.Equal("QueueDoesNotExist", s.fail(sendMessage, "SendMessage",
		map[string]any{"QueueUrl": "http://localhost:4566/000000000000/beta", "MessageBody": "x"}))
}

func (s *SQSTestSuite) TestQueueAttributes() {
	url := s.createQueue("attrs")
	s.call(setQueueAttributes, "SetQueueAttributes",
		map[string]any{"QueueUrl": url, "Attributes": map[string]string{"VisibilityTimeout": "5", "DelaySeconds": "10"}}, nil)

	s.send(url, "delayed")
	var out attributesOutput
	s.call(getQueueAttributes, "GetQueueAttributes", map[string]any{"QueueUrl": url, "AttributeNames": []string{"All"}}, &out)
	s.Equal("5", out.Attributes["VisibilityTimeout"])
	s.Equal("arn:aws:sqs:us-east-1:000000000000:attrs", out.Attributes["QueueArn"])
	s.Equal("1", out.Attributes["ApproximateNumberOfMessagesDelayed"])
	s.Equal("0", out.Attributes["ApproximateNumberOfMessages"])

	s.Empty(s.receive(url, 1))
	s.now = s.now.Add(10 * time.Second)
	msgs := s.receive(url, 1)
	s.Require().Len(msgs, 1)

	out = attributesOutput{}
	s.call(getQueueAttributes, "GetQueueAttributes",
		map[string]any{"QueueUrl": url, "AttributeNames": []string{"ApproximateNumberOfMessagesNotVisible"}}, &out)
	s.Equal(map[string]string{"ApproximateNumberOfMessagesNotVisible": "1"}, out.Attributes)

	// The queue's five second visibility timeout applies.
	s.now = s.now.Add(6 * time.Second)
	s.Len(s.receive(url, 1), 1)

	s.Equal("InvalidAttributeValue", s.fail(setQueueAttributes, "SetQueueAttributes",
		map[string]any{"QueueUrl": url, "Attributes": map[string]string{"FifoQueue": "true"}}))
}

func (s *SQSTestSuite) TestMessageAttributesAndSystemAttributes() {
	url := s.createQueue("attrs")
	attrs := map[string]messageAttribute{
		"Kind":  {DataType: "String", StringValue: "order"},
		"Count": {DataType: "Number", StringValue: "3"},
	}
	var sent sendResult
	s.call(sendMessage, "SendMessage", map[string]any{"QueueUrl": url, "MessageBody": "payload", "MessageAttributes": attrs}, &sent)
	s.Equal(attributesMD5(attrs), sent.MD5OfMessageAttributes)
	s.Len(sent.MD5OfMessageAttributes, 32)

	var out receiveOutput
	s.call(receiveMessage, "ReceiveMessage", map[string]any{
		"QueueUrl":                    url,
		"MessageAttributeNames":       []string{"Kind"},
		"MessageSystemAttributeNames": []string{"ApproximateReceiveCount", "SentTimestamp"},
	}, &out)
	s.Require().Len(out.Messages, 1)
	msg := out.Messages[0]
	s.Equal(map[string]messageAttribute{"Kind": attrs["Kind"]}, msg.MessageAttributes)
	s.Equal(attributesMD5(map[string]messageAttribute{"Kind": attrs["Kind"]}), msg.MD5OfMessageAttributes)
	s.Equal("1", msg.Attributes["ApproximateReceiveCount"])
	s.Equal(fmt.Sprint(s.now.UnixMilli()), msg.Attributes["SentTimestamp"])

	s.Equal("InvalidParameterValue", s.fail(sendMessage, "SendMessage", map[string]any{
		"QueueUrl": url, "MessageBody": "x",
		"MessageAttributes": map[string]messageAttribute{"Bad": {DataType: "Float", StringValue: "1"}},
	}))
}

func (s *SQSTestSuite) TestReceiveValidation() {
	url := s.createQueue("v")
	s.Equal("InvalidParameterValue", s.fail(receiveMessage, "ReceiveMessage", map[string]any{"QueueUrl": url, "MaxNumberOfMessages": 11}))
	s.Equal("InvalidParameterValue", s.fail(receiveMessage, "ReceiveMessage", map[string]any{"QueueUrl": url, "MaxNumberOfMessages": 0}))
	s.Equal("MissingParameter", s.fail(sendMessage, "SendMessage", map[string]any{"QueueUrl": url}))
	s.Equal("InvalidMessageContents", s.fail(sendMessage, "SendMessage", map[string]any{"QueueUrl": url, "MessageBody": "bad\x00byte"}))
	s.Equal("MissingParameter", s.fail(deleteMessage, "DeleteMessage", map[string]any{"QueueUrl": url}))
}

func (s *SQSTestSuite) TestBatches() {
	url := s.createQueue("batch")
	var sent sendBatchOutput
	s.call(sendMessageBatch, "SendMessageBatch", map[string]any{"QueueUrl": url, "Entries": []map[string]any{
		{"Id": "a", "MessageBody": "one"},
		{"Id": "b", "MessageBody": "two"},
		{"Id": "c", "MessageBody": ""},
	}}, &sent)
	s.Len(sent.Successful, 2)
	s.Require().Len(sent.Failed, 1)
	s.Equal("c", sent.Failed[0].ID)
	s.True(sent.Failed[0].SenderFault)

	msgs := s.receive(url, 10)
	s.Require().Len(msgs, 2)

	var deleted batchOutput
	s.call(deleteMessageBatch, "DeleteMessageBatch", map[string]any{"QueueUrl": url, "Entries": []map[string]any{
		{"Id": "x", "ReceiptHandle": msgs[0].ReceiptHandle},
		{"Id": "y", "ReceiptHandle": msgs[1].ReceiptHandle},
	}}, &deleted)
	s.Len(deleted.Successful, 2)
	s.Empty(deleted.Failed)

	s.Equal("EmptyBatchRequest", s.fail(sendMessageBatch, "SendMessageBatch", map[string]any{"QueueUrl": url}))
	s.Equal("BatchEntryIdsNotDistinct", s.fail(sendMessageBatch, "SendMessageBatch", map[string]any{"QueueUrl": url, "Entries": []map[string]any{
		{"Id": "a", "MessageBody": "one"}, {"Id": "a", "MessageBody": "two"},
	}}))
	var many []map[string]any
	for i := 0; i < 11; i++ {
		many = append(many, map[string]any{"Id": fmt.Sprint("m", i), "MessageBody": "x"})
	}
	s.Equal("TooManyEntriesInBatchRequest", s.fail(sendMessageBatch, "SendMessageBatch", map[string]any{"QueueUrl": url, "Entries": many}))
}

func (s *SQSTestSuite) TestChangeVisibilityAndPurge() {
	url := s.createQueue("vis")
	s.send(url, "m")
	msgs := s.receive(url, 1)
	s.Require().Len(msgs, 1)

	s.call(changeMessageVisibility, "ChangeMessageVisibility",
		map[string]any{"QueueUrl": url, "ReceiptHandle": msgs[0].ReceiptHandle, "VisibilityTimeout": 0}, nil)
	s.Len(s.receive(url, 1), 1)

	s.Equal("ReceiptHandleIsInvalid", s.fail(changeMessageVisibility, "ChangeMessageVisibility",
		map[string]any{"QueueUrl": url, "ReceiptHandle": "unknown", "VisibilityTimeout": 10}))

	s.send(url, "n")
	s.call(purgeQueue, "PurgeQueue", map[string]any{"QueueUrl": url}, nil)
	s.now = s.now.Add(time.Hour)
	s.Empty(s.receive(url, 10))
}

func (s *SQSTestSuite) TestConcurrentReceiversNeverShareMessages() {
	url := s.createQueue("shared")
	for i := 0; i < 20; i++ {
		s.send(url, fmt.Sprint("msg-", i))
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 5; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := apitest.JSON(s.T(), service, "ReceiveMessage", wire.JSON10,
				map[string]any{"QueueUrl": url, "MaxNumberOfMessages": 10})
			resp, err := receiveMessage(s.ctx, s.st, req)
			if err != nil {
				return
			}
			var out receiveOutput
			apitest.DecodeJSON(s.T(), resp, &out)
			mu.Lock()
			defer mu.Unlock()
			for _, m := range out.Messages {
				seen[m.MessageID]++
			}
		}()
	}
	wg.Wait()

	s.Len(seen, 20)
	for id, n := range seen {
		s.Equal(1, n, id)
	}
}
