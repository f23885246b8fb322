package models

import "time"

// Queue is an SQS queue. Attributes hold the settable queue attributes as strings.
type Queue struct {
	Name       string            `json:"name"`
	URL        string            `json:"url"`
	ARN        string            `json:"arn"`
	Attributes map[string]string `json:"attributes,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// Message is a queued SQS message.
type Message struct {
	ID              string            `json:"id"`
	Queue           string            `json:"queue"`
	Body            string            `json:"body"`
	MD5             string            `json:"md5"`
	Attributes      map[string]string `json:"attributes,omitempty"`
	ReceiptHandle   string            `json:"receipt_handle,omitempty"`
	VisibleAfter    time.Time         `json:"visible_after"`
	SentAt          time.Time         `json:"sent_at"`
	ReceiveCount    int               `json:"receive_count"`
	FirstReceivedAt time.Time         `json:"first_received_at"`
}

// QueueCounts summarizes the messages in a queue at a point in time.
type QueueCounts struct {
	Visible  int64
	InFlight int64
	Delayed  int64
}

// Topic is an SNS topic.
type Topic struct {
	ARN        string            `json:"arn"`
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Subscription binds an endpoint to a topic. Nothing is ever delivered to it.
type Subscription struct {
	ARN       string    `json:"arn"`
	TopicARN  string    `json:"topic_arn"`
	Protocol  string    `json:"protocol"`
	Endpoint  string    `json:"endpoint"`
	CreatedAt time.Time `json:"created_at"`
}
