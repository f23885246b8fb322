package models

import "time"

// Table is a DynamoDB table definition. AttributeDefs and KeySchema hold the request JSON.
type Table struct {
	Name          string    `json:"name"`
	ARN           string    `json:"arn"`
	AttributeDefs []byte    `json:"attribute_defs"`
	KeySchema     []byte    `json:"key_schema"`
	BillingMode   string    `json:"billing_mode"`
	CreatedAt     time.Time `json:"created_at"`
}

// Item is a stored DynamoDB item. SK is empty for tables without a sort key.
type Item struct {
	Table string
	PK    string
	SK    string
	Data  []byte
}
