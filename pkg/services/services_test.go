package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistryCoversEveryService(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, []string{
		"apigateway", "dynamodb", "ec2", "ecr", "ecs", "elasticache", "elasticloadbalancing",
		"events", "iam", "kms", "lambda", "pricing", "rds", "s3", "secretsmanager", "sns", "sqs",
	}, r.Services())
	assert.True(t, r.Has("s3", "PutObject"))
	assert.True(t, r.Has("pricing", "GetServices"))
	assert.True(t, r.Has("ecs", "RegisterTaskDefinition"))
	assert.False(t, r.Has("s3", "SelectObjectContent"))
}
