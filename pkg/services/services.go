// Package services wires every AWS service handler into a dispatch registry.
package services

import (
	"cloudemu/pkg/dispatch"
	"cloudemu/pkg/services/apigateway"
	"cloudemu/pkg/services/dynamodb"
	"cloudemu/pkg/services/ec2"
	"cloudemu/pkg/services/ecr"
	"cloudemu/pkg/services/ecs"
	"cloudemu/pkg/services/elasticache"
	"cloudemu/pkg/services/elbv2"
	"cloudemu/pkg/services/events"
	"cloudemu/pkg/services/iam"
	"cloudemu/pkg/services/kms"
	"cloudemu/pkg/services/lambda"
	"cloudemu/pkg/services/pricing"
	"cloudemu/pkg/services/rds"
	"cloudemu/pkg/services/s3"
	"cloudemu/pkg/services/secretsmanager"
	"cloudemu/pkg/services/sns"
	"cloudemu/pkg/services/sqs"
)

var registrars = []func(*dispatch.Registry){
	s3.Register,
	dynamodb.Register,
	sqs.Register,
	sns.Register,
	lambda.Register,
	kms.Register,
	secretsmanager.Register,
	events.Register,
	iam.Register,
	ec2.Register,
	rds.Register,
	ecs.Register,
	ecr.Register,
	elbv2.Register,
	elasticache.Register,
	apigateway.Register,
	pricing.Register,
}

// RegisterAll adds every service to r.
func RegisterAll(r *dispatch.Registry) {
	for _, register := range registrars {
		register(r)
	}
}

// NewRegistry returns a registry holding every service.
func NewRegistry() *dispatch.Registry {
	r := dispatch.NewRegistry()
	RegisterAll(r)
	return r
}
