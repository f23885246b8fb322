package dispatch

import "cloudemu/pkg/wire"

type target struct {
	service string
	dialect wire.Dialect
}

// targets maps the x-amz-target service prefix to a service and its default JSON version.
var targets = map[string]target{
	"DynamoDB_20120810":                    {service: "dynamodb", dialect: wire.JSON10},
	"AmazonSQS":                            {service: "sqs", dialect: wire.JSON10},
	"AmazonSNS":                            {service: "sns", dialect: wire.JSON10},
	"TrentService":                         {service: "kms", dialect: wire.JSON11},
	"secretsmanager":                       {service: "secretsmanager", dialect: wire.JSON11},
	"AWSEvents":                            {service: "events", dialect: wire.JSON11},
	"AmazonEC2ContainerServiceV20141113":   {service: "ecs", dialect: wire.JSON11},
	"AmazonEC2ContainerRegistry_V20150921": {service: "ecr", dialect: wire.JSON11},
	"AWSPriceListService":                  {service: "pricing", dialect: wire.JSON11},
	"AWSLambda":                            {service: "lambda", dialect: wire.JSON11},
}

// RESTRoute is a REST-JSON route. Path uses :name placeholders for path parameters.
type RESTRoute struct {
	Method    string
	Path      string
	Service   string
	Operation string
}

const lambdaPrefix = "/2015-03-31"

// RESTRoutes is the REST-JSON route table for Lambda and API Gateway.
var RESTRoutes = []RESTRoute{
	{"POST", lambdaPrefix + "/functions", "lambda", "CreateFunction"},
	{"GET", lambdaPrefix + "/functions", "lambda", "ListFunctions"},
	{"GET", lambdaPrefix + "/functions/", "lambda", "ListFunctions"},
	{"GET", lambdaPrefix + "/functions/:name", "lambda", "GetFunction"},
	{"DELETE", lambdaPrefix + "/functions/:name", "lambda", "DeleteFunction"},
	{"GET", lambdaPrefix + "/functions/:name/configuration", "lambda", "GetFunctionConfiguration"},
	{"PUT", lambdaPrefix + "/functions/:name/configuration", "lambda", "UpdateFunctionConfiguration"},
	{"PUT", lambdaPrefix + "/functions/:name/code", "lambda", "UpdateFunctionCode"},
	{"POST", lambdaPrefix + "/functions/:name/invocations", "lambda", "Invoke"},

	{"POST", "/restapis", "apigateway", "CreateRestApi"},
	{"GET", "/restapis", "apigateway", "GetRestApis"},
	{"GET", "/restapis/:api", "apigateway", "GetRestApi"},
	{"DELETE", "/restapis/:api", "apigateway", "DeleteRestApi"},
	{"GET", "/restapis/:api/resources", "apigateway", "GetResources"},
	{"POST", "/restapis/:api/resources/:resource", "apigateway", "CreateResource"},
	{"GET", "/restapis/:api/resources/:resource", "apigateway", "GetResource"},
	{"DELETE", "/restapis/:api/resources/:resource", "apigateway", "DeleteResource"},
	{"PUT", "/restapis/:api/resources/:resource/methods/:method", "apigateway", "PutMethod"},
	{"GET", "/restapis/:api/resources/:resource/methods/:method", "apigateway", "GetMethod"},
	{"DELETE", "/restapis/:api/resources/:resource/methods/:method", "apigateway", "DeleteMethod"},
	{"POST", "/restapis/:api/deployments", "apigateway", "CreateDeployment"},
	{"GET", "/restapis/:api/deployments", "apigateway", "GetDeployments"},
}

// reserved first path segments are never bucket names.
var reserved = map[string]bool{
	"2015-03-31": true,
	"restapis":   true,
	"health":     true,
	"metrics":    true,
	"_cloudemu":  true,
}
