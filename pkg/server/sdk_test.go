package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"net/url"
	"slices"
	"strings"
	"testing"

	awsv1 "github.com/aws/aws-sdk-go/aws"
	credentialsv1 "github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sns"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/go-cmp/cmp"
	"github.com/minio/minio-go/v7"
	miniocreds "github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/stretchr/testify/suite"

	"cloudemu/pkg/api/apitest"
	"cloudemu/pkg/services"
)

const (
	testAccessKey = "test"
	testSecretKey = "test"
	testRegion    = "us-east-1"
)

// SDKTestSuite drives the gateway with stock AWS SDK clients. Signatures are verified, so every
// call also exercises SigV4 verification.
type SDKTestSuite struct {
	suite.Suite
	ctx  context.Context
	http *httptest.Server
	cfg  aws.Config
}

func TestSDKSuite(t *testing.T) {
	suite.Run(t, new(SDKTestSuite))
}

func (s *SDKTestSuite) SetupTest() {
	s.ctx = context.Background()
	st := apitest.NewState(s.T())
	st.Config.ValidateSignatures = true
	st.Config.AccessKey = testAccessKey
	st.Config.SecretKey = testSecretKey
	s.http = httptest.NewServer(New(st, services.NewRegistry(), nil, "test").Handler())
	s.T().Cleanup(s.http.Close)

	cfg, err := config.LoadDefaultConfig(s.ctx,
		config.WithRegion(testRegion),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(testAccessKey, testSecretKey, "")),
	)
	s.Require().NoError(err)
	s.cfg = cfg
}

func (s *SDKTestSuite) s3Client(secret string) *s3.Client {
	return s3.NewFromConfig(s.cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(s.http.URL)
		o.UsePathStyle = true
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
		o.Credentials = credentials.NewStaticCredentialsProvider(testAccessKey, secret, "")
	})
}

func apiErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

func (s *SDKTestSuite) TestS3() {
	client := s.s3Client(testSecretKey)
	_, err := client.CreateBucket(s.ctx, &s3.CreateBucketInput{Bucket: aws.String("sdk-bucket")})
	s.Require().NoError(err)

	for _, key := range []string{"docs/a.txt", "docs/b.txt", "top.txt"} {
		_, err = client.PutObject(s.ctx, &s3.PutObjectInput{
			Bucket:   aws.String("sdk-bucket"),
			Key:      aws.String(key),
			Body:     strings.NewReader("content of " + key),
			Metadata: map[string]string{"origin": "sdk"},
		})
		s.Require().NoError(err, key)
	}

	got, err := client.GetObject(s.ctx, &s3.GetObjectInput{Bucket: aws.String("sdk-bucket"), Key: aws.String("docs/a.txt")})
	s.Require().NoError(err)
	data, err := io.ReadAll(got.Body)
	s.Require().NoError(err)
	s.Require().NoError(got.Body.Close())
	s.Equal("content of docs/a.txt", string(data))
	s.Equal("sdk", got.Metadata["origin"])

	list, err := client.ListObjectsV2(s.ctx, &s3.ListObjectsV2Input{
		Bucket:    aws.String("sdk-bucket"),
		Delimiter: aws.String("/"),
	})
	s.Require().NoError(err)
	var keys, prefixes []string
	for _, obj := range list.Contents {
		keys = append(keys, aws.ToString(obj.Key))
	}
	for _, p := range list.CommonPrefixes {
		prefixes = append(prefixes, aws.ToString(p.Prefix))
	}
	if diff := cmp.Diff([]string{"top.txt"}, keys); diff != "" {
		s.Failf("unexpected keys", "(-want +got):\n%s", diff)
	}
	s.Equal([]string{"docs/"}, prefixes)

	_, err = client.DeleteObjects(s.ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String("sdk-bucket"),
		Delete: &s3types.Delete{Objects: []s3types.ObjectIdentifier{{Key: aws.String("docs/a.txt")}, {Key: aws.String("docs/b.txt")}}},
	})
	s.Require().NoError(err)

	_, err = client.HeadObject(s.ctx, &s3.HeadObjectInput{Bucket: aws.String("sdk-bucket"), Key: aws.String("docs/a.txt")})
	s.Require().Error(err)

	_, err = client.GetObject(s.ctx, &s3.GetObjectInput{Bucket: aws.String("sdk-bucket"), Key: aws.String("missing")})
	var noKey *s3types.NoSuchKey
	s.ErrorAs(err, &noKey)
}

func (s *SDKTestSuite) TestS3Multipart() {
	client := s.s3Client(testSecretKey)
	_, err := client.CreateBucket(s.ctx, &s3.CreateBucketInput{Bucket: aws.String("parts")})
	s.Require().NoError(err)

	created, err := client.CreateMultipartUpload(s.ctx, &s3.CreateMultipartUploadInput{Bucket: aws.String("parts"), Key: aws.String("big")})
	s.Require().NoError(err)
	first := bytes.Repeat([]byte("a"), 5<<20)
	second := []byte("tail")
	var completed []s3types.CompletedPart
	for i, part := range [][]byte{first, second} {
		n := int32(i + 1)
		out, err := client.UploadPart(s.ctx, &s3.UploadPartInput{
			Bucket:     aws.String("parts"),
			Key:        aws.String("big"),
			UploadId:   created.UploadId,
			PartNumber: aws.Int32(n),
			Body:       bytes.NewReader(part),
		})
		s.Require().NoError(err)
		completed = append(completed, s3types.CompletedPart{ETag: out.ETag, PartNumber: aws.Int32(n)})
	}
	done, err := client.CompleteMultipartUpload(s.ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String("parts"),
		Key:             aws.String("big"),
		UploadId:        created.UploadId,
		MultipartUpload: &s3types.CompletedMultipartUpload{Parts: completed},
	})
	s.Require().NoError(err)
	s.True(strings.HasSuffix(strings.Trim(aws.ToString(done.ETag), `"`), "-2"))

	head, err := client.HeadObject(s.ctx, &s3.HeadObjectInput{Bucket: aws.String("parts"), Key: aws.String("big")})
	s.Require().NoError(err)
	s.Equal(int64(len(first)+len(second)), aws.ToInt64(head.ContentLength))
}

func (s *SDKTestSuite) TestBadSignature() {
	_, err := s.s3Client("wrong-secret").ListBuckets(s.ctx, &s3.ListBucketsInput{})
	s.Require().Error(err)
	s.Equal("SignatureDoesNotMatch", apiErrorCode(err))
}

func (s *SDKTestSuite) TestDynamoDB() {
	client := dynamodb.NewFromConfig(s.cfg, func(o *dynamodb.Options) {
		o.BaseEndpoint = aws.String(s.http.URL)
	})
	_, err := client.CreateTable(s.ctx, &dynamodb.CreateTableInput{
		TableName: aws.String("Orders"),
		KeySchema: []ddbtypes.KeySchemaElement{
			{AttributeName: aws.String("Customer"), KeyType: ddbtypes.KeyTypeHash},
			{AttributeName: aws.String("OrderID"), KeyType: ddbtypes.KeyTypeRange},
		},
		AttributeDefinitions: []ddbtypes.AttributeDefinition{
			{AttributeName: aws.String("Customer"), AttributeType: ddbtypes.ScalarAttributeTypeS},
			{AttributeName: aws.String("OrderID"), AttributeType: ddbtypes.ScalarAttributeTypeN},
		},
		BillingMode: ddbtypes.BillingModePayPerRequest,
	})
	s.Require().NoError(err)

	type order struct {
		Customer string
		OrderID  int
		Items    []string
		Total    float64
	}
	for _, o := range []order{
		{Customer: "alice", OrderID: 1, Items: []string{"book"}, Total: 12.5},
		{Customer: "alice", OrderID: 2, Items: []string{"pen", "ink"}, Total: 4},
		{Customer: "bob", OrderID: 1, Items: []string{"lamp"}, Total: 30},
	} {
		item, err := attributevalue.MarshalMap(o)
		s.Require().NoError(err)
		_, err = client.PutItem(s.ctx, &dynamodb.PutItemInput{TableName: aws.String("Orders"), Item: item})
		s.Require().NoError(err)
	}

	key, err := attributevalue.MarshalMap(map[string]any{"Customer": "alice", "OrderID": 2})
	s.Require().NoError(err)
	got, err := client.GetItem(s.ctx, &dynamodb.GetItemInput{TableName: aws.String("Orders"), Key: key})
	s.Require().NoError(err)
	var back order
	s.Require().NoError(attributevalue.UnmarshalMap(got.Item, &back))
	if diff := cmp.Diff(order{Customer: "alice", OrderID: 2, Items: []string{"pen", "ink"}, Total: 4}, back); diff != "" {
		s.Failf("item mismatch", "(-want +got):\n%s", diff)
	}

	query, err := client.Query(s.ctx, &dynamodb.QueryInput{
		TableName:                 aws.String("Orders"),
		KeyConditionExpression:    aws.String("Customer = :c"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{":c": &ddbtypes.AttributeValueMemberS{Value: "alice"}},
		ScanIndexForward:          aws.Bool(false),
	})
	s.Require().NoError(err)
	var orders []order
	s.Require().NoError(attributevalue.UnmarshalListOfMaps(query.Items, &orders))
	s.Require().Len(orders, 2)
	s.Equal(2, orders[0].OrderID)

	_, err = client.DescribeTable(s.ctx, &dynamodb.DescribeTableInput{TableName: aws.String("Ghost")})
	var notFound *ddbtypes.ResourceNotFoundException
	s.ErrorAs(err, &notFound)
}

func (s *SDKTestSuite) TestIAM() {
	client := iam.NewFromConfig(s.cfg, func(o *iam.Options) {
		o.BaseEndpoint = aws.String(s.http.URL)
	})
	trust := `{"Version":"2012-10-17","Statement":[{"Effect":"Allow","Principal":{"Service":"lambda.amazonaws.com"},"Action":"sts:AssumeRole"}]}`
	created, err := client.CreateRole(s.ctx, &iam.CreateRoleInput{
		RoleName:                 aws.String("app-role"),
		AssumeRolePolicyDocument: aws.String(trust),
	})
	s.Require().NoError(err)
	s.Equal("arn:aws:iam::000000000000:role/app-role", aws.ToString(created.Role.Arn))

	got, err := client.GetRole(s.ctx, &iam.GetRoleInput{RoleName: aws.String("app-role")})
	s.Require().NoError(err)
	s.Equal(aws.ToString(created.Role.RoleId), aws.ToString(got.Role.RoleId))
	doc, err := url.QueryUnescape(aws.ToString(got.Role.AssumeRolePolicyDocument))
	s.Require().NoError(err)
	s.JSONEq(trust, doc)

	_, err = client.GetRole(s.ctx, &iam.GetRoleInput{RoleName: aws.String("nobody")})
	s.Equal("NoSuchEntity", apiErrorCode(err))
}

func (s *SDKTestSuite) TestSNSWithV1SDK() {
	sess, err := session.NewSession(&awsv1.Config{
		Region:      awsv1.String(testRegion),
		Endpoint:    awsv1.String(s.http.URL),
		Credentials: credentialsv1.NewStaticCredentials(testAccessKey, testSecretKey, ""),
		DisableSSL:  awsv1.Bool(true),
	})
	s.Require().NoError(err)
	client := sns.New(sess)

	topic, err := client.CreateTopicWithContext(s.ctx, &sns.CreateTopicInput{Name: awsv1.String("orders")})
	s.Require().NoError(err)
	s.Equal("arn:aws:sns:us-east-1:000000000000:orders", awsv1.StringValue(topic.TopicArn))

	_, err = client.SubscribeWithContext(s.ctx, &sns.SubscribeInput{
		TopicArn: topic.TopicArn,
		Protocol: awsv1.String("sqs"),
		Endpoint: awsv1.String("arn:aws:sqs:us-east-1:000000000000:orders-queue"),
	})
	s.Require().NoError(err)

	published, err := client.PublishWithContext(s.ctx, &sns.PublishInput{TopicArn: topic.TopicArn, Message: awsv1.String("hello")})
	s.Require().NoError(err)
	s.NotEmpty(awsv1.StringValue(published.MessageId))

	topics, err := client.ListTopicsWithContext(s.ctx, &sns.ListTopicsInput{})
	s.Require().NoError(err)
	s.Require().Len(topics.Topics, 1)
	s.Equal(topic.TopicArn, topics.Topics[0].TopicArn)

	subs, err := client.ListSubscriptionsByTopicWithContext(s.ctx, &sns.ListSubscriptionsByTopicInput{TopicArn: topic.TopicArn})
	s.Require().NoError(err)
	s.Len(subs.Subscriptions, 1)
}

func (s *SDKTestSuite) TestMinio() {
	endpoint := strings.TrimPrefix(s.http.URL, "http://")
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  miniocreds.NewStaticV4(testAccessKey, testSecretKey, ""),
		Secure: false,
		Region: testRegion,
	})
	s.Require().NoError(err)

	s.Require().NoError(client.MakeBucket(s.ctx, "minio-bucket", minio.MakeBucketOptions{Region: testRegion}))
	exists, err := client.BucketExists(s.ctx, "minio-bucket")
	s.Require().NoError(err)
	s.True(exists)

	payload := []byte("streamed through minio")
	_, err = client.PutObject(s.ctx, "minio-bucket", "a/b.txt", bytes.NewReader(payload), int64(len(payload)),
		minio.PutObjectOptions{ContentType: "text/plain"})
	s.Require().NoError(err)

	obj, err := client.GetObject(s.ctx, "minio-bucket", "a/b.txt", minio.GetObjectOptions{})
	s.Require().NoError(err)
	data, err := io.ReadAll(obj)
	s.Require().NoError(err)
	s.Require().NoError(obj.Close())
	s.Equal(payload, data)

	var keys []string
	for info := range client.ListObjects(s.ctx, "minio-bucket", minio.ListObjectsOptions{Recursive: true}) {
		s.Require().NoError(info.Err)
		keys = append(keys, info.Key)
	}
	s.True(slices.Equal([]string{"a/b.txt"}, keys), "keys: %v", keys)

	s.Require().NoError(client.RemoveObject(s.ctx, "minio-bucket", "a/b.txt", minio.RemoveObjectOptions{}))
	s.Require().NoError(client.RemoveBucket(s.ctx, "minio-bucket"))
}
