package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/suite"

	"cloudemu/pkg/api"
	"cloudemu/pkg/api/apitest"
	"cloudemu/pkg/dispatch"
	"cloudemu/pkg/metrics"
	"cloudemu/pkg/models"
	"cloudemu/pkg/services"
)

const (
	testTimeout = 5 * time.Second
	testTick    = 20 * time.Millisecond
)

func newLocalListener() (net.Listener, error) {
	return net.Listen("tcp", "127.0.0.1:0")
}

type ServerTestSuite struct {
	suite.Suite
	st       *api.State
	registry *dispatch.Registry
	server   *Server
	http     *httptest.Server
}

func TestServerSuite(t *testing.T) {
	suite.Run(t, new(ServerTestSuite))
}

func (s *ServerTestSuite) SetupTest() {
	s.st = apitest.NewState(s.T())
	s.registry = services.NewRegistry()
	s.server = New(s.st, s.registry, metrics.New(), "test")
	s.http = httptest.NewServer(s.server.Handler())
	s.T().Cleanup(s.http.Close)
}

func (s *ServerTestSuite) do(method, path string, header map[string]string, body string) (*http.Response, string) {
	req, err := http.NewRequestWithContext(context.Background(), method, s.http.URL+path, strings.NewReader(body))
	s.Require().NoError(err)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := s.http.Client().Do(req)
	s.Require().NoError(err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	s.Require().NoError(err)
	return resp, string(data)
}

func (s *ServerTestSuite) target(target, body string) (*http.Response, string) {
	return s.do(http.MethodPost, "/", map[string]string{
		"X-Amz-Target": target,
		"Content-Type": "application/x-amz-json-1.0",
	}, body)
}

func (s *ServerTestSuite) TestHealth() {
	resp, body := s.do(http.MethodGet, "/health", nil, "")
	s.Equal(http.StatusOK, resp.StatusCode)
	var h models.Health
	s.Require().NoError(json.Unmarshal([]byte(body), &h))
	s.Equal("running", h.Status)
	s.Equal("test", h.Version)
	s.Equal("us-east-1", h.Region)
	s.Equal("000000000000", h.AccountID)
	s.Equal("available", h.Services["s3"])
	s.Equal("available", h.Services["pricing"])
}

func (s *ServerTestSuite) TestNodeInfo() {
	resp, body := s.do(http.MethodGet, "/_cloudemu/node", nil, "")
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	var info models.NodeInfo
	s.Require().NoError(json.Unmarshal([]byte(body), &info))
	s.NotZero(info.Memory.Total)
	s.NotZero(info.Storage.Total)
	s.Equal(s.st.Blobs.Root(), info.Storage.Path)
}

func (s *ServerTestSuite) TestRequestIDHeaders() {
	resp, _ := s.do(http.MethodGet, "/", nil, "")
	id := resp.Header.Get("X-Amz-Request-Id")
	s.NotEmpty(id)
	s.Equal(id, resp.Header.Get("X-Amzn-Requestid"))
	s.NotEmpty(resp.Header.Get("X-Amz-Id-2"))
}

func (s *ServerTestSuite) TestS3RoundTrip() {
	resp, _ := s.do(http.MethodPut, "/test-bucket", nil, "")
	s.Equal(http.StatusOK, resp.StatusCode)

	resp, _ = s.do(http.MethodPut, "/test-bucket/hello.txt", nil, "Hello World")
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal(`"0a4d55a8d778e5022fab701977c5d840bbc486d0"`, resp.Header.Get("ETag"))

	resp, body := s.do(http.MethodGet, "/test-bucket/hello.txt", nil, "")
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal("Hello World", body)

	resp, body = s.do(http.MethodHead, "/test-bucket/hello.txt", nil, "")
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Empty(body)

	resp, _ = s.do(http.MethodDelete, "/test-bucket/hello.txt", nil, "")
	s.Equal(http.StatusNoContent, resp.StatusCode)

	resp, body = s.do(http.MethodGet, "/test-bucket/hello.txt", nil, "")
	s.Equal(http.StatusNotFound, resp.StatusCode)
	s.Contains(body, "<Code>NoSuchKey</Code>")
	s.Contains(body, "<RequestId>"+resp.Header.Get("X-Amz-Request-Id")+"</RequestId>")

	resp, body = s.do(http.MethodPut, "/test-bucket", nil, "")
	s.Equal(http.StatusConflict, resp.StatusCode)
	s.Contains(body, "BucketAlreadyExists")
}

func (s *ServerTestSuite) TestAWSChunkedUpload() {
	s.do(http.MethodPut, "/chunky", nil, "")
	framed := "5;chunk-signature=aa\r\nHello\r\n6;chunk-signature=bb\r\n World\r\n0;chunk-signature=cc\r\n\r\n"
	resp, _ := s.do(http.MethodPut, "/chunky/greeting", map[string]string{
		"Content-Encoding":             "aws-chunked",
		"X-Amz-Content-Sha256":         "STREAMING-AWS4-HMAC-SHA256-PAYLOAD",
		"X-Amz-Decoded-Content-Length": "11",
	}, framed)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	_, body := s.do(http.MethodGet, "/chunky/greeting", nil, "")
	s.Equal("Hello World", body)
}

func (s *ServerTestSuite) TestDynamoDBScenario() {
	resp, _ := s.target("DynamoDB_20120810.CreateTable", `{"TableName":"Users",`+
		`"KeySchema":[{"AttributeName":"UserId","KeyType":"HASH"}],`+
		`"AttributeDefinitions":[{"AttributeName":"UserId","AttributeType":"S"}]}`)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	s.Equal("application/x-amz-json-1.0", resp.Header.Get("Content-Type"))

	resp, _ = s.target("DynamoDB_20120810.PutItem", `{"TableName":"Users","Item":{"UserId":{"S":"user1"},"Name":{"S":"Alice"}}}`)
	s.Require().Equal(http.StatusOK, resp.StatusCode)

	resp, body := s.target("DynamoDB_20120810.GetItem", `{"TableName":"Users","Key":{"UserId":{"S":"user1"}}}`)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	s.JSONEq(`{"Item":{"Name":{"S":"Alice"},"UserId":{"S":"user1"}}}`, body)

	resp, body = s.target("DynamoDB_20120810.DescribeTable", `{"TableName":"Ghost"}`)
	s.Equal("ResourceNotFoundException", resp.Header.Get("X-Amzn-Errortype"))
	s.Equal("application/x-amz-json-1.1", resp.Header.Get("Content-Type"))
	s.Contains(body, `"__type"`)
	s.Contains(body, "ResourceNotFoundException")
}

func (s *ServerTestSuite) TestSQSScenario() {
	resp, body := s.target("AmazonSQS.CreateQueue", `{"QueueName":"MyQueue"}`)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	var created struct{ QueueUrl string }
	s.Require().NoError(json.Unmarshal([]byte(body), &created))
	s.True(strings.HasSuffix(created.QueueUrl, "/000000000000/MyQueue"))

	resp, body = s.target("AmazonSQS.SendMessage", `{"QueueUrl":"`+created.QueueUrl+`","MessageBody":"Hello Queue"}`)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	s.Contains(body, "MessageId")

	receive := `{"QueueUrl":"` + created.QueueUrl + `","MaxNumberOfMessages":1}`
	_, body = s.target("AmazonSQS.ReceiveMessage", receive)
	s.Contains(body, "Hello Queue")
	s.Contains(body, "ReceiptHandle")
	_, body = s.target("AmazonSQS.ReceiveMessage", receive)
	s.NotContains(body, "Hello Queue")
}

func (s *ServerTestSuite) TestLambdaRESTRoutes() {
	create := `{"FunctionName":"f1","Runtime":"nodejs14.x","Role":"arn:aws:iam::000000000000:role/y",` +
		`"Handler":"index.h","Code":{"ZipFile":"UEsDBAo="}}`
	resp, body := s.do(http.MethodPost, "/2015-03-31/functions", nil, create)
	s.Require().Equal(http.StatusOK, resp.StatusCode, body)
	s.Contains(body, `"FunctionName":"f1"`)

	resp, body = s.do(http.MethodPost, "/2015-03-31/functions/f1/invocations", nil, "{}")
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Contains(body, "Mock execution successful")

	resp, body = s.do(http.MethodPost, "/2015-03-31/functions/f_missing/invocations", nil, "{}")
	s.Equal(http.StatusNotFound, resp.StatusCode)
	s.Equal("ResourceNotFoundException", resp.Header.Get("X-Amzn-Errortype"))
	s.Contains(body, `"message"`)
}

func (s *ServerTestSuite) TestLambdaScenario() {
	resp, body := s.do(http.MethodPost, "/2015-03-31/functions", nil,
		`{"FunctionName":"f1","Runtime":"nodejs14.x","Role":"arn:aws:iam::x:role/y","Handler":"index.h","Code":{}}`)
	s.Require().Equal(http.StatusOK, resp.StatusCode, body)
	var fn struct {
		FunctionName string `json:"FunctionName"`
		FunctionArn  string `json:"FunctionArn"`
		Runtime      string `json:"Runtime"`
		Role         string `json:"Role"`
		Handler      string `json:"Handler"`
	}
	s.Require().NoError(json.Unmarshal([]byte(body), &fn))
	s.Equal("f1", fn.FunctionName)
	s.Equal("arn:aws:lambda:us-east-1:000000000000:function:f1", fn.FunctionArn)
	s.Equal("nodejs14.x", fn.Runtime)
	s.Equal("arn:aws:iam::x:role/y", fn.Role)
	s.Equal("index.h", fn.Handler)

	resp, body = s.do(http.MethodPost, "/2015-03-31/functions/f1/invocations", nil, "{}")
	s.Equal(http.StatusOK, resp.StatusCode)
	s.JSONEq(`{"StatusCode":200,"Payload":"Mock execution successful"}`, body)

	resp, _ = s.do(http.MethodPost, "/2015-03-31/functions/f_missing/invocations", nil, "{}")
	s.Equal(http.StatusNotFound, resp.StatusCode)
}

func (s *ServerTestSuite) TestAPIGatewayPathParams() {
	resp, body := s.do(http.MethodPost, "/restapis", nil, `{"name":"shop"}`)
	s.Require().Equal(http.StatusCreated, resp.StatusCode)
	var created struct {
		ID             string `json:"id"`
		RootResourceID string `json:"rootResourceId"`
	}
	s.Require().NoError(json.Unmarshal([]byte(body), &created))

	resp, body = s.do(http.MethodPost, "/restapis/"+created.ID+"/resources/"+created.RootResourceID, nil, `{"pathPart":"items"}`)
	s.Require().Equal(http.StatusCreated, resp.StatusCode)
	s.Contains(body, `"path":"/items"`)

	resp, _ = s.do(http.MethodGet, "/restapis/"+created.ID+"/resources", nil, "")
	s.Equal(http.StatusOK, resp.StatusCode)
}

func (s *ServerTestSuite) TestPricingGetServices() {
	resp, body := s.do(http.MethodPost, "/", map[string]string{
		"X-Amz-Target": "AWSPriceListService.GetServices",
		"Content-Type": "application/x-amz-json-1.1",
	}, "{}")
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	s.Contains(body, `"ServiceCode":"AmazonEC2"`)
	s.Contains(body, `"ServiceCode":"AmazonS3"`)
}

func (s *ServerTestSuite) TestQueryDialect() {
	resp, body := s.do(http.MethodPost, "/", map[string]string{"Content-Type": "application/x-www-form-urlencoded"},
		"Action=CreateTopic&Name=alerts&Version=2010-03-31")
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	s.Contains(body, "<CreateTopicResponse")
	s.Contains(body, "arn:aws:sns:us-east-1:000000000000:alerts")

	resp, body = s.do(http.MethodPost, "/", map[string]string{"Content-Type": "application/x-www-form-urlencoded"},
		"Action=DescribeVpcs&Version=2016-11-15")
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Contains(body, "<DescribeVpcsResponse")
}

func (s *ServerTestSuite) TestUnknownOperations() {
	resp, body := s.target("DynamoDB_20120810.Teleport", "{}")
	s.Equal(http.StatusNotImplemented, resp.StatusCode)
	s.Contains(body, "not implemented")

	resp, _ = s.target("NoSuchService_2020.Do", "{}")
	s.Equal(http.StatusNotImplemented, resp.StatusCode)
	s.Equal("UnknownOperationException", resp.Header.Get("X-Amzn-Errortype"))
}

func (s *ServerTestSuite) TestPanicRendersInternalError() {
	s.registry.Handle("sqs", "ListQueues", func(context.Context, *api.State, *api.Request) (*api.Response, error) {
		panic("boom")
	})
	resp, body := s.target("AmazonSQS.ListQueues", "{}")
	s.Equal(http.StatusInternalServerError, resp.StatusCode)
	s.Contains(body, "InternalError")

	resp, _ = s.do(http.MethodGet, "/health", nil, "")
	s.Equal(http.StatusOK, resp.StatusCode)
}

func (s *ServerTestSuite) TestMetrics() {
	s.target("AmazonSQS.ListQueues", "{}")
	resp, body := s.do(http.MethodGet, "/metrics", nil, "")
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Contains(body, `cloudemu_requests_total{operation="ListQueues",service="sqs",status="200"} 1`)
}

func (s *ServerTestSuite) TestConcurrentCreateBucket() {
	statuses := make(chan int, 2)
	for range 2 {
		go func() {
			req, _ := http.NewRequestWithContext(context.Background(), http.MethodPut, s.http.URL+"/race", nil)
			resp, err := s.http.Client().Do(req)
			if err != nil {
				statuses <- 0
				return
			}
			_ = resp.Body.Close()
			statuses <- resp.StatusCode
		}()
	}
	got := []int{<-statuses, <-statuses}
	s.ElementsMatch([]int{http.StatusOK, http.StatusConflict}, got)
}

func (s *ServerTestSuite) TestServeAndShutdown() {
	srv := New(s.st, s.registry, nil, "test")
	ln, err := newLocalListener()
	s.Require().NoError(err)
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()
	s.Eventually(func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health") //nolint:noctx
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, testTimeout, testTick)
	s.NoError(srv.Shutdown(context.Background()))
	s.NoError(<-done)
}

func (s *ServerTestSuite) TestShutdownBeforeServe() {
	srv := New(s.st, s.registry, nil, "test")
	s.NoError(srv.Shutdown(context.Background()))

	ln, err := newLocalListener()
	s.Require().NoError(err)
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()
	select {
	case err := <-done:
		s.NoError(err)
	case <-time.After(testTimeout):
		s.Fail("Serve kept running after Shutdown")
	}

	_, err = net.DialTimeout("tcp", ln.Addr().String(), testTick)
	s.Error(err)
}
