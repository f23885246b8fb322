package dynamodb

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/suite"

	"cloudemu/pkg/api"
	"cloudemu/pkg/api/apitest"
	"cloudemu/pkg/awserr"
	"cloudemu/pkg/wire"
)

type DynamoDBTestSuite struct {
	suite.Suite
	st  *api.State
	ctx context.Context
}

func TestDynamoDBTestSuite(t *testing.T) {
	suite.Run(t, new(DynamoDBTestSuite))
}

func (s *DynamoDBTestSuite) SetupTest() {
	s.st = apitest.NewState(s.T())
	s.ctx = context.Background()
}

func (s *DynamoDBTestSuite) request(op string, body any) *api.Request {
	return apitest.JSON(s.T(), service, op, wire.JSON10, body)
}

// call runs op and decodes the response into a generic map.
func (s *DynamoDBTestSuite) call(h api.HandlerFunc, op string, body any) map[string]any {
	resp := apitest.Call(s.T(), s.st, h, s.request(op, body))
	out := map[string]any{}
	apitest.DecodeJSON(s.T(), resp, &out)
	return out
}

func (s *DynamoDBTestSuite) fail(h api.HandlerFunc, op string, body any) string {
	resp, err := h(s.ctx, s.st, s.request(op, body))
	s.Require().Error(err)
	s.Nil(resp)
	return awserr.From(err).ErrorCode()
}

func (s *DynamoDBTestSuite) createUsers() {
	s.call(createTable, "CreateTable", `{"TableName":"Users","KeySchema":[{"AttributeName":"UserId","KeyType":"HASH"}],"AttributeDefinitions":[{"AttributeName":"UserId","AttributeType":"S"}]}`)
}

// createEvents makes a table keyed by (Device, Ts) with a numeric sort key.
func (s *DynamoDBTestSuite) createEvents() {
	s.call(createTable, "CreateTable", map[string]any{
		"TableName": "Events",
		"KeySchema": []map[string]string{
			{"AttributeName": "Device", "KeyType": "HASH"},
			{"AttributeName": "Ts", "KeyType": "RANGE"},
		},
		"AttributeDefinitions": []map[string]string{
			{"AttributeName": "Device", "AttributeType": "S"},
			{"AttributeName": "Ts", "AttributeType": "N"},
		},
		"BillingMode": "PAY_PER_REQUEST",
	})
	for _, dev := range []string{"d1", "d2"} {
		for ts := 1; ts <= 12; ts++ {
			s.call(putItem, "PutItem", fmt.Sprintf(
				`{"TableName":"Events","Item":{"Device":{"S":%q},"Ts":{"N":"%d"},"Level":{"N":"%d"}}}`, dev, ts, ts%3))
		}
	}
}

func (s *DynamoDBTestSuite) TestPutGetItem() {
	s.createUsers()
	out := s.call(putItem, "PutItem", `{"TableName":"Users","Item":{"UserId":{"S":"user1"},"Name":{"S":"Alice"}}}`)
	s.Empty(out)

	resp := apitest.Call(s.T(), s.st, getItem, s.request("GetItem", `{"TableName":"Users","Key":{"UserId":{"S":"user1"}}}`))
	s.JSONEq(`{"Item":{"Name":{"S":"Alice"},"UserId":{"S":"user1"}}}`, string(resp.Body))

	resp = apitest.Call(s.T(), s.st, getItem, s.request("GetItem", `{"TableName":"Users","Key":{"UserId":{"S":"nobody"}}}`))
	s.JSONEq(`{}`, string(resp.Body))
}

func (s *DynamoDBTestSuite) TestTableLifecycle() {
	s.createUsers()
	s.Equal("ResourceInUseException", s.fail(createTable, "CreateTable", `{"TableName":"Users","KeySchema":[{"AttributeName":"UserId","KeyType":"HASH"}],"AttributeDefinitions":[{"AttributeName":"UserId","AttributeType":"S"}]}`))
	s.Equal("ValidationException", s.fail(createTable, "CreateTable", `{"TableName":"x","KeySchema":[{"AttributeName":"Id","KeyType":"HASH"}],"AttributeDefinitions":[{"AttributeName":"Id","AttributeType":"S"}]}`))
	s.Equal("ValidationException", s.fail(createTable, "CreateTable", `{"TableName":"NoKeys","KeySchema":[],"AttributeDefinitions":[]}`))

	s.call(putItem, "PutItem", `{"TableName":"Users","Item":{"UserId":{"S":"u"}}}`)
	out := s.call(describeTable, "DescribeTable", `{"TableName":"Users"}`)
	table := out["Table"].(map[string]any)
	s.Equal("Users", table["TableName"])
	s.Equal("ACTIVE", table["TableStatus"])
	s.Equal(float64(1), table["ItemCount"])
	s.Equal("arn:aws:dynamodb:us-east-1:000000000000:table/Users", table["TableArn"])

	s.call(createTable, "CreateTable", `{"TableName":"Orders","KeySchema":[{"AttributeName":"Id","KeyType":"HASH"}],"AttributeDefinitions":[{"AttributeName":"Id","AttributeType":"N"}]}`)
	out = s.call(listTables, "ListTables", `{"Limit":1}`)
	s.Equal([]any{"Orders"}, out["TableNames"])
	s.Equal("Orders", out["LastEvaluatedTableName"])
	out = s.call(listTables, "ListTables", `{"ExclusiveStartTableName":"Orders"}`)
	s.Equal([]any{"Users"}, out["TableNames"])

	out = s.call(deleteTable, "DeleteTable", `{"TableName":"Users"}`)
	s.Equal("DELETING", out["TableDescription"].(map[string]any)["TableStatus"])
	s.Equal("ResourceNotFoundException", s.fail(describeTable, "DescribeTable", `{"TableName":"Users"}`))
	s.Equal("ResourceNotFoundException", s.fail(getItem, "GetItem", `{"TableName":"Users","Key":{"UserId":{"S":"u"}}}`))
}

func (s *DynamoDBTestSuite) TestKeyValidation() {
	s.createUsers()
	s.Equal("ValidationException", s.fail(putItem, "PutItem", `{"TableName":"Users","Item":{"Name":{"S":"no key"}}}`))
	s.Equal("ValidationException", s.fail(putItem, "PutItem", `{"TableName":"Users","Item":{"UserId":{"N":"1"}}}`))
	s.Equal("ValidationException", s.fail(getItem, "GetItem", `{"TableName":"Users","Key":{"UserId":{"S":"u"},"Extra":{"S":"x"}}}`))
}

func (s *DynamoDBTestSuite) TestConditionalWrites() {
	s.createUsers()
	put := `{"TableName":"Users","Item":{"UserId":{"S":"u1"},"Version":{"N":"1"}},"ConditionExpression":"attribute_not_exists(UserId)"}`
	s.call(putItem, "PutItem", put)
	s.Equal("ConditionalCheckFailedException", s.fail(putItem, "PutItem", put))

	out := s.call(putItem, "PutItem", `{"TableName":"Users","Item":{"UserId":{"S":"u1"},"Version":{"N":"2"}},
		"ConditionExpression":"Version = :v","ExpressionAttributeValues":{":v":{"N":"1"}},"ReturnValues":"ALL_OLD"}`)
	s.Equal(map[string]any{"N": "1"}, out["Attributes"].(map[string]any)["Version"])

	s.Equal("ConditionalCheckFailedException", s.fail(deleteItem, "DeleteItem",
		`{"TableName":"Users","Key":{"UserId":{"S":"u1"}},"ConditionExpression":"Version = :v","ExpressionAttributeValues":{":v":{"N":"1"}}}`))
	out = s.call(deleteItem, "DeleteItem",
		`{"TableName":"Users","Key":{"UserId":{"S":"u1"}},"ConditionExpression":"Version = :v","ExpressionAttributeValues":{":v":{"N":"2"}},"ReturnValues":"ALL_OLD"}`)
	s.Equal(map[string]any{"S": "u1"}, out["Attributes"].(map[string]any)["UserId"])

	// Deleting a missing item succeeds without attributes.
	out = s.call(deleteItem, "DeleteItem", `{"TableName":"Users","Key":{"UserId":{"S":"u1"}},"ReturnValues":"ALL_OLD"}`)
	s.Empty(out)
}

func (s *DynamoDBTestSuite) TestConcurrentConditionalPut() {
	s.createUsers()
	var wg sync.WaitGroup
	var mu sync.Mutex
	won := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := apitest.JSON(s.T(), service, "PutItem", wire.JSON10, fmt.Sprintf(
				`{"TableName":"Users","Item":{"UserId":{"S":"lock"},"Owner":{"N":"%d"}},"ConditionExpression":"attribute_not_exists(UserId)"}`, i))
			if _, err := putItem(s.ctx, s.st, req); err == nil {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	s.Equal(1, won)
}

func (s *DynamoDBTestSuite) TestUpdateItem() {
	s.createUsers()
	out := s.call(updateItem, "UpdateItem", `{"TableName":"Users","Key":{"UserId":{"S":"u1"}},
		"UpdateExpression":"SET #c = if_not_exists(#c, :zero) + :one, Tags = :tags",
		"ExpressionAttributeNames":{"#c":"Count"},
		"ExpressionAttributeValues":{":zero":{"N":"0"},":one":{"N":"1"},":tags":{"SS":["a"]}},
		"ReturnValues":"ALL_NEW"}`)
	attrs := out["Attributes"].(map[string]any)
	s.Equal(map[string]any{"N": "1"}, attrs["Count"])
	s.Equal(map[string]any{"S": "u1"}, attrs["UserId"])

	out = s.call(updateItem, "UpdateItem", `{"TableName":"Users","Key":{"UserId":{"S":"u1"}},
		"UpdateExpression":"ADD #c :one REMOVE Tags",
		"ExpressionAttributeNames":{"#c":"Count"},
		"ExpressionAttributeValues":{":one":{"N":"1"}},
		"ReturnValues":"UPDATED_OLD"}`)
	attrs = out["Attributes"].(map[string]any)
	s.Len(attrs, 2)
	s.Equal(map[string]any{"N": "1"}, attrs["Count"])
	s.Equal(map[string]any{"SS": []any{"a"}}, attrs["Tags"])

	out = s.call(getItem, "GetItem", `{"TableName":"Users","Key":{"UserId":{"S":"u1"}}}`)
	s.Equal(map[string]any{"UserId": map[string]any{"S": "u1"}, "Count": map[string]any{"N": "2"}}, out["Item"])

	s.Equal("ValidationException", s.fail(updateItem, "UpdateItem", `{"TableName":"Users","Key":{"UserId":{"S":"u1"}},
		"UpdateExpression":"SET UserId = :v","ExpressionAttributeValues":{":v":{"S":"other"}}}`))
	s.Equal("ConditionalCheckFailedException", s.fail(updateItem, "UpdateItem", `{"TableName":"Users","Key":{"UserId":{"S":"u1"}},
		"UpdateExpression":"SET Name = :v","ConditionExpression":"#c > :v2",
		"ExpressionAttributeNames":{"#c":"Count"},"ExpressionAttributeValues":{":v":{"S":"x"},":v2":{"N":"5"}}}`))
}

func (s *DynamoDBTestSuite) TestQuery() {
	s.createEvents()

	out := s.call(query, "Query", `{"TableName":"Events","KeyConditionExpression":"Device = :d AND Ts BETWEEN :a AND :b",
		"ExpressionAttributeValues":{":d":{"S":"d1"},":a":{"N":"2"},":b":{"N":"11"}}}`)
	s.Equal(float64(10), out["Count"])
	items := out["Items"].([]any)
	// Numeric sort: 2, 3, ..., 10, 11 rather than string order.
	s.Equal(map[string]any{"N": "2"}, items[0].(map[string]any)["Ts"])
	s.Equal(map[string]any{"N": "11"}, items[9].(map[string]any)["Ts"])

	out = s.call(query, "Query", `{"TableName":"Events","KeyConditionExpression":"Device = :d",
		"ExpressionAttributeValues":{":d":{"S":"d2"}},"ScanIndexForward":false,"Limit":5}`)
	items = out["Items"].([]any)
	s.Len(items, 5)
	s.Equal(map[string]any{"N": "12"}, items[0].(map[string]any)["Ts"])
	last := out["LastEvaluatedKey"].(map[string]any)
	s.Equal(map[string]any{"N": "8"}, last["Ts"])

	start, err := json.Marshal(last)
	s.Require().NoError(err)
	out = s.call(query, "Query", fmt.Sprintf(`{"TableName":"Events","KeyConditionExpression":"Device = :d",
		"ExpressionAttributeValues":{":d":{"S":"d2"}},"ScanIndexForward":false,"ExclusiveStartKey":%s}`, start))
	items = out["Items"].([]any)
	s.Len(items, 7)
	s.Equal(map[string]any{"N": "7"}, items[0].(map[string]any)["Ts"])
	s.Nil(out["LastEvaluatedKey"])

	out = s.call(query, "Query", `{"TableName":"Events","KeyConditionExpression":"Device = :d",
		"FilterExpression":"#l = :zero","ExpressionAttributeNames":{"#l":"Level"},
		"ExpressionAttributeValues":{":d":{"S":"d1"},":zero":{"N":"0"}},"ProjectionExpression":"Ts"}`)
	s.Equal(float64(4), out["Count"])
	s.Equal(float64(12), out["ScannedCount"])
	s.Len(out["Items"].([]any)[0].(map[string]any), 1)

	out = s.call(query, "Query", `{"TableName":"Events","KeyConditionExpression":"Device = :d AND Ts > :t",
		"ExpressionAttributeValues":{":d":{"S":"d1"},":t":{"N":"10"}},"Select":"COUNT"}`)
	s.Equal(float64(2), out["Count"])
	s.Nil(out["Items"])
}

func (s *DynamoDBTestSuite) TestQueryValidation() {
	s.createEvents()
	for _, body := range []string{
		`{"TableName":"Events"}`,
		`{"TableName":"Events","KeyConditionExpression":"Ts = :t","ExpressionAttributeValues":{":t":{"N":"1"}}}`,
		`{"TableName":"Events","KeyConditionExpression":"Device = :d AND Ts <> :t","ExpressionAttributeValues":{":d":{"S":"d1"},":t":{"N":"1"}}}`,
		`{"TableName":"Events","KeyConditionExpression":"Device = :d","ExpressionAttributeValues":{":d":{"N":"1"}}}`,
		`{"TableName":"Events","IndexName":"ByLevel","KeyConditionExpression":"Device = :d","ExpressionAttributeValues":{":d":{"S":"d1"}}}`,
	} {
		s.Equal("ValidationException", s.fail(query, "Query", body), body)
	}
}

func (s *DynamoDBTestSuite) TestScan() {
	s.createEvents()
	out := s.call(scan, "Scan", `{"TableName":"Events"}`)
	s.Equal(float64(24), out["Count"])

	seen := 0
	var start json.RawMessage
	for pages := 0; pages < 10; pages++ {
		body := map[string]any{"TableName": "Events", "Limit": 10}
		if start != nil {
			body["ExclusiveStartKey"] = start
		}
		out = s.call(scan, "Scan", body)
		seen += len(out["Items"].([]any))
		last, ok := out["LastEvaluatedKey"]
		if !ok {
			break
		}
		var err error
		start, err = json.Marshal(last)
		s.Require().NoError(err)
	}
	s.Equal(24, seen)

	out = s.call(scan, "Scan", `{"TableName":"Events","FilterExpression":"Level = :two","ExpressionAttributeValues":{":two":{"N":"2"}}}`)
	s.Equal(float64(8), out["Count"])
	s.Equal(float64(24), out["ScannedCount"])
}

func (s *DynamoDBTestSuite) TestBatchOperations() {
	s.createUsers()
	s.call(putItem, "PutItem", `{"TableName":"Users","Item":{"UserId":{"S":"gone"}}}`)

	out := s.call(batchWriteItem, "BatchWriteItem", `{"RequestItems":{"Users":[
		{"PutRequest":{"Item":{"UserId":{"S":"a"},"Name":{"S":"A"}}}},
		{"PutRequest":{"Item":{"UserId":{"S":"b"},"Name":{"S":"B"}}}},
		{"DeleteRequest":{"Key":{"UserId":{"S":"gone"}}}}]}}`)
	s.Equal(map[string]any{}, out["UnprocessedItems"])

	out = s.call(batchGetItem, "BatchGetItem", `{"RequestItems":{"Users":{"Keys":[
		{"UserId":{"S":"a"}},{"UserId":{"S":"b"}},{"UserId":{"S":"gone"}}],"ProjectionExpression":"#n","ExpressionAttributeNames":{"#n":"Name"}}}}`)
	users := out["Responses"].(map[string]any)["Users"].([]any)
	s.ElementsMatch([]any{
		map[string]any{"Name": map[string]any{"S": "A"}},
		map[string]any{"Name": map[string]any{"S": "B"}},
	}, users)

	var writes []map[string]any
	for i := 0; i < 26; i++ {
		writes = append(writes, map[string]any{"PutRequest": map[string]any{"Item": map[string]any{"UserId": map[string]string{"S": fmt.Sprint(i)}}}})
	}
	s.Equal("ValidationException", s.fail(batchWriteItem, "BatchWriteItem", map[string]any{"RequestItems": map[string]any{"Users": writes}}))
	s.Equal("ResourceNotFoundException", s.fail(batchWriteItem, "BatchWriteItem",
		`{"RequestItems":{"Missing":[{"DeleteRequest":{"Key":{"Id":{"S":"x"}}}}]}}`))
}
