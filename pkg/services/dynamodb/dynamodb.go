// Package dynamodb implements the DynamoDB AWS-JSON 1.0 API on top of the metadata store.
//
// Items are stored as DynamoDB JSON keyed by (partition key, sort key) in their normalised
// string form. Secondary indexes are not supported.
package dynamodb

import (
	"context"
	"regexp"
	"slices"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/goccy/go-json"

	"cloudemu/pkg/api"
	"cloudemu/pkg/awserr"
	"cloudemu/pkg/dispatch"
	"cloudemu/pkg/log"
	"cloudemu/pkg/models"
	"cloudemu/pkg/wire"
)

const service = "dynamodb"

var tableNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_.-]{3,255}$`)

// Register adds the DynamoDB operations to r.
func Register(r *dispatch.Registry) {
	r.HandleAll(service, map[string]api.HandlerFunc{
		"CreateTable":    createTable,
		"DescribeTable":  describeTable,
		"ListTables":     listTables,
		"DeleteTable":    deleteTable,
		"PutItem":        putItem,
		"GetItem":        getItem,
		"DeleteItem":     deleteItem,
		"UpdateItem":     updateItem,
		"Query":          query,
		"Scan":           scan,
		"BatchWriteItem": batchWriteItem,
		"BatchGetItem":   batchGetItem,
	})
}

func validation(message string) *awserr.Error {
	return awserr.InvalidArgument(message).WithCode("ValidationException")
}

func conditionFailed() *awserr.Error {
	return awserr.InvalidRequest("The conditional request failed").WithCode("ConditionalCheckFailedException")
}

func resourceNotFound(err error) error {
	if awserr.IsKind(err, awserr.KindNotFound) {
		return awserr.From(err).WithCode("ResourceNotFoundException")
	}
	return err
}

type keySchemaElement struct {
	AttributeName string `json:"AttributeName"`
	KeyType       string `json:"KeyType"`
}

type attributeDefinition struct {
	AttributeName string `json:"AttributeName"`
	AttributeType string `json:"AttributeType"`
}

type provisionedThroughput struct {
	ReadCapacityUnits      int64 `json:"ReadCapacityUnits"`
	WriteCapacityUnits     int64 `json:"WriteCapacityUnits"`
	NumberOfDecreasesToday int64 `json:"NumberOfDecreasesToday"`
}

type billingModeSummary struct {
	BillingMode string `json:"BillingMode"`
}

type tableDescription struct {
	TableName             string                `json:"TableName"`
	TableArn              string                `json:"TableArn"`
	TableStatus           string                `json:"TableStatus"`
	CreationDateTime      float64               `json:"CreationDateTime"`
	KeySchema             []keySchemaElement    `json:"KeySchema"`
	AttributeDefinitions  []attributeDefinition `json:"AttributeDefinitions"`
	ItemCount             int64                 `json:"ItemCount"`
	TableSizeBytes        int64                 `json:"TableSizeBytes"`
	BillingModeSummary    billingModeSummary    `json:"BillingModeSummary"`
	ProvisionedThroughput provisionedThroughput `json:"ProvisionedThroughput"`
}

// schema is the key layout of a table.
type schema struct {
	hash      keyAttr
	rangeKey  *keyAttr
	keyNames  []string
	attrTypes map[string]string
}

type keyAttr struct {
	name     string
	attrType string
}

func loadSchema(table *models.Table) (*schema, error) {
	var (
		keys  []keySchemaElement
		attrs []attributeDefinition
	)
	if err := json.Unmarshal(table.KeySchema, &keys); err != nil {
		return nil, awserr.JSON(err)
	}
	if err := json.Unmarshal(table.AttributeDefs, &attrs); err != nil {
		return nil, awserr.JSON(err)
	}
	return buildSchema(keys, attrs)
}

func buildSchema(keys []keySchemaElement, attrs []attributeDefinition) (*schema, error) {
	s := &schema{attrTypes: map[string]string{}}
	for _, a := range attrs {
		switch a.AttributeType {
		case "S", "N", "B":
		default:
			return nil, validation("1 validation error detected: Value '" + a.AttributeType +
				"' at 'attributeDefinitions.member.attributeType' failed to satisfy constraint: Member must satisfy enum value set: [B, N, S]")
		}
		s.attrTypes[a.AttributeName] = a.AttributeType
	}
	if len(keys) == 0 || len(keys) > 2 {
		return nil, validation("1 validation error detected: Value at 'keySchema' failed to satisfy constraint: Member must have length less than or equal to 2")
	}
	for _, k := range keys {
		attrType, ok := s.attrTypes[k.AttributeName]
		if !ok {
			return nil, validation("One or more parameter values were invalid: Some index key attributes are not defined in AttributeDefinitions. Keys: [" +
				k.AttributeName + "]")
		}
		switch k.KeyType {
		case "HASH":
			if s.hash.name != "" {
				return nil, validation("Invalid KeySchema: Too many hash keys")
			}
			s.hash = keyAttr{k.AttributeName, attrType}
		case "RANGE":
			s.rangeKey = &keyAttr{k.AttributeName, attrType}
		default:
			return nil, validation("Invalid KeyType: " + k.KeyType)
		}
		s.keyNames = append(s.keyNames, k.AttributeName)
	}
	if s.hash.name == "" {
		return nil, validation("Invalid KeySchema: The first KeySchemaElement is not a HASH key type")
	}
	return s, nil
}

// keyPart validates one key attribute of it and returns its storage form.
func (s *schema) keyPart(it item, k keyAttr) (string, error) {
	av, ok := it[k.name]
	if !ok {
		return "", validation("One of the required keys was not given a value")
	}
	if typeName(av) != k.attrType {
		return "", validation("One or more parameter values were invalid: Type mismatch for key " + k.name +
			" expected: " + k.attrType + " actual: " + typeName(av))
	}
	return keyString(av)
}

// keys extracts (pk, sk) from an item or key.
func (s *schema) keys(it item) (string, string, error) {
	pk, err := s.keyPart(it, s.hash)
	if err != nil {
		return "", "", err
	}
	if s.rangeKey == nil {
		return pk, "", nil
	}
	sk, err := s.keyPart(it, *s.rangeKey)
	return pk, sk, err
}

// exactKey checks that key names exactly the key attributes, as GetItem and DeleteItem require.
func (s *schema) exactKey(key item) (string, string, error) {
	if len(key) != len(s.keyNames) {
		return "", "", validation("The provided key element does not match the schema")
	}
	return s.keys(key)
}

// keyOf returns only the key attributes of it.
func (s *schema) keyOf(it item) item {
	out := item{}
	for _, name := range s.keyNames {
		if v, ok := it[name]; ok {
			out[name] = v
		}
	}
	return out
}

// sortValue returns the sort key value of it, or nil for hash-only tables.
func (s *schema) sortValue(it item) types.AttributeValue {
	if s.rangeKey == nil {
		return nil
	}
	return it[s.rangeKey.name]
}

// tableSchema loads a table and its schema, mapping a missing table to ResourceNotFoundException.
func tableSchema(ctx context.Context, st *api.State, name string) (*models.Table, *schema, error) {
	if name == "" {
		return nil, nil, validation("1 validation error detected: Value null at 'tableName' failed to satisfy constraint: Member must not be null")
	}
	table, _, err := st.Meta.GetTable(ctx, name)
	if err != nil {
		return nil, nil, resourceNotFound(err)
	}
	s, err := loadSchema(table)
	if err != nil {
		return nil, nil, err
	}
	return table, s, nil
}

func describe(table *models.Table, count, size int64) (tableDescription, error) {
	d := tableDescription{
		TableName:          table.Name,
		TableArn:           table.ARN,
		TableStatus:        "ACTIVE",
		CreationDateTime:   wire.Epoch(table.CreatedAt),
		ItemCount:          count,
		TableSizeBytes:     size,
		BillingModeSummary: billingModeSummary{BillingMode: table.BillingMode},
	}
	if err := json.Unmarshal(table.KeySchema, &d.KeySchema); err != nil {
		return d, awserr.JSON(err)
	}
	if err := json.Unmarshal(table.AttributeDefs, &d.AttributeDefinitions); err != nil {
		return d, awserr.JSON(err)
	}
	return d, nil
}

type createTableInput struct {
	TableName             string                 `json:"TableName"`
	KeySchema             []keySchemaElement     `json:"KeySchema"`
	AttributeDefinitions  []attributeDefinition  `json:"AttributeDefinitions"`
	BillingMode           string                 `json:"BillingMode"`
	ProvisionedThroughput *provisionedThroughput `json:"ProvisionedThroughput"`
}

func createTable(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in createTableInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	if !tableNamePattern.MatchString(in.TableName) {
		return nil, validation("1 validation error detected: Value '" + in.TableName +
			"' at 'tableName' failed to satisfy constraint: Member must satisfy regular expression pattern: [a-zA-Z0-9_.-]+")
	}
	if _, err := buildSchema(in.KeySchema, in.AttributeDefinitions); err != nil {
		return nil, err
	}

	billing := in.BillingMode
	if billing == "" {
		billing = "PROVISIONED"
	}
	keySchema, err := json.Marshal(in.KeySchema)
	if err != nil {
		return nil, awserr.JSON(err)
	}
	attrDefs, err := json.Marshal(in.AttributeDefinitions)
	if err != nil {
		return nil, awserr.JSON(err)
	}
	table := &models.Table{
		Name:          in.TableName,
		ARN:           st.ARN(service, "table/"+in.TableName),
		AttributeDefs: attrDefs,
		KeySchema:     keySchema,
		BillingMode:   billing,
		CreatedAt:     st.Now(),
	}
	if err := st.Meta.CreateTable(ctx, table); err != nil {
		if awserr.IsKind(err, awserr.KindAlreadyExists) {
			return nil, awserr.From(err).WithCode("ResourceInUseException")
		}
		return nil, err
	}

	log.Debug().Str("table", table.Name).Msg("Table created")
	d, err := describe(table, 0, 0)
	if err != nil {
		return nil, err
	}
	if in.ProvisionedThroughput != nil {
		d.ProvisionedThroughput = *in.ProvisionedThroughput
	}
	return api.Reply(req, map[string]any{"TableDescription": d})
}

type tableNameInput struct {
	TableName string `json:"TableName"`
}

func describeTable(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in tableNameInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	table, count, err := st.Meta.GetTable(ctx, in.TableName)
	if err != nil {
		return nil, resourceNotFound(err)
	}
	size, err := tableSize(ctx, st, table.Name)
	if err != nil {
		return nil, err
	}
	d, err := describe(table, count, size)
	if err != nil {
		return nil, err
	}
	return api.Reply(req, map[string]any{"Table": d})
}

func tableSize(ctx context.Context, st *api.State, name string) (int64, error) {
	items, err := st.Meta.ScanItems(ctx, name)
	if err != nil {
		return 0, resourceNotFound(err)
	}
	var size int64
	for _, it := range items {
		size += int64(len(it.Data))
	}
	return size, nil
}

type listTablesInput struct {
	ExclusiveStartTableName string `json:"ExclusiveStartTableName"`
	Limit                   int    `json:"Limit"`
}

type listTablesOutput struct {
	TableNames             []string `json:"TableNames"`
	LastEvaluatedTableName string   `json:"LastEvaluatedTableName,omitempty"`
}

func listTables(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in listTablesInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	names, err := st.Meta.ListTables(ctx)
	if err != nil {
		return nil, err
	}
	if in.ExclusiveStartTableName != "" {
		idx, _ := slices.BinarySearch(names, in.ExclusiveStartTableName)
		for idx < len(names) && names[idx] <= in.ExclusiveStartTableName {
			idx++
		}
		names = names[idx:]
	}
	out := listTablesOutput{TableNames: names}
	if in.Limit > 0 && len(names) > in.Limit {
		out.TableNames = names[:in.Limit]
		out.LastEvaluatedTableName = names[in.Limit-1]
	}
	if out.TableNames == nil {
		out.TableNames = []string{}
	}
	return api.Reply(req, out)
}

func deleteTable(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in tableNameInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	table, err := st.Meta.DeleteTable(ctx, in.TableName)
	if err != nil {
		return nil, resourceNotFound(err)
	}
	d, err := describe(table, 0, 0)
	if err != nil {
		return nil, err
	}
	d.TableStatus = "DELETING"
	return api.Reply(req, map[string]any{"TableDescription": d})
}
