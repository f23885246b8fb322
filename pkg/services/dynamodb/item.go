package dynamodb

import (
	"context"
	"slices"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/goccy/go-json"

	"cloudemu/pkg/api"
	"cloudemu/pkg/models"
)

const (
	maxBatchWrite = 25
	maxBatchGet   = 100
)

// expressionInput carries the fields every expression-bearing request shares.
type expressionInput struct {
	ExpressionAttributeNames  map[string]string `json:"ExpressionAttributeNames"`
	ExpressionAttributeValues json.RawMessage   `json:"ExpressionAttributeValues"`
}

func (e expressionInput) values() (item, error) {
	return decodeItem(e.ExpressionAttributeValues)
}

// condition parses src, returning nil for an empty expression.
func (e expressionInput) condition(src string) (condition, error) {
	if src == "" {
		return nil, nil
	}
	values, err := e.values()
	if err != nil {
		return nil, err
	}
	return parseCondition(src, e.ExpressionAttributeNames, values)
}

func (e expressionInput) projection(src string) ([]docPath, error) {
	if src == "" {
		return nil, nil
	}
	return parseProjection(src, e.ExpressionAttributeNames)
}

// checkCondition evaluates a ConditionExpression against the current item (empty when absent).
func checkCondition(c condition, current item) error {
	if c == nil {
		return nil
	}
	if current == nil {
		current = item{}
	}
	if !c.eval(current) {
		return conditionFailed()
	}
	return nil
}

type itemOutput struct {
	Item       map[string]any `json:"Item,omitempty"`
	Attributes map[string]any `json:"Attributes,omitempty"`
}

type putItemInput struct {
	expressionInput
	TableName           string          `json:"TableName"`
	Item                json.RawMessage `json:"Item"`
	ConditionExpression string          `json:"ConditionExpression"`
	ReturnValues        string          `json:"ReturnValues"`
}

func putItem(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in putItemInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	_, s, err := tableSchema(ctx, st, in.TableName)
	if err != nil {
		return nil, err
	}
	it, err := decodeItem(in.Item)
	if err != nil {
		return nil, err
	}
	pk, sk, err := s.keys(it)
	if err != nil {
		return nil, err
	}
	cond, err := in.condition(in.ConditionExpression)
	if err != nil {
		return nil, err
	}
	data, err := marshalItem(it)
	if err != nil {
		return nil, err
	}

	old, _, err := st.Meta.UpdateItem(ctx, in.TableName, pk, sk, func(oldData []byte) ([]byte, error) {
		current, err := unmarshalItem(oldData)
		if err != nil {
			return nil, err
		}
		if err := checkCondition(cond, current); err != nil {
			return nil, err
		}
		return data, nil
	})
	if err != nil {
		return nil, resourceNotFound(err)
	}
	return returnOld(req, in.ReturnValues, old)
}

func returnOld(req *api.Request, returnValues string, old []byte) (*api.Response, error) {
	var out itemOutput
	if returnValues == "ALL_OLD" && old != nil {
		it, err := unmarshalItem(old)
		if err != nil {
			return nil, err
		}
		out.Attributes = encodeItem(it)
	}
	return api.Reply(req, out)
}

type keyInput struct {
	expressionInput
	TableName            string          `json:"TableName"`
	Key                  json.RawMessage `json:"Key"`
	ProjectionExpression string          `json:"ProjectionExpression"`
	AttributesToGet      []string        `json:"AttributesToGet"`
	ConditionExpression  string          `json:"ConditionExpression"`
	ReturnValues         string          `json:"ReturnValues"`
}

func (in keyInput) paths() ([]docPath, error) {
	paths, err := in.projection(in.ProjectionExpression)
	if err != nil {
		return nil, err
	}
	for _, name := range in.AttributesToGet {
		paths = append(paths, docPath{{name: name}})
	}
	return paths, nil
}

func getItem(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in keyInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	_, s, err := tableSchema(ctx, st, in.TableName)
	if err != nil {
		return nil, err
	}
	key, err := decodeItem(in.Key)
	if err != nil {
		return nil, err
	}
	pk, sk, err := s.exactKey(key)
	if err != nil {
		return nil, err
	}
	paths, err := in.paths()
	if err != nil {
		return nil, err
	}

	data, err := st.Meta.GetItem(ctx, in.TableName, pk, sk)
	if err != nil {
		return nil, resourceNotFound(err)
	}
	it, err := unmarshalItem(data)
	if err != nil {
		return nil, err
	}
	return api.Reply(req, itemOutput{Item: encodeItem(project(it, paths))})
}

func deleteItem(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in keyInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	_, s, err := tableSchema(ctx, st, in.TableName)
	if err != nil {
		return nil, err
	}
	key, err := decodeItem(in.Key)
	if err != nil {
		return nil, err
	}
	pk, sk, err := s.exactKey(key)
	if err != nil {
		return nil, err
	}
	cond, err := in.condition(in.ConditionExpression)
	if err != nil {
		return nil, err
	}

	old, _, err := st.Meta.UpdateItem(ctx, in.TableName, pk, sk, func(oldData []byte) ([]byte, error) {
		current, err := unmarshalItem(oldData)
		if err != nil {
			return nil, err
		}
		return nil, checkCondition(cond, current)
	})
	if err != nil {
		return nil, resourceNotFound(err)
	}
	return returnOld(req, in.ReturnValues, old)
}

type updateItemInput struct {
	keyInput
	UpdateExpression string `json:"UpdateExpression"`
}

func updateItem(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in updateItemInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	_, s, err := tableSchema(ctx, st, in.TableName)
	if err != nil {
		return nil, err
	}
	key, err := decodeItem(in.Key)
	if err != nil {
		return nil, err
	}
	pk, sk, err := s.exactKey(key)
	if err != nil {
		return nil, err
	}
	cond, err := in.condition(in.ConditionExpression)
	if err != nil {
		return nil, err
	}
	var actions []updateAction
	if in.UpdateExpression != "" {
		values, err := in.values()
		if err != nil {
			return nil, err
		}
		if actions, err = parseUpdate(in.UpdateExpression, in.ExpressionAttributeNames, values); err != nil {
			return nil, err
		}
		for _, a := range actions {
			if slices.Contains(s.keyNames, a.path[0].name) {
				return nil, validation("One or more parameter values were invalid: Cannot update attribute " +
					a.path[0].name + ". This attribute is part of the key")
			}
		}
	}

	var touched []string
	oldData, newData, err := st.Meta.UpdateItem(ctx, in.TableName, pk, sk, func(oldData []byte) ([]byte, error) {
		current, err := unmarshalItem(oldData)
		if err != nil {
			return nil, err
		}
		if err := checkCondition(cond, current); err != nil {
			return nil, err
		}
		if current == nil {
			current = cloneItem(key)
		}
		updated, names, err := applyUpdate(current, actions)
		if err != nil {
			return nil, err
		}
		touched = names
		return marshalItem(updated)
	})
	if err != nil {
		return nil, resourceNotFound(err)
	}

	var out itemOutput
	var source []byte
	switch in.ReturnValues {
	case "ALL_OLD", "UPDATED_OLD":
		source = oldData
	case "ALL_NEW", "UPDATED_NEW":
		source = newData
	}
	if source != nil {
		it, err := unmarshalItem(source)
		if err != nil {
			return nil, err
		}
		if in.ReturnValues == "UPDATED_OLD" || in.ReturnValues == "UPDATED_NEW" {
			paths := make([]docPath, 0, len(touched))
			for _, name := range touched {
				paths = append(paths, docPath{{name: name}})
			}
			it = project(it, paths)
		}
		if len(it) > 0 {
			out.Attributes = encodeItem(it)
		}
	}
	return api.Reply(req, out)
}

type readInput struct {
	expressionInput
	TableName              string          `json:"TableName"`
	IndexName              string          `json:"IndexName"`
	KeyConditionExpression string          `json:"KeyConditionExpression"`
	FilterExpression       string          `json:"FilterExpression"`
	ProjectionExpression   string          `json:"ProjectionExpression"`
	Select                 string          `json:"Select"`
	Limit                  int             `json:"Limit"`
	ScanIndexForward       *bool           `json:"ScanIndexForward"`
	ExclusiveStartKey      json.RawMessage `json:"ExclusiveStartKey"`
}

type readOutput struct {
	Items            []map[string]any `json:"Items,omitempty"`
	Count            int              `json:"Count"`
	ScannedCount     int              `json:"ScannedCount"`
	LastEvaluatedKey map[string]any   `json:"LastEvaluatedKey,omitempty"`
}

// decoded pairs a stored row with its parsed item.
type decoded struct {
	row models.Item
	it  item
}

func decodeRows(rows []models.Item) ([]decoded, error) {
	out := make([]decoded, 0, len(rows))
	for _, row := range rows {
		it, err := unmarshalItem(row.Data)
		if err != nil {
			return nil, err
		}
		out = append(out, decoded{row: row, it: it})
	}
	return out, nil
}

// page applies Limit, then the filter and projection, and fills the read response.
func page(in readInput, s *schema, rows []decoded) (readOutput, error) {
	filter, err := in.condition(in.FilterExpression)
	if err != nil {
		return readOutput{}, err
	}
	paths, err := in.projection(in.ProjectionExpression)
	if err != nil {
		return readOutput{}, err
	}

	out := readOutput{Items: []map[string]any{}}
	if in.Limit > 0 && len(rows) > in.Limit {
		rows = rows[:in.Limit]
		out.LastEvaluatedKey = encodeItem(s.keyOf(rows[len(rows)-1].it))
	}
	out.ScannedCount = len(rows)
	for _, r := range rows {
		if filter != nil && !filter.eval(r.it) {
			continue
		}
		out.Count++
		if in.Select != "COUNT" {
			out.Items = append(out.Items, encodeItem(project(r.it, paths)))
		}
	}
	if in.Select == "COUNT" {
		out.Items = nil
	}
	return out, nil
}

func (in readInput) checkIndex() error {
	if in.IndexName != "" {
		return validation("The table does not have the specified index: " + in.IndexName)
	}
	return nil
}

func query(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in readInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	if err := in.checkIndex(); err != nil {
		return nil, err
	}
	_, s, err := tableSchema(ctx, st, in.TableName)
	if err != nil {
		return nil, err
	}
	if in.KeyConditionExpression == "" {
		return nil, validation("Either the KeyConditions or KeyConditionExpression parameter must be specified in the request.")
	}
	cond, err := in.condition(in.KeyConditionExpression)
	if err != nil {
		return nil, err
	}
	kc, err := analyzeKeyCondition(cond, s)
	if err != nil {
		return nil, err
	}
	pk, err := keyString(kc.partition)
	if err != nil {
		return nil, err
	}

	stored, err := st.Meta.QueryItems(ctx, in.TableName, pk)
	if err != nil {
		return nil, resourceNotFound(err)
	}
	rows, err := decodeRows(stored)
	if err != nil {
		return nil, err
	}

	forward := in.ScanIndexForward == nil || *in.ScanIndexForward
	slices.SortStableFunc(rows, func(a, b decoded) int {
		n, _ := compareValues(s.sortValue(a.it), s.sortValue(b.it))
		if !forward {
			return -n
		}
		return n
	})

	start, err := decodeItem(in.ExclusiveStartKey)
	if err != nil {
		return nil, err
	}
	matched := rows[:0]
	for _, r := range rows {
		if kc.sort != nil && !kc.sort.eval(r.it) {
			continue
		}
		if len(start) > 0 && s.rangeKey != nil {
			n, ok := compareValues(s.sortValue(r.it), s.sortValue(start))
			if ok && ((forward && n <= 0) || (!forward && n >= 0)) {
				continue
			}
		}
		matched = append(matched, r)
	}
	if len(start) > 0 && s.rangeKey == nil {
		matched = nil
	}

	out, err := page(in, s, matched)
	if err != nil {
		return nil, err
	}
	return api.Reply(req, out)
}

// keyCondition is a KeyConditionExpression split into its partition value and sort predicate.
type keyCondition struct {
	partition types.AttributeValue
	sort      condition
}

// analyzeKeyCondition checks the expression has the shape DynamoDB accepts: an equality on the
// partition key, optionally ANDed with one predicate on the sort key.
func analyzeKeyCondition(c condition, s *schema) (*keyCondition, error) {
	var parts []condition
	var flatten func(condition) bool
	flatten = func(c condition) bool {
		if and, ok := c.(andCond); ok {
			return flatten(and.left) && flatten(and.right)
		}
		parts = append(parts, c)
		return true
	}
	flatten(c)
	if len(parts) > 2 {
		return nil, validation("Query key condition not supported")
	}

	kc := &keyCondition{}
	for _, part := range parts {
		name, ok := keyConditionSubject(part)
		if !ok {
			return nil, validation("Query key condition not supported")
		}
		switch {
		case name == s.hash.name:
			cmp, ok := part.(compareCond)
			if !ok || cmp.op != "=" {
				return nil, validation("Query key condition not supported")
			}
			lit, ok := cmp.right.(literalOperand)
			if !ok {
				return nil, validation("Query key condition not supported")
			}
			if typeName(lit.v) != s.hash.attrType {
				return nil, validation("One or more parameter values were invalid: Condition parameter type does not match schema type")
			}
			kc.partition = lit.v
		case s.rangeKey != nil && name == s.rangeKey.name:
			if cmp, ok := part.(compareCond); ok && cmp.op == "<>" {
				return nil, validation("Unsupported operator on KeyConditionExpression: operator: <>")
			}
			kc.sort = part
		default:
			return nil, validation("Query condition missed key schema element: " + s.hash.name)
		}
	}
	if kc.partition == nil {
		return nil, validation("Query condition missed key schema element: " + s.hash.name)
	}
	return kc, nil
}

// keyConditionSubject returns the attribute a key condition part constrains.
func keyConditionSubject(c condition) (string, bool) {
	var path docPath
	switch v := c.(type) {
	case compareCond:
		p, ok := v.left.(pathOperand)
		if !ok {
			return "", false
		}
		path = p.path
	case betweenCond:
		p, ok := v.subject.(pathOperand)
		if !ok {
			return "", false
		}
		path = p.path
	case funcCond:
		if v.name != "begins_with" {
			return "", false
		}
		path = v.path
	default:
		return "", false
	}
	if len(path) != 1 {
		return "", false
	}
	return path[0].name, true
}

func scan(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in readInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	if err := in.checkIndex(); err != nil {
		return nil, err
	}
	_, s, err := tableSchema(ctx, st, in.TableName)
	if err != nil {
		return nil, err
	}
	stored, err := st.Meta.ScanItems(ctx, in.TableName)
	if err != nil {
		return nil, resourceNotFound(err)
	}

	start, err := decodeItem(in.ExclusiveStartKey)
	if err != nil {
		return nil, err
	}
	if len(start) > 0 {
		startPK, startSK, err := s.keys(start)
		if err != nil {
			return nil, err
		}
		// Rows come ordered by their stored (pk, sk) text.
		idx := 0
		for idx < len(stored) && (stored[idx].PK < startPK || (stored[idx].PK == startPK && stored[idx].SK <= startSK)) {
			idx++
		}
		stored = stored[idx:]
	}

	rows, err := decodeRows(stored)
	if err != nil {
		return nil, err
	}
	out, err := page(in, s, rows)
	if err != nil {
		return nil, err
	}
	return api.Reply(req, out)
}

type writeRequest struct {
	PutRequest *struct {
		Item json.RawMessage `json:"Item"`
	} `json:"PutRequest"`
	DeleteRequest *struct {
		Key json.RawMessage `json:"Key"`
	} `json:"DeleteRequest"`
}

type batchWriteInput struct {
	RequestItems map[string][]writeRequest `json:"RequestItems"`
}

func batchWriteItem(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in batchWriteInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	total := 0
	for _, reqs := range in.RequestItems {
		total += len(reqs)
	}
	if total == 0 || total > maxBatchWrite {
		return nil, validation("Too many items requested for the BatchWriteItem call")
	}

	var puts, deletes []models.Item
	for table, reqs := range in.RequestItems {
		_, s, err := tableSchema(ctx, st, table)
		if err != nil {
			return nil, err
		}
		for _, w := range reqs {
			switch {
			case w.PutRequest != nil:
				it, err := decodeItem(w.PutRequest.Item)
				if err != nil {
					return nil, err
				}
				pk, sk, err := s.keys(it)
				if err != nil {
					return nil, err
				}
				data, err := marshalItem(it)
				if err != nil {
					return nil, err
				}
				puts = append(puts, models.Item{Table: table, PK: pk, SK: sk, Data: data})
			case w.DeleteRequest != nil:
				key, err := decodeItem(w.DeleteRequest.Key)
				if err != nil {
					return nil, err
				}
				pk, sk, err := s.exactKey(key)
				if err != nil {
					return nil, err
				}
				deletes = append(deletes, models.Item{Table: table, PK: pk, SK: sk})
			default:
				return nil, validation("Supplied AttributeValue has more than one datatypes set, must contain exactly one of the supported datatypes")
			}
		}
	}
	if err := st.Meta.BatchWriteItems(ctx, puts, deletes); err != nil {
		return nil, resourceNotFound(err)
	}
	return api.Reply(req, map[string]any{"UnprocessedItems": map[string]any{}})
}

type keysAndAttributes struct {
	expressionInput
	Keys                 []json.RawMessage `json:"Keys"`
	ProjectionExpression string            `json:"ProjectionExpression"`
}

type batchGetInput struct {
	RequestItems map[string]keysAndAttributes `json:"RequestItems"`
}

func batchGetItem(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in batchGetInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	total := 0
	for _, ka := range in.RequestItems {
		total += len(ka.Keys)
	}
	if total == 0 || total > maxBatchGet {
		return nil, validation("Too many items requested for the BatchGetItem call")
	}

	responses := map[string][]map[string]any{}
	for table, ka := range in.RequestItems {
		_, s, err := tableSchema(ctx, st, table)
		if err != nil {
			return nil, err
		}
		paths, err := ka.projection(ka.ProjectionExpression)
		if err != nil {
			return nil, err
		}
		found := []map[string]any{}
		for _, raw := range ka.Keys {
			key, err := decodeItem(raw)
			if err != nil {
				return nil, err
			}
			pk, sk, err := s.exactKey(key)
			if err != nil {
				return nil, err
			}
			data, err := st.Meta.GetItem(ctx, table, pk, sk)
			if err != nil {
				return nil, resourceNotFound(err)
			}
			if data == nil {
				continue
			}
			it, err := unmarshalItem(data)
			if err != nil {
				return nil, err
			}
			found = append(found, encodeItem(project(it, paths)))
		}
		responses[table] = found
	}
	return api.Reply(req, map[string]any{"Responses": responses, "UnprocessedKeys": map[string]any{}})
}
