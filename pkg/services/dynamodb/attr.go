package dynamodb

import (
	"bytes"
	"encoding/base64"
	"math/big"
	"slices"
	"strings"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/goccy/go-json"

	"cloudemu/pkg/awserr"
)

// item is a decoded DynamoDB item or key.
type item = map[string]types.AttributeValue

// decodeItem parses DynamoDB JSON ({"name": {"S": "v"}, ...}). Empty input is an empty item.
func decodeItem(raw json.RawMessage) (item, error) {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return item{}, nil
	}
	decoded, err := attributevalue.UnmarshalMapJSON(raw)
	if err != nil {
		return nil, validation("Supplied AttributeValue is empty, must contain exactly one of the supported datatypes")
	}
	if decoded == nil {
		decoded = item{}
	}
	return decoded, nil
}

// encodeItem converts an item to its DynamoDB JSON shape. A nil item stays nil so that
// omitempty response fields disappear.
func encodeItem(it item) map[string]any {
	if it == nil {
		return nil
	}
	out := make(map[string]any, len(it))
	for name, av := range it {
		out[name] = encodeValue(av)
	}
	return out
}

func encodeValue(av types.AttributeValue) map[string]any {
	switch v := av.(type) {
	case *types.AttributeValueMemberS:
		return map[string]any{"S": v.Value}
	case *types.AttributeValueMemberN:
		return map[string]any{"N": v.Value}
	case *types.AttributeValueMemberB:
		return map[string]any{"B": v.Value}
	case *types.AttributeValueMemberSS:
		return map[string]any{"SS": v.Value}
	case *types.AttributeValueMemberNS:
		return map[string]any{"NS": v.Value}
	case *types.AttributeValueMemberBS:
		return map[string]any{"BS": v.Value}
	case *types.AttributeValueMemberBOOL:
		return map[string]any{"BOOL": v.Value}
	case *types.AttributeValueMemberNULL:
		return map[string]any{"NULL": true}
	case *types.AttributeValueMemberM:
		return map[string]any{"M": encodeItem(v.Value)}
	case *types.AttributeValueMemberL:
		list := make([]any, 0, len(v.Value))
		for _, e := range v.Value {
			list = append(list, encodeValue(e))
		}
		return map[string]any{"L": list}
	}
	return map[string]any{"NULL": true}
}

func marshalItem(it item) ([]byte, error) {
	data, err := json.Marshal(encodeItem(it))
	if err != nil {
		return nil, awserr.JSON(err)
	}
	return data, nil
}

func unmarshalItem(data []byte) (item, error) {
	if data == nil {
		return nil, nil
	}
	it, err := attributevalue.UnmarshalMapJSON(data)
	if err != nil {
		return nil, awserr.JSON(err)
	}
	return it, nil
}

// typeName is the DynamoDB type descriptor of av.
func typeName(av types.AttributeValue) string {
	switch av.(type) {
	case *types.AttributeValueMemberS:
		return "S"
	case *types.AttributeValueMemberN:
		return "N"
	case *types.AttributeValueMemberB:
		return "B"
	case *types.AttributeValueMemberSS:
		return "SS"
	case *types.AttributeValueMemberNS:
		return "NS"
	case *types.AttributeValueMemberBS:
		return "BS"
	case *types.AttributeValueMemberBOOL:
		return "BOOL"
	case *types.AttributeValueMemberNULL:
		return "NULL"
	case *types.AttributeValueMemberM:
		return "M"
	case *types.AttributeValueMemberL:
		return "L"
	}
	return ""
}

func parseNumber(s string) (*big.Rat, error) {
	r, ok := new(big.Rat).SetString(strings.TrimSpace(s))
	if !ok {
		return nil, validation("A value provided cannot be converted into a number")
	}
	return r, nil
}

// formatNumber renders r without trailing zeros, the way DynamoDB normalises numbers.
func formatNumber(r *big.Rat) string {
	if r.IsInt() {
		return r.Num().String()
	}
	s := r.FloatString(38)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}

// keyString is the storage form of a key attribute. Numbers are normalised so 1 and 1.0 are
// the same key.
func keyString(av types.AttributeValue) (string, error) {
	switch v := av.(type) {
	case *types.AttributeValueMemberS:
		return v.Value, nil
	case *types.AttributeValueMemberN:
		r, err := parseNumber(v.Value)
		if err != nil {
			return "", err
		}
		return formatNumber(r), nil
	case *types.AttributeValueMemberB:
		return base64.StdEncoding.EncodeToString(v.Value), nil
	}
	return "", validation("Member must be a scalar of type S, N or B")
}

// compareValues orders two scalars of the same type. ok is false when they are not comparable.
func compareValues(a, b types.AttributeValue) (int, bool) {
	switch x := a.(type) {
	case *types.AttributeValueMemberS:
		if y, ok := b.(*types.AttributeValueMemberS); ok {
			return strings.Compare(x.Value, y.Value), true
		}
	case *types.AttributeValueMemberN:
		if y, ok := b.(*types.AttributeValueMemberN); ok {
			rx, errX := parseNumber(x.Value)
			ry, errY := parseNumber(y.Value)
			if errX != nil || errY != nil {
				return 0, false
			}
			return rx.Cmp(ry), true
		}
	case *types.AttributeValueMemberB:
		if y, ok := b.(*types.AttributeValueMemberB); ok {
			return bytes.Compare(x.Value, y.Value), true
		}
	}
	return 0, false
}

// equalValues is deep equality; sets compare without regard to order.
func equalValues(a, b types.AttributeValue) bool {
	if typeName(a) != typeName(b) {
		return false
	}
	switch x := a.(type) {
	case *types.AttributeValueMemberS, *types.AttributeValueMemberN, *types.AttributeValueMemberB:
		c, ok := compareValues(a, b)
		return ok && c == 0
	case *types.AttributeValueMemberBOOL:
		return x.Value == b.(*types.AttributeValueMemberBOOL).Value
	case *types.AttributeValueMemberNULL:
		return true
	case *types.AttributeValueMemberSS:
		return sameSet(x.Value, b.(*types.AttributeValueMemberSS).Value)
	case *types.AttributeValueMemberNS:
		return sameSet(normaliseNumbers(x.Value), normaliseNumbers(b.(*types.AttributeValueMemberNS).Value))
	case *types.AttributeValueMemberBS:
		return sameSet(encodeBinaries(x.Value), encodeBinaries(b.(*types.AttributeValueMemberBS).Value))
	case *types.AttributeValueMemberL:
		y := b.(*types.AttributeValueMemberL).Value
		return slices.EqualFunc(x.Value, y, equalValues)
	case *types.AttributeValueMemberM:
		y := b.(*types.AttributeValueMemberM).Value
		if len(x.Value) != len(y) {
			return false
		}
		for k, v := range x.Value {
			w, ok := y[k]
			if !ok || !equalValues(v, w) {
				return false
			}
		}
		return true
	}
	return false
}

func sameSet(a, b []string) bool {
	a, b = slices.Clone(a), slices.Clone(b)
	slices.Sort(a)
	slices.Sort(b)
	return slices.Equal(a, b)
}

func normaliseNumbers(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if r, err := parseNumber(v); err == nil {
			v = formatNumber(r)
		}
		out = append(out, v)
	}
	return out
}

func encodeBinaries(values [][]byte) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, base64.StdEncoding.EncodeToString(v))
	}
	return out
}

// cloneValue deep-copies av so update expressions can mutate nested maps and lists.
func cloneValue(av types.AttributeValue) types.AttributeValue {
	switch v := av.(type) {
	case *types.AttributeValueMemberM:
		return &types.AttributeValueMemberM{Value: cloneItem(v.Value)}
	case *types.AttributeValueMemberL:
		list := make([]types.AttributeValue, len(v.Value))
		for i, e := range v.Value {
			list[i] = cloneValue(e)
		}
		return &types.AttributeValueMemberL{Value: list}
	case *types.AttributeValueMemberSS:
		return &types.AttributeValueMemberSS{Value: slices.Clone(v.Value)}
	case *types.AttributeValueMemberNS:
		return &types.AttributeValueMemberNS{Value: slices.Clone(v.Value)}
	case *types.AttributeValueMemberBS:
		return &types.AttributeValueMemberBS{Value: slices.Clone(v.Value)}
	}
	return av
}

func cloneItem(it item) item {
	out := make(item, len(it))
	for k, v := range it {
		out[k] = cloneValue(v)
	}
	return out
}
