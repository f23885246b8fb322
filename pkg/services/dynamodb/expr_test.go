package dynamodb

import (
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cloudemu/pkg/awserr"
)

func s(v string) types.AttributeValue { return &types.AttributeValueMemberS{Value: v} }
func n(v string) types.AttributeValue { return &types.AttributeValueMemberN{Value: v} }

func sampleItem() item {
	return item{
		"id":    s("user-1"),
		"age":   n("42"),
		"name":  s("hello world"),
		"tags":  &types.AttributeValueMemberSS{Value: []string{"red", "blue"}},
		"admin": &types.AttributeValueMemberBOOL{Value: true},
		"profile": &types.AttributeValueMemberM{Value: item{
			"city": s("Paris"),
		}},
		"scores": &types.AttributeValueMemberL{Value: []types.AttributeValue{n("1"), n("2"), n("3")}},
	}
}

func TestConditionEvaluation(t *testing.T) {
	values := item{
		":age":   n("42.0"),
		":low":   n("10"),
		":high":  n("50"),
		":pre":   s("hello"),
		":red":   s("red"),
		":city":  s("Paris"),
		":three": n("3"),
		":type":  s("SS"),
		":two":   n("2"),
	}
	names := map[string]string{"#n": "name", "#p": "profile"}

	tests := []struct {
		expr string
		want bool
	}{
		{"age = :age", true},
		{"age <> :age", false},
		{"age BETWEEN :low AND :high", true},
		{"age < :low", false},
		{"age >= :high OR admin = admin", true},
		{"begins_with(#n, :pre)", true},
		{"contains(tags, :red)", true},
		{"contains(#n, :red)", false},
		{"attribute_exists(id) AND attribute_not_exists(missing)", true},
		{"attribute_type(tags, :type)", true},
		{"#p.city = :city", true},
		{"scores[1] = :two", true},
		{"scores[9] = :two", false},
		{"size(scores) = :three", true},
		{"NOT (age = :age)", false},
		{"age IN (:low, :age)", true},
		{"missing = :age", false},
		{"missing <> :age", true},
		{"(age = :low OR age = :high) AND attribute_exists(id)", false},
	}
	it := sampleItem()
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			c, err := parseCondition(tt.expr, names, values)
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.eval(it))
		})
	}
}

func TestConditionErrors(t *testing.T) {
	tests := []string{
		"age = :undefined",
		"#undefined = :v",
		"age ==",
		"age = :v extra",
		"attribute_exists(",
		"age ! :v",
	}
	for _, expr := range tests {
		t.Run(expr, func(t *testing.T) {
			_, err := parseCondition(expr, nil, item{":v": n("1")})
			require.Error(t, err)
			assert.Equal(t, "ValidationException", awserr.From(err).ErrorCode())
		})
	}
}

func TestProjection(t *testing.T) {
	paths, err := parseProjection("id, #p.city, scores[0]", map[string]string{"#p": "profile"})
	require.NoError(t, err)
	require.Len(t, paths, 3)
	assert.Equal(t, "profile.city", paths[1].String())
	assert.Equal(t, "scores[0]", paths[2].String())

	got := project(sampleItem(), paths)
	assert.Len(t, got, 3)
	assert.Contains(t, got, "id")
	assert.Contains(t, got, "profile")
	assert.Contains(t, got, "scores")
	assert.Equal(t, sampleItem(), project(sampleItem(), nil))
}

func TestUpdateExpression(t *testing.T) {
	values := item{
		":one":   n("1"),
		":name":  s("renamed"),
		":more":  &types.AttributeValueMemberL{Value: []types.AttributeValue{n("4")}},
		":green": &types.AttributeValueMemberSS{Value: []string{"green"}},
		":red":   &types.AttributeValueMemberSS{Value: []string{"red"}},
		":zero":  n("0"),
	}
	actions, err := parseUpdate(
		"SET #n = :name, age = age + :one, scores = list_append(scores, :more), visits = if_not_exists(visits, :zero) "+
			"REMOVE admin ADD tags :green, counter :one DELETE tags :red",
		map[string]string{"#n": "name"}, values)
	require.NoError(t, err)

	original := sampleItem()
	updated, touched, err := applyUpdate(original, actions)
	require.NoError(t, err)

	assert.Equal(t, s("renamed"), updated["name"])
	assert.Equal(t, n("43"), updated["age"])
	assert.Len(t, updated["scores"].(*types.AttributeValueMemberL).Value, 4)
	assert.Equal(t, n("0"), updated["visits"])
	assert.NotContains(t, updated, "admin")
	assert.Equal(t, n("1"), updated["counter"])
	assert.ElementsMatch(t, []string{"blue", "green"}, updated["tags"].(*types.AttributeValueMemberSS).Value)
	assert.Equal(t, []string{"name", "age", "scores", "visits", "admin", "tags", "counter"}, touched)

	// The original item is left untouched.
	assert.Equal(t, sampleItem(), original)
}

func TestUpdateExpressionErrors(t *testing.T) {
	values := item{":v": s("x"), ":n": n("1")}
	for _, expr := range []string{
		"SET a = :v SET b = :v",
		"SET",
		"UPSERT a = :v",
		"SET a = :missing",
	} {
		_, err := parseUpdate(expr, nil, values)
		assert.Error(t, err, expr)
	}

	actions, err := parseUpdate("SET name = name + :n", nil, values)
	require.NoError(t, err)
	_, _, err = applyUpdate(sampleItem(), actions)
	assert.Error(t, err)

	actions, err = parseUpdate("ADD name :v", nil, values)
	require.NoError(t, err)
	_, _, err = applyUpdate(sampleItem(), actions)
	assert.Error(t, err)
}

func TestNumbers(t *testing.T) {
	for in, want := range map[string]string{
		"1":       "1",
		"1.0":     "1",
		"001.500": "1.5",
		"-0.25":   "-0.25",
		"1e3":     "1000",
	} {
		r, err := parseNumber(in)
		require.NoError(t, err)
		assert.Equal(t, want, formatNumber(r), in)
	}
	_, err := parseNumber("abc")
	assert.Error(t, err)

	assert.True(t, equalValues(n("1"), n("1.00")))
	assert.True(t, equalValues(
		&types.AttributeValueMemberNS{Value: []string{"1", "2"}},
		&types.AttributeValueMemberNS{Value: []string{"2.0", "1"}}))
	c, ok := compareValues(n("9"), n("10"))
	assert.True(t, ok)
	assert.Negative(t, c)
	_, ok = compareValues(n("9"), s("10"))
	assert.False(t, ok)
}
