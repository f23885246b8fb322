package dynamodb

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"unicode"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Expressions are lexed into tokens and parsed by recursive descent. Conditions (also used for
// key conditions and filters) and update expressions share the lexer, paths and operands.

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokName  // #alias
	tokValue // :placeholder
	tokNumber
	tokPunct
)

type token struct {
	kind tokenKind
	text string
}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := rune(src[i])
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '#' || c == ':':
			j := i + 1
			for j < len(src) && isIdentChar(rune(src[j])) {
				j++
			}
			if j == i+1 {
				return nil, syntaxError(src, string(c))
			}
			kind := tokName
			if c == ':' {
				kind = tokValue
			}
			toks = append(toks, token{kind, src[i:j]})
			i = j
		case unicode.IsDigit(c):
			j := i
			for j < len(src) && unicode.IsDigit(rune(src[j])) {
				j++
			}
			toks = append(toks, token{tokNumber, src[i:j]})
			i = j
		case isIdentChar(c):
			j := i
			for j < len(src) && isIdentChar(rune(src[j])) {
				j++
			}
			toks = append(toks, token{tokIdent, src[i:j]})
			i = j
		case strings.HasPrefix(src[i:], "<>"), strings.HasPrefix(src[i:], "<="), strings.HasPrefix(src[i:], ">="):
			toks = append(toks, token{tokPunct, src[i : i+2]})
			i += 2
		case strings.ContainsRune("()[],.=<>+-", c):
			toks = append(toks, token{tokPunct, string(c)})
			i++
		default:
			return nil, syntaxError(src, string(c))
		}
	}
	return append(toks, token{kind: tokEOF}), nil
}

func isIdentChar(c rune) bool {
	return c == '_' || unicode.IsLetter(c) || unicode.IsDigit(c)
}

func syntaxError(expr, near string) error {
	return validation(fmt.Sprintf("Invalid expression: Syntax error; token: %q, near: %q", near, expr))
}

// pathElem is one step of a document path: a map member or a list index.
type pathElem struct {
	name  string
	index int
	list  bool
}

type docPath []pathElem

func (p docPath) String() string {
	var sb strings.Builder
	for i, e := range p {
		switch {
		case e.list:
			fmt.Fprintf(&sb, "[%d]", e.index)
		case i > 0:
			sb.WriteString("." + e.name)
		default:
			sb.WriteString(e.name)
		}
	}
	return sb.String()
}

func (p docPath) resolve(it item) (types.AttributeValue, bool) {
	var cur types.AttributeValue = &types.AttributeValueMemberM{Value: it}
	for _, e := range p {
		switch v := cur.(type) {
		case *types.AttributeValueMemberM:
			if e.list {
				return nil, false
			}
			next, ok := v.Value[e.name]
			if !ok {
				return nil, false
			}
			cur = next
		case *types.AttributeValueMemberL:
			if !e.list || e.index >= len(v.Value) {
				return nil, false
			}
			cur = v.Value[e.index]
		default:
			return nil, false
		}
	}
	return cur, true
}

// operand is anything that yields a value when evaluated against an item.
type operand interface {
	value(it item) (types.AttributeValue, bool)
}

type pathOperand struct{ path docPath }

func (o pathOperand) value(it item) (types.AttributeValue, bool) { return o.path.resolve(it) }

type literalOperand struct{ v types.AttributeValue }

func (o literalOperand) value(item) (types.AttributeValue, bool) { return o.v, true }

type sizeOperand struct{ path docPath }

func (o sizeOperand) value(it item) (types.AttributeValue, bool) {
	av, ok := o.path.resolve(it)
	if !ok {
		return nil, false
	}
	var n int
	switch v := av.(type) {
	case *types.AttributeValueMemberS:
		n = len(v.Value)
	case *types.AttributeValueMemberB:
		n = len(v.Value)
	case *types.AttributeValueMemberSS:
		n = len(v.Value)
	case *types.AttributeValueMemberNS:
		n = len(v.Value)
	case *types.AttributeValueMemberBS:
		n = len(v.Value)
	case *types.AttributeValueMemberL:
		n = len(v.Value)
	case *types.AttributeValueMemberM:
		n = len(v.Value)
	default:
		return nil, false
	}
	return &types.AttributeValueMemberN{Value: strconv.Itoa(n)}, true
}

// condition is a parsed ConditionExpression, FilterExpression or KeyConditionExpression.
type condition interface {
	eval(it item) bool
}

type andCond struct{ left, right condition }

func (c andCond) eval(it item) bool { return c.left.eval(it) && c.right.eval(it) }

type orCond struct{ left, right condition }

func (c orCond) eval(it item) bool { return c.left.eval(it) || c.right.eval(it) }

type notCond struct{ inner condition }

func (c notCond) eval(it item) bool { return !c.inner.eval(it) }

type compareCond struct {
	op          string
	left, right operand
}

func (c compareCond) eval(it item) bool {
	a, okA := c.left.value(it)
	b, okB := c.right.value(it)
	if !okA || !okB {
		// A missing attribute is unequal to everything.
		return c.op == "<>"
	}
	switch c.op {
	case "=":
		return equalValues(a, b)
	case "<>":
		return !equalValues(a, b)
	}
	n, ok := compareValues(a, b)
	if !ok {
		return false
	}
	switch c.op {
	case "<":
		return n < 0
	case "<=":
		return n <= 0
	case ">":
		return n > 0
	case ">=":
		return n >= 0
	}
	return false
}

type betweenCond struct{ subject, low, high operand }

func (c betweenCond) eval(it item) bool {
	v, ok1 := c.subject.value(it)
	lo, ok2 := c.low.value(it)
	hi, ok3 := c.high.value(it)
	if !ok1 || !ok2 || !ok3 {
		return false
	}
	a, okA := compareValues(v, lo)
	b, okB := compareValues(v, hi)
	return okA && okB && a >= 0 && b <= 0
}

type inCond struct {
	subject operand
	list    []operand
}

func (c inCond) eval(it item) bool {
	v, ok := c.subject.value(it)
	if !ok {
		return false
	}
	for _, o := range c.list {
		if w, ok := o.value(it); ok && equalValues(v, w) {
			return true
		}
	}
	return false
}

type funcCond struct {
	name string
	path docPath
	arg  operand
}

func (c funcCond) eval(it item) bool {
	av, exists := c.path.resolve(it)
	switch c.name {
	case "attribute_exists":
		return exists
	case "attribute_not_exists":
		return !exists
	}
	if !exists {
		return false
	}
	arg, ok := c.arg.value(it)
	if !ok {
		return false
	}
	switch c.name {
	case "attribute_type":
		s, ok := arg.(*types.AttributeValueMemberS)
		return ok && typeName(av) == s.Value
	case "begins_with":
		switch v := av.(type) {
		case *types.AttributeValueMemberS:
			p, ok := arg.(*types.AttributeValueMemberS)
			return ok && strings.HasPrefix(v.Value, p.Value)
		case *types.AttributeValueMemberB:
			p, ok := arg.(*types.AttributeValueMemberB)
			return ok && strings.HasPrefix(string(v.Value), string(p.Value))
		}
	case "contains":
		return containsValue(av, arg)
	}
	return false
}

func containsValue(av, arg types.AttributeValue) bool {
	switch v := av.(type) {
	case *types.AttributeValueMemberS:
		s, ok := arg.(*types.AttributeValueMemberS)
		return ok && strings.Contains(v.Value, s.Value)
	case *types.AttributeValueMemberSS:
		s, ok := arg.(*types.AttributeValueMemberS)
		return ok && slices.Contains(v.Value, s.Value)
	case *types.AttributeValueMemberNS:
		n, ok := arg.(*types.AttributeValueMemberN)
		return ok && slices.Contains(normaliseNumbers(v.Value), normaliseNumbers([]string{n.Value})[0])
	case *types.AttributeValueMemberL:
		for _, e := range v.Value {
			if equalValues(e, arg) {
				return true
			}
		}
	}
	return false
}

// parser holds the token stream and the expression attribute maps.
type parser struct {
	src    string
	toks   []token
	pos    int
	names  map[string]string
	values item
}

func newParser(src string, names map[string]string, values item) (*parser, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	return &parser{src: src, toks: toks, names: names, values: values}, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) keyword(word string) bool {
	t := p.peek()
	if t.kind == tokIdent && strings.EqualFold(t.text, word) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) punct(s string) bool {
	t := p.peek()
	if t.kind == tokPunct && t.text == s {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expect(s string) error {
	if !p.punct(s) {
		return syntaxError(p.src, p.peek().text)
	}
	return nil
}

func (p *parser) done() error {
	if p.peek().kind != tokEOF {
		return syntaxError(p.src, p.peek().text)
	}
	return nil
}

// parseCondition parses a complete condition expression.
func parseCondition(src string, names map[string]string, values item) (condition, error) {
	p, err := newParser(src, names, values)
	if err != nil {
		return nil, err
	}
	c, err := p.or()
	if err != nil {
		return nil, err
	}
	return c, p.done()
}

func (p *parser) or() (condition, error) {
	left, err := p.and()
	if err != nil {
		return nil, err
	}
	for p.keyword("OR") {
		right, err := p.and()
		if err != nil {
			return nil, err
		}
		left = orCond{left, right}
	}
	return left, nil
}

func (p *parser) and() (condition, error) {
	left, err := p.not()
	if err != nil {
		return nil, err
	}
	for p.keyword("AND") {
		right, err := p.not()
		if err != nil {
			return nil, err
		}
		left = andCond{left, right}
	}
	return left, nil
}

func (p *parser) not() (condition, error) {
	if p.keyword("NOT") {
		inner, err := p.not()
		if err != nil {
			return nil, err
		}
		return notCond{inner}, nil
	}
	return p.primary()
}

var conditionFuncs = map[string]int{
	"attribute_exists":     1,
	"attribute_not_exists": 1,
	"attribute_type":       2,
	"begins_with":          2,
	"contains":             2,
}

func (p *parser) primary() (condition, error) {
	if p.punct("(") {
		c, err := p.or()
		if err != nil {
			return nil, err
		}
		return c, p.expect(")")
	}

	t := p.peek()
	if arity, ok := conditionFuncs[t.text]; ok && t.kind == tokIdent && p.toks[p.pos+1].text == "(" {
		p.pos += 2
		path, err := p.path()
		if err != nil {
			return nil, err
		}
		c := funcCond{name: t.text, path: path}
		if arity == 2 {
			if err := p.expect(","); err != nil {
				return nil, err
			}
			if c.arg, err = p.operand(); err != nil {
				return nil, err
			}
		}
		return c, p.expect(")")
	}

	left, err := p.operand()
	if err != nil {
		return nil, err
	}
	switch {
	case p.keyword("BETWEEN"):
		low, err := p.operand()
		if err != nil {
			return nil, err
		}
		if !p.keyword("AND") {
			return nil, syntaxError(p.src, p.peek().text)
		}
		high, err := p.operand()
		if err != nil {
			return nil, err
		}
		return betweenCond{left, low, high}, nil
	case p.keyword("IN"):
		if err := p.expect("("); err != nil {
			return nil, err
		}
		c := inCond{subject: left}
		for {
			o, err := p.operand()
			if err != nil {
				return nil, err
			}
			c.list = append(c.list, o)
			if !p.punct(",") {
				break
			}
		}
		return c, p.expect(")")
	}

	op := p.next()
	switch op.text {
	case "=", "<>", "<", "<=", ">", ">=":
	default:
		return nil, syntaxError(p.src, op.text)
	}
	right, err := p.operand()
	if err != nil {
		return nil, err
	}
	return compareCond{op: op.text, left: left, right: right}, nil
}

func (p *parser) operand() (operand, error) {
	t := p.peek()
	switch {
	case t.kind == tokValue:
		p.pos++
		v, ok := p.values[t.text]
		if !ok {
			return nil, validation("Invalid expression: An expression attribute value used in expression is not defined; attribute value: " + t.text)
		}
		return literalOperand{v}, nil
	case t.kind == tokIdent && t.text == "size" && p.toks[p.pos+1].text == "(":
		p.pos += 2
		path, err := p.path()
		if err != nil {
			return nil, err
		}
		return sizeOperand{path}, p.expect(")")
	}
	path, err := p.path()
	if err != nil {
		return nil, err
	}
	return pathOperand{path}, nil
}

func (p *parser) pathName() (string, error) {
	t := p.next()
	switch t.kind {
	case tokIdent:
		return t.text, nil
	case tokName:
		name, ok := p.names[t.text]
		if !ok {
			return "", validation("Invalid expression: An expression attribute name used in the document path is not defined; attribute name: " + t.text)
		}
		return name, nil
	}
	return "", syntaxError(p.src, t.text)
}

func (p *parser) path() (docPath, error) {
	name, err := p.pathName()
	if err != nil {
		return nil, err
	}
	path := docPath{{name: name}}
	for {
		switch {
		case p.punct("."):
			name, err := p.pathName()
			if err != nil {
				return nil, err
			}
			path = append(path, pathElem{name: name})
		case p.punct("["):
			t := p.next()
			if t.kind != tokNumber {
				return nil, syntaxError(p.src, t.text)
			}
			idx, _ := strconv.Atoi(t.text)
			if err := p.expect("]"); err != nil {
				return nil, err
			}
			path = append(path, pathElem{index: idx, list: true})
		default:
			return path, nil
		}
	}
}

// parseProjection parses a comma separated list of document paths.
func parseProjection(src string, names map[string]string) ([]docPath, error) {
	p, err := newParser(src, names, nil)
	if err != nil {
		return nil, err
	}
	var paths []docPath
	for {
		path, err := p.path()
		if err != nil {
			return nil, err
		}
		paths = append(paths, path)
		if !p.punct(",") {
			break
		}
	}
	return paths, p.done()
}

// project keeps the top-level attributes the given paths start at.
func project(it item, paths []docPath) item {
	if it == nil || len(paths) == 0 {
		return it
	}
	out := item{}
	for _, path := range paths {
		if v, ok := it[path[0].name]; ok {
			out[path[0].name] = v
		}
	}
	return out
}
