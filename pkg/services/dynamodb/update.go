package dynamodb

import (
	"fmt"
	"slices"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// setValue is the right-hand side of a SET action.
type setValue interface {
	eval(it item) (types.AttributeValue, error)
}

type operandValue struct{ o operand }

func (v operandValue) eval(it item) (types.AttributeValue, error) {
	av, ok := v.o.value(it)
	if !ok {
		return nil, validation("The provided expression refers to an attribute that does not exist in the item")
	}
	return av, nil
}

type ifNotExists struct {
	path     docPath
	fallback setValue
}

func (v ifNotExists) eval(it item) (types.AttributeValue, error) {
	if av, ok := v.path.resolve(it); ok {
		return av, nil
	}
	return v.fallback.eval(it)
}

type listAppend struct{ a, b setValue }

func (v listAppend) eval(it item) (types.AttributeValue, error) {
	a, err := v.a.eval(it)
	if err != nil {
		return nil, err
	}
	b, err := v.b.eval(it)
	if err != nil {
		return nil, err
	}
	la, okA := a.(*types.AttributeValueMemberL)
	lb, okB := b.(*types.AttributeValueMemberL)
	if !okA || !okB {
		return nil, validation("Invalid UpdateExpression: Incorrect operand type for operator or function; operator or function: list_append")
	}
	return &types.AttributeValueMemberL{Value: append(slices.Clone(la.Value), lb.Value...)}, nil
}

type arithmetic struct {
	op          string
	left, right setValue
}

func (v arithmetic) eval(it item) (types.AttributeValue, error) {
	a, err := v.left.eval(it)
	if err != nil {
		return nil, err
	}
	b, err := v.right.eval(it)
	if err != nil {
		return nil, err
	}
	na, okA := a.(*types.AttributeValueMemberN)
	nb, okB := b.(*types.AttributeValueMemberN)
	if !okA || !okB {
		return nil, validation("Invalid UpdateExpression: Incorrect operand type for operator or function; operator: " + v.op)
	}
	x, err := parseNumber(na.Value)
	if err != nil {
		return nil, err
	}
	y, err := parseNumber(nb.Value)
	if err != nil {
		return nil, err
	}
	if v.op == "+" {
		x.Add(x, y)
	} else {
		x.Sub(x, y)
	}
	return &types.AttributeValueMemberN{Value: formatNumber(x)}, nil
}

type actionKind int

const (
	actionSet actionKind = iota
	actionRemove
	actionAdd
	actionDelete
)

type updateAction struct {
	kind  actionKind
	path  docPath
	value setValue
}

// parseUpdate parses an UpdateExpression: SET, REMOVE, ADD and DELETE clauses in any order.
func parseUpdate(src string, names map[string]string, values item) ([]updateAction, error) {
	p, err := newParser(src, names, values)
	if err != nil {
		return nil, err
	}
	var actions []updateAction
	seen := map[string]bool{}
	for p.peek().kind != tokEOF {
		var kind actionKind
		clause := strings.ToUpper(p.next().text)
		switch clause {
		case "SET":
			kind = actionSet
		case "REMOVE":
			kind = actionRemove
		case "ADD":
			kind = actionAdd
		case "DELETE":
			kind = actionDelete
		default:
			return nil, syntaxError(src, clause)
		}
		if seen[clause] {
			return nil, validation("Invalid UpdateExpression: The \"" + clause + "\" section can only be used once in an update expression")
		}
		seen[clause] = true

		for {
			action, err := p.action(kind)
			if err != nil {
				return nil, err
			}
			actions = append(actions, action)
			if !p.punct(",") {
				break
			}
		}
	}
	if len(actions) == 0 {
		return nil, validation("Invalid UpdateExpression: The expression can not be empty")
	}
	return actions, nil
}

func (p *parser) action(kind actionKind) (updateAction, error) {
	path, err := p.path()
	if err != nil {
		return updateAction{}, err
	}
	a := updateAction{kind: kind, path: path}
	switch kind {
	case actionSet:
		if err := p.expect("="); err != nil {
			return a, err
		}
		a.value, err = p.setValue()
	case actionAdd, actionDelete:
		var o operand
		o, err = p.operand()
		a.value = operandValue{o}
	}
	return a, err
}

func (p *parser) setValue() (setValue, error) {
	left, err := p.setTerm()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind == tokPunct && (t.text == "+" || t.text == "-") {
		p.pos++
		right, err := p.setTerm()
		if err != nil {
			return nil, err
		}
		return arithmetic{op: t.text, left: left, right: right}, nil
	}
	return left, nil
}

func (p *parser) setTerm() (setValue, error) {
	t := p.peek()
	if t.kind == tokIdent && p.toks[p.pos+1].text == "(" {
		switch t.text {
		case "if_not_exists":
			p.pos += 2
			path, err := p.path()
			if err != nil {
				return nil, err
			}
			if err := p.expect(","); err != nil {
				return nil, err
			}
			fallback, err := p.setTerm()
			if err != nil {
				return nil, err
			}
			return ifNotExists{path, fallback}, p.expect(")")
		case "list_append":
			p.pos += 2
			a, err := p.setTerm()
			if err != nil {
				return nil, err
			}
			if err := p.expect(","); err != nil {
				return nil, err
			}
			b, err := p.setTerm()
			if err != nil {
				return nil, err
			}
			return listAppend{a, b}, p.expect(")")
		}
	}
	o, err := p.operand()
	if err != nil {
		return nil, err
	}
	return operandValue{o}, nil
}

// applyUpdate evaluates every action against the original item and then applies them to a
// copy. It returns the new item and the top-level attributes the actions touched.
func applyUpdate(original item, actions []updateAction) (item, []string, error) {
	values := make([]types.AttributeValue, len(actions))
	for i, a := range actions {
		if a.value == nil {
			continue
		}
		v, err := a.value.eval(original)
		if err != nil {
			return nil, nil, err
		}
		values[i] = v
	}

	updated := cloneItem(original)
	var touched []string
	for i, a := range actions {
		if !slices.Contains(touched, a.path[0].name) {
			touched = append(touched, a.path[0].name)
		}
		var err error
		switch a.kind {
		case actionSet:
			err = setPath(updated, a.path, values[i])
		case actionRemove:
			removePath(updated, a.path)
		case actionAdd:
			err = addToPath(updated, a.path, values[i])
		case actionDelete:
			err = deleteFromPath(updated, a.path, values[i])
		}
		if err != nil {
			return nil, nil, err
		}
	}
	return updated, touched, nil
}

// parent resolves the container holding the last element of path.
func parent(it item, path docPath) (types.AttributeValue, error) {
	if len(path) == 1 {
		return &types.AttributeValueMemberM{Value: it}, nil
	}
	container, ok := path[:len(path)-1].resolve(it)
	if !ok {
		return nil, validation("The document path provided in the update expression is invalid for update")
	}
	return container, nil
}

func setPath(it item, path docPath, v types.AttributeValue) error {
	container, err := parent(it, path)
	if err != nil {
		return err
	}
	last := path[len(path)-1]
	switch c := container.(type) {
	case *types.AttributeValueMemberM:
		if last.list {
			break
		}
		c.Value[last.name] = v
		return nil
	case *types.AttributeValueMemberL:
		if !last.list {
			break
		}
		if last.index >= len(c.Value) {
			c.Value = append(c.Value, v)
		} else {
			c.Value[last.index] = v
		}
		return nil
	}
	return validation("The document path provided in the update expression is invalid for update")
}

func removePath(it item, path docPath) {
	container, err := parent(it, path)
	if err != nil {
		return
	}
	last := path[len(path)-1]
	switch c := container.(type) {
	case *types.AttributeValueMemberM:
		delete(c.Value, last.name)
	case *types.AttributeValueMemberL:
		if last.list && last.index < len(c.Value) {
			c.Value = slices.Delete(c.Value, last.index, last.index+1)
		}
	}
}

func addToPath(it item, path docPath, v types.AttributeValue) error {
	current, exists := path.resolve(it)
	if !exists {
		switch v.(type) {
		case *types.AttributeValueMemberN, *types.AttributeValueMemberSS, *types.AttributeValueMemberNS, *types.AttributeValueMemberBS:
			return setPath(it, path, v)
		}
		return validation("Invalid UpdateExpression: Incorrect operand type for operator or function; operator: ADD, operand type: " + typeName(v))
	}

	switch cur := current.(type) {
	case *types.AttributeValueMemberN:
		sum, err := arithmetic{op: "+", left: operandValue{literalOperand{cur}}, right: operandValue{literalOperand{v}}}.eval(nil)
		if err != nil {
			return err
		}
		return setPath(it, path, sum)
	case *types.AttributeValueMemberSS:
		if add, ok := v.(*types.AttributeValueMemberSS); ok {
			return setPath(it, path, &types.AttributeValueMemberSS{Value: union(cur.Value, add.Value)})
		}
	case *types.AttributeValueMemberNS:
		if add, ok := v.(*types.AttributeValueMemberNS); ok {
			return setPath(it, path, &types.AttributeValueMemberNS{Value: union(cur.Value, add.Value)})
		}
	}
	return validation(fmt.Sprintf("An operand in the update expression has an incorrect data type; ADD %s to %s",
		typeName(v), typeName(current)))
}

func deleteFromPath(it item, path docPath, v types.AttributeValue) error {
	current, exists := path.resolve(it)
	if !exists {
		return nil
	}
	var remaining []string
	switch cur := current.(type) {
	case *types.AttributeValueMemberSS:
		del, ok := v.(*types.AttributeValueMemberSS)
		if !ok {
			return validation("An operand in the update expression has an incorrect data type")
		}
		remaining = difference(cur.Value, del.Value)
		if len(remaining) > 0 {
			return setPath(it, path, &types.AttributeValueMemberSS{Value: remaining})
		}
	case *types.AttributeValueMemberNS:
		del, ok := v.(*types.AttributeValueMemberNS)
		if !ok {
			return validation("An operand in the update expression has an incorrect data type")
		}
		remaining = difference(cur.Value, del.Value)
		if len(remaining) > 0 {
			return setPath(it, path, &types.AttributeValueMemberNS{Value: remaining})
		}
	default:
		return validation("An operand in the update expression has an incorrect data type")
	}
	removePath(it, path)
	return nil
}

func union(a, b []string) []string {
	out := slices.Clone(a)
	for _, v := range b {
		if !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}

func difference(a, b []string) []string {
	var out []string
	for _, v := range a {
		if !slices.Contains(b, v) {
			out = append(out, v)
		}
	}
	return out
}
