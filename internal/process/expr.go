package process

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// EvalCondition evaluates a gateway condition against instance variables.
// The grammar is deliberately small and side-effect free:
//
//	expr    := orExpr
//	orExpr  := andExpr { "||" andExpr }
//	andExpr := cmp { "&&" cmp }
//	cmp     := "(" expr ")" | "!" cmp | operand [ op operand ]
//	op      := "==" | "!=" | "<=" | ">=" | "<" | ">"
//	operand := name | number | string | true | false
//
// Comparisons against undefined names are false; a bare name is truthy when
// the variable is a true boolean. Parse errors fail loudly at Build time via
// CheckCondition, never at evaluation time.
func EvalCondition(expr string, vars map[string]any) bool {
	p := &condParser{input: expr, vars: vars}
	result, err := p.parseOr()
	if err != nil || !p.atEnd() {
		return false
	}

	return result
}

// CheckCondition parses the expression without evaluating it, so builders
// can reject malformed conditions up front.
func CheckCondition(expr string) error {
	p := &condParser{input: expr, vars: map[string]any{}}
	if _, err := p.parseOr(); err != nil {
		return err
	}
	if !p.atEnd() {
		return fmt.Errorf("unexpected trailing input at offset %d",
			p.pos)
	}

	return nil
}

// condParser is a recursive-descent parser that evaluates as it parses.
type condParser struct {
	input string
	pos   int
	vars  map[string]any
}

func (p *condParser) skipSpace() {
	for p.pos < len(p.input) && p.input[p.pos] == ' ' {
		p.pos++
	}
}

func (p *condParser) atEnd() bool {
	p.skipSpace()
	return p.pos >= len(p.input)
}

func (p *condParser) consume(tok string) bool {
	p.skipSpace()
	if strings.HasPrefix(p.input[p.pos:], tok) {
		p.pos += len(tok)
		return true
	}

	return false
}

func (p *condParser) parseOr() (bool, error) {
	result, err := p.parseAnd()
	if err != nil {
		return false, err
	}
	for p.consume("||") {
		rhs, err := p.parseAnd()
		if err != nil {
			return false, err
		}
		result = result || rhs
	}

	return result, nil
}

func (p *condParser) parseAnd() (bool, error) {
	result, err := p.parseCmp()
	if err != nil {
		return false, err
	}
	for {
		p.skipSpace()
		// Don't eat the first bar of "||".
		if !strings.HasPrefix(p.input[p.pos:], "&&") {
			return result, nil
		}
		p.pos += 2

		rhs, err := p.parseCmp()
		if err != nil {
			return false, err
		}
		result = result && rhs
	}
}

func (p *condParser) parseCmp() (bool, error) {
	p.skipSpace()
	if p.consume("(") {
		result, err := p.parseOr()
		if err != nil {
			return false, err
		}
		if !p.consume(")") {
			return false, fmt.Errorf("missing ) at offset %d",
				p.pos)
		}

		return result, nil
	}
	if p.consume("!") {
		result, err := p.parseCmp()
		return !result, err
	}

	left, leftOK, err := p.parseOperand()
	if err != nil {
		return false, err
	}

	op := p.parseOp()
	if op == "" {
		// A bare operand: truthy only for a defined boolean true.
		b, isBool := left.(bool)
		return leftOK && isBool && b, nil
	}

	right, rightOK, err := p.parseOperand()
	if err != nil {
		return false, err
	}

	// Undefined names make any comparison false.
	if !leftOK || !rightOK {
		return false, nil
	}

	return compare(left, right, op), nil
}

func (p *condParser) parseOp() string {
	for _, op := range []string{"==", "!=", "<=", ">=", "<", ">"} {
		if p.consume(op) {
			return op
		}
	}

	return ""
}

// parseOperand returns the operand value and whether it is defined.
func (p *condParser) parseOperand() (any, bool, error) {
	p.skipSpace()
	if p.pos >= len(p.input) {
		return nil, false, fmt.Errorf("unexpected end of expression")
	}

	c := p.input[p.pos]
	switch {
	case c == '\'' || c == '"':
		return p.parseString(c)

	case c == '-' || unicode.IsDigit(rune(c)):
		return p.parseNumber()

	case unicode.IsLetter(rune(c)) || c == '_':
		return p.parseName()

	default:
		return nil, false, fmt.Errorf("unexpected character %q at "+
			"offset %d", c, p.pos)
	}
}

func (p *condParser) parseString(quote byte) (any, bool, error) {
	end := strings.IndexByte(p.input[p.pos+1:], quote)
	if end < 0 {
		return nil, false, fmt.Errorf("unterminated string at "+
			"offset %d", p.pos)
	}
	s := p.input[p.pos+1 : p.pos+1+end]
	p.pos += end + 2

	return s, true, nil
}

func (p *condParser) parseNumber() (any, bool, error) {
	start := p.pos
	if p.input[p.pos] == '-' {
		p.pos++
	}
	for p.pos < len(p.input) &&
		(unicode.IsDigit(rune(p.input[p.pos])) ||
			p.input[p.pos] == '.') {

		p.pos++
	}

	f, err := strconv.ParseFloat(p.input[start:p.pos], 64)
	if err != nil {
		return nil, false, fmt.Errorf("bad number at offset %d",
			start)
	}

	return f, true, nil
}

func (p *condParser) parseName() (any, bool, error) {
	start := p.pos
	for p.pos < len(p.input) {
		c := rune(p.input[p.pos])
		if !unicode.IsLetter(c) && !unicode.IsDigit(c) && c != '_' &&
			c != '.' {

			break
		}
		p.pos++
	}
	name := p.input[start:p.pos]

	switch name {
	case "true":
		return true, true, nil
	case "false":
		return false, true, nil
	}

	val, ok := lookupVar(p.vars, name)

	return val, ok, nil
}

// lookupVar resolves a possibly dotted name against nested variable maps.
func lookupVar(vars map[string]any, name string) (any, bool) {
	parts := strings.Split(name, ".")
	var cur any = vars
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}

	return cur, true
}

// compare applies op across JSON-ish scalar types. Mismatched types compare
// unequal and are never ordered.
func compare(left, right any, op string) bool {
	lf, lNum := toFloat(left)
	rf, rNum := toFloat(right)
	if lNum && rNum {
		switch op {
		case "==":
			return lf == rf
		case "!=":
			return lf != rf
		case "<":
			return lf < rf
		case "<=":
			return lf <= rf
		case ">":
			return lf > rf
		case ">=":
			return lf >= rf
		}
		return false
	}

	ls, lStr := left.(string)
	rs, rStr := right.(string)
	if lStr && rStr {
		switch op {
		case "==":
			return ls == rs
		case "!=":
			return ls != rs
		case "<":
			return ls < rs
		case "<=":
			return ls <= rs
		case ">":
			return ls > rs
		case ">=":
			return ls >= rs
		}
		return false
	}

	lb, lBool := left.(bool)
	rb, rBool := right.(bool)
	if lBool && rBool {
		switch op {
		case "==":
			return lb == rb
		case "!=":
			return lb != rb
		}
		return false
	}

	// Mixed types: only equality operators are meaningful.
	switch op {
	case "==":
		return false
	case "!=":
		return true
	}

	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
