package expr

import (
	"fmt"
	"strconv"
	"strings"
)

// parser is a minimal recursive-descent parser over the operator set listed
// in spec §4.4. Precedence, loosest to tightest: || , && , equality
// (==, !=), unary (!), primary (literals, calls, paths, parens).
type parser struct {
	input string
	pos   int
	ctx   Context
}

func (p *parser) skipSpace() {
	for p.pos < len(p.input) && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t') {
		p.pos++
	}
}

func (p *parser) peekRune() byte {
	if p.pos >= len(p.input) {
		return 0
	}
	return p.input[p.pos]
}

func (p *parser) consumeLiteral(lit string) bool {
	p.skipSpace()
	if strings.HasPrefix(p.input[p.pos:], lit) {
		p.pos += len(lit)
		return true
	}
	return false
}

func (p *parser) parseOr() (any, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		if p.consumeLiteral("||") {
			right, err := p.parseAnd()
			if err != nil {
				return nil, err
			}
			left = truthy(left) || truthy(right)
			continue
		}
		return left, nil
	}
}

func (p *parser) parseAnd() (any, error) {
	left, err := p.parseEquality()
	if err != nil {
		return nil, err
	}
	for {
		if p.consumeLiteral("&&") {
			right, err := p.parseEquality()
			if err != nil {
				return nil, err
			}
			left = truthy(left) && truthy(right)
			continue
		}
		return left, nil
	}
}

func (p *parser) parseEquality() (any, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.consumeLiteral("==") {
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return stringEqual(left, right), nil
	}
	if p.consumeLiteral("!=") {
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return !stringEqual(left, right), nil
	}
	return left, nil
}

func (p *parser) parseUnary() (any, error) {
	p.skipSpace()
	if p.peekRune() == '!' && !strings.HasPrefix(p.input[p.pos:], "!=") {
		p.pos++
		val, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return !truthy(val), nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (any, error) {
	p.skipSpace()
	if p.pos >= len(p.input) {
		return nil, fmt.Errorf("expr: unexpected end of input")
	}

	switch {
	case p.peekRune() == '(':
		p.pos++
		val, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		p.skipSpace()
		if p.peekRune() != ')' {
			return nil, fmt.Errorf("expr: expected ')' at %d", p.pos)
		}
		p.pos++
		return val, nil

	case p.peekRune() == '\'' || p.peekRune() == '"':
		return p.parseStringLiteral()

	case isDigit(p.peekRune()):
		return p.parseNumberLiteral()

	case strings.HasPrefix(p.input[p.pos:], "true"):
		p.pos += 4
		return true, nil

	case strings.HasPrefix(p.input[p.pos:], "false"):
		p.pos += 5
		return false, nil

	case strings.HasPrefix(p.input[p.pos:], "always("):
		p.pos += len("always(")
		p.expectRune(')')
		return true, nil

	case strings.HasPrefix(p.input[p.pos:], "cancelled("):
		p.pos += len("cancelled(")
		p.expectRune(')')
		return p.ctx.Cancelled, nil

	case strings.HasPrefix(p.input[p.pos:], "success("):
		p.pos += len("success(")
		p.expectRune(')')
		return successFn(p.ctx), nil

	case strings.HasPrefix(p.input[p.pos:], "failure("):
		p.pos += len("failure(")
		p.expectRune(')')
		return failureFn(p.ctx), nil

	case strings.HasPrefix(p.input[p.pos:], "contains("):
		return p.parseBinaryFunc("contains(", strings.Contains)

	case strings.HasPrefix(p.input[p.pos:], "startsWith("):
		return p.parseBinaryFunc("startsWith(", strings.HasPrefix)

	case strings.HasPrefix(p.input[p.pos:], "endsWith("):
		return p.parseBinaryFunc("endsWith(", strings.HasSuffix)

	case strings.HasPrefix(p.input[p.pos:], "hashFiles("):
		// Treated as a side-effectful call admitted as truthy in condition
		// context (spec §4.4).
		depth := 1
		p.pos += len("hashFiles(")
		for depth > 0 && p.pos < len(p.input) {
			if p.input[p.pos] == '(' {
				depth++
			} else if p.input[p.pos] == ')' {
				depth--
			}
			p.pos++
		}
		return true, nil

	default:
		return p.parsePath()
	}
}

func (p *parser) expectRune(r byte) {
	p.skipSpace()
	if p.peekRune() == r {
		p.pos++
	}
}

func (p *parser) parseBinaryFunc(prefix string, fn func(a, b string) bool) (any, error) {
	p.pos += len(prefix)
	a, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.peekRune() != ',' {
		return nil, fmt.Errorf("expr: expected ',' in function call at %d", p.pos)
	}
	p.pos++
	b, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.peekRune() != ')' {
		return nil, fmt.Errorf("expr: expected ')' at %d", p.pos)
	}
	p.pos++
	return fn(strings.ToLower(toStr(a)), strings.ToLower(toStr(b))), nil
}

func (p *parser) parseStringLiteral() (any, error) {
	quote := p.input[p.pos]
	p.pos++
	start := p.pos
	for p.pos < len(p.input) && p.input[p.pos] != quote {
		p.pos++
	}
	if p.pos >= len(p.input) {
		return nil, fmt.Errorf("expr: unterminated string literal")
	}
	s := p.input[start:p.pos]
	p.pos++
	return s, nil
}

func (p *parser) parseNumberLiteral() (any, error) {
	start := p.pos
	for p.pos < len(p.input) && (isDigit(p.input[p.pos]) || p.input[p.pos] == '.') {
		p.pos++
	}
	f, err := strconv.ParseFloat(p.input[start:p.pos], 64)
	if err != nil {
		return nil, fmt.Errorf("expr: invalid number literal %q", p.input[start:p.pos])
	}
	return f, nil
}

// parsePath parses a dotted path with optional bracket indexing, e.g.
// steps['foo'].outputs.bar or env.RUN_TESTS, and resolves it against ctx.
func (p *parser) parsePath() (any, error) {
	start := p.pos
	for p.pos < len(p.input) && isPathChar(p.input[p.pos]) {
		p.pos++
	}
	segments := []string{p.input[start:p.pos]}

	for {
		if p.peekRune() == '.' {
			p.pos++
			segStart := p.pos
			for p.pos < len(p.input) && isPathChar(p.input[p.pos]) {
				p.pos++
			}
			segments = append(segments, p.input[segStart:p.pos])
			continue
		}
		if p.peekRune() == '[' {
			p.pos++
			val, err := p.parseStringLiteral()
			if err != nil {
				return nil, err
			}
			p.skipSpace()
			if p.peekRune() != ']' {
				return nil, fmt.Errorf("expr: expected ']' at %d", p.pos)
			}
			p.pos++
			segments = append(segments, toStr(val))
			continue
		}
		break
	}

	if len(segments) == 0 || segments[0] == "" {
		return nil, fmt.Errorf("expr: expected a value at %d", p.pos)
	}

	return lookup(p.ctx.Namespaces, segments), nil
}

// lookup walks segments through nested map[string]any, returning nil if any
// segment is missing (spec §4.4 dotted path lookup).
func lookup(root map[string]any, segments []string) any {
	var cur any = root
	for _, seg := range segments {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[seg]
	}
	return cur
}

func stringEqual(a, b any) bool {
	return strings.EqualFold(toStr(a), toStr(b))
}

func toStr(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	case float64:
		return formatNumber(t)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

func isPathChar(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || isDigit(b)
}
