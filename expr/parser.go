package expr

import (
	"fmt"
	"strconv"

	scxml "github.com/agentflare-ai/scxml-go"
)

// infixOps is the operator set of the grammar. `!=` is listed among the
// equality operators in the language documentation but missing from its
// BNF; it is accepted here as the inverse of `==`. `&` and `|` are logical
// Boolean operators.
var infixOps = map[string]bool{
	"+": true, "-": true, "*": true, "/": true, ":": true, "%": true,
	"==": true, "!=": true, "<": true, "<=": true, ">": true, ">=": true,
	"&": true, "|": true,
}

type parser struct {
	lex  lexer
	tok  token
	peek *token
}

// Parse parses an expression list: one or more expressions separated by
// semicolons.
func Parse(src string) ([]Node, error) {
	p := &parser{lex: lexer{src: src}}
	if err := p.advance(); err != nil {
		return nil, err
	}
	var list []Node
	for {
		if p.tok.kind == tokenEOF {
			break
		}
		n, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		list = append(list, n)
		if p.tok.kind == tokenPunct && p.tok.text == ";" {
			if err := p.advance(); err != nil {
				return nil, err
			}
			continue
		}
		break
	}
	if p.tok.kind != tokenEOF {
		return nil, fmt.Errorf("unexpected %s", p.tok)
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("empty expression")
	}
	return list, nil
}

// ParseSingle parses exactly one expression.
func ParseSingle(src string) (Node, error) {
	list, err := Parse(src)
	if err != nil {
		return nil, err
	}
	if len(list) != 1 {
		return nil, fmt.Errorf("expected a single expression, got %d", len(list))
	}
	return list[0], nil
}

func (p *parser) advance() error {
	if p.peek != nil {
		p.tok = *p.peek
		p.peek = nil
		return nil
	}
	t, err := p.lex.next()
	if err != nil {
		return err
	}
	p.tok = t
	return nil
}

func (p *parser) peekToken() (token, error) {
	if p.peek == nil {
		t, err := p.lex.next()
		if err != nil {
			return token{}, err
		}
		p.peek = &t
	}
	return *p.peek, nil
}

func (p *parser) isPunct(text string) bool {
	return p.tok.kind == tokenPunct && p.tok.text == text
}

func (p *parser) expectPunct(text string) error {
	if !p.isPunct(text) {
		return fmt.Errorf("expected %q, found %s", text, p.tok)
	}
	return p.advance()
}

// parseExpression handles assignment, which is right-associative and
// binds loosest.
func (p *parser) parseExpression() (Node, error) {
	left, err := p.parseInfix()
	if err != nil {
		return nil, err
	}
	if p.isPunct("=") || p.isPunct("?=") {
		op := p.tok.text
		if !isAssignable(left) {
			return nil, fmt.Errorf("left side of %s is not assignable", op)
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		val, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		return &Assign{Target: left, Op: op, Val: val}, nil
	}
	return left, nil
}

func isAssignable(n Node) bool {
	switch n.(type) {
	case *Ident, *Member, *Index:
		return true
	}
	return false
}

// parseInfix folds the single-precedence, left-associative operator level.
func (p *parser) parseInfix() (Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokenPunct && infixOps[p.tok.text] {
		op := p.tok.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: op, L: left, R: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (Node, error) {
	if p.isPunct("!") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &Unary{Op: "!", X: x}, nil
	}
	if p.isPunct("-") {
		// Negative literals: fold the sign into the number so that the
		// rendered form of a negative value parses back.
		next, err := p.peekToken()
		if err != nil {
			return nil, err
		}
		if next.kind == tokenInt || next.kind == tokenDouble {
			if err := p.advance(); err != nil {
				return nil, err
			}
			lit, err := p.parseNumber(true)
			if err != nil {
				return nil, err
			}
			return p.parsePostfix(lit)
		}
	}
	return p.parsePostfixFromPrimary()
}

func (p *parser) parsePostfixFromPrimary() (Node, error) {
	primary, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	return p.parsePostfix(primary)
}

// parsePostfix applies the postfix chain: .ident, .method(args), [index].
func (p *parser) parsePostfix(x Node) (Node, error) {
	for {
		switch {
		case p.isPunct("."):
			if err := p.advance(); err != nil {
				return nil, err
			}
			if p.tok.kind != tokenIdent {
				return nil, fmt.Errorf("expected member name, found %s", p.tok)
			}
			name := p.tok.text
			if err := p.advance(); err != nil {
				return nil, err
			}
			if p.isPunct("(") {
				args, err := p.parseArgs()
				if err != nil {
					return nil, err
				}
				x = &Call{X: x, Name: name, Args: args}
			} else {
				x = &Member{X: x, Name: name}
			}
		case p.isPunct("["):
			if err := p.advance(); err != nil {
				return nil, err
			}
			idx, err := p.parseExpression()
			if err != nil {
				return nil, err
			}
			if err := p.expectPunct("]"); err != nil {
				return nil, err
			}
			x = &Index{X: x, I: idx}
		default:
			return x, nil
		}
	}
}

// parseArgs consumes "(" args ")" with the opening paren current.
func (p *parser) parseArgs() ([]Node, error) {
	if err := p.expectPunct("("); err != nil {
		return nil, err
	}
	var args []Node
	if p.isPunct(")") {
		return args, p.advance()
	}
	for {
		a, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		args = append(args, a)
		if p.isPunct(",") {
			if err := p.advance(); err != nil {
				return nil, err
			}
			continue
		}
		break
	}
	return args, p.expectPunct(")")
}

func (p *parser) parseNumber(negative bool) (Node, error) {
	text := p.tok.text
	kind := p.tok.kind
	if err := p.advance(); err != nil {
		return nil, err
	}
	if negative {
		text = "-" + text
	}
	if kind == tokenInt {
		i, err := strconv.ParseInt(text, 10, 64)
		if err == nil {
			return &Literal{Val: scxml.NewInt(i)}, nil
		}
		// Out of int64 range: fall through to Double like JSON readers do.
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid number %q", text)
	}
	return &Literal{Val: scxml.NewDouble(f)}, nil
}

func (p *parser) parsePrimary() (Node, error) {
	switch p.tok.kind {
	case tokenInt, tokenDouble:
		return p.parseNumber(false)

	case tokenString:
		v := scxml.NewString(p.tok.text)
		return &Literal{Val: v}, p.advance()

	case tokenIdent:
		name := p.tok.text
		switch name {
		case "true":
			return &Literal{Val: scxml.NewBool(true)}, p.advance()
		case "false":
			return &Literal{Val: scxml.NewBool(false)}, p.advance()
		case "null":
			return &Literal{Val: scxml.Null}, p.advance()
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.isPunct("(") {
			args, err := p.parseArgs()
			if err != nil {
				return nil, err
			}
			return &Call{Name: name, Args: args}, nil
		}
		return &Ident{Name: name}, nil

	case tokenPunct:
		switch p.tok.text {
		case "(":
			if err := p.advance(); err != nil {
				return nil, err
			}
			inner, err := p.parseExpression()
			if err != nil {
				return nil, err
			}
			return inner, p.expectPunct(")")
		case "[":
			return p.parseArrayLit()
		case "{":
			return p.parseMapLit()
		}
	}
	return nil, fmt.Errorf("unexpected %s", p.tok)
}

func (p *parser) parseArrayLit() (Node, error) {
	if err := p.advance(); err != nil { // consume "["
		return nil, err
	}
	lit := &ArrayLit{}
	if p.isPunct("]") {
		return lit, p.advance()
	}
	for {
		e, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		lit.Elems = append(lit.Elems, e)
		if p.isPunct(",") {
			if err := p.advance(); err != nil {
				return nil, err
			}
			continue
		}
		break
	}
	return lit, p.expectPunct("]")
}

func (p *parser) parseMapLit() (Node, error) {
	if err := p.advance(); err != nil { // consume "{"
		return nil, err
	}
	lit := &MapLit{}
	if p.isPunct("}") {
		return lit, p.advance()
	}
	for {
		if p.tok.kind != tokenString && p.tok.kind != tokenIdent {
			return nil, fmt.Errorf("expected map key, found %s", p.tok)
		}
		key := p.tok.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		if err := p.expectPunct(":"); err != nil {
			return nil, err
		}
		val, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		lit.Keys = append(lit.Keys, key)
		lit.Vals = append(lit.Vals, val)
		if p.isPunct(",") {
			if err := p.advance(); err != nil {
				return nil, err
			}
			continue
		}
		break
	}
	return lit, p.expectPunct("}")
}
