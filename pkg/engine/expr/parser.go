package expr

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// reserved names can never be bound, so expressions that mention them are
// rejected at compile time instead of failing lookups at run time.
var reserved = map[string]struct{}{
	"import": {}, "from": {}, "lambda": {}, "def": {}, "class": {},
	"exec": {}, "eval": {}, "compile": {}, "open": {}, "input": {},
	"globals": {}, "locals": {}, "vars": {}, "dir": {}, "type": {},
	"getattr": {}, "setattr": {}, "delattr": {}, "builtins": {},
	"os": {}, "sys": {}, "subprocess": {},
	"for": {}, "while": {}, "with": {}, "yield": {}, "return": {},
	"raise": {}, "try": {}, "except": {}, "del": {}, "global": {},
	"nonlocal": {}, "assert": {}, "async": {}, "await": {}, "is": {},
}

type parser struct {
	ctx         context.Context
	lex         *lexer
	cur         token
	peek        token
	identifiers []string
	seen        map[string]struct{}
}

func newParser(ctx context.Context, lex *lexer) *parser {
	p := &parser{ctx: ctx, lex: lex, seen: make(map[string]struct{})}
	p.nextToken()
	p.nextToken()
	return p
}

func (p *parser) nextToken() {
	p.cur = p.peek
	p.peek = p.lex.nextToken()
}

func (p *parser) parseExpression() (node, error) {
	return p.parseOr()
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}

	for p.cur.typ == tokenOr {
		p.nextToken()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &logicalExpr{op: tokenOr, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}

	for p.cur.typ == tokenAnd {
		p.nextToken()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &logicalExpr{op: tokenAnd, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (node, error) {
	if p.cur.typ == tokenNot {
		p.nextToken()
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &unaryExpr{op: tokenNot, operand: operand}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}

	for {
		switch p.cur.typ {
		case tokenEq, tokenNeq, tokenGt, tokenGte, tokenLt, tokenLte, tokenIn, tokenNotIn:
			op := p.cur.typ
			p.nextToken()
			right, err := p.parseAdditive()
			if err != nil {
				return nil, err
			}
			left = &binaryExpr{op: op, left: left, right: right}
		default:
			return left, nil
		}
	}
}

func (p *parser) parseAdditive() (node, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}

	for p.cur.typ == tokenPlus || p.cur.typ == tokenMinus {
		op := p.cur.typ
		p.nextToken()
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = &binaryExpr{op: op, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseMultiplicative() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}

	for p.cur.typ == tokenStar || p.cur.typ == tokenSlash || p.cur.typ == tokenPercent {
		op := p.cur.typ
		p.nextToken()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &binaryExpr{op: op, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	switch p.cur.typ {
	case tokenMinus, tokenPlus:
		op := p.cur.typ
		p.nextToken()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unaryExpr{op: op, operand: operand}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	if err := checkContext(p.ctx); err != nil {
		return nil, err
	}

	tok := p.cur
	switch tok.typ {
	case tokenIdentifier:
		if err := validateIdentifier(tok.literal); err != nil {
			return nil, err
		}
		p.nextToken()
		if p.cur.typ == tokenLParen || p.cur.typ == tokenLBracket {
			return nil, fmt.Errorf("%w: %s cannot be called or indexed", ErrDisallowed, tok.literal)
		}
		p.track(tok.literal)
		return &identifierExpr{name: tok.literal}, nil
	case tokenNumber:
		p.nextToken()
		value, err := strconv.ParseFloat(tok.literal, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid number %q", ErrSyntax, tok.literal)
		}
		return &literalExpr{value: value}, nil
	case tokenString:
		p.nextToken()
		return &literalExpr{value: tok.literal}, nil
	case tokenBool:
		p.nextToken()
		return &literalExpr{value: strings.EqualFold(tok.literal, "true")}, nil
	case tokenNull:
		p.nextToken()
		return &literalExpr{value: nil}, nil
	case tokenLParen:
		p.nextToken()
		exprNode, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		if err := p.expect(tokenRParen); err != nil {
			return nil, err
		}
		p.nextToken()
		return exprNode, nil
	case tokenLBracket:
		return p.parseList()
	case tokenIllegal:
		return nil, fmt.Errorf("%w: %s", ErrSyntax, tok.literal)
	default:
		return nil, fmt.Errorf("%w: unexpected token %q", ErrSyntax, tok.typ.String())
	}
}

func (p *parser) parseList() (node, error) {
	p.nextToken()
	list := &listExpr{}
	if p.cur.typ == tokenRBracket {
		p.nextToken()
		return list, nil
	}
	for {
		item, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		list.items = append(list.items, item)
		if p.cur.typ == tokenComma {
			p.nextToken()
			continue
		}
		if err := p.expect(tokenRBracket); err != nil {
			return nil, err
		}
		p.nextToken()
		return list, nil
	}
}

func (p *parser) expect(expected tokenType) error {
	if p.cur.typ == tokenIllegal {
		return fmt.Errorf("%w: %s", ErrSyntax, p.cur.literal)
	}
	if p.cur.typ != expected {
		return fmt.Errorf("%w: expected %s, got %s", ErrSyntax, expected.String(), p.cur.typ.String())
	}
	return nil
}

func (p *parser) track(name string) {
	if _, ok := p.seen[name]; ok {
		return
	}
	p.seen[name] = struct{}{}
	p.identifiers = append(p.identifiers, name)
}

func validateIdentifier(name string) error {
	segments := strings.Split(name, ".")
	for _, seg := range segments {
		if seg == "" {
			return fmt.Errorf("%w: malformed identifier %q", ErrSyntax, name)
		}
		if strings.Contains(seg, "__") {
			return fmt.Errorf("%w: %q", ErrDisallowed, name)
		}
	}
	if _, bad := reserved[segments[0]]; bad {
		return fmt.Errorf("%w: %q is reserved", ErrDisallowed, segments[0])
	}
	return nil
}
