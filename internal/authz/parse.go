package authz

import (
	"fmt"
	"strconv"
	"strings"
)

// Parse compiles one rule expression into a predicate tree. Boolean
// structure uses and/&& and or/||, terms are comparisons between
// ctx.<attr>, row.<field> and literals, and parentheses group. There
// is no negation operator; rules invert by choosing the comparison.
func Parse(src string) (*Node, error) {
	p := &parser{scan: scanner{src: src}}
	if err := p.next(); err != nil {
		return nil, err
	}
	node, err := p.orExpr()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokEOF {
		return nil, p.errorf("unexpected %q after expression", p.tok.text)
	}
	return node, nil
}

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokNumber
	tokDot
	tokLParen
	tokRParen
	tokAnd // &&
	tokOr  // ||
	tokEq
	tokNe
	tokLt
	tokLe
	tokGt
	tokGe
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

type scanner struct {
	src string
	off int
}

func (s *scanner) scan() (token, error) {
	for s.off < len(s.src) && isSpace(s.src[s.off]) {
		s.off++
	}
	start := s.off
	if s.off >= len(s.src) {
		return token{kind: tokEOF, pos: start}, nil
	}
	c := s.src[s.off]
	switch {
	case isIdentStart(c):
		for s.off < len(s.src) && isIdentPart(s.src[s.off]) {
			s.off++
		}
		return token{kind: tokIdent, text: s.src[start:s.off], pos: start}, nil
	case c >= '0' && c <= '9' || c == '-':
		return s.scanNumber(start)
	case c == '"':
		return s.scanString(start)
	}
	two := ""
	if s.off+1 < len(s.src) {
		two = s.src[s.off : s.off+2]
	}
	switch two {
	case "&&":
		s.off += 2
		return token{kind: tokAnd, text: two, pos: start}, nil
	case "||":
		s.off += 2
		return token{kind: tokOr, text: two, pos: start}, nil
	case "==":
		s.off += 2
		return token{kind: tokEq, text: two, pos: start}, nil
	case "!=":
		s.off += 2
		return token{kind: tokNe, text: two, pos: start}, nil
	case "<=":
		s.off += 2
		return token{kind: tokLe, text: two, pos: start}, nil
	case ">=":
		s.off += 2
		return token{kind: tokGe, text: two, pos: start}, nil
	}
	s.off++
	switch c {
	case '.':
		return token{kind: tokDot, text: ".", pos: start}, nil
	case '(':
		return token{kind: tokLParen, text: "(", pos: start}, nil
	case ')':
		return token{kind: tokRParen, text: ")", pos: start}, nil
	case '<':
		return token{kind: tokLt, text: "<", pos: start}, nil
	case '>':
		return token{kind: tokGt, text: ">", pos: start}, nil
	}
	return token{}, fmt.Errorf("unexpected character %q at offset %d", string(c), start)
}

func (s *scanner) scanNumber(start int) (token, error) {
	if s.src[s.off] == '-' {
		s.off++
		if s.off >= len(s.src) || s.src[s.off] < '0' || s.src[s.off] > '9' {
			return token{}, fmt.Errorf("expected digit after %q at offset %d", "-", start)
		}
	}
	dot := false
	for s.off < len(s.src) {
		c := s.src[s.off]
		if c >= '0' && c <= '9' {
			s.off++
			continue
		}
		if c == '.' && !dot && s.off+1 < len(s.src) && s.src[s.off+1] >= '0' && s.src[s.off+1] <= '9' {
			dot = true
			s.off += 2
			continue
		}
		break
	}
	return token{kind: tokNumber, text: s.src[start:s.off], pos: start}, nil
}

func (s *scanner) scanString(start int) (token, error) {
	s.off++
	var b strings.Builder
	for s.off < len(s.src) {
		c := s.src[s.off]
		switch c {
		case '"':
			s.off++
			return token{kind: tokString, text: b.String(), pos: start}, nil
		case '\\':
			if s.off+1 >= len(s.src) {
				return token{}, fmt.Errorf("unterminated escape at offset %d", s.off)
			}
			esc := s.src[s.off+1]
			switch esc {
			case '"', '\\':
				b.WriteByte(esc)
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			default:
				return token{}, fmt.Errorf("unsupported escape %q at offset %d", string(esc), s.off)
			}
			s.off += 2
		default:
			b.WriteByte(c)
			s.off++
		}
	}
	return token{}, fmt.Errorf("unterminated string at offset %d", start)
}

func isSpace(c byte) bool      { return c == ' ' || c == '\t' || c == '\n' || c == '\r' }
func isIdentStart(c byte) bool { return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' }
func isIdentPart(c byte) bool  { return isIdentStart(c) || c >= '0' && c <= '9' }

type parser struct {
	scan scanner
	tok  token
}

func (p *parser) next() error {
	tok, err := p.scan.scan()
	if err != nil {
		return err
	}
	p.tok = tok
	return nil
}

func (p *parser) errorf(format string, args ...interface{}) error {
	return fmt.Errorf(format+" at offset %d", append(args, p.tok.pos)...)
}

// orExpr parses and-expressions joined by "or"/"||", flattening runs
// of the same connective into one node.
func (p *parser) orExpr() (*Node, error) {
	left, err := p.andExpr()
	if err != nil {
		return nil, err
	}
	children := []*Node{left}
	for p.tok.kind == tokOr || p.tok.kind == tokIdent && p.tok.text == "or" {
		if err := p.next(); err != nil {
			return nil, err
		}
		right, err := p.andExpr()
		if err != nil {
			return nil, err
		}
		children = append(children, right)
	}
	if len(children) == 1 {
		return left, nil
	}
	return &Node{Kind: NodeOr, Children: children}, nil
}

func (p *parser) andExpr() (*Node, error) {
	left, err := p.term()
	if err != nil {
		return nil, err
	}
	children := []*Node{left}
	for p.tok.kind == tokAnd || p.tok.kind == tokIdent && p.tok.text == "and" {
		if err := p.next(); err != nil {
			return nil, err
		}
		right, err := p.term()
		if err != nil {
			return nil, err
		}
		children = append(children, right)
	}
	if len(children) == 1 {
		return left, nil
	}
	return &Node{Kind: NodeAnd, Children: children}, nil
}

func (p *parser) term() (*Node, error) {
	if p.tok.kind == tokLParen {
		if err := p.next(); err != nil {
			return nil, err
		}
		node, err := p.orExpr()
		if err != nil {
			return nil, err
		}
		if p.tok.kind != tokRParen {
			return nil, p.errorf("expected closing parenthesis, found %q", p.tok.text)
		}
		if err := p.next(); err != nil {
			return nil, err
		}
		return node, nil
	}
	return p.comparison()
}

func (p *parser) comparison() (*Node, error) {
	left, err := p.operand()
	if err != nil {
		return nil, err
	}
	var op CompareOp
	switch p.tok.kind {
	case tokEq:
		op = OpEq
	case tokNe:
		op = OpNe
	case tokLt:
		op = OpLt
	case tokLe:
		op = OpLe
	case tokGt:
		op = OpGt
	case tokGe:
		op = OpGe
	default:
		return nil, p.errorf("expected comparison operator, found %q", p.tok.text)
	}
	if err := p.next(); err != nil {
		return nil, err
	}
	right, err := p.operand()
	if err != nil {
		return nil, err
	}
	return &Node{Kind: NodeCompare, Op: op, Left: left, Right: right}, nil
}

func (p *parser) operand() (*Operand, error) {
	switch p.tok.kind {
	case tokIdent:
		switch p.tok.text {
		case "ctx", "row":
			return p.reference(p.tok.text)
		case "true", "false":
			v := p.tok.text == "true"
			if err := p.next(); err != nil {
				return nil, err
			}
			return &Operand{Lit: &Literal{Bool: &v}}, nil
		case "null":
			if err := p.next(); err != nil {
				return nil, err
			}
			return &Operand{Lit: &Literal{Null: true}}, nil
		}
		return nil, p.errorf("unexpected identifier %q, references start with ctx. or row.", p.tok.text)
	case tokString:
		v := p.tok.text
		if err := p.next(); err != nil {
			return nil, err
		}
		return &Operand{Lit: &Literal{Str: &v}}, nil
	case tokNumber:
		text := p.tok.text
		pos := p.tok.pos
		if err := p.next(); err != nil {
			return nil, err
		}
		if !strings.Contains(text, ".") {
			v, err := strconv.ParseInt(text, 10, 64)
			if err == nil {
				return &Operand{Lit: &Literal{Int: &v}}, nil
			}
		}
		v, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q at offset %d", text, pos)
		}
		return &Operand{Lit: &Literal{Float: &v}}, nil
	}
	return nil, p.errorf("expected operand, found %q", p.tok.text)
}

// reference parses the attribute part of a ctx.<name> or row.<name>
// operand, the scope keyword already consumed by the caller's peek.
func (p *parser) reference(scope string) (*Operand, error) {
	if err := p.next(); err != nil {
		return nil, err
	}
	if p.tok.kind != tokDot {
		return nil, p.errorf("expected %q after %s", ".", scope)
	}
	if err := p.next(); err != nil {
		return nil, err
	}
	if p.tok.kind != tokIdent {
		return nil, p.errorf("expected attribute name after %s., found %q", scope, p.tok.text)
	}
	name := p.tok.text
	if err := p.next(); err != nil {
		return nil, err
	}
	if scope == "ctx" {
		return &Operand{Ctx: name}, nil
	}
	return &Operand{Row: name}, nil
}
