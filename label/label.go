// Package label parses and evaluates agent label expressions such as
// "linux && (docker || podman) && !arm".
package label

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/samber/lo"
)

// Set is the set of label atoms an agent template advertises.
type Set map[string]struct{}

// NewSet builds a Set from whitespace separated atoms.
func NewSet(s string) Set {
	return lo.SliceToMap(strings.Fields(s), func(atom string) (string, struct{}) {
		return atom, struct{}{}
	})
}

func (s Set) Has(atom string) bool {
	_, ok := s[atom]
	return ok
}

// ValidAtom reports whether atom can be advertised by a template, that is
// whether it holds no expression operator.
func ValidAtom(atom string) bool {
	if atom == "" || strings.ContainsAny(atom, "!()\"'") {
		return false
	}
	return !lo.SomeBy([]string{"&&", "||", "->"}, func(op string) bool { return strings.Contains(atom, op) })
}

// Expr is a parsed label expression.
type Expr struct {
	root node
	src  string
}

// Parse parses a label expression. A blank input yields a nil Expr, which
// means no label was requested.
func Parse(s string) (*Expr, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}

	p := &parser{tokens: tokenize(s)}
	root, err := p.implies()
	if err != nil {
		return nil, fmt.Errorf("failed to parse label expression '%s': %w", s, err)
	}
	if !p.done() {
		return nil, fmt.Errorf("failed to parse label expression '%s': unexpected '%s'", s, p.peek())
	}
	return &Expr{root: root, src: strings.TrimSpace(s)}, nil
}

// MustParse is like Parse but panics on error.
func MustParse(s string) *Expr {
	return lo.Must(Parse(s))
}

// Matches reports whether the given set satisfies the expression.
// A nil expression matches everything.
func (e *Expr) Matches(set Set) bool {
	if e == nil {
		return true
	}
	return e.root.eval(set)
}

// Atoms returns every atom the expression references, in order of appearance.
func (e *Expr) Atoms() []string {
	if e == nil {
		return nil
	}
	var atoms []string
	e.root.atoms(&atoms)
	return lo.Uniq(atoms)
}

func (e *Expr) String() string {
	if e == nil {
		return ""
	}
	return e.src
}

type node interface {
	eval(Set) bool
	atoms(*[]string)
}

type atom string

func (a atom) eval(s Set) bool { return s.Has(string(a)) }
func (a atom) atoms(out *[]string) { *out = append(*out, string(a)) }

type not struct{ n node }

func (n not) eval(s Set) bool { return !n.n.eval(s) }
func (n not) atoms(out *[]string) { n.n.atoms(out) }

type binary struct {
	op          string
	left, right node
}

func (b binary) eval(s Set) bool {
	switch b.op {
	case "&&":
		return b.left.eval(s) && b.right.eval(s)
	case "||":
		return b.left.eval(s) || b.right.eval(s)
	case "->":
		return !b.left.eval(s) || b.right.eval(s)
	case "<->":
		return b.left.eval(s) == b.right.eval(s)
	}
	panic("unknown operator " + b.op)
}

func (b binary) atoms(out *[]string) {
	b.left.atoms(out)
	b.right.atoms(out)
}

var operators = []string{"<->", "->", "&&", "||", "!", "(", ")"}

func tokenize(s string) []string {
	var tokens []string
	var current strings.Builder
	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}

	for i := 0; i < len(s); {
		if unicode.IsSpace(rune(s[i])) {
			flush()
			i++
			continue
		}
		if s[i] == '"' {
			flush()
			end := strings.IndexByte(s[i+1:], '"')
			if end < 0 {
				tokens = append(tokens, s[i+1:])
				break
			}
			tokens = append(tokens, s[i+1:i+1+end])
			i += end + 2
			continue
		}
		if op, ok := lo.Find(operators, func(op string) bool { return strings.HasPrefix(s[i:], op) }); ok {
			flush()
			tokens = append(tokens, op)
			i += len(op)
			continue
		}
		current.WriteByte(s[i])
		i++
	}
	flush()
	return tokens
}

type parser struct {
	tokens []string
	pos    int
}

func (p *parser) done() bool { return p.pos >= len(p.tokens) }

func (p *parser) peek() string {
	if p.done() {
		return ""
	}
	return p.tokens[p.pos]
}

func (p *parser) accept(tok string) bool {
	if p.peek() == tok && !p.done() {
		p.pos++
		return true
	}
	return false
}

// Precedence, loosest first: <->, ->, ||, &&, !.
func (p *parser) implies() (node, error) {
	left, err := p.or()
	if err != nil {
		return nil, err
	}
	for {
		var op string
		switch {
		case p.accept("<->"):
			op = "<->"
		case p.accept("->"):
			op = "->"
		default:
			return left, nil
		}
		right, err := p.or()
		if err != nil {
			return nil, err
		}
		left = binary{op: op, left: left, right: right}
	}
}

func (p *parser) or() (node, error) {
	left, err := p.and()
	if err != nil {
		return nil, err
	}
	for p.accept("||") {
		right, err := p.and()
		if err != nil {
			return nil, err
		}
		left = binary{op: "||", left: left, right: right}
	}
	return left, nil
}

func (p *parser) and() (node, error) {
	left, err := p.unary()
	if err != nil {
		return nil, err
	}
	for p.accept("&&") {
		right, err := p.unary()
		if err != nil {
			return nil, err
		}
		left = binary{op: "&&", left: left, right: right}
	}
	return left, nil
}

func (p *parser) unary() (node, error) {
	if p.accept("!") {
		n, err := p.unary()
		if err != nil {
			return nil, err
		}
		return not{n}, nil
	}
	if p.accept("(") {
		n, err := p.implies()
		if err != nil {
			return nil, err
		}
		if !p.accept(")") {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		return n, nil
	}
	if p.done() {
		return nil, fmt.Errorf("unexpected end of expression")
	}
	tok := p.peek()
	if lo.Contains(operators, tok) {
		return nil, fmt.Errorf("unexpected '%s'", tok)
	}
	p.pos++
	return atom(tok), nil
}
