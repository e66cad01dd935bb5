package workflow

import (
	"fmt"
	"strings"
	"unicode"
)

// PredicateInput is the task-side view a When expression evaluates over.
type PredicateInput struct {
	Role     string
	Team     string
	Priority string
	Agent    string
	Workflow string
	Tags     []string
}

func (in PredicateInput) field(name string) (string, bool) {
	switch name {
	case "role":
		return in.Role, true
	case "team":
		return in.Team, true
	case "priority":
		return in.Priority, true
	case "agent":
		return in.Agent, true
	case "workflow":
		return in.Workflow, true
	}
	return "", false
}

func (in PredicateInput) hasTag(tag string) bool {
	for _, t := range in.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Predicate evaluates a compiled When expression against a task.
type Predicate func(PredicateInput) bool

// ParsePredicate compiles a When expression:
//
//	expr    := or
//	or      := and { "||" and }
//	and     := unary { "&&" unary }
//	unary   := [ "!" ] primary
//	primary := ident | ident "==" value | ident "!=" value
//	        | "tags." name | "(" expr ")"
//
// Identifiers are role, team, priority, agent and workflow; a bare
// identifier tests non-emptiness. Unknown identifiers evaluate to false.
// Values are bare words or quoted strings.
func ParsePredicate(expr string) (Predicate, error) {
	toks, err := lexWhen(expr)
	if err != nil {
		return nil, err
	}
	p := &whenParser{toks: toks}
	pred, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, fmt.Errorf("unexpected %q", p.peek().val)
	}
	return pred, nil
}

type tokKind int

const (
	tokEOF tokKind = iota
	tokIdent
	tokString
	tokAnd
	tokOr
	tokNot
	tokEq
	tokNe
	tokLParen
	tokRParen
)

type whenToken struct {
	kind tokKind
	val  string
}

func lexWhen(expr string) ([]whenToken, error) {
	var toks []whenToken
	runes := []rune(expr)
	i := 0
	for i < len(runes) {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			toks = append(toks, whenToken{tokLParen, "("})
			i++
		case r == ')':
			toks = append(toks, whenToken{tokRParen, ")"})
			i++
		case r == '&':
			if i+1 >= len(runes) || runes[i+1] != '&' {
				return nil, fmt.Errorf("expected && at offset %d", i)
			}
			toks = append(toks, whenToken{tokAnd, "&&"})
			i += 2
		case r == '|':
			if i+1 >= len(runes) || runes[i+1] != '|' {
				return nil, fmt.Errorf("expected || at offset %d", i)
			}
			toks = append(toks, whenToken{tokOr, "||"})
			i += 2
		case r == '!':
			if i+1 < len(runes) && runes[i+1] == '=' {
				toks = append(toks, whenToken{tokNe, "!="})
				i += 2
			} else {
				toks = append(toks, whenToken{tokNot, "!"})
				i++
			}
		case r == '=':
			if i+1 >= len(runes) || runes[i+1] != '=' {
				return nil, fmt.Errorf("expected == at offset %d", i)
			}
			toks = append(toks, whenToken{tokEq, "=="})
			i += 2
		case r == '"' || r == '\'':
			quote := r
			j := i + 1
			for j < len(runes) && runes[j] != quote {
				j++
			}
			if j >= len(runes) {
				return nil, fmt.Errorf("unterminated string at offset %d", i)
			}
			toks = append(toks, whenToken{tokString, string(runes[i+1 : j])})
			i = j + 1
		case unicode.IsLetter(r) || r == '_':
			j := i
			for j < len(runes) && (unicode.IsLetter(runes[j]) || unicode.IsDigit(runes[j]) ||
				runes[j] == '_' || runes[j] == '-' || runes[j] == '.') {
				j++
			}
			toks = append(toks, whenToken{tokIdent, string(runes[i:j])})
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q at offset %d", r, i)
		}
	}
	toks = append(toks, whenToken{tokEOF, ""})
	return toks, nil
}

type whenParser struct {
	toks []whenToken
	pos  int
}

func (p *whenParser) peek() whenToken { return p.toks[p.pos] }

func (p *whenParser) accept(kind tokKind) bool {
	if p.toks[p.pos].kind == kind {
		p.pos++
		return true
	}
	return false
}

func (p *whenParser) parseOr() (Predicate, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.accept(tokOr) {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		l, r := left, right
		left = func(in PredicateInput) bool { return l(in) || r(in) }
	}
	return left, nil
}

func (p *whenParser) parseAnd() (Predicate, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.accept(tokAnd) {
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		l, r := left, right
		left = func(in PredicateInput) bool { return l(in) && r(in) }
	}
	return left, nil
}

func (p *whenParser) parseUnary() (Predicate, error) {
	if p.accept(tokNot) {
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return func(in PredicateInput) bool { return !inner(in) }, nil
	}
	return p.parsePrimary()
}

func (p *whenParser) parsePrimary() (Predicate, error) {
	if p.accept(tokLParen) {
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if !p.accept(tokRParen) {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		return inner, nil
	}

	tok := p.peek()
	if tok.kind != tokIdent {
		return nil, fmt.Errorf("expected identifier, got %q", tok.val)
	}
	p.pos++

	if strings.HasPrefix(tok.val, "tags.") {
		tag := strings.TrimPrefix(tok.val, "tags.")
		if tag == "" {
			return nil, fmt.Errorf("tags. requires a tag name")
		}
		return func(in PredicateInput) bool { return in.hasTag(tag) }, nil
	}
	if tok.val == "tags" {
		return nil, fmt.Errorf("tags requires .name")
	}

	name := tok.val
	switch {
	case p.accept(tokEq):
		want, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		return func(in PredicateInput) bool {
			v, ok := in.field(name)
			return ok && v == want
		}, nil
	case p.accept(tokNe):
		want, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		return func(in PredicateInput) bool {
			v, ok := in.field(name)
			return ok && v != want
		}, nil
	default:
		return func(in PredicateInput) bool {
			v, ok := in.field(name)
			return ok && v != ""
		}, nil
	}
}

func (p *whenParser) parseValue() (string, error) {
	tok := p.peek()
	if tok.kind != tokString && tok.kind != tokIdent {
		return "", fmt.Errorf("expected value, got %q", tok.val)
	}
	p.pos++
	return tok.val, nil
}
