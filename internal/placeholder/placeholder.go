// Package placeholder expands {reference} templates in question text and
// outbound request fields.
//
// A reference is one of {answer}, {name}, {variables.name} or
// {api.integration[.path...]}. Braces that do not enclose a well formed
// reference are copied verbatim.
package placeholder

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"quizflow-service/internal/expr"
	"quizflow-service/internal/variables"
)

// ErrUnresolved is returned when a reference has no value.
var ErrUnresolved = errors.New("unresolved placeholder")

// Kind classifies a reference.
type Kind int

const (
	Variable Kind = iota
	Answer
	API
)

// Ref is one placeholder occurrence. Start and End are byte offsets of the
// braces in the template source.
type Ref struct {
	Kind Kind
	// Name is the variable name or the integration id.
	Name  string
	Path  []string
	Start int
	End   int
}

func (r Ref) String() string {
	switch r.Kind {
	case Answer:
		return "{answer}"
	case API:
		return "{" + strings.Join(append([]string{"api", r.Name}, r.Path...), ".") + "}"
	}
	return "{variables." + r.Name + "}"
}

type part struct {
	text string
	ref  *Ref
}

// Template is a parsed template string.
type Template struct {
	src   string
	parts []part
	refs  []Ref
}

// Parse splits src into literal text and references. "{{" is a literal brace.
func Parse(src string) *Template {
	t := &Template{src: src}
	lit := strings.Builder{}
	i := 0
	for i < len(src) {
		open := strings.IndexByte(src[i:], '{')
		if open < 0 {
			lit.WriteString(src[i:])
			break
		}
		open += i
		lit.WriteString(src[i:open])
		if strings.HasPrefix(src[open:], "{{") {
			lit.WriteByte('{')
			i = open + 2
			continue
		}
		close := strings.IndexByte(src[open+1:], '}')
		if close < 0 {
			lit.WriteString(src[open:])
			break
		}
		close += open + 1
		ref, ok := parseRef(src[open+1 : close])
		if !ok {
			// Not a reference; keep the brace and rescan after it.
			lit.WriteByte('{')
			i = open + 1
			continue
		}
		ref.Start, ref.End = open, close+1
		if lit.Len() > 0 {
			t.parts = append(t.parts, part{text: lit.String()})
			lit.Reset()
		}
		t.refs = append(t.refs, ref)
		r := ref
		t.parts = append(t.parts, part{ref: &r})
		i = close + 1
	}
	if lit.Len() > 0 {
		t.parts = append(t.parts, part{text: lit.String()})
	}
	return t
}

func parseRef(inner string) (Ref, bool) {
	inner = strings.TrimSpace(inner)
	if inner == "" {
		return Ref{}, false
	}
	segs := strings.Split(inner, ".")
	for _, s := range segs {
		if !validSegment(s) {
			return Ref{}, false
		}
	}
	switch segs[0] {
	case "answer":
		if len(segs) != 1 {
			return Ref{}, false
		}
		return Ref{Kind: Answer, Name: "answer"}, true
	case "variables":
		if len(segs) != 2 || !isIdent(segs[1]) {
			return Ref{}, false
		}
		return Ref{Kind: Variable, Name: segs[1]}, true
	case "api":
		if len(segs) < 2 || !isIdent(segs[1]) {
			return Ref{}, false
		}
		return Ref{Kind: API, Name: segs[1], Path: segs[2:]}, true
	}
	if len(segs) != 1 || !isIdent(segs[0]) {
		return Ref{}, false
	}
	return Ref{Kind: Variable, Name: segs[0]}, true
}

func validSegment(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r != '_' && r != '-' && !(r >= 'a' && r <= 'z') && !(r >= 'A' && r <= 'Z') && !(r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}

func isIdent(s string) bool {
	if !validSegment(s) || strings.Contains(s, "-") {
		return false
	}
	return s[0] < '0' || s[0] > '9'
}

// Source returns the template text.
func (t *Template) Source() string { return t.src }

// Refs returns every reference in order of appearance.
func (t *Template) Refs() []Ref { return t.refs }

// Static reports whether the template has no references.
func (t *Template) Static() bool { return len(t.refs) == 0 }

// Single reports whether the template is exactly one reference and nothing else.
func (t *Template) Single() bool {
	return len(t.parts) == 1 && t.parts[0].ref != nil
}

// Expand renders the template, passing each substituted value through escape.
// A reference without a value fails with ErrUnresolved.
func (t *Template) Expand(env expr.Env, escape func(string) string) (string, error) {
	var b strings.Builder
	for _, p := range t.parts {
		if p.ref == nil {
			b.WriteString(p.text)
			continue
		}
		v, ok := Resolve(*p.ref, env)
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrUnresolved, p.ref)
		}
		s := Text(v)
		if escape != nil {
			s = escape(s)
		}
		b.WriteString(s)
	}
	return b.String(), nil
}

// Display renders the template for a quiz taker. Unresolved references render empty.
func (t *Template) Display(env expr.Env) string {
	var b strings.Builder
	for _, p := range t.parts {
		if p.ref == nil {
			b.WriteString(p.text)
			continue
		}
		if v, ok := Resolve(*p.ref, env); ok {
			b.WriteString(Text(v))
		}
	}
	return b.String()
}

// Value renders a template as a JSON-compatible value. A single reference keeps
// the type of its value; anything else becomes a string.
func (t *Template) Value(env expr.Env) (any, error) {
	if !t.Single() {
		return t.Expand(env, nil)
	}
	v, ok := Resolve(*t.parts[0].ref, env)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnresolved, t.parts[0].ref)
	}
	if val, isVal := v.(variables.Value); isVal {
		return val.Interface(), nil
	}
	return v, nil
}

// Resolve looks up the value of a reference. Variables and the answer resolve
// to variables.Value; API references resolve to decoded JSON.
func Resolve(r Ref, env expr.Env) (any, bool) {
	switch r.Kind {
	case Answer:
		if env.Answer == nil {
			return nil, false
		}
		return *env.Answer, true
	case API:
		raw, ok := env.API[r.Name]
		if !ok {
			return nil, false
		}
		return expr.Walk(raw, r.Path)
	}
	if env.Vars == nil {
		return nil, false
	}
	v, ok := env.Vars.Lookup(r.Name)
	if !ok {
		return nil, false
	}
	return v, true
}

// Text formats a resolved value for substitution.
func Text(v any) string {
	switch t := v.(type) {
	case variables.Value:
		return t.Text()
	case string:
		return t
	case nil:
		return ""
	}
	if val, err := variables.FromAny(v); err == nil {
		return val.Text()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
