package variables

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Type is the declared type of a variable.
type Type string

const (
	TypeInteger Type = "integer"
	TypeFloat   Type = "float"
	TypeBoolean Type = "boolean"
	TypeString  Type = "string"
	TypeArray   Type = "array"
)

func (t Type) valid() bool {
	switch t {
	case TypeInteger, TypeFloat, TypeBoolean, TypeString, TypeArray:
		return true
	}
	return false
}

// Numeric reports whether the type holds numbers.
func (t Type) Numeric() bool { return t == TypeInteger || t == TypeFloat }

// Actor is a party allowed to write a variable.
type Actor string

const (
	ActorUser   Actor = "user"
	ActorAPI    Actor = "api"
	ActorEngine Actor = "engine"
)

func (a Actor) valid() bool {
	return a == ActorUser || a == ActorAPI || a == ActorEngine
}

// Tag is a semantic label attached to a variable.
type Tag string

const (
	TagScore       Tag = "score"
	TagLeaderboard Tag = "leaderboard"
	TagUserInput   Tag = "user_input"
	TagAPIData     Tag = "api_data"
	TagPrivate     Tag = "private"
	TagPublic      Tag = "public"
	TagImmutable   Tag = "immutable"
	TagSafeForAPI  Tag = "safe_for_api"
	TagUntrusted   Tag = "untrusted"
)

// Constraints restrict the values a variable may hold. Fields apply only to the
// types they make sense for.
type Constraints struct {
	Min       *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max       *float64 `json:"max,omitempty" yaml:"max,omitempty"`
	MaxLength *int     `json:"max_length,omitempty" yaml:"max_length,omitempty"`
	Pattern   string   `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Enum      []any    `json:"enum,omitempty" yaml:"enum,omitempty"`
	MaxItems  *int     `json:"max_items,omitempty" yaml:"max_items,omitempty"`
	ItemType  Type     `json:"item_type,omitempty" yaml:"item_type,omitempty"`
}

// Definition is a variable as written by the quiz author.
type Definition struct {
	Name        string      `json:"-" yaml:"-"`
	Type        Type        `json:"type" yaml:"type"`
	Default     any         `json:"default" yaml:"default"`
	MutableBy   []Actor     `json:"mutable_by" yaml:"mutable_by"`
	Tags        []Tag       `json:"tags,omitempty" yaml:"tags,omitempty"`
	Constraints Constraints `json:"constraints,omitempty" yaml:"constraints,omitempty"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
}

// Variable is a compiled definition: implied tags resolved, pattern compiled,
// enum and default coerced.
type Variable struct {
	def     Definition
	tags    map[Tag]struct{}
	mutable map[Actor]struct{}
	pattern *regexp.Regexp
	enum    []Value
	initial Value
}

func (v *Variable) Name() string { return v.def.Name }
func (v *Variable) Type() Type { return v.def.Type }
func (v *Variable) Default() Value { return v.initial }
func (v *Variable) HasEnum() bool { return len(v.enum) > 0 }
func (v *Variable) Definition() Definition { return v.def }

func (v *Variable) HasTag(t Tag) bool {
	_, ok := v.tags[t]
	return ok
}

// Tags returns the effective tags, sorted.
func (v *Variable) Tags() []Tag {
	out := make([]Tag, 0, len(v.tags))
	for t := range v.tags {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// MutableBy reports whether actor may write this variable.
func (v *Variable) MutableBy(actor Actor) bool {
	_, ok := v.mutable[actor]
	return ok
}

// SafeForAPI reports whether the value may be interpolated into an outbound request.
func (v *Variable) SafeForAPI() bool {
	return v.HasTag(TagSafeForAPI) && (!v.HasTag(TagUntrusted) || v.HasEnum())
}

// Schema is the ordered set of compiled variables of one quiz.
type Schema struct {
	order       []string
	vars        map[string]*Variable
	leaderboard string
}

// NewSchema compiles definitions in declaration order. It reports every
// problem it finds rather than stopping at the first.
func NewSchema(defs []Definition) (*Schema, error) {
	s := &Schema{vars: make(map[string]*Variable, len(defs))}
	var problems []string
	for _, d := range defs {
		v, errs := compileDefinition(d)
		if _, dup := s.vars[d.Name]; dup {
			errs = append(errs, "duplicate variable")
		}
		for _, e := range errs {
			problems = append(problems, fmt.Sprintf("variable %q: %s", d.Name, e))
		}
		if len(errs) > 0 {
			continue
		}
		s.order = append(s.order, d.Name)
		s.vars[d.Name] = v
		if v.HasTag(TagLeaderboard) {
			if s.leaderboard != "" {
				problems = append(problems, fmt.Sprintf("variable %q: only one leaderboard variable allowed (already %q)", d.Name, s.leaderboard))
				continue
			}
			s.leaderboard = d.Name
		}
	}
	if len(problems) > 0 {
		return nil, &SchemaError{Problems: problems}
	}
	return s, nil
}

// SchemaError lists every problem found while compiling definitions.
type SchemaError struct {
	Problems []string
}

func (e *SchemaError) Error() string {
	return "invalid variable definitions: " + strings.Join(e.Problems, "; ")
}

func (s *Schema) Lookup(name string) (*Variable, bool) {
	v, ok := s.vars[name]
	return v, ok
}

func (s *Schema) Has(name string) bool {
	_, ok := s.vars[name]
	return ok
}

// Names returns variable names in declaration order.
func (s *Schema) Names() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Leaderboard returns the name of the leaderboard variable, if any.
func (s *Schema) Leaderboard() (string, bool) {
	return s.leaderboard, s.leaderboard != ""
}

func compileDefinition(d Definition) (*Variable, []string) {
	var errs []string
	if !validName(d.Name) {
		errs = append(errs, "invalid name")
	}
	if !d.Type.valid() {
		return nil, append(errs, fmt.Sprintf("unknown type %q", d.Type))
	}
	if d.Type == TypeArray && d.Constraints.ItemType != "" {
		if !d.Constraints.ItemType.valid() || d.Constraints.ItemType == TypeArray {
			errs = append(errs, fmt.Sprintf("unsupported item type %q", d.Constraints.ItemType))
		}
	}

	v := &Variable{
		def:     d,
		tags:    make(map[Tag]struct{}),
		mutable: make(map[Actor]struct{}),
	}
	for _, a := range d.MutableBy {
		if !a.valid() {
			errs = append(errs, fmt.Sprintf("unknown actor %q", a))
			continue
		}
		v.mutable[a] = struct{}{}
	}
	for _, t := range d.Tags {
		v.tags[t] = struct{}{}
	}

	if d.Constraints.Pattern != "" {
		re, err := regexp.Compile(d.Constraints.Pattern)
		if err != nil {
			errs = append(errs, fmt.Sprintf("invalid pattern: %v", err))
		} else {
			v.pattern = re
		}
	}
	enumType := d.Type
	if d.Type == TypeArray {
		enumType = d.Constraints.ItemType
	}
	if len(d.Constraints.Enum) > 0 && (enumType == "" || enumType == TypeBoolean) {
		errs = append(errs, "enum requires a string or numeric type")
		d.Constraints.Enum = nil
	}
	for _, raw := range d.Constraints.Enum {
		ev, err := coerce(raw, enumType, "")
		if err != nil {
			errs = append(errs, fmt.Sprintf("enum value %v: %v", raw, err))
			continue
		}
		v.enum = append(v.enum, ev)
	}
	if len(errs) > 0 {
		return nil, errs
	}

	applyImpliedTags(v)
	if v.HasTag(TagUntrusted) && v.HasTag(TagSafeForAPI) && !v.HasEnum() {
		errs = append(errs, "untrusted variable cannot be safe_for_api without an enum constraint")
	}
	if v.HasTag(TagPublic) && v.HasTag(TagPrivate) {
		errs = append(errs, "variable cannot be both public and private")
	}
	if v.HasTag(TagScore) && !d.Type.Numeric() {
		errs = append(errs, "score variables must be numeric")
	}

	initial, err := v.admit(d.Default)
	if err != nil {
		errs = append(errs, fmt.Sprintf("default: %v", err))
	}
	v.initial = initial
	if len(errs) > 0 {
		return nil, errs
	}
	return v, nil
}

// applyImpliedTags resolves derived tags once at load time.
func applyImpliedTags(v *Variable) {
	add := func(t Tag) { v.tags[t] = struct{}{} }
	if v.HasTag(TagLeaderboard) {
		add(TagScore)
	}
	if v.HasTag(TagScore) {
		add(TagPublic)
	}
	if len(v.mutable) == 0 {
		add(TagImmutable)
	}
	if v.MutableBy(ActorAPI) {
		add(TagAPIData)
	}
	if v.MutableBy(ActorUser) {
		add(TagUserInput)
	}
	freeText := (v.def.Type == TypeString || v.def.Type == TypeArray) && !v.HasEnum()
	if v.HasTag(TagUserInput) && freeText {
		add(TagUntrusted)
	}
	if v.HasTag(TagUntrusted) {
		if v.HasEnum() {
			add(TagSafeForAPI)
		}
		return
	}
	switch {
	case v.def.Type.Numeric(), v.def.Type == TypeBoolean:
		add(TagSafeForAPI)
	case v.def.Type == TypeString && v.HasEnum():
		add(TagSafeForAPI)
	}
}

func validName(name string) bool {
	if name == "" || len(name) > 64 {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return !reservedNames[name]
}

// reservedNames are the bindings and keywords of the expression language.
var reservedNames = map[string]bool{
	"answer": true, "api": true, "variables": true,
	"true": true, "false": true, "null": true,
	"True": true, "False": true, "None": true,
	"and": true, "or": true, "not": true, "in": true, "is": true,
	"if": true, "else": true, "for": true, "lambda": true,
}
