package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"quizflow-service/internal/variables"
	"gopkg.in/yaml.v3"
)

// maxYAMLNodes bounds alias expansion when converting YAML documents.
const maxYAMLNodes = 1 << 18

// VariableDefs is the ordered "variables" object of a quiz document.
type VariableDefs []variables.Definition

func (v *VariableDefs) UnmarshalJSON(data []byte) error {
	entries, err := objectEntries(data)
	if err != nil {
		return fmt.Errorf("variables: %w", err)
	}
	defs := make(VariableDefs, 0, len(entries))
	for _, e := range entries {
		var d variables.Definition
		if err := decodeStrict(e.value, &d); err != nil {
			return fmt.Errorf("variable %q: %w", e.key, err)
		}
		d.Name = e.key
		defs = append(defs, d)
	}
	*v = defs
	return nil
}

func (v VariableDefs) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, d := range v {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeMember(&buf, d.Name, d); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Assignments is the ordered "update" object of an update rule.
type Assignments []Assignment

func (a *Assignments) UnmarshalJSON(data []byte) error {
	entries, err := objectEntries(data)
	if err != nil {
		return fmt.Errorf("update: %w", err)
	}
	out := make(Assignments, 0, len(entries))
	for _, e := range entries {
		var src any
		if err := decodeStrict(e.value, &src); err != nil {
			return fmt.Errorf("update %q: %w", e.key, err)
		}
		// Bare numbers and booleans are accepted as literal expressions.
		var expr string
		switch t := src.(type) {
		case string:
			expr = t
		case json.Number:
			expr = t.String()
		case bool:
			expr = fmt.Sprint(t)
		default:
			return fmt.Errorf("update %q: expected an expression string", e.key)
		}
		out = append(out, Assignment{Variable: e.key, Expression: expr})
	}
	*a = out
	return nil
}

func (a Assignments) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, as := range a {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeMember(&buf, as.Variable, as.Expression); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

type wireQuestion struct {
	Question
	ScoreUpdates []UpdateRule `json:"score_updates,omitempty"`
}

type wireDocument struct {
	ID           string                      `json:"id"`
	Metadata     Metadata                    `json:"metadata"`
	Variables    VariableDefs                `json:"variables"`
	Scores       legacyScores                `json:"scores"`
	Questions    []wireQuestion              `json:"questions"`
	Transitions  map[string][]TransitionRule `json:"transitions"`
	Integrations []APIIntegration            `json:"api_integrations"`
}

type legacyScore struct {
	name  string
	value json.Number
}

type legacyScores []legacyScore

func (l *legacyScores) UnmarshalJSON(data []byte) error {
	entries, err := objectEntries(data)
	if err != nil {
		return fmt.Errorf("scores: %w", err)
	}
	out := make(legacyScores, 0, len(entries))
	for _, e := range entries {
		var n json.Number
		if err := decodeStrict(e.value, &n); err != nil {
			return fmt.Errorf("score %q: expected a number", e.key)
		}
		out = append(out, legacyScore{name: e.key, value: n})
	}
	*l = out
	return nil
}

// ParseDocument decodes a quiz document in JSON or YAML. The legacy format with
// "scores" and "score_updates" is converted: each score becomes a number
// variable writable by the engine and tagged score.
//
// Parsing only checks shape; semantic validation happens when the quiz is compiled.
func ParseDocument(data []byte) (*QuizDefinition, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, &DefinitionError{Problems: []string{"empty document"}}
	}
	if trimmed[0] != '{' {
		converted, err := yamlToJSON(trimmed)
		if err != nil {
			return nil, &DefinitionError{Problems: []string{err.Error()}}
		}
		trimmed = converted
	}

	var doc wireDocument
	if err := decodeStrict(trimmed, &doc); err != nil {
		return nil, &DefinitionError{Problems: []string{err.Error()}}
	}

	def := &QuizDefinition{
		ID:           doc.ID,
		Metadata:     doc.Metadata,
		Variables:    doc.Variables,
		Transitions:  doc.Transitions,
		Integrations: doc.Integrations,
	}
	if def.Transitions == nil {
		def.Transitions = map[string][]TransitionRule{}
	}

	declared := make(map[string]bool, len(def.Variables))
	for _, d := range def.Variables {
		declared[d.Name] = true
	}
	var problems []string
	for _, s := range doc.Scores {
		if declared[s.name] {
			problems = append(problems, fmt.Sprintf("score %q is also declared as a variable", s.name))
			continue
		}
		declared[s.name] = true
		def.Variables = append(def.Variables, legacyVariable(s))
	}
	if len(problems) > 0 {
		return nil, &DefinitionError{Problems: problems}
	}

	def.Questions = make([]Question, 0, len(doc.Questions))
	for _, wq := range doc.Questions {
		q := wq.Question
		q.Updates = append(q.Updates, wq.ScoreUpdates...)
		def.Questions = append(def.Questions, q)
	}
	return def, nil
}

func legacyVariable(s legacyScore) variables.Definition {
	d := variables.Definition{
		Name:      s.name,
		Type:      variables.TypeFloat,
		Default:   s.value,
		MutableBy: []variables.Actor{variables.ActorEngine},
		Tags:      []variables.Tag{variables.TagScore},
	}
	if _, err := s.value.Int64(); err == nil {
		d.Type = variables.TypeInteger
	}
	return d
}

// Encode serializes a definition as JSON in the canonical document format.
func (q *QuizDefinition) Encode() ([]byte, error) {
	return json.Marshal(q)
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing data after document")
	}
	return nil
}

type entry struct {
	key   string
	value json.RawMessage
}

// objectEntries splits a JSON object into its members, in document order.
func objectEntries(data []byte) ([]entry, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if tok == nil {
		return nil, nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, errors.New("expected an object")
	}
	seen := make(map[string]bool)
	var out []entry
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key := tok.(string)
		if seen[key] {
			return nil, fmt.Errorf("duplicate key %q", key)
		}
		seen[key] = true
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, err
		}
		out = append(out, entry{key: key, value: raw})
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return out, nil
}

func writeMember(buf *bytes.Buffer, key string, value any) error {
	k, err := json.Marshal(key)
	if err != nil {
		return err
	}
	v, err := json.Marshal(value)
	if err != nil {
		return err
	}
	buf.Write(k)
	buf.WriteByte(':')
	buf.Write(v)
	return nil
}

// yamlToJSON re-encodes a YAML document as JSON, keeping mapping order.
func yamlToJSON(data []byte) ([]byte, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	budget := maxYAMLNodes
	if err := writeYAMLNode(&buf, &root, &budget); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeYAMLNode(buf *bytes.Buffer, n *yaml.Node, budget *int) error {
	*budget--
	if *budget < 0 {
		return errors.New("yaml document too large")
	}
	switch n.Kind {
	case 0:
		buf.WriteString("null")
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			buf.WriteString("null")
			return nil
		}
		return writeYAMLNode(buf, n.Content[0], budget)
	case yaml.AliasNode:
		return writeYAMLNode(buf, n.Alias, budget)
	case yaml.MappingNode:
		buf.WriteByte('{')
		for i := 0; i+1 < len(n.Content); i += 2 {
			if i > 0 {
				buf.WriteByte(',')
			}
			key := n.Content[i]
			if key.Kind != yaml.ScalarNode {
				return fmt.Errorf("line %d: mapping keys must be scalars", key.Line)
			}
			k, _ := json.Marshal(key.Value)
			buf.Write(k)
			buf.WriteByte(':')
			if err := writeYAMLNode(buf, n.Content[i+1], budget); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case yaml.SequenceNode:
		buf.WriteByte('[')
		for i, c := range n.Content {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeYAMLNode(buf, c, budget); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case yaml.ScalarNode:
		var v any
		if err := n.Decode(&v); err != nil {
			return fmt.Errorf("line %d: %w", n.Line, err)
		}
		out, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("line %d: %w", n.Line, err)
		}
		buf.Write(out)
	default:
		return fmt.Errorf("line %d: unsupported yaml node", n.Line)
	}
	return nil
}
