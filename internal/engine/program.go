package engine

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"quizflow-service/internal/domain"
	"quizflow-service/internal/expr"
	"quizflow-service/internal/placeholder"
	"quizflow-service/internal/safety"
	"quizflow-service/internal/variables"
)

// Limits on integration settings a quiz may request.
const (
	MaxRetries   = 5
	MaxTimeoutMS = 30_000
)

var extractPath = regexp.MustCompile(`^[A-Za-z0-9_\-]+(\.[A-Za-z0-9_\-#]+)*$`)

// Options are the publication context of a quiz.
type Options struct {
	Creator domain.Creator
	// Validator checks static URLs and allowlists; nil skips those checks.
	Validator *safety.Validator
}

// Program is a validated quiz ready to run. It is immutable and may be shared
// between sessions.
type Program struct {
	Def      *domain.QuizDefinition
	Schema   *variables.Schema
	Creator  domain.Creator
	Warnings []string

	order     []string
	questions map[string]*question
	hooks     map[hookKey][]domain.APIIntegration
}

type question struct {
	def         *domain.Question
	index       int
	text        *placeholder.Template
	updates     []update
	transitions []transition
}

type update struct {
	cond    *expr.Expression
	assigns []assign
}

type assign struct {
	variable string
	value    *expr.Expression
}

type transition struct {
	cond *expr.Expression
	// next is empty when the rule ends the quiz.
	next string
}

type hookKey struct {
	timing   domain.Timing
	question string
}

// First returns the id of the first declared question.
func (p *Program) First() string { return p.order[0] }

// Question returns the definition of id.
func (p *Program) Question(id string) (*domain.Question, bool) {
	q, ok := p.questions[id]
	if !ok {
		return nil, false
	}
	return q.def, true
}

// Hooks returns the integrations scheduled for timing. questionID is ignored
// for quiz_start and quiz_end.
func (p *Program) Hooks(timing domain.Timing, questionID string) []domain.APIIntegration {
	if timing == domain.TimingQuizStart || timing == domain.TimingQuizEnd {
		questionID = ""
	}
	return p.hooks[hookKey{timing: timing, question: questionID}]
}

// successor is the next question in declaration order, or "" after the last.
func (p *Program) successor(id string) string {
	q, ok := p.questions[id]
	if !ok || q.index+1 >= len(p.order) {
		return ""
	}
	return p.order[q.index+1]
}

// compiler accumulates every problem instead of stopping at the first.
type compiler struct {
	def      *domain.QuizDefinition
	opts     Options
	schema   *variables.Schema
	prog     *Program
	problems []string
	warnings []string
}

func (c *compiler) fail(format string, args ...any) {
	c.problems = append(c.problems, fmt.Sprintf(format, args...))
}

func (c *compiler) warn(format string, args ...any) {
	c.warnings = append(c.warnings, fmt.Sprintf(format, args...))
}

// Compile validates def and prepares it for execution. Every problem is
// reported in one *domain.DefinitionError; warnings never block publication.
func Compile(def *domain.QuizDefinition, opts Options) (*Program, error) {
	c := &compiler{
		def:  def,
		opts: opts,
		prog: &Program{
			Def:       def,
			Creator:   opts.Creator,
			questions: make(map[string]*question, len(def.Questions)),
			hooks:     make(map[hookKey][]domain.APIIntegration),
		},
	}

	schema, err := variables.NewSchema(def.Variables)
	if err != nil {
		var se *variables.SchemaError
		if errors.As(err, &se) {
			c.problems = append(c.problems, se.Problems...)
		} else {
			c.fail("variables: %v", err)
		}
	}
	c.schema = schema
	c.prog.Schema = schema

	c.collectQuestions()
	if c.schema != nil {
		for i := range def.Questions {
			c.compileQuestion(&def.Questions[i])
		}
	}
	c.compileTransitions()
	if c.schema != nil {
		c.compileIntegrations()
	}
	if len(c.problems) == 0 {
		c.checkReachability()
	}

	if len(c.problems) > 0 {
		return nil, &domain.DefinitionError{Problems: c.problems}
	}
	c.prog.Warnings = c.warnings
	return c.prog, nil
}

func (c *compiler) collectQuestions() {
	if len(c.def.Questions) == 0 {
		c.fail("quiz has no questions")
	}
	for i := range c.def.Questions {
		q := &c.def.Questions[i]
		if q.ID == "" {
			c.fail("question %d has no id", i+1)
			continue
		}
		if _, dup := c.prog.questions[q.ID]; dup {
			c.fail("duplicate question id %q", q.ID)
			continue
		}
		c.prog.questions[q.ID] = &question{def: q, index: len(c.prog.order)}
		c.prog.order = append(c.prog.order, q.ID)
	}
}

func (c *compiler) compileQuestion(q *domain.Question) {
	cq, ok := c.prog.questions[q.ID]
	if !ok || cq.def != q {
		return
	}
	where := fmt.Sprintf("question %q", q.ID)

	switch q.Kind {
	case domain.KindMultipleChoice, domain.KindMultiSelect:
		if len(q.Options) == 0 {
			c.fail("%s: %s questions need options", where, q.Kind)
		}
		seen := make(map[string]bool, len(q.Options))
		for _, o := range q.Options {
			if seen[o] {
				c.fail("%s: duplicate option %q", where, o)
			}
			seen[o] = true
		}
	case domain.KindText, domain.KindInteger, domain.KindFloat, domain.KindBoolean, domain.KindInfo:
	default:
		c.fail("%s: unknown kind %q", where, q.Kind)
	}
	if q.Min != nil && q.Max != nil && *q.Min > *q.Max {
		c.fail("%s: min is greater than max", where)
	}

	if q.StoreAs != "" {
		c.checkStoreAs(where, q)
	}

	// Unknown names in prose render empty, so they only warn. Write {{ for a
	// literal brace.
	cq.text = placeholder.Parse(q.Text)
	for _, ref := range cq.text.Refs() {
		switch ref.Kind {
		case placeholder.Answer:
			c.fail("%s: text cannot reference the answer", where)
		case placeholder.Variable:
			if !c.schema.Has(ref.Name) {
				c.warn("%s: text references unknown variable %q and will render it empty", where, ref.Name)
			}
		case placeholder.API:
			if !c.hasIntegration(ref.Name) {
				c.warn("%s: text references unknown integration %q and will render it empty", where, ref.Name)
			}
		}
	}

	for i, rule := range q.Updates {
		ruleWhere := fmt.Sprintf("%s update %d", where, i+1)
		u := update{cond: c.expression(ruleWhere+" condition", orTrue(rule.Condition))}
		for _, a := range rule.Updates {
			v, ok := c.schema.Lookup(a.Variable)
			switch {
			case !ok:
				c.fail("%s: assigns unknown variable %q", ruleWhere, a.Variable)
			case !v.MutableBy(variables.ActorEngine):
				c.fail("%s: variable %q is not writable by update rules", ruleWhere, a.Variable)
			}
			u.assigns = append(u.assigns, assign{
				variable: a.Variable,
				value:    c.expression(fmt.Sprintf("%s %s", ruleWhere, a.Variable), a.Expression),
			})
		}
		cq.updates = append(cq.updates, u)
	}
}

// answerTypes lists the variable types that can hold an answer of each kind.
var answerTypes = map[domain.QuestionKind][]variables.Type{
	domain.KindMultipleChoice: {variables.TypeString},
	domain.KindText:           {variables.TypeString},
	domain.KindMultiSelect:    {variables.TypeArray},
	domain.KindInteger:        {variables.TypeInteger, variables.TypeFloat},
	domain.KindFloat:          {variables.TypeFloat},
	domain.KindBoolean:        {variables.TypeBoolean},
}

func (c *compiler) checkStoreAs(where string, q *domain.Question) {
	v, ok := c.schema.Lookup(q.StoreAs)
	if !ok {
		c.fail("%s: store_as names unknown variable %q", where, q.StoreAs)
		return
	}
	if !v.MutableBy(variables.ActorUser) {
		c.fail("%s: store_as variable %q is not writable by user answers", where, q.StoreAs)
	}
	for _, t := range answerTypes[q.Kind] {
		if v.Type() == t {
			return
		}
	}
	c.fail("%s: %s answers cannot be stored in %s variable %q", where, q.Kind, v.Type(), q.StoreAs)
}

func (c *compiler) compileTransitions() {
	for _, from := range sortedKeys(c.def.Transitions) {
		rules := c.def.Transitions[from]
		cq, ok := c.prog.questions[from]
		if !ok {
			c.fail("transitions reference missing question %q", from)
			continue
		}
		where := fmt.Sprintf("question %q transition", from)
		for i, rule := range rules {
			t := transition{}
			if rule.Next != nil {
				t.next = *rule.Next
				if _, ok := c.prog.questions[t.next]; !ok {
					c.fail("%s %d: next question %q does not exist", where, i+1, t.next)
				}
			}
			if c.schema != nil {
				t.cond = c.expression(fmt.Sprintf("%s %d", where, i+1), orTrue(rule.Condition))
			}
			cq.transitions = append(cq.transitions, t)
		}
		if len(rules) > 0 && strings.TrimSpace(rules[len(rules)-1].Condition) != "true" {
			c.warn("%s: last rule is not a literal true fallback; unmatched answers continue in declaration order", where)
		}
	}
}

// expression compiles src and checks that every reference it makes is declared.
func (c *compiler) expression(where, src string) *expr.Expression {
	e, err := expr.Compile(src)
	if err != nil {
		c.fail("%s: %v", where, err)
		return nil
	}
	for _, name := range e.Variables() {
		if !c.schema.Has(name) {
			c.fail("%s: unknown variable %q", where, name)
		}
	}
	for _, id := range e.Integrations() {
		if !c.hasIntegration(id) {
			c.fail("%s: unknown integration %q", where, id)
		}
	}
	return e
}

func (c *compiler) hasIntegration(id string) bool {
	for _, in := range c.def.Integrations {
		if in.ID == id {
			return true
		}
	}
	return false
}

func (c *compiler) compileIntegrations() {
	tier, err := safety.ParseTier(c.opts.Creator.Tier)
	if err != nil {
		c.fail("creator %q: %v", c.opts.Creator.ID, err)
		return
	}
	if err := safety.CheckCount(tier, len(c.def.Integrations)); err != nil {
		c.fail("%v", err)
	}

	seen := make(map[string]bool, len(c.def.Integrations))
	for i := range c.def.Integrations {
		in := c.def.Integrations[i]
		if in.ID == "" {
			c.fail("integration %d has no id", i+1)
			continue
		}
		if seen[in.ID] {
			c.fail("duplicate integration id %q", in.ID)
			continue
		}
		seen[in.ID] = true
		where := fmt.Sprintf("integration %q", in.ID)

		var target *domain.Question
		switch in.Timing {
		case domain.TimingQuizStart, domain.TimingQuizEnd:
			if in.QuestionID != "" {
				c.fail("%s: %s hooks take no question_id", where, in.Timing)
			}
		case domain.TimingPreQuestion, domain.TimingPostAnswer:
			q, ok := c.prog.questions[in.QuestionID]
			if !ok {
				c.fail("%s: question %q does not exist", where, in.QuestionID)
			} else {
				target = q.def
			}
		default:
			c.fail("%s: unknown timing %q", where, in.Timing)
		}

		for _, err := range safety.CheckStructure(tier, in) {
			c.fail("%s: %v", where, err)
		}
		c.checkTemplates(where, in, target)
		c.checkExtraction(where, in)
		c.checkFallback(where, in)
		c.checkAuth(where, in)

		if in.Retries < 0 || in.Retries > MaxRetries {
			c.fail("%s: retries must be between 0 and %d", where, MaxRetries)
		}
		if in.TimeoutMS < 0 || in.TimeoutMS > MaxTimeoutMS {
			c.fail("%s: timeout_ms must be between 0 and %d", where, MaxTimeoutMS)
		}

		key := hookKey{timing: in.Timing, question: in.QuestionID}
		c.prog.hooks[key] = append(c.prog.hooks[key], in)
	}
}

// checkTemplates enforces that only safe_for_api values reach a request. An
// answer is only allowed after questions whose answers are constrained.
func (c *compiler) checkTemplates(where string, in domain.APIIntegration, q *domain.Question) {
	fields := []string{in.URL}
	for _, k := range sortedKeys(in.Query) {
		fields = append(fields, in.Query[k])
	}
	for _, k := range sortedKeys(in.Headers) {
		fields = append(fields, in.Headers[k])
	}
	for _, k := range sortedKeys(in.Body) {
		fields = append(fields, in.Body[k])
	}

	for _, f := range fields {
		for _, ref := range placeholder.Parse(f).Refs() {
			switch ref.Kind {
			case placeholder.Variable:
				v, ok := c.schema.Lookup(ref.Name)
				switch {
				case !ok:
					c.fail("%s: placeholder %s names an unknown variable", where, ref)
				case v.HasTag(variables.TagUntrusted) && !v.SafeForAPI():
					c.fail("%s: placeholder %s names an untrusted variable", where, ref)
				case !v.SafeForAPI():
					c.fail("%s: placeholder %s names a variable that is not safe_for_api", where, ref)
				}
			case placeholder.Answer:
				if in.Timing != domain.TimingPostAnswer || q == nil {
					c.fail("%s: {answer} is only available to post_answer hooks", where)
				} else if !constrainedAnswer(q.Kind) {
					c.fail("%s: answers to %s questions are untrusted and cannot be sent", where, q.Kind)
				}
			case placeholder.API:
				if !c.hasIntegration(ref.Name) {
					c.fail("%s: placeholder %s names an unknown integration", where, ref)
				}
			}
		}
	}

	if c.opts.Validator != nil && strings.Contains(in.URL, "://") {
		if _, err := c.opts.Validator.CheckStatic(sampleURL(in.URL), c.opts.Creator.Allowlist); err != nil {
			c.fail("%s: %v", where, err)
		}
	}
}

func (c *compiler) checkExtraction(where string, in domain.APIIntegration) {
	for _, path := range sortedKeys(in.Extract) {
		ex := in.Extract[path]
		if !extractPath.MatchString(path) {
			c.fail("%s: invalid extraction path %q", where, path)
		}
		v, ok := c.schema.Lookup(ex.Variable)
		switch {
		case !ok:
			c.fail("%s: extraction targets unknown variable %q", where, ex.Variable)
		case !v.MutableBy(variables.ActorAPI):
			c.fail("%s: variable %q is not writable by api responses", where, ex.Variable)
		case ex.Type != "" && ex.Type != v.Type():
			c.fail("%s: extraction %q expects %s but variable %q is %s", where, path, ex.Type, ex.Variable, v.Type())
		}
	}
}

func (c *compiler) checkFallback(where string, in domain.APIIntegration) {
	fb := in.Fallback
	switch fb.Policy {
	case "", domain.FallbackSkip, domain.FallbackUseDefault, domain.FallbackFail:
		if len(fb.HideQuestions) > 0 || fb.RedirectTo != "" {
			c.fail("%s: hide_questions and redirect_to apply to the degrade policy only", where)
		}
	case domain.FallbackDegrade:
		if len(fb.HideQuestions) == 0 && in.Timing != domain.TimingPreQuestion {
			c.fail("%s: degrade needs hide_questions outside pre_question hooks", where)
		}
		for _, id := range fb.HideQuestions {
			if _, ok := c.prog.questions[id]; !ok {
				c.fail("%s: hidden question %q does not exist", where, id)
			}
		}
		if fb.RedirectTo != "" {
			if _, ok := c.prog.questions[fb.RedirectTo]; !ok {
				c.fail("%s: redirect_to question %q does not exist", where, fb.RedirectTo)
			}
		}
	default:
		c.fail("%s: unknown fallback policy %q", where, fb.Policy)
	}
}

func (c *compiler) checkAuth(where string, in domain.APIIntegration) {
	a := in.Auth
	switch a.Type {
	case "", domain.AuthNone:
	case domain.AuthAPIKey, domain.AuthBearer:
		if a.Value == "" {
			c.fail("%s: %s auth needs a value", where, a.Type)
		}
	case domain.AuthBasic:
		if a.Username == "" {
			c.fail("%s: basic auth needs a username", where)
		}
	case domain.AuthOAuth2:
		if a.TokenURL == "" || a.ClientID == "" {
			c.fail("%s: oauth2 auth needs token_url and client_id", where)
		} else if c.opts.Validator != nil {
			if _, err := c.opts.Validator.CheckStatic(a.TokenURL, c.opts.Creator.Allowlist); err != nil {
				c.fail("%s: token_url: %v", where, err)
			}
		}
	default:
		c.fail("%s: unknown auth type %q", where, a.Type)
	}
}

// checkReachability requires every question to be reachable from the first
// through transitions, declaration-order fall-through or degrade redirects.
func (c *compiler) checkReachability() {
	p := c.prog
	redirects := map[string]bool{}
	for _, in := range c.def.Integrations {
		if in.Fallback.Policy == domain.FallbackDegrade && in.Fallback.RedirectTo != "" {
			redirects[in.Fallback.RedirectTo] = true
		}
	}

	seen := map[string]bool{}
	var visit func(id string)
	visit = func(id string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		q := p.questions[id]
		unconditional := false
		for _, t := range q.transitions {
			visit(t.next)
			if t.cond != nil && strings.TrimSpace(t.cond.String()) == "true" {
				unconditional = true
				break
			}
		}
		if !unconditional {
			visit(p.successor(id))
		}
	}
	visit(p.First())
	for id := range redirects {
		visit(id)
	}
	for _, id := range p.order {
		if !seen[id] {
			c.fail("question %q is unreachable", id)
		}
	}
}

// constrainedAnswer reports whether answers of kind come from a closed or
// numeric set and may be sent to an external API.
func constrainedAnswer(kind domain.QuestionKind) bool {
	switch kind {
	case domain.KindMultipleChoice, domain.KindInteger, domain.KindFloat, domain.KindBoolean:
		return true
	}
	return false
}

// sampleURL replaces placeholders with a neutral value so the static parts of
// a URL template can be validated.
func sampleURL(src string) string {
	tpl := placeholder.Parse(src)
	var b strings.Builder
	last := 0
	for _, ref := range tpl.Refs() {
		b.WriteString(src[last:ref.Start])
		b.WriteString("0")
		last = ref.End
	}
	b.WriteString(src[last:])
	return b.String()
}

func orTrue(cond string) string {
	if strings.TrimSpace(cond) == "" {
		return "true"
	}
	return cond
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
