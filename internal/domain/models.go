package domain

import (
	"time"

	"quizflow-service/internal/variables"
)

// QuestionKind selects how an answer is validated and coerced.
type QuestionKind string

const (
	KindMultipleChoice QuestionKind = "multiple_choice"
	KindMultiSelect    QuestionKind = "multi_select"
	KindText           QuestionKind = "text"
	KindInteger        QuestionKind = "integer"
	KindFloat          QuestionKind = "float"
	KindBoolean        QuestionKind = "boolean"
	// KindInfo displays text and accepts any acknowledgement.
	KindInfo QuestionKind = "info"
)

// Metadata describes a published quiz.
type Metadata struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version,omitempty"`
	CreatorID   string `json:"creator_id,omitempty"`
}

// Assignment sets Variable to the result of Expression.
type Assignment struct {
	Variable   string
	Expression string
}

// UpdateRule applies its assignments when Condition is true. Every matching
// rule of a question applies, in declaration order.
type UpdateRule struct {
	Condition string      `json:"condition"`
	Updates   Assignments `json:"update"`
}

// Question is one step of a quiz.
type Question struct {
	ID        string       `json:"id"`
	Kind      QuestionKind `json:"kind"`
	Text      string       `json:"text"`
	Options   []string     `json:"options,omitempty"`
	Min       *float64     `json:"min,omitempty"`
	Max       *float64     `json:"max,omitempty"`
	MaxLength int          `json:"max_length,omitempty"`
	Updates   []UpdateRule `json:"variable_updates,omitempty"`
	// StoreAs names a variable writable by user that receives the accepted answer.
	StoreAs   string       `json:"store_as,omitempty"`
}

// TransitionRule selects Next when Condition is true. A nil Next ends the quiz.
type TransitionRule struct {
	Condition string  `json:"condition"`
	Next      *string `json:"next"`
}

// Timing is the hook at which an integration runs.
type Timing string

const (
	TimingQuizStart   Timing = "quiz_start"
	TimingPreQuestion Timing = "pre_question"
	TimingPostAnswer  Timing = "post_answer"
	TimingQuizEnd     Timing = "quiz_end"
)

// AuthType selects how credentials are attached to an outbound request.
type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthAPIKey AuthType = "api_key"
	AuthBearer AuthType = "bearer"
	AuthBasic  AuthType = "basic"
	AuthOAuth2 AuthType = "oauth2"
)

// AuthSpec carries the credentials of an integration.
type AuthSpec struct {
	Type AuthType `json:"type,omitempty"`
	// Header names the api_key header; QueryParam sends the key in the query instead.
	Header     string `json:"header,omitempty"`
	QueryParam string `json:"query_param,omitempty"`
	Value      string `json:"value,omitempty"`

	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	TokenURL     string   `json:"token_url,omitempty"`
	ClientID     string   `json:"client_id,omitempty"`
	ClientSecret string   `json:"client_secret,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
}

// Extraction maps one response field onto a variable.
type Extraction struct {
	Variable string         `json:"variable"`
	Type     variables.Type `json:"type,omitempty"`
}

// FallbackPolicy is what happens when an integration is blocked or fails.
type FallbackPolicy string

const (
	FallbackSkip       FallbackPolicy = "skip"
	FallbackUseDefault FallbackPolicy = "use_default"
	FallbackDegrade    FallbackPolicy = "degrade"
	FallbackFail       FallbackPolicy = "fail"
)

// Fallback configures the fallback policy. HideQuestions and RedirectTo apply to degrade.
type Fallback struct {
	Policy        FallbackPolicy `json:"policy,omitempty"`
	HideQuestions []string       `json:"hide_questions,omitempty"`
	RedirectTo    string         `json:"redirect_to,omitempty"`
}

// APIIntegration is one outbound call a quiz makes.
type APIIntegration struct {
	ID         string                `json:"id"`
	Timing     Timing                `json:"timing"`
	QuestionID string                `json:"question_id,omitempty"`
	Method     string                `json:"method,omitempty"`
	URL        string                `json:"url"`
	Query      map[string]string     `json:"query,omitempty"`
	Headers    map[string]string     `json:"headers,omitempty"`
	Body       map[string]string     `json:"body,omitempty"`
	Auth       AuthSpec              `json:"auth,omitempty"`
	Extract    map[string]Extraction `json:"extract,omitempty"`
	Fallback   Fallback              `json:"fallback,omitempty"`
	Retries    int                   `json:"retries,omitempty"`
	TimeoutMS  int                   `json:"timeout_ms,omitempty"`
}

// QuizDefinition is an immutable, published quiz.
type QuizDefinition struct {
	ID           string                      `json:"id"`
	Metadata     Metadata                    `json:"metadata"`
	Variables    VariableDefs                `json:"variables"`
	Questions    []Question                  `json:"questions"`
	Transitions  map[string][]TransitionRule `json:"transitions"`
	Integrations []APIIntegration            `json:"api_integrations,omitempty"`
}

// Question returns the question with id.
func (q *QuizDefinition) Question(id string) (*Question, bool) {
	for i := range q.Questions {
		if q.Questions[i].ID == id {
			return &q.Questions[i], true
		}
	}
	return nil, false
}

// QuestionView is what a quiz taker sees of a question.
type QuestionView struct {
	ID        string       `json:"id"`
	Kind      QuestionKind `json:"kind"`
	Text      string       `json:"text"`
	Options   []string     `json:"options,omitempty"`
	Min       *float64     `json:"min,omitempty"`
	Max       *float64     `json:"max,omitempty"`
	MaxLength int          `json:"maxLength,omitempty"`
}

// Step is the outcome of starting a quiz or answering a question.
type Step struct {
	SessionID string         `json:"sessionId"`
	Question  *QuestionView  `json:"question,omitempty"`
	Completed bool           `json:"completed"`
	Variables map[string]any `json:"variables"`
}

// Participant represents a quiz taker and their leaderboard score.
type Participant struct {
	UserID      string
	DisplayName string
	Score       float64
	LastUpdated time.Time
}

// LeaderboardEntry is a snapshot-friendly view of a participant.
type LeaderboardEntry struct {
	UserID      string  `json:"userId"`
	DisplayName string  `json:"displayName"`
	Score       float64 `json:"score"`
}

// Leaderboard captures the ordered scoreboard for a quiz.
type Leaderboard struct {
	QuizID    string             `json:"quizId"`
	Variable  string             `json:"variable"`
	Entries   []LeaderboardEntry `json:"entries"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// Creator is a quiz author and the outbound privileges granted to them.
type Creator struct {
	ID        string   `json:"id" yaml:"id"`
	Tier      string   `json:"tier" yaml:"tier"`
	Allowlist []string `json:"allowlist,omitempty" yaml:"allowlist,omitempty"`
}
