package domain

import "time"

// OAuthToken is a cached client-credentials token for one integration.
type OAuthToken struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type,omitempty"`
	Expiry      time.Time `json:"expiry"`
}

// AnswerRecord is one accepted answer, kept for replay and auditing.
type AnswerRecord struct {
	QuestionID string    `json:"question_id"`
	Answer     any       `json:"answer"`
	At         time.Time `json:"at"`
}

// SessionState is everything needed to resume a quiz session. It is plain data
// and survives a JSON round trip without loss of meaning.
type SessionState struct {
	ID        string `json:"id"`
	QuizID    string `json:"quiz_id"`
	UserID    string `json:"user_id"`
	CreatorID string `json:"creator_id,omitempty"`

	// QuizVersion pins the session to the quiz version it started on.
	QuizVersion string `json:"quiz_version,omitempty"`

	Variables map[string]any `json:"variables"`
	Current   string         `json:"current_question,omitempty"`
	Completed bool           `json:"completed"`

	// APIResults holds the decoded body of the last successful call per integration.
	APIResults map[string]any `json:"api_results,omitempty"`
	// APICalls counts outbound attempts made on behalf of this session.
	APICalls int                   `json:"api_calls"`
	Tokens   map[string]OAuthToken `json:"oauth_tokens,omitempty"`
	// Hidden maps questions hidden by a degrade fallback to their redirect target.
	Hidden map[string]string `json:"hidden_questions,omitempty"`

	Answers   []AnswerRecord `json:"answers,omitempty"`
	StartedAt time.Time      `json:"started_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Clone returns a copy whose maps and slices can be modified independently.
// Values inside Variables and APIResults are treated as immutable.
func (s *SessionState) Clone() *SessionState {
	cp := *s
	cp.Variables = cloneMap(s.Variables)
	cp.APIResults = cloneMap(s.APIResults)
	if s.Tokens != nil {
		cp.Tokens = make(map[string]OAuthToken, len(s.Tokens))
		for k, v := range s.Tokens {
			cp.Tokens[k] = v
		}
	}
	if s.Hidden != nil {
		cp.Hidden = make(map[string]string, len(s.Hidden))
		for k, v := range s.Hidden {
			cp.Hidden[k] = v
		}
	}
	cp.Answers = append([]AnswerRecord(nil), s.Answers...)
	return &cp
}

// IsHidden reports whether a degrade fallback removed question id from the flow.
func (s *SessionState) IsHidden(id string) bool {
	_, ok := s.Hidden[id]
	return ok
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
