package apilayer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"testing"
	"time"

	"quizflow-service/internal/apiclient"
	"quizflow-service/internal/domain"
	"quizflow-service/internal/ratelimit"
	"quizflow-service/internal/safety"
	"quizflow-service/internal/variables"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

type fakeGuard struct {
	blockStage safety.Stage
	dnsErr     error
	checked    []string
	dnsChecks  int
}

func (g *fakeGuard) Check(_ context.Context, raw string, _ safety.Allowlist) (*url.URL, error) {
	g.checked = append(g.checked, raw)
	if g.blockStage != "" {
		return nil, &safety.BlockedError{Stage: g.blockStage, Reason: "test"}
	}
	return url.Parse(raw)
}

func (g *fakeGuard) CheckDNS(context.Context, string) error {
	g.dnsChecks++
	return g.dnsErr
}

func (g *fakeGuard) CheckRedirect(context.Context, *url.URL, safety.Allowlist) error { return nil }

type fakeDoer struct {
	requests []apiclient.Request
	respond  func(n int) (*apiclient.Response, error)
}

func (d *fakeDoer) Execute(_ context.Context, req apiclient.Request) (*apiclient.Response, error) {
	d.requests = append(d.requests, req)
	return d.respond(len(d.requests))
}

func ok(body string) func(int) (*apiclient.Response, error) {
	return func(int) (*apiclient.Response, error) {
		return &apiclient.Response{StatusCode: http.StatusOK, Body: []byte(body)}, nil
	}
}

func failing(err error) func(int) (*apiclient.Response, error) {
	return func(int) (*apiclient.Response, error) { return nil, err }
}

type denyLimiter struct{}

func (denyLimiter) Reserve(context.Context, []ratelimit.Quota) error {
	return &ratelimit.DeniedError{Key: "ratelimit:global:m"}
}

// quotaLimiter allows a fixed number of reservations.
type quotaLimiter struct {
	allow    int
	reserved int
}

func (q *quotaLimiter) Reserve(context.Context, []ratelimit.Quota) error {
	if q.reserved >= q.allow {
		return &ratelimit.DeniedError{Key: "ratelimit:global:m"}
	}
	q.reserved++
	return nil
}

type fakeTokens struct {
	calls  int
	expiry time.Time
}

func (f *fakeTokens) Token(context.Context, domain.AuthSpec) (*oauth2.Token, error) {
	f.calls++
	return &oauth2.Token{AccessToken: "tok-" + strconv.Itoa(f.calls), TokenType: "bearer", Expiry: f.expiry}, nil
}

func ptr[T any](v T) *T { return &v }

func weatherCall(t *testing.T) Call {
	t.Helper()
	schema, err := variables.NewSchema([]variables.Definition{
		{Name: "city", Type: variables.TypeString, Default: "paris", MutableBy: []variables.Actor{variables.ActorUser},
			Constraints: variables.Constraints{Enum: []any{"paris", "new york"}}},
		{Name: "note", Type: variables.TypeString, Default: "", MutableBy: []variables.Actor{variables.ActorUser}},
		{Name: "level", Type: variables.TypeInteger, Default: 1, MutableBy: []variables.Actor{variables.ActorEngine}},
		{Name: "temperature", Type: variables.TypeFloat, Default: 20.0, MutableBy: []variables.Actor{variables.ActorAPI}},
		{Name: "humidity", Type: variables.TypeInteger, Default: 50, MutableBy: []variables.Actor{variables.ActorAPI},
			Constraints: variables.Constraints{Min: ptr(0.0), Max: ptr(100.0)}},
	})
	require.NoError(t, err)
	return Call{
		Creator: domain.Creator{ID: "creator-1", Tier: "standard"},
		State:   &domain.SessionState{ID: "s1", QuizID: "weather", UserID: "u1"},
		Store:   variables.NewStore(schema),
	}
}

func weatherIntegration() domain.APIIntegration {
	return domain.APIIntegration{
		ID:     "weather",
		Timing: domain.TimingQuizStart,
		URL:    "https://api.weather.example/v1/current?units=metric",
		Query:  map[string]string{"q": "{variables.city}", "level": "{level}"},
		Extract: map[string]domain.Extraction{
			"main.temp":     {Variable: "temperature", Type: variables.TypeFloat},
			"main.humidity": {Variable: "humidity"},
		},
		Fallback: domain.Fallback{Policy: domain.FallbackUseDefault},
		Retries:  1,
	}
}

func newLayer(guard Guard, doer Doer, limiter ratelimit.Limiter, tokens TokenSource) *Layer {
	return New(guard, doer, limiter, tokens, Config{
		Limits:        ratelimit.Limits{PerSession: 5},
		RetryInterval: time.Millisecond,
	}, nil)
}

func TestRunExtractsIntoVariables(t *testing.T) {
	call := weatherCall(t)
	require.NoError(t, call.Store.Set("city", "new york", variables.ActorUser))
	guard := &fakeGuard{}
	doer := &fakeDoer{respond: ok(`{"main":{"temp":21.5,"humidity":64},"name":"New York"}`)}

	err := newLayer(guard, doer, nil, nil).Run(context.Background(), weatherIntegration(), call)
	require.NoError(t, err)

	require.Len(t, doer.requests, 1)
	assert.Equal(t, "https://api.weather.example/v1/current?level=1&q=new+york&units=metric", doer.requests[0].URL)
	assert.Equal(t, http.MethodGet, doer.requests[0].Method)

	temp, _ := call.Store.Get("temperature")
	assert.Equal(t, variables.Float(21.5), temp)
	hum, _ := call.Store.Get("humidity")
	assert.Equal(t, variables.Int(64), hum)

	result, ok := call.State.APIResults["weather"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "New York", result["name"])
	assert.Equal(t, 1, call.State.APICalls)
}

func TestRunNeverInterpolatesUnsafeVariables(t *testing.T) {
	call := weatherCall(t)
	require.NoError(t, call.Store.Set("note", "x&admin=1", variables.ActorUser))
	in := weatherIntegration()
	in.Query = map[string]string{"q": "{note}"}
	in.Fallback.Policy = domain.FallbackFail
	doer := &fakeDoer{respond: ok(`{}`)}

	err := newLayer(&fakeGuard{}, doer, nil, nil).Run(context.Background(), in, call)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrIntegrationFailed)
	assert.ErrorIs(t, err, domain.ErrEvaluation)
	assert.Empty(t, doer.requests)
}

func TestUseDefaultAfterRetriedTimeouts(t *testing.T) {
	call := weatherCall(t)
	require.NoError(t, call.Store.Set("temperature", 35.0, variables.ActorAPI))
	guard := &fakeGuard{}
	doer := &fakeDoer{respond: failing(&apiclient.Error{Kind: apiclient.ErrTimeout})}

	err := newLayer(guard, doer, nil, nil).Run(context.Background(), weatherIntegration(), call)
	require.NoError(t, err)

	assert.Len(t, doer.requests, 2)
	assert.Equal(t, 1, guard.dnsChecks, "destination must be re-resolved before the retry")
	temp, _ := call.Store.Get("temperature")
	assert.Equal(t, variables.Float(20), temp)
	assert.Equal(t, 2, call.State.APICalls)
	assert.NotContains(t, call.State.APIResults, "weather")
}

func TestRetryStopsWhenDNSCheckFails(t *testing.T) {
	call := weatherCall(t)
	guard := &fakeGuard{dnsErr: &safety.BlockedError{Stage: safety.StageDNS, Reason: "rebound"}}
	doer := &fakeDoer{respond: failing(&apiclient.Error{Kind: apiclient.ErrConnectionFailed})}
	in := weatherIntegration()
	in.Retries = 2
	in.Fallback.Policy = domain.FallbackFail

	err := newLayer(guard, doer, nil, nil).Run(context.Background(), in, call)
	assert.ErrorIs(t, err, domain.ErrNetworkSecurity)
	assert.Len(t, doer.requests, 1)
}

func TestBlockedRequestIsNotRetried(t *testing.T) {
	call := weatherCall(t)
	guard := &fakeGuard{blockStage: safety.StageAllowlist}
	doer := &fakeDoer{respond: ok(`{}`)}
	in := weatherIntegration()
	in.Fallback.Policy = domain.FallbackFail

	err := newLayer(guard, doer, nil, nil).Run(context.Background(), in, call)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNetworkSecurity)
	assert.ErrorIs(t, err, domain.ErrIntegrationFailed)
	assert.NotContains(t, err.Error(), "test", "block reason stays in the security log")
	assert.Empty(t, doer.requests)
}

func TestNonRetryableStatusFailsImmediately(t *testing.T) {
	call := weatherCall(t)
	doer := &fakeDoer{respond: failing(&apiclient.Error{Kind: apiclient.ErrNonSuccessStatus, Status: http.StatusNotFound})}
	in := weatherIntegration()
	in.Retries = 2
	in.Fallback.Policy = domain.FallbackSkip

	require.NoError(t, newLayer(&fakeGuard{}, doer, nil, nil).Run(context.Background(), in, call))
	assert.Len(t, doer.requests, 1)
}

func TestDegradeHidesQuestion(t *testing.T) {
	call := weatherCall(t)
	doer := &fakeDoer{respond: failing(&apiclient.Error{Kind: apiclient.ErrNonSuccessStatus, Status: http.StatusServiceUnavailable})}
	in := weatherIntegration()
	in.Timing = domain.TimingPreQuestion
	in.QuestionID = "q-weather"
	in.Retries = 0
	in.Fallback = domain.Fallback{Policy: domain.FallbackDegrade, RedirectTo: "q-generic"}

	require.NoError(t, newLayer(&fakeGuard{}, doer, nil, nil).Run(context.Background(), in, call))
	assert.Equal(t, map[string]string{"q-weather": "q-generic"}, call.State.Hidden)
}

func TestRateLimitsDenyBeforeAnyRequest(t *testing.T) {
	t.Run("shared quota", func(t *testing.T) {
		call := weatherCall(t)
		doer := &fakeDoer{respond: ok(`{}`)}
		in := weatherIntegration()
		in.Fallback.Policy = domain.FallbackFail

		err := newLayer(&fakeGuard{}, doer, denyLimiter{}, nil).Run(context.Background(), in, call)
		assert.ErrorIs(t, err, domain.ErrRateLimited)
		assert.ErrorIs(t, err, domain.ErrTransientAPI)
		assert.Empty(t, doer.requests)
	})

	t.Run("per session cap", func(t *testing.T) {
		call := weatherCall(t)
		call.State.APICalls = 5
		doer := &fakeDoer{respond: ok(`{}`)}

		require.NoError(t, newLayer(&fakeGuard{}, doer, nil, nil).Run(context.Background(), weatherIntegration(), call))
		assert.Empty(t, doer.requests)
		temp, _ := call.Store.Get("temperature")
		assert.Equal(t, variables.Float(20), temp)
	})
}

func TestRetriesTakeSharedQuota(t *testing.T) {
	call := weatherCall(t)
	limiter := &quotaLimiter{allow: 2}
	doer := &fakeDoer{respond: failing(&apiclient.Error{Kind: apiclient.ErrTimeout})}
	in := weatherIntegration()
	in.Retries = 2
	in.Fallback.Policy = domain.FallbackFail

	err := newLayer(&fakeGuard{}, doer, limiter, nil).Run(context.Background(), in, call)
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Len(t, doer.requests, 2)
	assert.Equal(t, 2, limiter.reserved)
	assert.Equal(t, 2, call.State.APICalls)
}

func TestExtractionIsAllOrNothing(t *testing.T) {
	call := weatherCall(t)
	doer := &fakeDoer{respond: ok(`{"main":{"temp":"hot","humidity":64}}`)}
	in := weatherIntegration()
	in.Fallback.Policy = domain.FallbackSkip

	require.NoError(t, newLayer(&fakeGuard{}, doer, nil, nil).Run(context.Background(), in, call))
	hum, _ := call.Store.Get("humidity")
	assert.Equal(t, variables.Int(50), hum, "a rejected field must not leave earlier fields written")
	assert.NotContains(t, call.State.APIResults, "weather")
}

func TestPostBodyKeepsTypes(t *testing.T) {
	call := weatherCall(t)
	answer := variables.String("paris")
	call.Answer = &answer
	doer := &fakeDoer{respond: ok(`{"score":3}`)}
	in := domain.APIIntegration{
		ID:     "grade",
		Timing: domain.TimingPostAnswer,
		Method: "post",
		URL:    "https://grader.example/check",
		Body:   map[string]string{"answer": "{answer}", "level": "{level}", "label": "level {level}"},
	}

	require.NoError(t, newLayer(&fakeGuard{}, doer, nil, nil).Run(context.Background(), in, call))
	require.Len(t, doer.requests, 1)
	req := doer.requests[0]
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(req.Body, &body))
	assert.Equal(t, map[string]any{"answer": "paris", "level": float64(1), "label": "level 1"}, body)
}

func TestAuthHeaders(t *testing.T) {
	cases := []struct {
		name   string
		auth   domain.AuthSpec
		header string
		want   string
		url    string
	}{
		{name: "api key header", auth: domain.AuthSpec{Type: domain.AuthAPIKey, Value: "k1"}, header: "X-API-Key", want: "k1"},
		{name: "bearer", auth: domain.AuthSpec{Type: domain.AuthBearer, Value: "t1"}, header: "Authorization", want: "Bearer t1"},
		{name: "basic", auth: domain.AuthSpec{Type: domain.AuthBasic, Username: "u", Password: "p"}, header: "Authorization", want: "Basic dTpw"},
		{name: "api key query", auth: domain.AuthSpec{Type: domain.AuthAPIKey, QueryParam: "key", Value: "k 2"},
			url: "https://api.example/v1?key=k+2"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			call := weatherCall(t)
			doer := &fakeDoer{respond: ok(`{}`)}
			in := domain.APIIntegration{ID: "a", Timing: domain.TimingQuizStart, URL: "https://api.example/v1", Auth: tc.auth}

			require.NoError(t, newLayer(&fakeGuard{}, doer, nil, nil).Run(context.Background(), in, call))
			require.Len(t, doer.requests, 1)
			if tc.header != "" {
				assert.Equal(t, tc.want, doer.requests[0].Header.Get(tc.header))
			}
			if tc.url != "" {
				assert.Equal(t, tc.url, doer.requests[0].URL)
			}
		})
	}
}

func TestOAuthTokenCachedPerSession(t *testing.T) {
	call := weatherCall(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tokens := &fakeTokens{expiry: now.Add(time.Minute)}
	guard := &fakeGuard{}
	doer := &fakeDoer{respond: ok(`{}`)}
	layer := newLayer(guard, doer, nil, tokens)
	layer.now = func() time.Time { return now }
	in := domain.APIIntegration{
		ID:     "secure",
		Timing: domain.TimingQuizStart,
		URL:    "https://api.example/v1",
		Auth:   domain.AuthSpec{Type: domain.AuthOAuth2, TokenURL: "https://auth.example/token", ClientID: "id", ClientSecret: "secret"},
	}

	require.NoError(t, layer.Run(context.Background(), in, call))
	require.NoError(t, layer.Run(context.Background(), in, call))
	assert.Equal(t, 1, tokens.calls)
	assert.Equal(t, "Bearer tok-1", doer.requests[1].Header.Get("Authorization"))
	assert.Contains(t, guard.checked, "https://auth.example/token")

	// within the refresh window the token is replaced
	now = now.Add(45 * time.Second)
	require.NoError(t, layer.Run(context.Background(), in, call))
	assert.Equal(t, 2, tokens.calls)
	assert.Equal(t, "Bearer tok-2", doer.requests[2].Header.Get("Authorization"))
	assert.Equal(t, "tok-2", call.State.Tokens["secure"].AccessToken)
}
