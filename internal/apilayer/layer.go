// Package apilayer runs the outbound API integrations of a quiz: it checks
// quotas, builds the request from templates, authenticates, validates the
// destination, executes with bounded retries, extracts response fields into
// variables and applies the configured fallback when anything goes wrong.
package apilayer

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"quizflow-service/internal/apiclient"
	"quizflow-service/internal/domain"
	"quizflow-service/internal/metrics"
	"quizflow-service/internal/placeholder"
	"quizflow-service/internal/ratelimit"
	"quizflow-service/internal/safety"
	"quizflow-service/internal/variables"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Guard validates destinations. *safety.Validator implements it.
type Guard interface {
	Check(ctx context.Context, raw string, creator safety.Allowlist) (*url.URL, error)
	CheckDNS(ctx context.Context, host string) error
	CheckRedirect(ctx context.Context, target *url.URL, creator safety.Allowlist) error
}

// Doer executes one outbound request. *apiclient.Client implements it.
type Doer interface {
	Execute(ctx context.Context, req apiclient.Request) (*apiclient.Response, error)
}

// Config tunes a Layer.
type Config struct {
	Limits ratelimit.Limits
	// MaxRetries caps the retries an integration may ask for.
	MaxRetries int
	// RetryInterval is the initial backoff between attempts.
	RetryInterval time.Duration
	// FollowRedirects lets the client follow redirects that pass the redirect stage.
	FollowRedirects bool
}

// Call is the session-scoped input of one hook.
type Call struct {
	Creator domain.Creator
	State   *domain.SessionState
	Store   *variables.Store
	// Answer is set for post_answer hooks only.
	Answer *variables.Value
}

// Layer is safe for concurrent use; all session data travels in Call.
type Layer struct {
	guard   Guard
	client  Doer
	limiter ratelimit.Limiter
	tokens  TokenSource
	cfg     Config
	logger  *zap.Logger
	now     func() time.Time
}

// New builds a Layer. A nil TokenSource disables oauth2 integrations.
func New(guard Guard, client Doer, limiter ratelimit.Limiter, tokens TokenSource, cfg Config, logger *zap.Logger) *Layer {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 2
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 200 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Layer{
		guard:   guard,
		client:  client,
		limiter: limiter,
		tokens:  tokens,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// RunHook runs integrations in order. Only a fail fallback stops the hook.
func (l *Layer) RunHook(ctx context.Context, hooks []domain.APIIntegration, call Call) error {
	for _, in := range hooks {
		if err := l.Run(ctx, in, call); err != nil {
			return err
		}
	}
	return nil
}

// Run executes one integration against call.State and call.Store. It returns
// an error only when the integration fails and its fallback policy is fail.
func (l *Layer) Run(ctx context.Context, in domain.APIIntegration, call Call) error {
	start := l.now()
	err := l.run(ctx, in, call)
	if err == nil {
		metrics.OutboundCall("ok", l.now().Sub(start))
		return nil
	}
	metrics.OutboundCall(outcome(err), l.now().Sub(start))
	return l.fallback(in, call, err)
}

func (l *Layer) run(ctx context.Context, in domain.APIIntegration, call Call) error {
	if err := l.reserve(ctx, call); err != nil {
		return err
	}

	env := requestEnv(call)
	req, err := buildRequest(in, env)
	if err != nil {
		return err
	}
	if err := l.authenticate(ctx, in, call, &req); err != nil {
		return err
	}

	target, err := l.guard.Check(ctx, req.URL, call.Creator.Allowlist)
	if err != nil {
		return err
	}
	req.URL = target.String()
	if l.cfg.FollowRedirects {
		allow := safety.Allowlist(call.Creator.Allowlist)
		req.CheckRedirect = func(ctx context.Context, next *url.URL) error {
			return l.guard.CheckRedirect(ctx, next, allow)
		}
	}

	resp, err := l.execute(ctx, in, call, req, target.Hostname())
	if err != nil {
		return err
	}
	return extract(in, call, resp.Body)
}

func (l *Layer) reserve(ctx context.Context, call Call) error {
	if max := l.cfg.Limits.PerSession; max > 0 && call.State.APICalls >= max {
		return &ratelimit.DeniedError{Key: "session"}
	}
	if l.limiter == nil {
		return nil
	}
	return l.limiter.Reserve(ctx, l.cfg.Limits.Quotas(call.Creator.ID, call.State.UserID))
}

// execute retries transient failures with exponential backoff. Every retry
// resolves and checks the destination again and takes its own quota.
func (l *Layer) execute(ctx context.Context, in domain.APIIntegration, call Call, req apiclient.Request, host string) (*apiclient.Response, error) {
	retries := in.Retries
	if retries < 0 {
		retries = 0
	}
	if retries > l.cfg.MaxRetries {
		retries = l.cfg.MaxRetries
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = l.cfg.RetryInterval
	policy.MaxInterval = 4 * l.cfg.RetryInterval
	policy.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(retries)), ctx)

	var resp *apiclient.Response
	attempt := 0
	op := func() error {
		if attempt > 0 {
			if err := l.guard.CheckDNS(ctx, host); err != nil {
				return backoff.Permanent(err)
			}
			if err := l.reserve(ctx, call); err != nil {
				return backoff.Permanent(err)
			}
		}
		attempt++
		call.State.APICalls++

		r, err := l.client.Execute(ctx, req)
		if err == nil {
			resp = r
			return nil
		}
		if apiclient.Retryable(err) {
			l.logger.Debug("integration attempt failed",
				zap.String("integration", in.ID),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return err
		}
		return backoff.Permanent(err)
	}
	if err := backoff.Retry(op, b); err != nil {
		return nil, err
	}
	return resp, nil
}

// fallback applies in.Fallback for err and logs the failure.
func (l *Layer) fallback(in domain.APIIntegration, call Call, err error) error {
	policy := in.Fallback.Policy
	if policy == "" {
		policy = domain.FallbackSkip
	}
	fields := []zap.Field{
		zap.String("integration", in.ID),
		zap.String("quiz", call.State.QuizID),
		zap.String("session", call.State.ID),
		zap.String("fallback", string(policy)),
	}

	var be *safety.BlockedError
	switch {
	case errors.As(err, &be):
		metrics.SecurityBlock(string(be.Stage))
		l.logger.Warn("outbound request blocked", append(fields,
			zap.String("event", "security.blocked"),
			zap.String("stage", string(be.Stage)),
			zap.String("reason", be.Reason),
			zap.String("creator", call.Creator.ID))...)
	case errors.Is(err, ratelimit.ErrLimited):
		var de *ratelimit.DeniedError
		scope := "unknown"
		if errors.As(err, &de) {
			scope = de.Key
		}
		metrics.RateLimited(limitScope(scope))
		l.logger.Warn("integration rate limited", append(fields, zap.String("quota", scope))...)
	default:
		l.logger.Warn("integration failed", append(fields, zap.String("reason", reason(err)))...)
	}
	metrics.Fallback(string(policy))

	switch policy {
	case domain.FallbackUseDefault:
		for _, ex := range in.Extract {
			if rerr := call.Store.Reset(ex.Variable); rerr != nil {
				return domain.Wrap(domain.ErrDefinition, "integration "+in.ID, rerr)
			}
		}
	case domain.FallbackDegrade:
		hide := in.Fallback.HideQuestions
		if len(hide) == 0 && in.Timing == domain.TimingPreQuestion {
			hide = []string{in.QuestionID}
		}
		if call.State.Hidden == nil {
			call.State.Hidden = make(map[string]string, len(hide))
		}
		for _, id := range hide {
			call.State.Hidden[id] = in.Fallback.RedirectTo
		}
	case domain.FallbackFail:
		cause := fmt.Errorf("%w: %s", domain.ErrIntegrationFailed, reason(err))
		if errors.Is(err, ratelimit.ErrLimited) {
			cause = fmt.Errorf("%w: %w", domain.ErrIntegrationFailed, domain.ErrRateLimited)
		}
		return domain.Wrap(category(err), "integration "+in.ID, cause)
	}
	return nil
}

// category maps a failure onto the engine's error categories.
func category(err error) error {
	switch {
	case errors.Is(err, safety.ErrBlocked):
		return domain.ErrNetworkSecurity
	case errors.Is(err, placeholder.ErrUnresolved), errors.Is(err, errExtraction):
		return domain.ErrEvaluation
	case errors.Is(err, variables.ErrPermissionDenied):
		return domain.ErrPermission
	}
	return domain.ErrTransientAPI
}

// reason is a short description that never carries transport error text.
func reason(err error) string {
	var be *safety.BlockedError
	var ce *apiclient.Error
	var ve *variables.Error
	switch {
	case errors.As(err, &be):
		return fmt.Sprintf("blocked at %s stage", be.Stage)
	case errors.As(err, &ce):
		return ce.Error()
	case errors.Is(err, ratelimit.ErrLimited):
		return "rate limited"
	case errors.As(err, &ve):
		return ve.Error()
	case errors.Is(err, placeholder.ErrUnresolved), errors.Is(err, errExtraction),
		errors.Is(err, errRequest), errors.Is(err, errAuth):
		return err.Error()
	}
	return "request failed"
}

func outcome(err error) string {
	switch {
	case errors.Is(err, safety.ErrBlocked):
		return "blocked"
	case errors.Is(err, ratelimit.ErrLimited):
		return "rate_limited"
	case errors.Is(err, apiclient.ErrTimeout):
		return "timeout"
	}
	return "failed"
}

// limitScope keeps metric labels bounded by dropping ids from quota keys.
func limitScope(key string) string {
	switch {
	case key == "session":
		return "session"
	case strings.HasPrefix(key, "ratelimit:creator:"):
		return "creator"
	case strings.HasPrefix(key, "ratelimit:user:"):
		return "user"
	case strings.HasPrefix(key, "ratelimit:global:"):
		return "global"
	}
	return "other"
}
