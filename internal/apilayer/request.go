package apilayer

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"quizflow-service/internal/apiclient"
	"quizflow-service/internal/domain"
	"quizflow-service/internal/expr"
	"quizflow-service/internal/placeholder"
	"quizflow-service/internal/safety"
	"quizflow-service/internal/variables"
)

var errRequest = errors.New("invalid request")

// apiSafe exposes only variables cleared for interpolation into requests.
type apiSafe struct {
	store *variables.Store
}

func (a apiSafe) Lookup(name string) (variables.Value, bool) {
	v, ok := a.store.Schema().Lookup(name)
	if !ok || !v.SafeForAPI() {
		return variables.Value{}, false
	}
	return a.store.Lookup(name)
}

func requestEnv(call Call) expr.Env {
	return expr.Env{
		Vars:   apiSafe{store: call.Store},
		Answer: call.Answer,
		API:    call.State.APIResults,
	}
}

// buildRequest expands every template of in. Values are escaped for the part
// of the request they land in.
func buildRequest(in domain.APIIntegration, env expr.Env) (apiclient.Request, error) {
	raw := in.URL
	if i := strings.IndexByte(raw, '#'); i >= 0 {
		raw = raw[:i]
	}
	base, rawQuery, _ := strings.Cut(raw, "?")

	target, err := placeholder.Parse(base).Expand(env, url.PathEscape)
	if err != nil {
		return apiclient.Request{}, err
	}

	query := url.Values{}
	if rawQuery != "" {
		q, err := placeholder.Parse(rawQuery).Expand(env, url.QueryEscape)
		if err != nil {
			return apiclient.Request{}, err
		}
		parsed, err := url.ParseQuery(q)
		if err != nil {
			return apiclient.Request{}, fmt.Errorf("%w: malformed query", errRequest)
		}
		for k, vs := range parsed {
			query[k] = append(query[k], vs...)
		}
	}
	for _, k := range sortedKeys(in.Query) {
		v, err := placeholder.Parse(in.Query[k]).Expand(env, nil)
		if err != nil {
			return apiclient.Request{}, err
		}
		query.Add(k, v)
	}
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	header := http.Header{}
	for _, k := range sortedKeys(in.Headers) {
		if safety.IsSpoofHeader(k) {
			continue
		}
		v, err := placeholder.Parse(in.Headers[k]).Expand(env, nil)
		if err != nil {
			return apiclient.Request{}, err
		}
		if strings.ContainsAny(v, "\r\n") {
			return apiclient.Request{}, fmt.Errorf("%w: header %s contains a line break", errRequest, k)
		}
		header.Set(k, v)
	}

	var body []byte
	if len(in.Body) > 0 {
		doc := make(map[string]any, len(in.Body))
		for k, tpl := range in.Body {
			v, err := placeholder.Parse(tpl).Value(env)
			if err != nil {
				return apiclient.Request{}, err
			}
			doc[k] = v
		}
		body, err = json.Marshal(doc)
		if err != nil {
			return apiclient.Request{}, fmt.Errorf("%w: body cannot be encoded", errRequest)
		}
		header.Set("Content-Type", "application/json")
	}

	return apiclient.Request{
		Method:  safety.Method(in.Method),
		URL:     target,
		Header:  header,
		Body:    body,
		Timeout: time.Duration(in.TimeoutMS) * time.Millisecond,
	}, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func parseTarget(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed url", errRequest)
	}
	return u, nil
}
