package apilayer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"quizflow-service/internal/domain"
	"quizflow-service/internal/variables"
	"github.com/tidwall/gjson"
)

var errExtraction = errors.New("response extraction failed")

// extract writes every configured response field into the store as actor api
// and records the decoded body. Either every write lands or none does.
func extract(in domain.APIIntegration, call Call, body []byte) error {
	if !gjson.ValidBytes(body) {
		return fmt.Errorf("%w: response is not JSON", errExtraction)
	}

	paths := sortedKeys(in.Extract)
	staged := call.Store.Clone()
	for _, path := range paths {
		ex := in.Extract[path]
		res := gjson.GetBytes(body, path)
		if !res.Exists() {
			return fmt.Errorf("%w: %s not present", errExtraction, path)
		}
		if ex.Type != "" {
			if v, ok := call.Store.Schema().Lookup(ex.Variable); ok && v.Type() != ex.Type {
				return fmt.Errorf("%w: %s expected %s, variable %s is %s", errExtraction, path, ex.Type, ex.Variable, v.Type())
			}
		}
		raw, err := jsonValue(res)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", errExtraction, path, err)
		}
		if err := staged.Set(ex.Variable, raw, variables.ActorAPI); err != nil {
			return err
		}
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var decoded any
	if err := dec.Decode(&decoded); err != nil {
		return fmt.Errorf("%w: response is not JSON", errExtraction)
	}

	for _, path := range paths {
		name := in.Extract[path].Variable
		v, _ := staged.Lookup(name)
		if err := call.Store.Set(name, v, variables.ActorAPI); err != nil {
			return err
		}
	}
	if call.State.APIResults == nil {
		call.State.APIResults = make(map[string]any)
	}
	call.State.APIResults[in.ID] = decoded
	return nil
}

// jsonValue converts a gjson result into a value variables.FromAny accepts.
// Numbers keep their literal text so integers do not lose precision.
func jsonValue(r gjson.Result) (any, error) {
	switch r.Type {
	case gjson.Null:
		return nil, nil
	case gjson.True, gjson.False:
		return r.Bool(), nil
	case gjson.Number:
		return json.Number(r.Raw), nil
	case gjson.String:
		return r.Str, nil
	}
	if !r.IsArray() {
		return nil, errors.New("objects cannot be stored in variables")
	}
	var (
		items []any
		err   error
	)
	r.ForEach(func(_, item gjson.Result) bool {
		var v any
		v, err = jsonValue(item)
		if err != nil {
			return false
		}
		items = append(items, v)
		return true
	})
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []any{}
	}
	return items, nil
}
