package template

import (
	"fmt"
	"sort"
	"text/template"

	"github.com/dukex/conduit/pkg/protocol"
)

// Resolution is the outcome of resolving one node's raw parameters.
type Resolution struct {
	// Parameters are the live values handed to the node handler.
	Parameters map[string]any
	// Snapshot holds the same values with every secret substitution redacted.
	Snapshot map[string]any
}

// Resolve renders every templated string inside params. Templates reach secrets through
// the secret function, e.g. {{ secret "auth" "token" }}; those values never reach the snapshot.
func Resolve(params map[string]any, data map[string]any, secrets protocol.Secrets) (*Resolution, error) {
	r := &resolver{data: data, secrets: secrets}

	resolution := &Resolution{
		Parameters: make(map[string]any, len(params)),
		Snapshot:   make(map[string]any, len(params)),
	}

	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	for _, key := range keys {
		live, snapshot, err := r.value(params[key])
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", key, err)
		}

		resolution.Parameters[key] = live
		resolution.Snapshot[key] = snapshot
	}

	return resolution, nil
}

type resolver struct {
	data    map[string]any
	secrets protocol.Secrets
}

func (r *resolver) value(raw any) (any, any, error) {
	switch v := raw.(type) {
	case string:
		if !NeedsTemplating(v) {
			return v, v, nil
		}

		return r.render(v)
	case map[string]any:
		live := make(map[string]any, len(v))
		snapshot := make(map[string]any, len(v))

		for key, item := range v {
			l, s, err := r.value(item)
			if err != nil {
				return nil, nil, fmt.Errorf("%s: %w", key, err)
			}

			live[key] = l
			snapshot[key] = s
		}

		return live, snapshot, nil
	case []any:
		live := make([]any, len(v))
		snapshot := make([]any, len(v))

		for i, item := range v {
			l, s, err := r.value(item)
			if err != nil {
				return nil, nil, fmt.Errorf("[%d]: %w", i, err)
			}

			live[i] = l
			snapshot[i] = s
		}

		return live, snapshot, nil
	default:
		return raw, raw, nil
	}
}

// render runs the template once with real secrets and, only when a secret was read,
// a second time with redacted ones to build the snapshot.
func (r *resolver) render(input string) (any, any, error) {
	usedSecret := false

	live, err := render(input, r.data, r.funcs(func(slot, key string) (any, error) {
		value, ok := r.secrets.Value(slot, key)
		if !ok {
			return nil, fmt.Errorf("credential slot %q has no field %q", slot, key)
		}

		usedSecret = true

		return value, nil
	}))
	if err != nil {
		return nil, nil, err
	}

	if !usedSecret {
		return live, live, nil
	}

	snapshot, err := render(input, r.data, r.funcs(func(string, string) (any, error) {
		return Redacted, nil
	}))
	if err != nil {
		return nil, nil, err
	}

	return live, snapshot, nil
}

func (r *resolver) funcs(secret func(slot, key string) (any, error)) template.FuncMap {
	funcs := baseFuncs()
	funcs["secret"] = secret

	return funcs
}
