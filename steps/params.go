package steps

import (
	"fmt"
	"maps"
	"slices"

	"github.com/GoCodeAlone/stageflow/pipeline"
)

func stringValue(cfg map[string]any, key string) string {
	s, _ := cfg[key].(string)
	return s
}

func boolValue(cfg map[string]any, key string) bool {
	b, _ := cfg[key].(bool)
	return b
}

// stringList reads a list of strings. A single string is a one-element list.
func stringList(cfg map[string]any, key string) ([]string, error) {
	switch v := cfg[key].(type) {
	case nil:
		return nil, nil
	case string:
		return []string{v}, nil
	case []string:
		return slices.Clone(v), nil
	case []any:
		out := make([]string, 0, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("'%s'[%d] must be a string", key, i)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("'%s' must be a list of strings", key)
	}
}

// stringMap reads a mapping whose values are formatted with %v.
func stringMap(cfg map[string]any, key string) (map[string]string, error) {
	switch v := cfg[key].(type) {
	case nil:
		return nil, nil
	case map[string]string:
		return maps.Clone(v), nil
	case map[string]any:
		out := make(map[string]string, len(v))
		for k, val := range v {
			out[k] = fmt.Sprintf("%v", val)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("'%s' must be a mapping", key)
	}
}

func expandAll(rc *pipeline.RunContext, in []string) ([]string, error) {
	out := make([]string, len(in))
	for i, s := range in {
		v, err := rc.Expand(s)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func expandMap(rc *pipeline.RunContext, in map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(in))
	for k, s := range in {
		v, err := rc.Expand(s)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}
