package fleet

import "fmt"

// objectArg extracts an optional JSON object from args by key.
func objectArg(args map[string]any, key string) (map[string]any, error) {
	v, exists := args[key]
	if !exists || v == nil {
		return map[string]any{}, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s must be an object, got %T", key, v)
	}
	return m, nil
}

// stringMap extracts an optional object of string values from args by key.
func stringMap(args map[string]any, key string) (map[string]string, error) {
	obj, err := objectArg(args, key)
	if err != nil || len(obj) == 0 {
		return nil, err
	}
	out := make(map[string]string, len(obj))
	for k, v := range obj {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%s.%s must be a string, got %T", key, k, v)
		}
		out[k] = s
	}
	return out, nil
}
