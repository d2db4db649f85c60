package main

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"gopkg.in/yaml.v3"

	"github.com/cory-johannsen/arena/internal/bus"
)

// parseArgs converts command-line words into bus arguments.
func parseArgs(words []string) (bus.Args, error) {
	vals := make([]any, 0, len(words))
	for i, w := range words {
		var v any
		if err := yaml.Unmarshal([]byte(w), &v); err != nil {
			return nil, fmt.Errorf("argument %d %q: %w", i, w, err)
		}
		vals = append(vals, normalize(v))
	}
	return bus.NewArgs(vals...)
}

// normalize rewrites YAML decode results into types structpb accepts.
func normalize(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, e := range tv {
			out[k] = normalize(e)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(tv))
		for k, e := range tv {
			out[fmt.Sprint(k)] = normalize(e)
		}
		return out
	case []any:
		out := make([]any, len(tv))
		for i, e := range tv {
			out[i] = normalize(e)
		}
		return out
	}
	return v
}

// values spreads args for the variadic session calls without re-encoding them.
func values(args bus.Args) []any {
	out := make([]any, len(args))
	for i, v := range args {
		out[i] = v
	}
	return out
}

// formatArgs renders args as compact JSON.
func formatArgs(args bus.Args) string {
	raw, err := protojson.Marshal(args.List())
	if err != nil {
		return fmt.Sprintf("<unprintable: %v>", err)
	}
	return string(raw)
}
