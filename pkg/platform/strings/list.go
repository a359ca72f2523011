// Package strings provides string manipulation utilities.
package strings

import (
	"strings"
)

// SplitList splits a separated list (env vars, repeated flags), trimming
// whitespace and dropping empty and duplicate entries. Order is preserved.
//
//	SplitList(" kafka-1:9092, kafka-2:9092,,kafka-1:9092", ",")
//	// []string{"kafka-1:9092", "kafka-2:9092"}
func SplitList(s, sep string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, sep)
	seen := make(map[string]struct{}, len(parts))
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		result = append(result, trimmed)
	}
	return result
}
