package structural

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// maxDepth is the default nesting depth of the extraction walk.
const maxDepth = 3

// Row is one extracted (field path, value) pair.
type Row struct {
	Field string
	Value string
}

// Extract walks a document tree and produces the rows to index: top-level
// scalar fields, scalar leaves under nested objects (dotted paths, depth
// limited) and simple arrays joined by commas. The input is a tree, so
// cycles are impossible by construction.
func Extract(document map[string]any) []Row {
	var rows []Row
	walk("", document, 0, &rows)

	// Deterministic row order keeps replacement and tests stable.
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Field != rows[j].Field {
			return rows[i].Field < rows[j].Field
		}
		return rows[i].Value < rows[j].Value
	})

	return rows
}

func walk(prefix string, node map[string]any, depth int, rows *[]Row) {
	if depth >= maxDepth {
		return
	}

	for key, value := range node {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}

		switch v := value.(type) {
		case map[string]any:
			walk(path, v, depth+1, rows)
		case []any:
			if joined, ok := joinArray(v); ok {
				*rows = append(*rows, Row{Field: path, Value: joined})
			}
		case []string:
			*rows = append(*rows, Row{Field: path, Value: strings.Join(v, ",")})
		default:
			if s, ok := scalarString(v); ok {
				*rows = append(*rows, Row{Field: path, Value: s})
			}
		}
	}
}

// joinArray renders a simple (all-scalar) array as comma-joined values.
// Arrays holding nested structures are skipped.
func joinArray(values []any) (string, bool) {
	parts := make([]string, 0, len(values))
	for _, v := range values {
		s, ok := scalarString(v)
		if !ok {
			return "", false
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, ","), true
}

func scalarString(v any) (string, bool) {
	switch s := v.(type) {
	case nil:
		return "", false
	case string:
		return s, true
	case bool:
		return strconv.FormatBool(s), true
	case int:
		return strconv.Itoa(s), true
	case int64:
		return strconv.FormatInt(s, 10), true
	case uint32:
		return strconv.FormatUint(uint64(s), 10), true
	case uint64:
		return strconv.FormatUint(s, 10), true
	case float32:
		return strconv.FormatFloat(float64(s), 'g', -1, 32), true
	case float64:
		// JSON numbers decode as float64; render integers without exponent
		if s == float64(int64(s)) {
			return strconv.FormatInt(int64(s), 10), true
		}
		return strconv.FormatFloat(s, 'g', -1, 64), true
	case time.Time:
		return s.UTC().Format(time.RFC3339), true
	case fmt.Stringer:
		return s.String(), true
	default:
		return "", false
	}
}
