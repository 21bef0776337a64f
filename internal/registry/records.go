package registry

// XML-RPC replies arrive as loosely typed values: integers as int64, rows as
// map[string]any, absent fields as false. These helpers pin the types down
// at the boundary so nothing downstream touches raw replies.

func toInt(v any) int {
	switch t := v.(type) {
	case int64:
		return int(t)
	case int:
		return t
	case float64:
		return int(t)
	}
	return 0
}

func toFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int64:
		return float64(t)
	case int:
		return float64(t)
	}
	return 0
}

func toBool(v any) bool {
	b, ok := v.(bool)
	return ok && b
}

func toStr(v any) string {
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}

func toRecords(v any) []map[string]any {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if rec, ok := item.(map[string]any); ok {
			out = append(out, rec)
		}
	}
	return out
}

func toIntList(v any) []int {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]int, 0, len(list))
	for _, item := range list {
		out = append(out, toInt(item))
	}
	return out
}

// refID unpacks a relational field, which arrives as [id, display] when set
// and false when empty.
func refID(v any) int {
	pair, ok := v.([]any)
	if !ok || len(pair) == 0 {
		return 0
	}
	return toInt(pair[0])
}
