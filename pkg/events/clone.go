package events

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// cloneValue делает глубокую копию JSON-подобного значения через сериализацию.
// Значения, которые нельзя сериализовать, возвращаются как есть.
func cloneValue(v interface{}) interface{} {
	switch v.(type) {
	case nil, string, bool, int, int32, int64, uint, uint32, uint64, float32, float64:
		return v
	}
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

// CloneValue экспортирует глубокое копирование сырых данных для нормализаторов
func CloneValue(v interface{}) interface{} {
	return cloneValue(v)
}

// fingerprint отпечаток события для сравнения дубликатов.
// Время события в отпечаток не входит.
func fingerprint(p Payload) string {
	data, err := json.Marshal(p.withTimestamp(0))
	if err != nil {
		return fmt.Sprintf("%#v", p.withTimestamp(0))
	}
	return string(data)
}
