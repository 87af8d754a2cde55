package normalize

import (
	"fmt"
	"reflect"
	"strconv"

	json "github.com/goccy/go-json"
)

// object представление сырого события платформы в виде карты.
// Структуры приводятся к карте через JSON, примитивы дают nil.
func object(raw interface{}) map[string]interface{} {
	switch v := raw.(type) {
	case nil:
		return nil
	case map[string]interface{}:
		return v
	case map[string]string:
		m := make(map[string]interface{}, len(v))
		for k, s := range v {
			m[k] = s
		}
		return m
	}

	rv := reflect.ValueOf(raw)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct && rv.Kind() != reflect.Map {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}

// list представление сырого значения в виде среза, nil если это не массив
func list(raw interface{}) []interface{} {
	switch v := raw.(type) {
	case nil:
		return nil
	case []interface{}:
		return v
	case []map[string]interface{}:
		out := make([]interface{}, len(v))
		for i := range v {
			out[i] = v[i]
		}
		return out
	case []string:
		out := make([]interface{}, len(v))
		for i := range v {
			out[i] = v[i]
		}
		return out
	}
	rv := reflect.ValueOf(raw)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil
	}
	out := make([]interface{}, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		out[i] = rv.Index(i).Interface()
	}
	return out
}

// pick возвращает первое не-nil значение по списку ключей
func pick(m map[string]interface{}, keys ...string) interface{} {
	if m == nil {
		return nil
	}
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

// nested значение вложенного объекта m[outer][key]
func nested(m map[string]interface{}, outer, key string) interface{} {
	return pick(object(pick(m, outer)), key)
}

// firstOf первое не-nil значение из кандидатов
func firstOf(values ...interface{}) interface{} {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

// text приводит значение к строке; nil дает fallback
func text(v interface{}, fallback string) string {
	switch s := v.(type) {
	case nil:
		return fallback
	case string:
		return s
	case bool:
		return strconv.FormatBool(s)
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(s), 'f', -1, 32)
	case int:
		return strconv.Itoa(s)
	case int64:
		return strconv.FormatInt(s, 10)
	case json.Number:
		return s.String()
	case fmt.Stringer:
		return s.String()
	default:
		return fmt.Sprint(v)
	}
}

// truthy повторяет проверку "значение задано": пустые строки, false и 0 не считаются
func truthy(v interface{}) bool {
	switch s := v.(type) {
	case nil:
		return false
	case string:
		return s != ""
	case bool:
		return s
	case float64:
		return s != 0
	case int:
		return s != 0
	case int64:
		return s != 0
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr || rv.Kind() == reflect.Interface {
		return !rv.IsNil()
	}
	return true
}

// number числовое значение, ok=false если значение не число
func number(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// timestamp время события из сырых данных; 0 если не задано
func timestamp(m map[string]interface{}) int64 {
	if n, ok := number(pick(m, "timestamp")); ok && n > 0 {
		return int64(n)
	}
	return 0
}
