// Package flags keeps whitelisted workflow flags alive across node updates.
package flags

import (
	"reflect"

	"atelier/pkg/proto"
)

// Persistent lists the flags copied forward whenever a node update omits them.
//
//nolint:gochecknoglobals // whitelist table
var Persistent = []string{
	proto.FlagSkipUnifiedReview,
	proto.FlagSkipCalibration,
	proto.FlagIsFollowup,
	proto.FlagIsRerun,
	proto.FlagCalibrationSkipped,
	proto.FlagCalibrationProcessed,
	proto.FlagCalibrationAnswers,
	proto.FlagQuestionnaireSummary,
	proto.FlagQuestionnaireResponses,
}

// IsPersistent reports whether key is on the whitelist.
func IsPersistent(key string) bool {
	for _, f := range Persistent {
		if f == key {
			return true
		}
	}
	return false
}

// Preserve returns update extended with every truthy persistent flag of state that
// update does not set itself. Neither argument is modified.
func Preserve(state, update map[string]any) map[string]any {
	out := make(map[string]any, len(update)+len(Persistent))
	for k, v := range update {
		out[k] = v
	}
	for _, f := range Persistent {
		if _, set := update[f]; set {
			continue
		}
		if v, ok := state[f]; ok && Truthy(v) {
			out[f] = v
		}
	}
	return out
}

// Truthy mirrors the loose truthiness of JSON values: false, zero, "", null
// and empty collections are falsy.
func Truthy(v any) bool {
	if v == nil {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	case int64:
		return t != 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() { //nolint:exhaustive // only collection kinds have special truthiness
	case reflect.Map, reflect.Slice, reflect.Array:
		return rv.Len() > 0
	case reflect.Pointer, reflect.Interface:
		return !rv.IsNil()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32:
		return rv.Int() != 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint() != 0
	case reflect.Float32:
		return rv.Float() != 0
	default:
		return true
	}
}
