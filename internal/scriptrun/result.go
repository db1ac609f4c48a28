package scriptrun

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/fireflyhq/firefly/internal/model"
)

// Multi groups several values into one result. Each part is formatted on its own.
type Multi []interface{}

type formatted struct {
	result model.ScriptResult
	errs   []error
	// Nothing but errors was returned.
	empty bool
}

// format converts a value returned or yielded by a script into a stored result. Errors found in a
// returned slice are taken out of the result and reported separately.
func format(value interface{}) (formatted, error) {
	if multi, ok := value.(Multi); ok {
		return formatMulti(multi)
	}
	value, errs := splitErrors(value)
	f := formatted{errs: errs, empty: len(errs) > 0 && value == nil}
	var err error
	f.result, err = formatValue(value)
	return f, err
}

func formatMulti(multi Multi) (formatted, error) {
	parts := make(map[int]model.ScriptResult, len(multi))
	f := formatted{empty: true}
	for i, value := range multi {
		part, err := format(value)
		if err != nil {
			return formatted{}, err
		}
		parts[i] = part.result
		f.errs = append(f.errs, part.errs...)
		f.empty = f.empty && part.empty
	}
	f.empty = f.empty && len(f.errs) > 0
	var err error
	f.result, err = newResult(model.ResultMulti, parts)
	return f, err
}

// splitErrors removes the errors held by value. A value that is itself an error leaves nothing behind.
func splitErrors(value interface{}) (interface{}, []error) {
	if err, ok := value.(error); ok {
		return nil, []error{err}
	}
	v := reflect.ValueOf(value)
	if !v.IsValid() || v.Kind() != reflect.Slice || v.Type().Elem().Kind() != reflect.Interface {
		return value, nil
	}
	var errs []error
	kept := make([]interface{}, 0, v.Len())
	for i := 0; i < v.Len(); i++ {
		item := v.Index(i).Interface()
		if err, ok := item.(error); ok {
			errs = append(errs, err)
			continue
		}
		kept = append(kept, item)
	}
	if len(errs) == 0 {
		return value, nil
	}
	if len(kept) == 0 {
		return nil, errs
	}
	return kept, errs
}

func formatValue(value interface{}) (model.ScriptResult, error) {
	switch v := value.(type) {
	case nil:
		return newResult(model.ResultString, "")
	case string:
		return newResult(model.ResultString, v)
	case []byte:
		return newResult(model.ResultString, string(v))
	case time.Time:
		return newResult(model.ResultString, v.Format(time.RFC3339))
	case fmt.Stringer:
		return newResult(model.ResultString, v.String())
	}
	// Objects and tables are recognised on their json form so that structs and maps are treated alike.
	data, err := json.Marshal(value)
	if err != nil {
		return newResult(model.ResultString, fmt.Sprint(value))
	}
	var generic interface{}
	if err := json.Unmarshal(data, &generic); err != nil {
		return model.ScriptResult{}, errors.WithStack(err)
	}
	switch g := generic.(type) {
	case map[string]interface{}:
		if isFlat(g) {
			return model.ScriptResult{Type: model.ResultObject, Object: data}, nil
		}
	case []interface{}:
		if isTable(g) {
			return model.ScriptResult{Type: model.ResultTable, Object: data}, nil
		}
	}
	return newResult(model.ResultString, fmt.Sprint(value))
}

func isFlat(object map[string]interface{}) bool {
	for _, value := range object {
		switch value.(type) {
		case string, float64, bool, nil:
		default:
			return false
		}
	}
	return true
}

// isTable reports whether rows is a non empty list of flat objects that all have the same keys.
func isTable(rows []interface{}) bool {
	if len(rows) == 0 {
		return false
	}
	var columns []string
	for i, row := range rows {
		object, ok := row.(map[string]interface{})
		if !ok || !isFlat(object) {
			return false
		}
		keys := maps.Keys(object)
		slices.Sort(keys)
		if i == 0 {
			columns = keys
		} else if !slices.Equal(columns, keys) {
			return false
		}
	}
	return true
}

func newResult(resultType model.ScriptResultType, object interface{}) (model.ScriptResult, error) {
	data, err := json.Marshal(object)
	if err != nil {
		return model.ScriptResult{}, errors.Wrapf(err, "error encoding %s result", resultType)
	}
	return model.ScriptResult{Type: resultType, Object: data}, nil
}
