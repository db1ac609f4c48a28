package config

import (
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

var CustomHooks = []viper.DecoderConfigOption{
	viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		StringToStringMapHookFunc(),
	)),
}

// StringToStringMapHookFunc decodes "a=1,b=2" into map[string]string, so that maps can be supplied
// through environment variables.
func StringToStringMapHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		// check that src and target types are valid
		if f.Kind() != reflect.String || t != reflect.TypeOf(map[string]string{}) {
			return data, nil
		}
		result := map[string]string{}
		raw := strings.TrimSpace(data.(string))
		if raw == "" {
			return result, nil
		}
		for _, pair := range strings.Split(raw, ",") {
			key, value, _ := strings.Cut(pair, "=")
			result[strings.TrimSpace(key)] = strings.TrimSpace(value)
		}
		return result, nil
	}
}
