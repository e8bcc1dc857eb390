package configloader

import (
	"reflect"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// decode maps viper's flattened settings onto target. ENV values always
// arrive as strings, so the hooks cover durations, comma lists, bools and ints.
func decode(input map[string]interface{}, target interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "mapstructure",
		Result:  target,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			stringToScalarHook,
		),
	})
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}

func stringToScalarHook(f, t reflect.Kind, data interface{}) (interface{}, error) {
	if f != reflect.String {
		return data, nil
	}
	s := strings.TrimSpace(data.(string))
	switch t {
	case reflect.Bool:
		if s == "" {
			return false, nil
		}
		return strconv.ParseBool(s)
	case reflect.Int, reflect.Int32, reflect.Int64:
		if s == "" {
			return 0, nil
		}
		return strconv.ParseInt(s, 10, 64)
	}
	return data, nil
}
