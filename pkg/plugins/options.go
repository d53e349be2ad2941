package plugins

import (
	"bytes"
	"errors"
	"io"
	"regexp"

	"github.com/supporttools/pingu/pkg/types"
	"gopkg.in/yaml.v3"
)

// ErrMissingField is the cause recorded for a required option that is absent.
var ErrMissingField = errors.New("required field is missing")

var unknownFieldPattern = regexp.MustCompile(`field (\S+) not found in type`)

// DecodeOptions decodes a free-form option map into out, a pointer to the
// plugin's typed configuration struct. Keys without a matching yaml tag are
// rejected so typos surface at startup.
func DecodeOptions(capability, typeName string, options map[string]interface{}, out interface{}) error {
	if len(options) == 0 {
		return nil
	}

	data, err := yaml.Marshal(options)
	if err != nil {
		return &types.InvalidPluginConfigError{Capability: capability, Type: typeName, Err: err}
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		cfgErr := &types.InvalidPluginConfigError{Capability: capability, Type: typeName, Err: err}
		if m := unknownFieldPattern.FindStringSubmatch(err.Error()); m != nil {
			cfgErr.Field = m[1]
			cfgErr.Err = errors.New("unknown option")
		}
		return cfgErr
	}
	return nil
}

// RequireField reports a missing required option when value is empty.
func RequireField(capability, typeName, field, value string) error {
	if value != "" {
		return nil
	}
	return &types.InvalidPluginConfigError{
		Capability: capability,
		Type:       typeName,
		Field:      field,
		Err:        ErrMissingField,
	}
}

// FieldError reports an invalid option value.
func FieldError(capability, typeName, field string, err error) error {
	return &types.InvalidPluginConfigError{
		Capability: capability,
		Type:       typeName,
		Field:      field,
		Err:        err,
	}
}
