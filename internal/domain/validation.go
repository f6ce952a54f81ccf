package domain

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func inputValidator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(field reflect.StructField) string {
			name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
		_ = v.RegisterValidation("eventtype", func(fl validator.FieldLevel) bool {
			return ValidEventType(fl.Field().String())
		})
		validate = v
	})
	return validate
}

// NormalizeInput trims and lower-cases identifying fields, validates the request
// and stamps the event_data schema version. The input is not modified.
func NormalizeInput(in CreateEventInput) (CreateEventInput, error) {
	out := in
	out.EventType = strings.ToLower(strings.TrimSpace(in.EventType))
	out.EntityType = strings.TrimSpace(in.EntityType)
	out.EntityID = strings.TrimSpace(in.EntityID)
	out.ActorType = ActorType(strings.TrimSpace(string(in.ActorType)))
	out.InputMethod = strings.TrimSpace(in.InputMethod)

	if err := inputValidator().Struct(out); err != nil {
		return CreateEventInput{}, translateValidation(err)
	}

	data, err := withSchemaVersion(in.EventData)
	if err != nil {
		return CreateEventInput{}, err
	}
	out.EventData = data
	return out, nil
}

func translateValidation(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return &ValidationError{Reason: err.Error()}
	}
	fe := fieldErrs[0]
	switch fe.Tag() {
	case "required":
		return missingField(fe.Field())
	case "eventtype":
		return &ValidationError{Field: fe.Field(), Reason: "must be dot-namespaced, e.g. task.completed"}
	case "oneof":
		return &ValidationError{Field: fe.Field(), Reason: "must be one of " + strings.ReplaceAll(fe.Param(), " ", ", ")}
	}
	return &ValidationError{Field: fe.Field(), Reason: fmt.Sprintf("failed %s check", fe.Tag())}
}

// withSchemaVersion copies data and guarantees a canonical semantic version marker.
func withSchemaVersion(data map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(data)+1)
	if data != nil {
		out = cloneData(data)
	}

	raw, ok := out[SchemaVersionKey]
	if !ok || raw == nil {
		out[SchemaVersionKey] = DefaultSchemaVersion
		return out, nil
	}

	var text string
	switch v := raw.(type) {
	case string:
		text = strings.TrimSpace(v)
	case float64:
		text = strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		text = strconv.Itoa(v)
	default:
		return nil, &ValidationError{Field: "event_data." + SchemaVersionKey, Reason: "must be a version string"}
	}
	if text == "" {
		out[SchemaVersionKey] = DefaultSchemaVersion
		return out, nil
	}

	version, err := semver.NewVersion(text)
	if err != nil {
		return nil, &ValidationError{Field: "event_data." + SchemaVersionKey, Reason: "is not a semantic version"}
	}
	out[SchemaVersionKey] = version.String()
	return out, nil
}
