// Package validate decodes and checks incoming shared documents before any
// mutation is attempted.
package validate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"parking-sync-backend/internal/model"
)

// Error is a client-actionable validation failure.
type Error struct {
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func errorf(format string, args ...any) *Error {
	return &Error{Message: fmt.Sprintf(format, args...)}
}

// WriteRequest is the canonical PUT /state body.
type WriteRequest struct {
	Version   *int64           `json:"version"`
	UpdatedAt json.RawMessage  `json:"updatedAt,omitempty"`
	Data      *model.StateData `json:"data"`
}

var structValidator = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterStructValidation(spotInvariant, model.SpotRecord{})
	return v
}

// spotInvariant enforces status=occupied exactly when a vehicle is present.
func spotInvariant(sl validator.StructLevel) {
	spot := sl.Current().Interface().(model.SpotRecord)
	switch {
	case spot.Status == model.SpotOccupied && spot.Vehicle == nil:
		sl.ReportError(spot.Vehicle, "vehicle", "Vehicle", "required_when_occupied", "")
	case spot.Status == model.SpotAvailable && spot.Vehicle != nil:
		sl.ReportError(spot.Vehicle, "vehicle", "Vehicle", "empty_when_available", "")
	}
}

// DecodeWrite parses and validates a PUT /state body.
func DecodeWrite(r io.Reader) (*WriteRequest, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, errorf("failed to read request body")
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errorf("request body must be an object")
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()

	var req WriteRequest
	if err := dec.Decode(&req); err != nil {
		return nil, decodeError(err)
	}
	if dec.More() {
		return nil, errorf("Invalid JSON")
	}
	if err := checkUpdatedAt(req.UpdatedAt); err != nil {
		return nil, err
	}
	if req.Version != nil && *req.Version < 0 {
		return nil, errorf("version must be a non-negative integer")
	}
	if req.Data == nil {
		return nil, errorf("data must be an object")
	}
	if err := Data(req.Data); err != nil {
		return nil, err
	}
	var raw struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, errorf("Invalid JSON")
	}
	if err := VehicleKeys(raw.Data); err != nil {
		return nil, err
	}
	return &req, nil
}

// VehicleKeys checks that every vehicle object in a raw data document
// carries all of its keys. Presence is all that is required: empty strings
// are valid values.
func VehicleKeys(data []byte) error {
	var doc struct {
		Spots map[string]struct {
			Vehicle map[string]json.RawMessage `json:"vehicle"`
		} `json:"spots"`
		Vehicles []map[string]json.RawMessage `json:"vehicles"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return errorf("data must be an object")
	}

	ids := make([]string, 0, len(doc.Spots))
	for id := range doc.Spots {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if key, ok := missingKey(doc.Spots[id].Vehicle); !ok {
			return errorf("data.spots[%s].vehicle.%s is required", id, key)
		}
	}
	for i, v := range doc.Vehicles {
		if key, ok := missingKey(v); !ok {
			return errorf("data.vehicles[%d].%s is required", i, key)
		}
	}
	return nil
}

// missingKey reports the first absent or null vehicle key. A nil object (JSON null
// or no vehicle) has nothing to check.
func missingKey(v map[string]json.RawMessage) (string, bool) {
	if v == nil {
		return "", true
	}
	for _, key := range model.VehicleFields {
		if raw, ok := v[key]; !ok || string(raw) == "null" {
			return key, false
		}
	}
	return "", true
}

// Data runs the declarative schema over a decoded document.
func Data(d *model.StateData) error {
	err := structValidator.Struct(d)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return fieldError(verrs[0])
	}
	return errorf("data is invalid")
}

func checkUpdatedAt(raw json.RawMessage) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return errorf("updatedAt must be string or null")
	}
	return nil
}

func decodeError(err error) error {
	var typeErr *json.UnmarshalTypeError
	var syntaxErr *json.SyntaxError
	switch {
	case errors.As(err, &typeErr):
		field := typeErr.Field
		if field == "" {
			return errorf("request body must be an object")
		}
		return errorf("%s must be %s", field, describeKind(typeErr.Type))
	case errors.As(err, &syntaxErr), errors.Is(err, io.ErrUnexpectedEOF):
		return errorf("Invalid JSON")
	case strings.HasPrefix(err.Error(), "json: unknown field "):
		return errorf("unknown field %s", strings.TrimPrefix(err.Error(), "json: unknown field "))
	default:
		return errorf("Invalid JSON")
	}
}

func describeKind(t reflect.Type) string {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.String:
		return "a string"
	case reflect.Int, reflect.Int64, reflect.Int32:
		return "an integer"
	case reflect.Float64, reflect.Float32:
		return "a number"
	case reflect.Slice:
		return "an array"
	case reflect.Map, reflect.Struct:
		return "an object"
	default:
		return t.Kind().String()
	}
}

// fieldError renders a validator failure as "data.spots[A-1].status must ...".
func fieldError(fe validator.FieldError) error {
	path := fe.Namespace()
	if i := strings.IndexByte(path, '.'); i >= 0 {
		path = "data" + path[i:]
	}
	switch fe.Tag() {
	case "required":
		return errorf("%s is required", path)
	case "oneof":
		return errorf("%s must be one of [%s]", path, fe.Param())
	case "unique":
		return errorf("%s must not contain duplicates", path)
	case "required_when_occupied":
		return errorf("%s is required when status is occupied", path)
	case "empty_when_available":
		return errorf("%s must be null when status is available", path)
	default:
		return errorf("%s failed %s validation", path, fe.Tag())
	}
}
