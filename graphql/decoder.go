package graphql

import (
	"reflect"
	"strconv"
	"strings"
	"sync"
	"unsafe"

	jsoniter "github.com/json-iterator/go"
	"github.com/modern-go/reflect2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// CoerceFunc converts a decoded JSON value (string, float64, bool, map, slice or nil) into a
// custom scalar. The returned value must be assignable to the registered type.
type CoerceFunc func(value interface{}) (interface{}, error)

// Decoder deserializes response data into typed Go values.
//
// By default decoding is strict: unknown fields are an error, and fields that are neither pointers,
// interfaces nor tagged with omitempty must be present and non-null.
type Decoder struct {
	// If true, fields in the JSON that don't map to the target are ignored.
	Lenient bool

	// Used to report decoding failures. Defaults to the logrus standard logger.
	Logger logrus.FieldLogger

	mu         sync.Mutex
	scalars    map[reflect.Type]CoerceFunc
	api        jsoniter.API
	apiScalars map[reflect.Type]CoerceFunc
}

// RegisterScalar registers a coercion for values of the given example's type. For example:
//
//	decoder.RegisterScalar(time.Time{}, func(v interface{}) (interface{}, error) { ... })
func (d *Decoder) RegisterScalar(example interface{}, coerce CoerceFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.scalars == nil {
		d.scalars = map[reflect.Type]CoerceFunc{}
	}
	d.scalars[reflect.TypeOf(example)] = coerce
	d.api = nil
}

func (d *Decoder) jsonAPI() (jsoniter.API, map[reflect.Type]CoerceFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.api == nil {
		scalars := make(map[reflect.Type]CoerceFunc, len(d.scalars))
		for k, v := range d.scalars {
			scalars[k] = v
		}
		api := jsoniter.Config{
			EscapeHTML:             true,
			SortMapKeys:            true,
			ValidateJsonRawMessage: true,
			DisallowUnknownFields:  !d.Lenient,
		}.Froze()
		api.RegisterExtension(&scalarExtension{
			scalars: scalars,
		})
		d.api = api
		d.apiScalars = scalars
	}
	return d.api, d.apiScalars
}

func (d *Decoder) logger() logrus.FieldLogger {
	if d.Logger != nil {
		return d.Logger
	}
	return logrus.StandardLogger()
}

// Unmarshal decodes data into dest, which must be a non-nil pointer.
func (d *Decoder) Unmarshal(data []byte, dest interface{}) error {
	api, scalars := d.jsonAPI()
	if err := api.Unmarshal(data, dest); err != nil {
		return errors.Wrap(err, "unable to decode graphql data")
	}
	var generic interface{}
	if err := jsoniter.Unmarshal(data, &generic); err != nil {
		return errors.Wrap(err, "unable to decode graphql data")
	}
	t := reflect.TypeOf(dest)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return requireFields(scalars, t, generic, "")
}

var defaultDecoder = &Decoder{}

// scalarExtension plugs registered coercions into jsoniter's decoder construction.
type scalarExtension struct {
	jsoniter.DummyExtension
	scalars map[reflect.Type]CoerceFunc
}

func (e *scalarExtension) CreateDecoder(typ reflect2.Type) jsoniter.ValDecoder {
	coerce, ok := e.scalars[typ.Type1()]
	if !ok {
		return nil
	}
	return &scalarDecoder{
		typ:    typ.Type1(),
		coerce: coerce,
	}
}

type scalarDecoder struct {
	typ    reflect.Type
	coerce CoerceFunc
}

func (d *scalarDecoder) Decode(ptr unsafe.Pointer, iter *jsoniter.Iterator) {
	raw := iter.Read()
	if iter.Error != nil {
		return
	}
	target := reflect.NewAt(d.typ, ptr).Elem()
	if raw == nil {
		target.Set(reflect.Zero(d.typ))
		return
	}
	v, err := d.coerce(raw)
	if err != nil {
		iter.ReportError("coerce "+d.typ.String(), err.Error())
		return
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() {
		target.Set(reflect.Zero(d.typ))
		return
	}
	if !rv.Type().AssignableTo(d.typ) {
		iter.ReportError("coerce "+d.typ.String(), "coercion returned "+rv.Type().String())
		return
	}
	target.Set(rv)
}

// requireFields walks the target type alongside the generic JSON value and returns an error for the
// first required field that is absent or null.
func requireFields(scalars map[reflect.Type]CoerceFunc, t reflect.Type, v interface{}, path string) error {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if _, ok := scalars[t]; ok {
		return nil
	}
	if reflect.PointerTo(t).Implements(unmarshalerType) {
		return nil
	}

	switch t.Kind() {
	case reflect.Struct:
		obj, ok := v.(map[string]interface{})
		if !ok {
			return nil
		}
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			name, omitempty, skip := jsonField(f)
			if skip {
				continue
			}
			if f.Anonymous && name == "" {
				if err := requireFields(scalars, f.Type, v, path); err != nil {
					return err
				}
				continue
			}
			if name == "" {
				name = f.Name
			}
			fieldPath := joinPath(path, name)
			fv, present := lookupField(obj, name)
			if !present || fv == nil {
				if omitempty || isNullable(f.Type) {
					continue
				}
				return errors.Errorf("required field %q is missing", fieldPath)
			}
			if err := requireFields(scalars, f.Type, fv, fieldPath); err != nil {
				return err
			}
		}
	case reflect.Slice, reflect.Array:
		list, ok := v.([]interface{})
		if !ok {
			return nil
		}
		for i, item := range list {
			if item == nil {
				continue
			}
			if err := requireFields(scalars, t.Elem(), item, path+"["+strconv.Itoa(i)+"]"); err != nil {
				return err
			}
		}
	case reflect.Map:
		obj, ok := v.(map[string]interface{})
		if !ok {
			return nil
		}
		for k, item := range obj {
			if item == nil {
				continue
			}
			if err := requireFields(scalars, t.Elem(), item, joinPath(path, k)); err != nil {
				return err
			}
		}
	}
	return nil
}

var unmarshalerType = reflect.TypeOf((*jsonUnmarshaler)(nil)).Elem()

type jsonUnmarshaler interface {
	UnmarshalJSON([]byte) error
}

func jsonField(f reflect.StructField) (name string, omitempty bool, skip bool) {
	tag, ok := f.Tag.Lookup("json")
	if !ok {
		if f.Anonymous {
			return "", false, false
		}
		return f.Name, false, false
	}
	if tag == "-" {
		return "", false, true
	}
	parts := strings.Split(tag, ",")
	for _, opt := range parts[1:] {
		if opt == "omitempty" {
			omitempty = true
		}
	}
	if parts[0] == "" && !f.Anonymous {
		return f.Name, omitempty, false
	}
	return parts[0], omitempty, false
}

// lookupField matches keys the way encoding/json does: exact first, then case-insensitively.
func lookupField(obj map[string]interface{}, name string) (interface{}, bool) {
	if v, ok := obj[name]; ok {
		return v, true
	}
	for k, v := range obj {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return nil, false
}

func isNullable(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Ptr, reflect.Interface:
		return true
	}
	return false
}

func joinPath(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}
