package auth

import (
	"reflect"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// ErrInvalidBag is returned if an encoded bag can't be decoded
var ErrInvalidBag = eris.New("invalid bag")

// Bag is embedded in all permission targets
type Bag struct{}

// CacheBag is the target of cache permissions
type CacheBag struct {
	Bag
	// Cache names one of the engine caches (tiles, plots, values, meshes, datasets)
	Cache string
}

// CatalogBag is the target of catalog permissions
type CatalogBag struct {
	Bag
	Backend string
}

// UnmarshalBag decodes a target produced by MarshalBag into dest, which must be a pointer
// to a struct with string and int fields
func UnmarshalBag(data string, dest interface{}) error {
	destRef := reflect.ValueOf(dest).Elem()
	fields := make(map[string]reflect.Value, destRef.NumField())
	for idx := 0; idx < destRef.NumField(); idx++ {
		fields[destRef.Type().Field(idx).Name] = destRef.Field(idx)
	}

	for data != "" {
		entry, rest, ok := strings.Cut(data, "#")
		if !ok {
			return eris.Wrapf(ErrInvalidBag, "unterminated entry %q", data)
		}
		data = rest

		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			return eris.Wrapf(ErrInvalidBag, "entry %q has no value", entry)
		}

		ref, ok := fields[key]
		if !ok {
			return eris.Wrapf(ErrInvalidBag, "invalid field %s found", key)
		}

		switch ref.Kind() {
		case reflect.Int:
			number, err := strconv.Atoi(value)
			if err != nil {
				return eris.Wrapf(err, "failed to parse field %s", key)
			}
			ref.SetInt(int64(number))
		case reflect.String:
			ref.SetString(value)
		default:
			return eris.Wrapf(ErrInvalidBag, "field %s has unsupported type %s", key, ref.Type().Name())
		}
	}

	return nil
}

// MarshalBag encodes the string and int fields of src as "Key=value#" pairs. Embedded
// structs are skipped.
func MarshalBag(src interface{}) (string, error) {
	srcRef := reflect.ValueOf(src)
	builder := strings.Builder{}
	for idx := 0; idx < srcRef.NumField(); idx++ {
		field := srcRef.Type().Field(idx)
		if field.Anonymous {
			continue
		}

		var value string
		switch srcRef.Field(idx).Kind() {
		case reflect.Int:
			value = strconv.FormatInt(srcRef.Field(idx).Int(), 10)
		case reflect.String:
			value = srcRef.Field(idx).String()
			if strings.ContainsAny(value, "#=") {
				return "", eris.Wrapf(ErrInvalidBag, "field %s contains a reserved character", field.Name)
			}
		default:
			return "", eris.Wrapf(ErrInvalidBag, "field %s has unsupported type %s", field.Name, field.Type.Name())
		}

		builder.WriteString(field.Name)
		builder.WriteRune('=')
		builder.WriteString(value)
		builder.WriteRune('#')
	}

	return builder.String(), nil
}
