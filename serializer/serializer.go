package serializer

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// Serializer encodes typed message payloads to opaque byte sequences and back.
// Implementations must be safe for concurrent use.
type Serializer interface {
	// Serialize encodes v into a byte sequence.
	Serialize(v any) ([]byte, error)

	// Deserialize decodes data into the value pointed to by v.
	Deserialize(data []byte, v any) error
}

// JSON is the default Serializer implementation, backed by encoding/json.
type JSON struct{}

var _ Serializer = (*JSON)(nil)

func (*JSON) Serialize(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("could not serialize %T: %w", v, err)
	}

	return data, nil
}

func (*JSON) Deserialize(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("could not deserialize into %T: %w", v, err)
	}

	return nil
}

// TypeName returns the fully qualified type name of v (package path plus type
// name), indirecting pointers. It is used as the default transport address of
// a message.
func TypeName(v any) string {
	t := reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return ""
	}
	if t.PkgPath() == "" {
		return t.String()
	}

	return t.PkgPath() + "." + t.Name()
}
