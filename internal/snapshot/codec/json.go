package codec

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// JSONScheme decodes JSON payloads into Go types registered by manifest.
// Unregistered manifests decode into map[string]any when the scheme is
// constructed lenient, and fail otherwise.
type JSONScheme struct {
	id        int32
	lenient   bool
	factories map[string]func() any
	manifests map[reflect.Type]string
}

// NewJSONScheme creates a JSON scheme with the given serializer id. When
// lenient is true, payloads with an unregistered manifest decode into a
// generic map instead of failing.
func NewJSONScheme(id int32, lenient bool) *JSONScheme {
	return &JSONScheme{
		id:        id,
		lenient:   lenient,
		factories: make(map[string]func() any),
		manifests: make(map[reflect.Type]string),
	}
}

// RegisterType binds a manifest to a payload type. The factory must return
// a pointer to a fresh zero value.
func (s *JSONScheme) RegisterType(manifest string, factory func() any) {
	s.factories[manifest] = factory
	s.manifests[reflect.TypeOf(factory())] = manifest
}

func (s *JSONScheme) ID() int32 { return s.id }

func (s *JSONScheme) Decode(manifest string, data []byte) (any, error) {
	factory, ok := s.factories[manifest]
	if !ok {
		if !s.lenient {
			return nil, fmt.Errorf("%w: %q", ErrUnknownManifest, manifest)
		}
		var generic map[string]any
		if err := json.Unmarshal(data, &generic); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
		return generic, nil
	}

	payload := factory()
	if err := json.Unmarshal(data, payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload for manifest %q: %w", manifest, err)
	}
	return payload, nil
}

func (s *JSONScheme) Encode(payload any) ([]byte, string, error) {
	manifest, ok := s.manifests[reflect.TypeOf(payload)]
	if !ok {
		// Generic maps come from lenient decodes and carry no manifest.
		if _, generic := payload.(map[string]any); !generic {
			return nil, "", fmt.Errorf("encode: no manifest registered for %T", payload)
		}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, "", fmt.Errorf("marshal payload: %w", err)
	}
	return data, manifest, nil
}
