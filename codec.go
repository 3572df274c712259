package xdispatch

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/goccy/go-json"
)

// Codec encodes request bodies. ContentType is stamped on Body.ContentType
// of every message the codec produces.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
	ContentType() string
}

// JSONCodec encodes with goccy/go-json. It is registered as "json".
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (JSONCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }
func (JSONCodec) Name() string                    { return "json" }
func (JSONCodec) ContentType() string             { return "application/json" }

type CodecFactory func() Codec

var codecs = struct {
	sync.RWMutex
	byName map[string]CodecFactory
}{byName: map[string]CodecFactory{
	"json": func() Codec { return JSONCodec{} },
}}

// RegisterCodec makes a codec available to NewCodec under name. A later
// registration of the same name replaces the earlier one.
func RegisterCodec(name string, factory CodecFactory) error {
	switch {
	case name == "":
		return errors.New("codec name must not be empty")
	case factory == nil:
		return fmt.Errorf("codec %q: factory must not be nil", name)
	}
	codecs.Lock()
	codecs.byName[name] = factory
	codecs.Unlock()
	return nil
}

func NewCodec(name string) (Codec, error) {
	codecs.RLock()
	f, ok := codecs.byName[name]
	codecs.RUnlock()
	if !ok {
		return nil, fmt.Errorf("codec %q not registered (have %v)", name, Codecs())
	}
	return f(), nil
}

// Codecs returns the registered codec names in order.
func Codecs() []string {
	codecs.RLock()
	defer codecs.RUnlock()
	return slices.Sorted(maps.Keys(codecs.byName))
}
