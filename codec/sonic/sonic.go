// Package sonic registers a JSON codec backed by bytedance/sonic under the
// name "sonic". Import it for its side effect and pick it with
// xdispatch.NewCodec("sonic").
package sonic

import (
	"github.com/bytedance/sonic"

	"github.com/trickstertwo/xdispatch"
)

// Name is the registry key of the codec.
const Name = "sonic"

// Codec encodes with sonic's standard-library compatible config, so map
// keys are sorted and HTML is escaped the same way encoding/json does.
type Codec struct{}

var _ xdispatch.Codec = Codec{}

func (Codec) Marshal(v any) ([]byte, error)   { return sonic.ConfigStd.Marshal(v) }
func (Codec) Unmarshal(b []byte, v any) error { return sonic.ConfigStd.Unmarshal(b, v) }
func (Codec) Name() string                    { return Name }
func (Codec) ContentType() string             { return "application/json" }

func init() {
	_ = xdispatch.RegisterCodec(Name, func() xdispatch.Codec { return Codec{} })
}
