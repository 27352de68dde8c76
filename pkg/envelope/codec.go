package envelope

import (
	"encoding/json"

	"github.com/sugawarayuuta/sonnet"
)

// Codec turns values into JSON text and back. A client uses exactly one codec,
// chosen when it is constructed.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

var (
	// JSON is the encoding/json codec and the default.
	JSON Codec = jsonCodec{}
	// Sonnet uses github.com/sugawarayuuta/sonnet, a faster drop-in for
	// encoding/json.
	Sonnet Codec = sonnetCodec{}
)

type jsonCodec struct{}

func (jsonCodec) Name() string                       { return "json" }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

type sonnetCodec struct{}

func (sonnetCodec) Name() string                       { return "sonnet" }
func (sonnetCodec) Marshal(v any) ([]byte, error)      { return sonnet.Marshal(v) }
func (sonnetCodec) Unmarshal(data []byte, v any) error { return sonnet.Unmarshal(data, v) }

// ByName returns the codec registered under name, or nil.
func ByName(name string) Codec {
	switch name {
	case "", "json":
		return JSON
	case "sonnet":
		return Sonnet
	}
	return nil
}
