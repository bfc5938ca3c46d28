package server

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// CodecName gRPC content-subtype，請求的 content-type 為 application/grpc+json
const CodecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec 以 JSON 編碼訊息，服務的訊息是一般的 Go struct
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return CodecName }
