package util

import (
	"encoding/json"
)

// EncoderDecoder serializes values for the storage layer. Sessions, step
// records and follow-ups all round-trip through this, so an
// implementation must preserve nested map/array values.
type EncoderDecoder[T any] interface {
	Encode(value T) ([]byte, error)
	Decode(data []byte) (*T, error)
}

type JsonEncDec[T any] struct{}

var _ EncoderDecoder[any] = new(JsonEncDec[any])

func NewJsonEncoderDecoder[T any]() *JsonEncDec[T] {
	return &JsonEncDec[T]{}
}

func (encdec *JsonEncDec[T]) Encode(value T) ([]byte, error) {
	return json.Marshal(value)
}

func (encdec *JsonEncDec[T]) Decode(data []byte) (*T, error) {
	res := new(T)
	if err := json.Unmarshal(data, res); err != nil {
		return nil, err
	}
	return res, nil
}
