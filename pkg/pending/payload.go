// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pending

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"

	"github.com/united-manufacturing-hub/syncengine/pkg/constants"
)

// SendEmail is the payload of KindSendEmail.
type SendEmail struct {
	MessageID string   `json:"messageId"`
	From      string   `json:"from"`
	To        []string `json:"to"`
	Cc        []string `json:"cc,omitempty"`
	Subject   string   `json:"subject"`
	Body      string   `json:"body"`
}

// MarkRead is the payload of KindMarkRead.
type MarkRead struct {
	ServerID string `json:"serverId"`
	Folder   string `json:"folder"`
	Read     bool   `json:"read"`
}

// MoveEmail is the payload of KindMoveEmail.
type MoveEmail struct {
	ServerID string `json:"serverId"`
	From     string `json:"from"`
	To       string `json:"to"`
}

// DeleteEmail is the payload of KindDeleteEmail.
type DeleteEmail struct {
	ServerID string `json:"serverId"`
	Folder   string `json:"folder"`
}

// DownloadBody is the payload of KindDownloadBody.
type DownloadBody struct {
	ServerID string `json:"serverId"`
	Folder   string `json:"folder"`
}

// NewOperation builds an operation of kind carrying payload.
func NewOperation(accountID string, kind Kind, payload any) (*Operation, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", kind, err)
	}

	return &Operation{AccountID: accountID, Kind: kind, Payload: data}, nil
}

// Decode unmarshals the payload into v.
func (op *Operation) Decode(v any) error {
	if err := json.Unmarshal(op.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload of %s: %w", op.Kind, op.Token, err)
	}

	return nil
}

var (
	encoderPool = sync.Pool{
		New: func() interface{} {
			encoder, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))

			return encoder
		},
	}
	decoderPool = sync.Pool{
		New: func() interface{} {
			decoder, _ := zstd.NewReader(nil)

			return decoder
		},
	}
)

// compress zstd-compresses payloads from PayloadCompressionThreshold on and
// reports whether it did.
func compress(payload []byte) ([]byte, bool, error) {
	if len(payload) < constants.PayloadCompressionThreshold {
		return payload, false, nil
	}

	encoder, ok := encoderPool.Get().(*zstd.Encoder)
	if !ok || encoder == nil {
		var err error

		encoder, err = zstd.NewWriter(nil)
		if err != nil {
			return nil, false, err
		}
	}
	defer encoderPool.Put(encoder)

	buffer := new(bytes.Buffer)
	buffer.Grow(len(payload) / 2)
	encoder.Reset(buffer)

	if _, err := encoder.Write(payload); err != nil {
		return nil, false, err
	}

	if err := encoder.Close(); err != nil {
		return nil, false, err
	}

	return buffer.Bytes(), true, nil
}

func decompress(data []byte) ([]byte, error) {
	decoder, ok := decoderPool.Get().(*zstd.Decoder)
	if !ok || decoder == nil {
		var err error

		decoder, err = zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
	}
	defer decoderPool.Put(decoder)

	if err := decoder.Reset(bytes.NewReader(data)); err != nil {
		return nil, err
	}

	var out bytes.Buffer
	if _, err := io.Copy(&out, decoder); err != nil {
		return nil, err
	}

	return out.Bytes(), nil
}
