// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package message

import (
	"os"

	"github.com/linkedin/goavro/v2"
	"github.com/pingcap/errors"
	cerror "github.com/pingcap/redoflow/pkg/errors"
)

// DefaultSchema is the Avro schema of Message used when no schema file is
// configured.
const DefaultSchema = `{
  "type": "record",
  "name": "CdcMessage",
  "namespace": "redoflow",
  "fields": [
    {"name": "batch_id", "type": "string"},
    {"name": "record_type", "type": "string"},
    {"name": "record_count", "type": "long", "default": 0},
    {"name": "table_name", "type": "string", "default": ""},
    {"name": "commit_lsn", "type": ["null", "string"], "default": null},
    {"name": "operation_code", "type": "string", "default": ""},
    {"name": "commit_statement", "type": ["null", "string"], "default": null},
    {"name": "column_names", "type": ["null", "string"], "default": null},
    {"name": "column_values", "type": ["null", "string"], "default": null},
    {"name": "primary_key_fields", "type": "string", "default": ""},
    {"name": "statement_id", "type": "string", "default": ""},
    {"name": "commit_timestamp", "type": "string", "default": ""},
    {"name": "message_sequence", "type": "long", "default": 0},
    {"name": "multiline_flag", "type": "boolean", "default": false}
  ]
}`

// Encoder serializes messages.
type Encoder interface {
	Encode(m *Message) ([]byte, error)
}

// Decoder deserializes messages.
type Decoder interface {
	Decode(data []byte) (*Message, error)
}

// Codec encodes, decodes and renders messages for the debug files.
type Codec interface {
	Encoder
	Decoder
	Textual(m *Message) ([]byte, error)
}

// AvroCodec encodes messages as Avro binary records.
type AvroCodec struct {
	codec *goavro.Codec
}

// NewAvroCodec builds a codec from a schema document.
func NewAvroCodec(schema string) (*AvroCodec, error) {
	codec, err := goavro.NewCodec(schema)
	if err != nil {
		return nil, cerror.WrapError(cerror.ErrInvalidConfig, err, "avro schema")
	}
	return &AvroCodec{codec: codec}, nil
}

// NewAvroCodecFromFile builds a codec from a schema file, or from
// DefaultSchema when path is empty.
func NewAvroCodecFromFile(path string) (*AvroCodec, error) {
	if path == "" {
		return NewAvroCodec(DefaultSchema)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotatef(err, "read avro schema %s", path)
	}
	return NewAvroCodec(string(content))
}

// Encode implements Encoder.
func (c *AvroCodec) Encode(m *Message) ([]byte, error) {
	bin, err := c.codec.BinaryFromNative(nil, toNative(m))
	if err != nil {
		return nil, cerror.WrapError(cerror.ErrMessageEncode, err)
	}
	return bin, nil
}

// Decode implements Decoder.
func (c *AvroCodec) Decode(data []byte) (*Message, error) {
	native, _, err := c.codec.NativeFromBinary(data)
	if err != nil {
		return nil, cerror.WrapError(cerror.ErrMessageDecode, err)
	}
	record, ok := native.(map[string]interface{})
	if !ok {
		return nil, cerror.ErrMessageDecode.GenWithStackByArgs()
	}
	return fromNative(record)
}

// Textual returns the Avro JSON form of m, used by debug output files.
func (c *AvroCodec) Textual(m *Message) ([]byte, error) {
	txt, err := c.codec.TextualFromNative(nil, toNative(m))
	if err != nil {
		return nil, cerror.WrapError(cerror.ErrMessageEncode, err)
	}
	return txt, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return goavro.Union("string", s)
}

func toNative(m *Message) map[string]interface{} {
	return map[string]interface{}{
		"batch_id":           m.BatchID,
		"record_type":        string(m.RecordType),
		"record_count":       m.RecordCount,
		"table_name":         m.TableName,
		"commit_lsn":         nullableString(m.CommitLSN),
		"operation_code":     m.OperationCode,
		"commit_statement":   nullableString(m.CommitStatement),
		"column_names":       nullableString(m.ColumnNames),
		"column_values":      nullableString(m.ColumnValues),
		"primary_key_fields": m.PrimaryKeyFields,
		"statement_id":       m.StatementID,
		"commit_timestamp":   m.CommitTimestamp,
		"message_sequence":   m.MessageSequence,
		"multiline_flag":     m.MultilineFlag,
	}
}

func fromNative(r map[string]interface{}) (*Message, error) {
	rt, err := ParseRecordType(stringField(r, "record_type"))
	if err != nil {
		return nil, err
	}
	return &Message{
		BatchID:          stringField(r, "batch_id"),
		RecordType:       rt,
		RecordCount:      longField(r, "record_count"),
		TableName:        stringField(r, "table_name"),
		CommitLSN:        stringField(r, "commit_lsn"),
		OperationCode:    stringField(r, "operation_code"),
		CommitStatement:  stringField(r, "commit_statement"),
		ColumnNames:      stringField(r, "column_names"),
		ColumnValues:     stringField(r, "column_values"),
		PrimaryKeyFields: stringField(r, "primary_key_fields"),
		StatementID:      stringField(r, "statement_id"),
		CommitTimestamp:  stringField(r, "commit_timestamp"),
		MessageSequence:  longField(r, "message_sequence"),
		MultilineFlag:    boolField(r, "multiline_flag"),
	}, nil
}

// unwrap returns the value of a decoded union, which goavro represents as a
// single entry map keyed by the branch type.
func unwrap(v interface{}) interface{} {
	if u, ok := v.(map[string]interface{}); ok && len(u) == 1 {
		for _, inner := range u {
			return inner
		}
	}
	return v
}

func stringField(r map[string]interface{}, name string) string {
	switch v := unwrap(r[name]).(type) {
	case string:
		return v
	case []byte:
		return string(v)
	}
	return ""
}

func longField(r map[string]interface{}, name string) int64 {
	switch v := unwrap(r[name]).(type) {
	case int64:
		return v
	case int32:
		return int64(v)
	case int:
		return int64(v)
	}
	return 0
}

func boolField(r map[string]interface{}, name string) bool {
	v, _ := unwrap(r[name]).(bool)
	return v
}
