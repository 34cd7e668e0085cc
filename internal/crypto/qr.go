package crypto

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/harrylevesque/hcsguard/internal/utils"
)

const payloadSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["version", "encrypted", "timestamp", "expiration", "token", "hcsCode", "hmac"],
  "properties": {
    "version":         {"type": "string", "minLength": 1},
    "encrypted":       {"type": "string", "minLength": 1},
    "timestamp":       {"type": "integer", "minimum": 0},
    "expiration":      {"type": "integer", "minimum": 1},
    "token":           {"type": "string", "pattern": "^[0-9a-f]{32}$"},
    "hcsCode":         {"type": "string", "pattern": "^[0-9a-f]{64}$"},
    "hmac":            {"type": "string", "pattern": "^[0-9a-f]{64}$"},
    "missionId":       {"type": "string"},
    "deviceId":        {"type": "string"},
    "sealedWaypoints": {"type": "string"},
    "signature":       {"type": "string"}
  }
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func payloadValidator() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource("hcs-qr-payload.json", strings.NewReader(payloadSchema)); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = c.Compile("hcs-qr-payload.json")
	})
	return schema, schemaErr
}

// BuildQRData serializes p as canonical JSON wrapped in standard base64.
func BuildQRData(p *Payload) (string, error) {
	if p == nil {
		return "", fmt.Errorf("crypto: nil payload: %w", utils.ErrInvalidInput)
	}
	data, err := CanonicalJSON(p)
	if err != nil {
		return "", fmt.Errorf("crypto: encode payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// ParseQRData accepts BuildQRData output or the bare JSON and validates its shape.
func ParseQRData(s string) (*Payload, error) {
	s = strings.TrimSpace(s)
	data := []byte(s)
	if !strings.HasPrefix(s, "{") {
		decoded, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("crypto: qr data is neither JSON nor base64: %w", utils.ErrInvalidInput)
		}
		data = decoded
	}

	sch, err := payloadValidator()
	if err != nil {
		return nil, fmt.Errorf("crypto: compile payload schema: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("crypto: qr json: %w", utils.ErrInvalidInput)
	}
	if err := sch.Validate(doc); err != nil {
		return nil, fmt.Errorf("crypto: qr payload: %v: %w", err, utils.ErrInvalidInput)
	}

	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("crypto: qr json: %w", utils.ErrInvalidInput)
	}
	return &p, nil
}
