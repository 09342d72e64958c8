package config

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// durations accept Go duration strings ("30s") or integer nanoseconds
const fileSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": false,
  "definitions": {
    "duration": {
      "oneOf": [
        {"type": "string", "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"},
        {"type": "integer", "minimum": 0}
      ]
    }
  },
  "properties": {
    "data_dir": {"type": "string"},
    "logging": {
      "type": "object",
      "properties": {
        "level": {"type": "string", "enum": ["debug", "info", "warn", "error"]},
        "file": {"type": "string"},
        "console": {"type": "boolean"},
        "pretty": {"type": "boolean"},
        "max_size": {"type": "integer", "minimum": 0},
        "max_age": {"type": "integer", "minimum": 0},
        "compress": {"type": "boolean"},
        "redaction": {"type": "boolean"}
      }
    },
    "database": {
      "type": "object",
      "properties": {
        "path": {"type": "string"}
      }
    },
    "embedding": {
      "type": "object",
      "properties": {
        "provider": {"type": "string", "enum": ["openai", "hash"]},
        "model": {"type": "string"},
        "api_key": {"type": "string"},
        "base_url": {"type": "string"},
        "dimension": {"type": "integer", "minimum": 0},
        "timeout": {"$ref": "#/definitions/duration"}
      }
    },
    "index": {
      "type": "object",
      "properties": {
        "backend": {"type": "string", "enum": ["flat", "sqlite-vec"]},
        "checkpoint_path": {"type": "string"},
        "refresh_interval": {"$ref": "#/definitions/duration"},
        "refresh_schedule": {"type": "string"},
        "skip_bootstrap": {"type": "boolean"},
        "shutdown_timeout": {"$ref": "#/definitions/duration"},
        "flush_timeout": {"$ref": "#/definitions/duration"},
        "default_k": {"type": "integer", "minimum": 1},
        "watch_log": {"type": "boolean"},
        "max_retries": {"type": "integer", "minimum": 0},
        "retry_delay": {"$ref": "#/definitions/duration"}
      }
    },
    "metrics": {
      "type": "object",
      "properties": {
        "enabled": {"type": "boolean"},
        "host": {"type": "string"},
        "port": {"type": "integer", "minimum": 1, "maximum": 65535}
      }
    }
  }
}`

var schemaLoader = gojsonschema.NewStringLoader(fileSchema)

// validateFile checks raw config file contents against the schema
func validateFile(data []byte) error {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return fmt.Errorf("config file does not match schema: %s", strings.Join(problems, "; "))
	}
	return nil
}
