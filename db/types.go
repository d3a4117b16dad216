package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// LogContext holds the structured attributes of a log entry as a JSON column.
type LogContext map[string]any

func (c *LogContext) Scan(value any) error {
	var data []byte
	switch v := value.(type) {
	case nil:
		*c = LogContext{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("scanning log context: unsupported type %T", v)
	}

	decoded := LogContext{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &decoded); err != nil {
			return fmt.Errorf("scanning log context: %w", err)
		}
	}
	*c = decoded
	return nil
}

func (c LogContext) Value() (driver.Value, error) {
	if len(c) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encoding log context: %w", err)
	}
	return string(data), nil
}
