package utils

import (
	"encoding/json"

	"gorm.io/datatypes"
)

// MarshalToJSON encodes any value into a JSON column value.
func MarshalToJSON[T any](input T) (datatypes.JSON, error) {
	jsonData, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(jsonData), nil
}

// UnmarshalFromJSON decodes a JSON column into output.
func UnmarshalFromJSON[T any](data []byte, output *T) error {
	return json.Unmarshal(data, output)
}
