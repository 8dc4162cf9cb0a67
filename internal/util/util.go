// internal/util/util.go
package util

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// LoadJSON decodes the JSON file at filePath into v. A missing file is not
// an error and leaves v untouched, so callers can pre-fill defaults.
func LoadJSON(filePath string, v interface{}) error {
	file, err := os.Open(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", filePath, err)
	}
	return nil
}
