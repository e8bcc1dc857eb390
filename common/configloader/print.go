package configloader

import (
	"encoding/json"
	"fmt"
	"io"
)

// Redactor is implemented by configs that hide secrets before printing.
type Redactor interface {
	Redacted() interface{}
}

// PrintConfig writes v as indented JSON, redacted when v supports it.
func PrintConfig(w io.Writer, v interface{}) error {
	if r, ok := v.(Redactor); ok {
		v = r.Redacted()
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("configloader: marshal config: %w", err)
	}
	_, err = fmt.Fprintf(w, "Loaded configuration:\n%s\n", b)
	return err
}
