package main

import (
	"encoding/json"
	"os"
)

func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputJSONLine writes v compactly, one value per line, for streams.
func outputJSONLine(v any) error {
	return json.NewEncoder(os.Stdout).Encode(v)
}
