// Package groups loads the destination list the crawler works through.
package groups

import (
	"encoding/json"
	"fmt"
	"os"

	"tgharvest/internal/model"
)

type entry struct {
	Name string `json:"name"`
	Link string `json:"link"`
}

// Load reads the destination list from a JSON file. The file is re-read at
// the start of every crawl cycle so edits take effect without a restart.
// Entries without a link are dropped.
func Load(path string) ([]model.Destination, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read groups file: %w", err)
	}
	var entries []entry
	if err := json.Unmarshal(b, &entries); err != nil {
		return nil, fmt.Errorf("parse groups file %s: %w", path, err)
	}
	dests := make([]model.Destination, 0, len(entries))
	for _, e := range entries {
		if e.Link == "" {
			continue
		}
		name := e.Name
		if name == "" {
			name = e.Link
		}
		dests = append(dests, model.Destination{Name: name, Link: e.Link})
	}
	return dests, nil
}
