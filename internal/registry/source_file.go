package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"markerengine/internal/types"
)

// markerDoc is the tolerant on-disk shape: the original corpus keyed
// documents by "_id", newer ones by "id"; both are accepted.
type markerDoc struct {
	types.MarkerDefinition `yaml:",inline"`
	LegacyID               string `json:"_id,omitempty" yaml:"_id,omitempty"`
}

func (d *markerDoc) definition() types.MarkerDefinition {
	m := d.MarkerDefinition
	if m.ID == "" {
		m.ID = d.LegacyID
	}
	return m
}

// FileSource reads marker documents from a single file or from every
// .json/.yaml/.yml file under a directory.
type FileSource struct {
	Path string
}

func NewFileSource(path string) *FileSource { return &FileSource{Path: path} }

func (s *FileSource) Fetch(ctx context.Context) ([]types.MarkerDefinition, error) {
	info, err := os.Stat(s.Path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		data, err := os.ReadFile(s.Path)
		if err != nil {
			return nil, err
		}
		return DecodeDocuments(s.Path, data)
	}

	var paths []string
	err = filepath.WalkDir(s.Path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(p)) {
		case ".json", ".yaml", ".yml":
			paths = append(paths, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	var out []types.MarkerDefinition
	for _, p := range paths {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		defs, err := DecodeDocuments(p, data)
		if err != nil {
			return nil, err
		}
		out = append(out, defs...)
	}
	return out, nil
}

// DecodeDocuments parses one file's content into marker definitions.
// A document may hold a single definition or a list of them.
func DecodeDocuments(name string, data []byte) ([]types.MarkerDefinition, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return decodeYAML(name, data)
	default:
		return decodeJSON(name, data)
	}
}

func decodeJSON(name string, data []byte) ([]types.MarkerDefinition, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var docs []markerDoc
		if err := json.Unmarshal(data, &docs); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		out := make([]types.MarkerDefinition, 0, len(docs))
		for i := range docs {
			out = append(out, docs[i].definition())
		}
		return out, nil
	}
	var doc markerDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return []types.MarkerDefinition{doc.definition()}, nil
}

func decodeYAML(name string, data []byte) ([]types.MarkerDefinition, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if len(node.Content) == 0 {
		return nil, nil
	}
	root := node.Content[0]
	if root.Kind == yaml.SequenceNode {
		var docs []markerDoc
		if err := root.Decode(&docs); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		out := make([]types.MarkerDefinition, 0, len(docs))
		for i := range docs {
			out = append(out, docs[i].definition())
		}
		return out, nil
	}
	var doc markerDoc
	if err := root.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return []types.MarkerDefinition{doc.definition()}, nil
}
