package yaml

import (
	"fmt"
	"os"

	yamlv3 "gopkg.in/yaml.v3"
)

const CurrentSchemaVersion = 1

const (
	FileTypeSnapshot = "snapshot"
)

var validFileTypes = map[string]bool{
	FileTypeSnapshot: true,
}

// SchemaHeader leads every document phasegraph writes.
type SchemaHeader struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`
}

func ValidateSchemaHeader(content []byte, expectedFileType string) error {
	var header SchemaHeader
	if err := yamlv3.Unmarshal(content, &header); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}

	switch {
	case header.SchemaVersion < 1:
		return fmt.Errorf("invalid schema_version %d (must be >= 1)", header.SchemaVersion)
	case header.SchemaVersion > CurrentSchemaVersion:
		return fmt.Errorf("unsupported schema_version %d (max supported: %d)", header.SchemaVersion, CurrentSchemaVersion)
	case header.FileType == "":
		return fmt.Errorf("missing file_type")
	case !validFileTypes[header.FileType]:
		return fmt.Errorf("unknown file_type: %q", header.FileType)
	case expectedFileType != "" && header.FileType != expectedFileType:
		return fmt.Errorf("file_type mismatch: got %q, expected %q", header.FileType, expectedFileType)
	}
	return nil
}

// WriteDocument writes body with a schema header prepended to its top-level
// mapping. body must encode as a mapping.
func WriteDocument(path, fileType string, body any) error {
	if !validFileTypes[fileType] {
		return fmt.Errorf("unknown file_type: %q", fileType)
	}
	var node yamlv3.Node
	if err := node.Encode(body); err != nil {
		return fmt.Errorf("yaml encode: %w", err)
	}
	if node.Kind != yamlv3.MappingNode {
		return fmt.Errorf("document body must be a mapping, got kind %d", node.Kind)
	}

	header := []*yamlv3.Node{
		{Kind: yamlv3.ScalarNode, Value: "schema_version"},
		{Kind: yamlv3.ScalarNode, Tag: "!!int", Value: fmt.Sprint(CurrentSchemaVersion)},
		{Kind: yamlv3.ScalarNode, Value: "file_type"},
		{Kind: yamlv3.ScalarNode, Value: fileType},
	}
	node.Content = append(header, node.Content...)

	content, err := yamlv3.Marshal(&node)
	if err != nil {
		return fmt.Errorf("yaml marshal: %w", err)
	}
	return WriteFileAtomic(path, content)
}

// ReadDocument validates the header and decodes the document into out.
func ReadDocument(path, fileType string, out any) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}
	if err := ValidateSchemaHeader(content, fileType); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if err := yamlv3.Unmarshal(content, out); err != nil {
		return fmt.Errorf("%s: decode: %w", path, err)
	}
	return nil
}
