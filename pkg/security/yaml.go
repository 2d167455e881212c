// Package security hardens operator-supplied inputs before the rest of
// the runtime sees them. Agent configs are YAML files read off disk, so
// parsing enforces structural limits instead of trusting the document.
package security

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// YAMLLimits bounds the shape of a YAML document before it is
// unmarshaled. Zero values mean the corresponding check always fails,
// so build limits from DefaultYAMLLimits and override fields as needed.
type YAMLLimits struct {
	MaxFileSize  int64
	MaxDepth     int
	MaxNodes     int
	MaxKeyLength int
	MaxValueSize int64
}

// DefaultYAMLLimits returns the limits the runtime config loader uses.
// They sit well above any plausible agent config.
func DefaultYAMLLimits() YAMLLimits {
	return YAMLLimits{
		MaxFileSize:  10 << 20,
		MaxDepth:     20,
		MaxNodes:     10000,
		MaxKeyLength: 1024,
		MaxValueSize: 1 << 20,
	}
}

// SafeYAMLParser unmarshals YAML only after the document passes the
// configured structural limits.
type SafeYAMLParser struct {
	limits YAMLLimits
}

func NewSafeYAMLParser(limits YAMLLimits) *SafeYAMLParser {
	return &SafeYAMLParser{limits: limits}
}

// UnmarshalYAML validates data against the limits and then unmarshals
// it into v. An empty document (or one holding only comments) leaves v
// untouched rather than failing, so callers can report missing fields
// in their own vocabulary.
func (p *SafeYAMLParser) UnmarshalYAML(data []byte, v any) error {
	if int64(len(data)) > p.limits.MaxFileSize {
		return fmt.Errorf("YAML document is %d bytes, limit is %d", len(data), p.limits.MaxFileSize)
	}

	var root yaml.Node
	if err := yaml.NewDecoder(bytes.NewReader(data)).Decode(&root); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("YAML parse error: %w", err)
	}

	w := &limitWalker{limits: p.limits}
	if err := w.walk(&root, 0); err != nil {
		return err
	}

	return yaml.Unmarshal(data, v)
}

// limitWalker carries the node budget across the recursive walk.
type limitWalker struct {
	limits YAMLLimits
	nodes  int
}

func (w *limitWalker) walk(node *yaml.Node, depth int) error {
	if depth > w.limits.MaxDepth {
		return fmt.Errorf("YAML nesting exceeds %d levels", w.limits.MaxDepth)
	}
	w.nodes++
	if w.nodes > w.limits.MaxNodes {
		return fmt.Errorf("YAML document exceeds %d nodes", w.limits.MaxNodes)
	}

	switch node.Kind {
	case yaml.DocumentNode:
		for _, child := range node.Content {
			if err := w.walk(child, depth); err != nil {
				return err
			}
		}

	case yaml.MappingNode:
		if len(node.Content)%2 != 0 {
			return fmt.Errorf("malformed YAML mapping")
		}
		for i := 0; i < len(node.Content); i += 2 {
			key, value := node.Content[i], node.Content[i+1]
			if len(key.Value) > w.limits.MaxKeyLength {
				return fmt.Errorf("YAML key exceeds %d bytes", w.limits.MaxKeyLength)
			}
			if err := w.walk(key, depth+1); err != nil {
				return err
			}
			if err := w.walk(value, depth+1); err != nil {
				return err
			}
		}

	case yaml.SequenceNode:
		for _, child := range node.Content {
			if err := w.walk(child, depth+1); err != nil {
				return err
			}
		}

	case yaml.ScalarNode:
		if int64(len(node.Value)) > w.limits.MaxValueSize {
			return fmt.Errorf("YAML value exceeds %d bytes", w.limits.MaxValueSize)
		}

	case yaml.AliasNode:
		// Every alias reference re-walks its target, so repeated
		// references spend node budget instead of bypassing it.
		if node.Alias != nil {
			return w.walk(node.Alias, depth+1)
		}
	}

	return nil
}
