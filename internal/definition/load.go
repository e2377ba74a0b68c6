package definition

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"coveriteam/internal/cfgerr"
)

const (
	includeTag = "!include"
	importsKey = "imports"
)

// Loader parses actor definition files and follows their !include tags.
// The include handler is bound to the loader instance; nothing is registered
// globally.
type Loader struct {
	ReadFile func(string) ([]byte, error)

	stack []string
}

// NewLoader returns a loader reading from the local filesystem.
func NewLoader() *Loader {
	return &Loader{ReadFile: os.ReadFile}
}

// Load parses the YAML file at path. Included files are loaded relative to
// the directory of the file that includes them.
func (l *Loader) Load(path string) (*Fragment, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	abs = filepath.Clean(abs)
	for _, open := range l.stack {
		if open == abs {
			chain := append(append([]string{}, l.stack...), abs)
			return nil, &cfgerr.Error{Kind: cfgerr.IncludeCycle, Path: abs, Chain: chain}
		}
	}
	read := l.ReadFile
	if read == nil {
		read = os.ReadFile
	}
	data, err := read(abs)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", abs, err)
	}
	l.stack = append(l.stack, abs)
	defer func() { l.stack = l.stack[:len(l.stack)-1] }()

	var doc yaml.Node
	if len(bytes.TrimSpace(data)) == 0 {
		return NewFragment(abs, nil), nil
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &cfgerr.Error{Kind: cfgerr.ActorYAML, Path: abs, Err: err}
	}
	root := &doc
	if root.Kind == yaml.DocumentNode {
		if len(root.Content) == 0 {
			return NewFragment(abs, nil), nil
		}
		root = root.Content[0]
	}
	frag, err := l.fragment(root, filepath.Dir(abs), abs)
	if err != nil {
		return nil, err
	}
	frag.File = abs
	return frag, nil
}

// fragment turns a mapping node into a fragment, pulling its imports apart
// from the body.
func (l *Loader) fragment(node *yaml.Node, dir, file string) (*Fragment, error) {
	node = deref(node)
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		return NewFragment("", nil), nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, &cfgerr.Error{Kind: cfgerr.ActorYAML, Path: file, Err: fmt.Errorf("line %d: expected a mapping", node.Line)}
	}
	frag := NewFragment("", nil)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		valNode := node.Content[i+1]
		if key == importsKey {
			imports, err := l.imports(valNode, dir, file)
			if err != nil {
				return nil, err
			}
			frag.Imports = imports
			continue
		}
		v, err := l.value(valNode, dir, file)
		if err != nil {
			return nil, err
		}
		frag.Body[key] = v
	}
	return frag, nil
}

// imports accepts a single fragment reference or a sequence of them.
func (l *Loader) imports(node *yaml.Node, dir, file string) ([]*Fragment, error) {
	node = deref(node)
	if node.Kind == yaml.SequenceNode {
		out := make([]*Fragment, 0, len(node.Content))
		for _, item := range node.Content {
			f, err := l.importItem(item, dir, file)
			if err != nil {
				return nil, err
			}
			out = append(out, f)
		}
		return out, nil
	}
	f, err := l.importItem(node, dir, file)
	if err != nil {
		return nil, err
	}
	return []*Fragment{f}, nil
}

func (l *Loader) importItem(node *yaml.Node, dir, file string) (*Fragment, error) {
	node = deref(node)
	if node.Tag == includeTag {
		return l.include(node, dir)
	}
	return l.fragment(node, dir, file)
}

func (l *Loader) include(node *yaml.Node, dir string) (*Fragment, error) {
	rel := strings.TrimSpace(node.Value)
	if rel == "" {
		return nil, &cfgerr.Error{Kind: cfgerr.ActorYAML, Path: dir, Err: fmt.Errorf("line %d: %s needs a path", node.Line, includeTag)}
	}
	target := rel
	if !filepath.IsAbs(target) {
		target = filepath.Join(dir, rel)
	}
	return l.Load(target)
}

func (l *Loader) value(node *yaml.Node, dir, file string) (Value, error) {
	node = deref(node)
	if node.Tag == includeTag {
		return l.include(node, dir)
	}
	switch node.Kind {
	case yaml.MappingNode:
		m := make(Mapping, len(node.Content)/2)
		for i := 0; i+1 < len(node.Content); i += 2 {
			v, err := l.value(node.Content[i+1], dir, file)
			if err != nil {
				return nil, err
			}
			m[node.Content[i].Value] = v
		}
		return m, nil
	case yaml.SequenceNode:
		seq := make(Sequence, 0, len(node.Content))
		for _, item := range node.Content {
			v, err := l.value(item, dir, file)
			if err != nil {
				return nil, err
			}
			seq = append(seq, v)
		}
		return seq, nil
	default:
		var v any
		if err := node.Decode(&v); err != nil {
			return nil, &cfgerr.Error{Kind: cfgerr.ActorYAML, Path: file, Err: fmt.Errorf("line %d: %w", node.Line, err)}
		}
		return Scalar{V: v}, nil
	}
}

func deref(node *yaml.Node) *yaml.Node {
	for node.Kind == yaml.AliasNode && node.Alias != nil {
		node = node.Alias
	}
	return node
}
