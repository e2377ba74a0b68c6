package definition

import (
	"coveriteam/internal/cfgerr"
)

// Resolve loads the definition at path and flattens its include graph.
// It returns the merged definition together with every file that
// contributed to it.
func Resolve(path string) (Mapping, []string, error) {
	frag, err := NewLoader().Load(path)
	if err != nil {
		return nil, nil, err
	}
	merged, err := ResolveIncludes(frag)
	if err != nil {
		return nil, nil, err
	}
	return merged, IncludedFiles(frag), nil
}

// ResolveIncludes folds the imports of frag left to right, later imports
// overriding earlier ones, and merges the fragment's own keys on top.
func ResolveIncludes(frag *Fragment) (Mapping, error) {
	if frag == nil {
		return Mapping{}, nil
	}
	body, err := substitute(frag.Body)
	if err != nil {
		return nil, err
	}
	if len(frag.Imports) == 0 {
		return body, nil
	}
	acc := Mapping{}
	for _, imp := range frag.Imports {
		resolved, err := ResolveIncludes(imp)
		if err != nil {
			return nil, err
		}
		if _, err := Merge(acc, resolved); err != nil {
			return nil, err
		}
	}
	return Merge(acc, body)
}

// substitute replaces nested includes with their resolved mappings.
func substitute(m Mapping) (Mapping, error) {
	out := make(Mapping, len(m))
	for k, v := range m {
		r, err := substituteValue(v)
		if err != nil {
			return nil, err
		}
		out[k] = r
	}
	return out, nil
}

func substituteValue(v Value) (Value, error) {
	switch t := v.(type) {
	case *Fragment:
		return ResolveIncludes(t)
	case Mapping:
		return substitute(t)
	case Sequence:
		out := make(Sequence, len(t))
		for i, item := range t {
			r, err := substituteValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// Merge merges overlay into base and returns base. Nested mappings are merged
// recursively; a key holding a mapping on one side and anything else on the
// other is rejected.
func Merge(base, overlay Mapping) (Mapping, error) {
	return mergeAt("", base, overlay)
}

func mergeAt(prefix string, base, overlay Mapping) (Mapping, error) {
	if base == nil {
		base = Mapping{}
	}
	for _, key := range overlay.Keys() {
		over := overlay[key]
		cur, exists := base[key]
		if !exists {
			base[key] = clone(over)
			continue
		}
		curMap, curIsMap := cur.(Mapping)
		overMap, overIsMap := over.(Mapping)
		switch {
		case curIsMap && overIsMap:
			if _, err := mergeAt(joinKey(prefix, key), curMap, overMap); err != nil {
				return nil, err
			}
		case curIsMap != overIsMap:
			return nil, &cfgerr.Error{Kind: cfgerr.MergeConflict, Key: joinKey(prefix, key)}
		default:
			base[key] = clone(over)
		}
	}
	return base, nil
}

// IncludedFiles lists the files that contributed to frag, children before
// their includer.
func IncludedFiles(frag *Fragment) []string {
	if frag == nil {
		return nil
	}
	var files []string
	for _, imp := range frag.Imports {
		files = append(files, IncludedFiles(imp)...)
	}
	files = append(files, nestedFiles(frag.Body)...)
	if frag.File != "" {
		files = append(files, frag.File)
	}
	return files
}

func nestedFiles(v Value) []string {
	var files []string
	switch t := v.(type) {
	case *Fragment:
		files = append(files, IncludedFiles(t)...)
	case Mapping:
		for _, k := range t.Keys() {
			files = append(files, nestedFiles(t[k])...)
		}
	case Sequence:
		for _, item := range t {
			files = append(files, nestedFiles(item)...)
		}
	}
	return files
}
