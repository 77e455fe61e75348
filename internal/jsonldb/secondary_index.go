package jsonldb

import "fmt"

// secondaryIndex maps "<path>=<value>" terms to the set of keys that
// currently contribute that term, plus enough bookkeeping to retract a
// key's stale terms on update or delete (spec.md §4.4). It is only
// populated for the paths declared in [Options.IndexPaths].
type secondaryIndex struct {
	paths  []string
	byTerm map[string]map[string]struct{}
}

func newSecondaryIndex(paths []string) *secondaryIndex {
	normalized := make([]string, len(paths))
	for i, p := range paths {
		if p != "" && p[0] != '/' {
			p = "/" + p
		}
		normalized[i] = p
	}
	return &secondaryIndex{
		paths:  normalized,
		byTerm: make(map[string]map[string]struct{}),
	}
}

// termsFor computes the index terms a value contributes, given the
// configured paths. Only string-valued resolutions become terms.
func (si *secondaryIndex) termsFor(v Value) []string {
	if len(si.paths) == 0 {
		return nil
	}
	if _, ok := v.(map[string]any); !ok {
		return nil
	}
	var terms []string
	for _, p := range si.paths {
		if s, ok := resolvePath(v, p); ok {
			terms = append(terms, makeTerm(p, s))
		}
	}
	return terms
}

func makeTerm(path, value string) string {
	return fmt.Sprintf("%s=%s", path, value)
}

// put registers key as a contributor of each term.
func (si *secondaryIndex) put(key string, terms []string) {
	for _, t := range terms {
		set, ok := si.byTerm[t]
		if !ok {
			set = make(map[string]struct{})
			si.byTerm[t] = set
		}
		set[key] = struct{}{}
	}
}

// retract removes key from each term it previously contributed.
func (si *secondaryIndex) retract(key string, terms []string) {
	for _, t := range terms {
		set, ok := si.byTerm[t]
		if !ok {
			continue
		}
		delete(set, key)
		if len(set) == 0 {
			delete(si.byTerm, t)
		}
	}
}

// clear empties the whole secondary index (used by [DB.Clear]).
func (si *secondaryIndex) clear() {
	si.byTerm = make(map[string]map[string]struct{})
}

// keysWithTerm returns the set of keys contributing the exact term, or nil.
func (si *secondaryIndex) keysWithTerm(term string) map[string]struct{} {
	return si.byTerm[term]
}

// parseFilter splits a "<path>=<literal>" filter into the term form used
// by the index, tolerating a leading "/" on the path for compatibility
// (spec.md §4.4): index paths are always stored with a leading slash, so
// a caller-supplied filter gets one prepended if it's missing.
func parseFilter(filter string) (term string, ok bool) {
	eq := -1
	for i := 0; i < len(filter); i++ {
		if filter[i] == '=' {
			eq = i
			break
		}
	}
	if eq < 0 {
		return "", false
	}
	path, value := filter[:eq], filter[eq+1:]
	if path == "" {
		return "", false
	}
	if path[0] != '/' {
		path = "/" + path
	}
	return makeTerm(path, value), true
}
