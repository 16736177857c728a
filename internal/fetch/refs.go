package fetch

import (
	"encoding/json"
	"strings"
)

// references walks a raw resource document and collects every "reference"
// field whose value starts with the given "Type/" prefix, deduplicated in
// encounter order. Registries embed references at varying depths (performer,
// recorder, practitionerRole, managingOrganization, ...), so a structural
// walk is more robust than enumerating field names.
func references(raw json.RawMessage, prefix string) []string {
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil
	}
	var refs []string
	seen := make(map[string]bool)
	collectRefs(doc, prefix, seen, &refs)
	return refs
}

func collectRefs(node interface{}, prefix string, seen map[string]bool, refs *[]string) {
	switch v := node.(type) {
	case map[string]interface{}:
		if ref, ok := v["reference"].(string); ok && strings.HasPrefix(ref, prefix) {
			if !seen[ref] {
				seen[ref] = true
				*refs = append(*refs, ref)
			}
		}
		for _, child := range v {
			collectRefs(child, prefix, seen, refs)
		}
	case []interface{}:
		for _, child := range v {
			collectRefs(child, prefix, seen, refs)
		}
	}
}

// firstReference returns the first reference with the prefix, or "".
func firstReference(raw json.RawMessage, prefix string) string {
	refs := references(raw, prefix)
	if len(refs) == 0 {
		return ""
	}
	return refs[0]
}

// refUUID strips the "Type/" prefix from a reference.
func refUUID(ref string) string {
	if _, id, ok := strings.Cut(ref, "/"); ok {
		return id
	}
	return ref
}
