package lox

import (
	"encoding/json"
	"os"
	"sort"
	"strings"

	"github.com/juju/errors"
	"github.com/tidwall/jsonc"
)

// Resolver maps state identifier to display name.
type Resolver interface {
	ResolveName(id string) (string, bool)
}

type ResolverFunc func(id string) (string, bool)

func (f ResolverFunc) ResolveName(id string) (string, bool) { return f(id) }

// ChainResolver asks resolvers in order, nil entries are skipped.
func ChainResolver(rs ...Resolver) Resolver {
	return ResolverFunc(func(id string) (string, bool) {
		for _, r := range rs {
			if r == nil {
				continue
			}
			if name, ok := r.ResolveName(id); ok {
				return name, true
			}
		}
		return "", false
	})
}

// UnknownName is reported for identifiers absent from structure.
const UnknownName = "Unknown"

// ResolveOrUnknown never returns empty name.
func ResolveOrUnknown(r Resolver, id string) string {
	if r != nil {
		if name, ok := r.ResolveName(id); ok && name != "" {
			return name
		}
	}
	return UnknownName
}

// Structure is name index over controller structure document (LoxAPP3.json).
// Any object stored under identifier key and carrying "name" is indexed,
// shallowest occurrence wins. Control state identifiers get "<control>/<state>".
type Structure struct {
	LastModified string
	names        map[string]string
	rooms        map[string]string
	categories   map[string]string
}

var _ Resolver = &Structure{}

func ParseStructure(b []byte) (*Structure, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, errors.Annotate(err, "structure")
	}
	s := &Structure{
		names:      make(map[string]string),
		rooms:      make(map[string]string),
		categories: make(map[string]string),
	}
	s.LastModified, _ = doc["lastModified"].(string)

	ix := indexer{depth: make(map[string]int), names: s.names}
	ix.walk(doc, 0)

	for key, dst := range map[string]map[string]string{"rooms": s.rooms, "cats": s.categories} {
		group, _ := doc[key].(map[string]interface{})
		for id, v := range group {
			if obj, ok := v.(map[string]interface{}); ok {
				if name, ok := obj["name"].(string); ok {
					dst[normalizeID(id)] = name
				}
			}
		}
	}

	controls, _ := doc["controls"].(map[string]interface{})
	for _, id := range sortedKeys(controls) {
		s.indexStates(controls[id])
	}
	return s, nil
}

// LoadStructureFile reads locally saved structure document.
// Comments and trailing commas are allowed for annotated copies.
func LoadStructureFile(path string) (*Structure, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotatef(err, "structure path=%s", path)
	}
	s, err := ParseStructure(jsonc.ToJSON(b))
	return s, errors.Annotatef(err, "structure path=%s", path)
}

func (s *Structure) ResolveName(id string) (string, bool) {
	if s == nil {
		return "", false
	}
	name, ok := s.names[normalizeID(id)]
	return name, ok
}

func (s *Structure) Len() int { return len(s.names) }

func (s *Structure) RoomName(id string) (string, bool) {
	name, ok := s.rooms[normalizeID(id)]
	return name, ok
}

func (s *Structure) CategoryName(id string) (string, bool) {
	name, ok := s.categories[normalizeID(id)]
	return name, ok
}

func (s *Structure) indexStates(v interface{}) {
	ctl, ok := v.(map[string]interface{})
	if !ok {
		return
	}
	ctlName, _ := ctl["name"].(string)
	if states, ok := ctl["states"].(map[string]interface{}); ok && ctlName != "" {
		for _, stateName := range sortedKeys(states) {
			switch sv := states[stateName].(type) {
			case string:
				s.setDerived(sv, ctlName+"/"+stateName)
			case []interface{}:
				for _, item := range sv {
					if id, ok := item.(string); ok {
						s.setDerived(id, ctlName+"/"+stateName)
					}
				}
			}
		}
	}
	if subs, ok := ctl["subControls"].(map[string]interface{}); ok {
		for _, id := range sortedKeys(subs) {
			s.indexStates(subs[id])
		}
	}
}

func (s *Structure) setDerived(id, name string) {
	id = normalizeID(id)
	if _, ok := s.names[id]; !ok {
		s.names[id] = name
	}
}

type indexer struct {
	depth map[string]int
	names map[string]string
}

func (ix *indexer) walk(v interface{}, depth int) {
	switch x := v.(type) {
	case map[string]interface{}:
		for _, k := range sortedKeys(x) {
			child := x[k]
			if obj, ok := child.(map[string]interface{}); ok && looksLikeID(k) {
				if name, ok := obj["name"].(string); ok {
					id := normalizeID(k)
					if d, seen := ix.depth[id]; !seen || depth < d {
						ix.depth[id] = depth
						ix.names[id] = name
					}
				}
			}
			ix.walk(child, depth+1)
		}
	case []interface{}:
		for _, child := range x {
			ix.walk(child, depth+1)
		}
	}
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func looksLikeID(s string) bool {
	if len(s) != UUIDTextSize || s[8] != '-' {
		return false
	}
	_, err := ParseUUID(s)
	return err == nil
}

func normalizeID(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
