package metrics

import (
	"fmt"
	"sort"
	"strings"
)

// IndexStats summarises the contents of a built type-hierarchy index
type IndexStats struct {
	// Key-level metrics
	ExtendsKeys   int64
	InterfaceKeys int64

	// Edge metrics
	ExtendsEdges   int64
	InterfaceEdges int64
	MaxChildren    int64
	AverageFanOut  float64

	// Largest hierarchies, most children first
	TopSupertypes []KeyCount
	TopInterfaces []KeyCount
}

// KeyCount pairs an index key with its number of children
type KeyCount struct {
	Key      string
	Children int64
}

// topN bounds the TopSupertypes/TopInterfaces lists
const topN = 10

// ComputeIndexStats derives statistics from the two inverted indices
func ComputeIndexStats(extends, interfaces map[string][]string) *IndexStats {
	s := &IndexStats{
		ExtendsKeys:   int64(len(extends)),
		InterfaceKeys: int64(len(interfaces)),
	}

	s.ExtendsEdges, s.TopSupertypes = s.summarise(extends)
	s.InterfaceEdges, s.TopInterfaces = s.summarise(interfaces)

	if keys := s.ExtendsKeys + s.InterfaceKeys; keys > 0 {
		s.AverageFanOut = float64(s.ExtendsEdges+s.InterfaceEdges) / float64(keys)
	}
	return s
}

func (s *IndexStats) summarise(index map[string][]string) (int64, []KeyCount) {
	var edges int64
	counts := make([]KeyCount, 0, len(index))
	for key, children := range index {
		n := int64(len(children))
		edges += n
		if n > s.MaxChildren {
			s.MaxChildren = n
		}
		counts = append(counts, KeyCount{Key: key, Children: n})
	}

	sort.Slice(counts, func(i, j int) bool {
		if counts[i].Children != counts[j].Children {
			return counts[i].Children > counts[j].Children
		}
		return counts[i].Key < counts[j].Key
	})
	if len(counts) > topN {
		counts = counts[:topN]
	}
	return edges, counts
}

// FormatAsJSON returns stats as a msgpack/JSON friendly map
func (s *IndexStats) FormatAsJSON() map[string]interface{} {
	return map[string]interface{}{
		"summary": map[string]interface{}{
			"extends_keys":    s.ExtendsKeys,
			"interface_keys":  s.InterfaceKeys,
			"extends_edges":   s.ExtendsEdges,
			"interface_edges": s.InterfaceEdges,
			"max_children":    s.MaxChildren,
			"avg_fan_out":     s.AverageFanOut,
		},
		"top_supertypes": keyCountList(s.TopSupertypes),
		"top_interfaces": keyCountList(s.TopInterfaces),
	}
}

func keyCountList(counts []KeyCount) []interface{} {
	out := make([]interface{}, 0, len(counts))
	for _, kc := range counts {
		out = append(out, map[string]interface{}{
			"key":      kc.Key,
			"children": kc.Children,
		})
	}
	return out
}

// FormatAsText returns stats formatted as human-readable text
func (s *IndexStats) FormatAsText() string {
	var sb strings.Builder

	sb.WriteString("SUMMARY\n")
	sb.WriteString("─────────────────────────────────────────\n")
	sb.WriteString(fmt.Sprintf("  Supertypes:         %d (%d subclasses)\n", s.ExtendsKeys, s.ExtendsEdges))
	sb.WriteString(fmt.Sprintf("  Interfaces:         %d (%d implementors)\n", s.InterfaceKeys, s.InterfaceEdges))
	sb.WriteString(fmt.Sprintf("  Max Children:       %d\n", s.MaxChildren))
	sb.WriteString(fmt.Sprintf("  Avg Fan-Out:        %.2f\n", s.AverageFanOut))

	writeTop := func(title string, counts []KeyCount) {
		if len(counts) == 0 {
			return
		}
		sb.WriteString("\n" + title + "\n")
		sb.WriteString("─────────────────────────────────────────\n")
		for _, kc := range counts {
			sb.WriteString(fmt.Sprintf("  %-40s %5d\n", kc.Key, kc.Children))
		}
	}
	writeTop("TOP SUPERTYPES", s.TopSupertypes)
	writeTop("TOP INTERFACES", s.TopInterfaces)

	return sb.String()
}
