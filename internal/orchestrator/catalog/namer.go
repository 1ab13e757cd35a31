package catalog

import (
	"fmt"
	"path"
	"strings"
)

// DefaultName is issued for an empty proposal.
const DefaultName = "frame.png"

// Namer issues collision-free names within one session.
type Namer struct {
	used map[string]struct{}
}

// NewNamer creates an empty registry.
func NewNamer() *Namer {
	return &Namer{used: make(map[string]struct{})}
}

// Assign returns base unchanged if it has not been issued, otherwise
// stem-k.ext for the smallest unused k >= 2. The result is recorded.
func (n *Namer) Assign(base string) string {
	if base == "" {
		base = DefaultName
	}
	name := base
	if n.taken(name) {
		ext := path.Ext(base)
		stem := strings.TrimSuffix(base, ext)
		for k := 2; ; k++ {
			name = fmt.Sprintf("%s-%d%s", stem, k, ext)
			if !n.taken(name) {
				break
			}
		}
	}
	n.used[name] = struct{}{}
	return name
}

// Reset forgets every issued name.
func (n *Namer) Reset() {
	clear(n.used)
}

// Len returns the number of issued names.
func (n *Namer) Len() int { return len(n.used) }

func (n *Namer) taken(name string) bool {
	_, ok := n.used[name]
	return ok
}

// BaseName proposes <label>-<seq>.png with seq zero-padded to 4 digits.
func BaseName(label string, seq int) string {
	return fmt.Sprintf("%s-%04d.png", cleanLabel(label), seq)
}

// cleanLabel keeps labels usable as file names.
func cleanLabel(label string) string {
	label = strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == '\\' || r == ':' || r == ' ':
			return '_'
		case r < 0x20:
			return -1
		}
		return r
	}, strings.TrimSpace(label))
	if label == "" || label == "." || label == ".." {
		return "canvas"
	}
	return label
}
