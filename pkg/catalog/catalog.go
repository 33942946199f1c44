// Package catalog defines the node catalog in its two forms: the raw
// payload as retrieved from a terminus, and the executable catalog whose
// resource graph has been resolved, ordered, and locked for application.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
)

// Resource is one declared resource in a catalog.
type Resource struct {
	// Type is the resource type (e.g. "file", "package", "service").
	Type string `json:"type"`

	// Title is the resource title, unique within its type.
	Title string `json:"title"`

	// Parameters are the desired-state parameters.
	Parameters map[string]any `json:"parameters,omitempty"`

	// Tags are free-form resource tags.
	Tags []string `json:"tags,omitempty"`
}

// Ref returns the canonical resource reference, e.g. "File[/etc/motd]".
func (r Resource) Ref() string {
	return fmt.Sprintf("%s[%s]", capitalize(r.Type), r.Title)
}

// capitalize upper-cases the first byte of an ASCII type name.
func capitalize(s string) string {
	if s == "" {
		return s
	}
	if s[0] >= 'a' && s[0] <= 'z' {
		return string(s[0]-'a'+'A') + s[1:]
	}
	return s
}

// Edge is one dependency edge between resource references: Target
// requires Source to be applied first.
type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// Raw is a catalog as retrieved: opaque to the orchestrator except for
// conversion to an executable Catalog.
type Raw struct {
	// Name is the node the catalog was compiled for.
	Name string `json:"name"`

	// Version is the catalog version, typically a compile timestamp.
	Version string `json:"version"`

	// Environment is the node's environment.
	Environment string `json:"environment,omitempty"`

	// Classes are the classes the catalog declares.
	Classes []string `json:"classes,omitempty"`

	// Resources are the declared resources.
	Resources []Resource `json:"resources"`

	// Edges are the declared dependency edges.
	Edges []Edge `json:"edges,omitempty"`
}

// ParseRaw decodes a raw catalog payload.
func ParseRaw(body []byte) (*Raw, error) {
	raw := &Raw{}
	if err := json.Unmarshal(body, raw); err != nil {
		return nil, fmt.Errorf("failed to decode catalog payload: %w", err)
	}
	if raw.Name == "" {
		return nil, fmt.Errorf("catalog payload has no node name")
	}
	return raw, nil
}

// Catalog is the executable form: a finalized resource graph ready for
// application. It must be finalized before application; mutation after
// finalization is rejected.
type Catalog struct {
	// Name is the node the catalog was compiled for.
	Name string

	// Version is the catalog version.
	Version string

	// Environment is the node's environment.
	Environment string

	// Classes are the classes the catalog declares.
	Classes []string

	// RetrievalDuration is how long retrieval took, measured by the
	// retriever and stamped during conversion.
	RetrievalDuration time.Duration

	resources map[string]Resource
	edges     []Edge
	order     []string
	finalized bool
}

// New creates an executable catalog from a raw one. The result is not
// yet finalized.
func New(raw *Raw) (*Catalog, error) {
	c := &Catalog{
		Name:        raw.Name,
		Version:     raw.Version,
		Environment: raw.Environment,
		Classes:     append([]string{}, raw.Classes...),
		resources:   make(map[string]Resource, len(raw.Resources)),
		edges:       append([]Edge{}, raw.Edges...),
	}

	for _, res := range raw.Resources {
		if res.Type == "" || res.Title == "" {
			return nil, fmt.Errorf("resource with empty type or title")
		}
		ref := res.Ref()
		if _, exists := c.resources[ref]; exists {
			return nil, fmt.Errorf("duplicate resource %s", ref)
		}
		c.resources[ref] = res
	}

	return c, nil
}

// Finalized reports whether the catalog has been finalized.
func (c *Catalog) Finalized() bool {
	return c.finalized
}

// AddResource adds a resource to an unfinalized catalog.
func (c *Catalog) AddResource(res Resource) error {
	if c.finalized {
		return fmt.Errorf("catalog is finalized")
	}
	ref := res.Ref()
	if _, exists := c.resources[ref]; exists {
		return fmt.Errorf("duplicate resource %s", ref)
	}
	c.resources[ref] = res
	return nil
}

// AddEdge adds a dependency edge to an unfinalized catalog.
func (c *Catalog) AddEdge(e Edge) error {
	if c.finalized {
		return fmt.Errorf("catalog is finalized")
	}
	c.edges = append(c.edges, e)
	return nil
}

// Finalize resolves the dependency edges, computes a deterministic
// application order (Kahn's algorithm, refs sorted within each level),
// and locks the catalog against further mutation. An edge referencing
// an unknown resource or a dependency cycle is a finalization error.
func (c *Catalog) Finalize() error {
	if c.finalized {
		return nil
	}

	inDegree := make(map[string]int, len(c.resources))
	dependents := make(map[string][]string, len(c.resources))
	for ref := range c.resources {
		inDegree[ref] = 0
	}

	for _, e := range c.edges {
		if _, ok := c.resources[e.Source]; !ok {
			return fmt.Errorf("edge references unknown resource %s", e.Source)
		}
		if _, ok := c.resources[e.Target]; !ok {
			return fmt.Errorf("edge references unknown resource %s", e.Target)
		}
		dependents[e.Source] = append(dependents[e.Source], e.Target)
		inDegree[e.Target]++
	}

	// Kahn's algorithm, level by level for a stable order.
	current := make([]string, 0)
	for ref, degree := range inDegree {
		if degree == 0 {
			current = append(current, ref)
		}
	}

	order := make([]string, 0, len(c.resources))
	for len(current) > 0 {
		sort.Strings(current)
		next := make([]string, 0)
		for _, ref := range current {
			order = append(order, ref)
			for _, dep := range dependents[ref] {
				inDegree[dep]--
				if inDegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		current = next
	}

	if len(order) != len(c.resources) {
		remaining := make([]string, 0)
		for ref, degree := range inDegree {
			if degree > 0 {
				remaining = append(remaining, ref)
			}
		}
		sort.Strings(remaining)
		return fmt.Errorf("dependency cycle involving: %s", strings.Join(remaining, ", "))
	}

	c.order = order
	c.finalized = true
	return nil
}

// Order returns the application order of resource references. Only
// valid on a finalized catalog.
func (c *Catalog) Order() []string {
	return append([]string{}, c.order...)
}

// Resource returns the resource for a reference.
func (c *Catalog) Resource(ref string) (Resource, bool) {
	res, ok := c.resources[ref]
	return res, ok
}

// Len returns the number of resources.
func (c *Catalog) Len() int {
	return len(c.resources)
}

// Dependencies returns the direct dependencies of a resource reference.
func (c *Catalog) Dependencies(ref string) []string {
	deps := make([]string, 0)
	for _, e := range c.edges {
		if e.Target == ref {
			deps = append(deps, e.Source)
		}
	}
	sort.Strings(deps)
	return deps
}

// WriteClassFile persists the catalog's class list, one class per line,
// for introspection by later tooling.
func (c *Catalog) WriteClassFile(path string) error {
	classes := append([]string{}, c.Classes...)
	sort.Strings(classes)
	content := strings.Join(classes, "\n")
	if content != "" {
		content += "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write class file: %w", err)
	}
	return nil
}

// WriteResourceFile persists the catalog's resource references, one per
// line.
func (c *Catalog) WriteResourceFile(path string) error {
	refs := make([]string, 0, len(c.resources))
	for ref := range c.resources {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	content := strings.Join(refs, "\n")
	if content != "" {
		content += "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write resource file: %w", err)
	}
	return nil
}
