// Package extract pulls HubSpot entities into the bronze sink. The entity
// registry declares what to pull and how; the full and incremental
// extractors execute one entity at a time; the runner fans out across
// entities.
package extract

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// =====================================================
// ENTITY DESCRIPTORS
// =====================================================

// SourceKind selects the fetch strategy for an entity.
type SourceKind string

const (
	// KindSimpleList pages a plain GET list endpoint.
	KindSimpleList SourceKind = "simple-list"
	// KindObjectList pages /crm/v3/objects/{object}.
	KindObjectList SourceKind = "object-list"
	// KindSearch drives /crm/v3/objects/{object}/search; such entities
	// also support plain listing for full loads.
	KindSearch SourceKind = "search-capable"
	// KindCustom pages a primary endpoint and falls back to a legacy one.
	KindCustom SourceKind = "custom"
	// KindComposite pages a parent list, then fetches one dependent
	// object per parent id.
	KindComposite SourceKind = "composite"
)

// Mode declares when an entity runs.
type Mode string

const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
	// ModeOptional entities run in full loads only when explicitly
	// enabled; they usually need account-specific configuration first.
	ModeOptional Mode = "optional"
)

// ChildSpec configures the dependent half of a composite entity.
type ChildSpec struct {
	// Path is the dependent endpoint with an {id} placeholder.
	Path string `yaml:"path"`
	// IDField names the parent field carrying the id. Defaults to "id".
	IDField string `yaml:"id_field"`
	// TagField names the child field that receives the parent id.
	TagField string `yaml:"tag_field"`
}

// Entity describes one source. Descriptors are static configuration; the
// registry hands out copies so callers cannot mutate shared state.
type Entity struct {
	// Name is the bronze table name, e.g. "crm_owners".
	Name string     `yaml:"name"`
	Kind SourceKind `yaml:"kind"`
	Mode Mode       `yaml:"mode"`

	// Path is the list endpoint for simple-list, custom and composite
	// parents. Object-backed kinds derive their paths from Object.
	Path string `yaml:"path"`
	// Object is the CRM object type for object-list and search-capable.
	Object string `yaml:"object"`

	// PageSize is sent as the limit parameter; zero omits it.
	PageSize int `yaml:"page_size"`
	// ResultsField defaults to "results".
	ResultsField string `yaml:"results_field"`
	// Query adds fixed query parameters to list requests.
	Query map[string]string `yaml:"query"`

	// ChangeField is the search filter property for incremental runs.
	// Defaults to "hs_lastmodifieddate".
	ChangeField string `yaml:"change_field"`
	// Properties restricts which properties search responses carry.
	Properties []string `yaml:"properties"`

	// FallbackPath and FallbackQuery configure the legacy endpoint for
	// custom entities. The fallback may answer with a bare JSON array.
	FallbackPath  string            `yaml:"fallback_path"`
	FallbackQuery map[string]string `yaml:"fallback_query"`

	// Child is required for composite entities.
	Child *ChildSpec `yaml:"child"`

	// Format overrides the sink's default part encoding (jsonl|parquet).
	Format string `yaml:"format"`
}

// ListPath returns the plain list endpoint for the entity.
func (e Entity) ListPath() string {
	switch e.Kind {
	case KindObjectList, KindSearch:
		return "/crm/v3/objects/" + e.Object
	default:
		return e.Path
	}
}

// SearchPath returns the search endpoint for search-capable entities.
func (e Entity) SearchPath() string {
	return "/crm/v3/objects/" + e.Object + "/search"
}

// =====================================================
// REGISTRY
// =====================================================

// Registry is an immutable table of entity descriptors.
type Registry struct {
	entities []Entity
}

// NewRegistry validates and normalizes descriptors. Order is preserved;
// names must be unique.
func NewRegistry(entities []Entity) (*Registry, error) {
	seen := make(map[string]bool, len(entities))
	out := make([]Entity, 0, len(entities))
	for i, e := range entities {
		normalizeEntity(&e)
		if err := validateEntity(e); err != nil {
			return nil, fmt.Errorf("entity %d (%s): %w", i, e.Name, err)
		}
		if seen[e.Name] {
			return nil, fmt.Errorf("duplicate entity name %q", e.Name)
		}
		seen[e.Name] = true
		out = append(out, e)
	}
	return &Registry{entities: out}, nil
}

func normalizeEntity(e *Entity) {
	if e.Mode == "" {
		e.Mode = ModeFull
	}
	if e.ResultsField == "" {
		e.ResultsField = "results"
	}
	if e.Kind == KindSearch {
		if e.ChangeField == "" {
			e.ChangeField = "hs_lastmodifieddate"
		}
		if e.PageSize == 0 {
			e.PageSize = 100
		}
	}
	if e.Kind == KindObjectList && e.PageSize == 0 {
		e.PageSize = 100
	}
	if e.Child != nil && e.Child.IDField == "" {
		e.Child.IDField = "id"
	}
}

func validateEntity(e Entity) error {
	if e.Name == "" {
		return fmt.Errorf("name is required")
	}
	switch e.Kind {
	case KindSimpleList, KindCustom:
		if e.Path == "" {
			return fmt.Errorf("kind %s requires a path", e.Kind)
		}
	case KindObjectList:
		// Optional entities may stay unconfigured until an account
		// declares its custom object types.
		if e.Object == "" && e.Mode != ModeOptional {
			return fmt.Errorf("kind %s requires an object type", e.Kind)
		}
	case KindSearch:
		if e.Object == "" {
			return fmt.Errorf("kind %s requires an object type", e.Kind)
		}
	case KindComposite:
		if e.Path == "" {
			return fmt.Errorf("kind %s requires a parent path", e.Kind)
		}
		if e.Child == nil {
			return fmt.Errorf("kind %s requires a child spec", e.Kind)
		}
		if !strings.Contains(e.Child.Path, "{id}") {
			return fmt.Errorf("child path %q needs an {id} placeholder", e.Child.Path)
		}
		if e.Child.TagField == "" {
			return fmt.Errorf("child spec requires a tag_field")
		}
	default:
		return fmt.Errorf("unknown source kind %q", e.Kind)
	}
	switch e.Mode {
	case ModeFull, ModeIncremental, ModeOptional:
	default:
		return fmt.Errorf("unknown extraction mode %q", e.Mode)
	}
	if e.Mode == ModeIncremental && e.Kind != KindSearch {
		return fmt.Errorf("incremental mode requires a search-capable source")
	}
	return nil
}

// Entities returns a copy of every descriptor in declaration order.
func (r *Registry) Entities() []Entity {
	return append([]Entity(nil), r.entities...)
}

// Get looks up a descriptor by name.
func (r *Registry) Get(name string) (Entity, bool) {
	for _, e := range r.entities {
		if e.Name == name {
			return e, true
		}
	}
	return Entity{}, false
}

// Subset restricts the registry to the named entities, preserving
// declaration order. Naming nothing returns the registry unchanged;
// unknown names fail.
func (r *Registry) Subset(names ...string) (*Registry, error) {
	if len(names) == 0 {
		return r, nil
	}
	want := make(map[string]bool, len(names))
	for _, name := range names {
		want[name] = true
	}
	var out []Entity
	for _, e := range r.entities {
		if want[e.Name] {
			out = append(out, e)
			delete(want, e.Name)
		}
	}
	if len(want) > 0 {
		missing := make([]string, 0, len(want))
		for name := range want {
			missing = append(missing, name)
		}
		sort.Strings(missing)
		return nil, fmt.Errorf("unknown entities: %s", strings.Join(missing, ", "))
	}
	return &Registry{entities: out}, nil
}

// ForMode selects the entities a run covers. Full loads include
// incremental entities (their object list seeds the snapshot) and, when
// includeOptional is set, optional ones. Incremental loads cover only
// incremental entities.
func (r *Registry) ForMode(mode Mode, includeOptional bool) []Entity {
	var out []Entity
	for _, e := range r.entities {
		switch mode {
		case ModeFull:
			if e.Mode == ModeFull || e.Mode == ModeIncremental ||
				(e.Mode == ModeOptional && includeOptional) {
				out = append(out, e)
			}
		case ModeIncremental:
			if e.Mode == ModeIncremental {
				out = append(out, e)
			}
		}
	}
	return out
}

// =====================================================
// BUILT-IN SOURCES + YAML OVERRIDES
// =====================================================

// registryFile is the on-disk shape consumed by LoadRegistry.
type registryFile struct {
	// Replace drops the built-in sources instead of merging over them.
	Replace  bool     `yaml:"replace"`
	Entities []Entity `yaml:"entities"`
}

// DefaultRegistry lists the sources the connector ingests out of the box.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(defaultEntities())
	if err != nil {
		// The built-in table is validated by tests; a failure here is a
		// programming error.
		panic(fmt.Sprintf("built-in entity registry invalid: %v", err))
	}
	return r
}

func defaultEntities() []Entity {
	return []Entity{
		{
			Name: "crm_owners", Kind: KindCustom, Mode: ModeFull,
			Path: "/crm/v3/owners/", PageSize: 500,
			FallbackPath:  "/owners/v2/owners",
			FallbackQuery: map[string]string{"count": "500"},
		},
		{
			Name: "crm_marketing_events", Kind: KindObjectList, Mode: ModeFull,
			Object: "marketing_events",
			Query:  map[string]string{"archived": "false"},
		},
		{
			Name: "crm_feedback_submissions", Kind: KindSearch, Mode: ModeIncremental,
			Object: "feedback_submissions",
			Query:  map[string]string{"archived": "false"},
		},
		{
			Name: "crm_partner_clients", Kind: KindObjectList, Mode: ModeFull,
			Object: "partner-clients",
			Query:  map[string]string{"archived": "false"},
		},
		{
			Name: "crm_partner_services", Kind: KindObjectList, Mode: ModeFull,
			Object: "partner-services",
			Query:  map[string]string{"archived": "false"},
		},
		{
			// Requires account-specific objectTypeIds; configure the
			// object via a registry file before enabling.
			Name: "crm_custom_objects", Kind: KindObjectList, Mode: ModeOptional,
			Query: map[string]string{"archived": "false"},
		},
		{
			Name: "scheduler_meeting_links", Kind: KindSimpleList, Mode: ModeFull,
			Path: "/scheduler/v3/meetings/meeting-links", PageSize: 100,
		},
		{
			Name: "marketing_campaigns", Kind: KindSimpleList, Mode: ModeFull,
			Path: "/marketing/v3/campaigns", PageSize: 100,
		},
		{
			Name: "marketing_campaign_revenue", Kind: KindComposite, Mode: ModeFull,
			Path: "/marketing/v3/campaigns", PageSize: 100,
			Child: &ChildSpec{
				Path:     "/marketing/v3/campaigns/{id}/reports/revenue",
				IDField:  "id",
				TagField: "_campaignGuid",
			},
		},
		{
			Name: "settings_currencies", Kind: KindSimpleList, Mode: ModeFull,
			Path: "/settings/v3/currencies",
		},
		{
			Name: "cms_domains", Kind: KindSimpleList, Mode: ModeFull,
			Path: "/cms/v3/domains",
		},
		{
			Name: "tax_rates", Kind: KindSimpleList, Mode: ModeFull,
			Path: "/crm/v3/taxes/tax-rates",
		},
		{
			Name: "comm_pref_definitions", Kind: KindSimpleList, Mode: ModeFull,
			Path:  "/communication-preferences/v4/definitions",
			Query: map[string]string{"includeTranslations": "true"},
		},
	}
}

// LoadRegistry reads a YAML registry file. File entities override built-in
// ones by name and otherwise append; replace: true starts from an empty
// table instead.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry file: %w", err)
	}
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse registry file %s: %w", path, err)
	}

	if file.Replace {
		return NewRegistry(file.Entities)
	}

	merged := defaultEntities()
	index := make(map[string]int, len(merged))
	for i, e := range merged {
		index[e.Name] = i
	}
	for _, e := range file.Entities {
		if i, ok := index[e.Name]; ok {
			merged[i] = e
		} else {
			merged = append(merged, e)
		}
	}
	return NewRegistry(merged)
}
