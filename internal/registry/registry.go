package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"

	"github.com/qaforge/orchestrator-core/internal/eventtypes"
)

// Sentinel errors (spec §7 taxonomy: Validation, Not-found, Conflict).
var (
	ErrValidation  = errors.New("registry: validation failed")
	ErrNotFound    = errors.New("registry: not found")
	ErrConflict    = errors.New("registry: conflict")
)

var semverPattern = regexp.MustCompile(`^\d+\.\d+\.\d+(-[0-9A-Za-z.-]+)?$`)

// Format selects the textual encoding for import/export (spec §4.3
// `import_from_text`/`export_to_text`).
type Format string

const (
	FormatYAML  Format = "yaml"
	FormatJSON5 Format = "json5"
)

// key identifies one version of an agent.
type key struct {
	agentID string
	version string
}

// SkillLookup reports whether a skill name is known, for validating an
// agent's available_skills (spec §4.3 "every declared skill name must
// resolve to a known tool/skill").
type SkillLookup interface {
	HasSkill(name string) bool
}

// Registry stores AgentDefinitions and SkillDefinitions. One Registry is
// typically owned by the application root (spec §9).
type Registry struct {
	logger *slog.Logger

	mu     sync.RWMutex
	agents map[key]*AgentDefinition
	// order preserves registration order per agent id, for "latest" resolution
	// and for list_versions stability.
	order map[string][]string

	skills map[string]*SkillDefinition

	skillLookup SkillLookup
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger overrides the component logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithSkillLookup supplies the skill-existence check used by Validate.
func WithSkillLookup(lookup SkillLookup) Option {
	return func(r *Registry) {
		r.skillLookup = lookup
	}
}

// New creates an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		logger: slog.Default().With("component", "registry"),
		agents: make(map[key]*AgentDefinition),
		order:  make(map[string][]string),
		skills: make(map[string]*SkillDefinition),
	}
	for _, opt := range opts {
		opt(r)
	}
	// A Registry is its own default skill lookup when none supplied.
	if r.skillLookup == nil {
		r.skillLookup = r
	}
	return r
}

// HasSkill implements SkillLookup against this registry's own skill table.
func (r *Registry) HasSkill(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.skills[name]
	return ok
}

// Validate checks the declarative invariants from spec §4.3. Unknown
// skills are recorded on the definition (not rejected); everything else
// listed is a hard validation error.
func (r *Registry) Validate(def *AgentDefinition) error {
	if def.Metadata.ID == "" {
		return fmt.Errorf("%w: metadata.id is required", ErrValidation)
	}
	if !semverPattern.MatchString(def.Metadata.Version) {
		return fmt.Errorf("%w: metadata.version %q is not valid semver", ErrValidation, def.Metadata.Version)
	}
	for _, t := range def.Triggers {
		if !eventtypes.Priority(t.Priority).Valid() {
			return fmt.Errorf("%w: trigger priority %q is not one of the four enum values", ErrValidation, t.Priority)
		}
	}
	for _, pool := range def.EventPools {
		if pool == "" {
			return fmt.Errorf("%w: event_pools entries must be non-empty strings", ErrValidation)
		}
	}

	var unknown []string
	for _, name := range def.AvailableSkills {
		if !r.skillLookup.HasSkill(name) {
			unknown = append(unknown, name)
		}
	}
	def.UnknownSkills = unknown
	if len(unknown) > 0 {
		r.logger.Warn("agent declares unknown skills", "agent_id", def.Metadata.ID, "unknown_skills", unknown)
	}
	return nil
}

// Register validates and stores a new definition version as draft (spec
// §4.3 `register(def) → id`).
func (r *Registry) Register(def AgentDefinition) (string, error) {
	if err := r.Validate(&def); err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{agentID: def.Metadata.ID, version: def.Metadata.Version}
	if _, exists := r.agents[k]; exists {
		return "", fmt.Errorf("%w: agent %s version %s already registered", ErrConflict, k.agentID, k.version)
	}
	def.Status = StatusDraft
	stored := def
	r.agents[k] = &stored
	r.order[def.Metadata.ID] = append(r.order[def.Metadata.ID], def.Metadata.Version)
	return def.Metadata.ID, nil
}

// Get returns a specific version, or the latest-by-semver if version is
// empty (spec §4.3 `get(agent_id, version? → latest)`).
func (r *Registry) Get(agentID, version string) (AgentDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if version == "" {
		return r.latestLocked(agentID)
	}
	def, ok := r.agents[key{agentID: agentID, version: version}]
	if !ok {
		return AgentDefinition{}, fmt.Errorf("%w: agent %s version %s", ErrNotFound, agentID, version)
	}
	return *def, nil
}

func (r *Registry) latestLocked(agentID string) (AgentDefinition, error) {
	versions := append([]string(nil), r.order[agentID]...)
	if len(versions) == 0 {
		return AgentDefinition{}, fmt.Errorf("%w: agent %s", ErrNotFound, agentID)
	}
	sort.Slice(versions, func(i, j int) bool { return semverLess(versions[j], versions[i]) })
	return *r.agents[key{agentID: agentID, version: versions[0]}], nil
}

// latestPublishedLocked returns the highest-semver published version of
// agentID, skipping draft and deprecated versions. A newer draft staged
// alongside a live published version must not hide it from event routing
// (spec §4.3 "event routing only resolves published versions").
func (r *Registry) latestPublishedLocked(agentID string) (AgentDefinition, bool) {
	versions := append([]string(nil), r.order[agentID]...)
	sort.Slice(versions, func(i, j int) bool { return semverLess(versions[j], versions[i]) })
	for _, v := range versions {
		def := r.agents[key{agentID: agentID, version: v}]
		if def.Status == StatusPublished {
			return *def, true
		}
	}
	return AgentDefinition{}, false
}

// ListVersions returns all registered versions for an agent id (spec §4.3
// `list_versions(agent_id)`).
func (r *Registry) ListVersions(agentID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := append([]string(nil), r.order[agentID]...)
	sort.Slice(out, func(i, j int) bool { return semverLess(out[j], out[i]) })
	return out
}

// TriggerEventTypes returns the deduplicated set of event types declared
// across every stored agent version's triggers, regardless of
// publication status. Used by the application root to wire
// internal/router.Router.SubscribeTriggers at startup (spec §9).
func (r *Registry) TriggerEventTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var out []string
	for _, def := range r.agents {
		for _, t := range def.Triggers {
			if t.EventType == "" || seen[t.EventType] {
				continue
			}
			seen[t.EventType] = true
			out = append(out, t.EventType)
		}
	}
	sort.Strings(out)
	return out
}

// Filter narrows List to agents matching a status and/or goal kind. A
// zero-value field means "no constraint".
type Filter struct {
	Status AgentStatus
	Goal   GoalKind
}

// List returns all agent definitions (latest version per id) matching filter.
func (r *Registry) List(filter Filter) []AgentDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.order))
	for id := range r.order {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []AgentDefinition
	for _, id := range ids {
		def, err := r.latestLocked(id)
		if err != nil {
			continue
		}
		if filter.Status != "" && def.Status != filter.Status {
			continue
		}
		if filter.Goal != "" && def.Goal != filter.Goal {
			continue
		}
		out = append(out, def)
	}
	return out
}

// Publish transitions a version to published (spec §4.3 `publish`).
func (r *Registry) Publish(agentID, version string) error {
	return r.setStatus(agentID, version, StatusPublished)
}

// Deprecate transitions a version to deprecated (spec §4.3 `deprecate`).
func (r *Registry) Deprecate(agentID, version string) error {
	return r.setStatus(agentID, version, StatusDeprecated)
}

func (r *Registry) setStatus(agentID, version string, status AgentStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	def, ok := r.agents[key{agentID: agentID, version: version}]
	if !ok {
		return fmt.Errorf("%w: agent %s version %s", ErrNotFound, agentID, version)
	}
	def.Status = status
	return nil
}

// Delete removes a definition version entirely (spec §4.3 `delete`).
func (r *Registry) Delete(agentID, version string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key{agentID: agentID, version: version}
	if _, ok := r.agents[k]; !ok {
		return fmt.Errorf("%w: agent %s version %s", ErrNotFound, agentID, version)
	}
	delete(r.agents, k)
	versions := r.order[agentID]
	for i, v := range versions {
		if v == version {
			r.order[agentID] = append(versions[:i], versions[i+1:]...)
			break
		}
	}
	return nil
}

// RegisterSkill stores a skill definition (loaded once at startup per
// spec §3 SkillDefinition lifecycle).
func (r *Registry) RegisterSkill(skill SkillDefinition) error {
	if skill.Name == "" {
		return fmt.Errorf("%w: skill name is required", ErrValidation)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := skill
	r.skills[skill.Name] = &stored
	return nil
}

// GetSkill returns a registered skill by name.
func (r *Registry) GetSkill(name string) (SkillDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.skills[name]
	if !ok {
		return SkillDefinition{}, false
	}
	return *s, true
}

// ResolveForEvent returns every published agent definition whose triggers
// contain eventType and whose payload filters all match by equality
// (spec §4.3 `resolve_for_event`). Ties are not broken — all matches are
// returned.
func (r *Registry) ResolveForEvent(ctx context.Context, eventType string, payload map[string]any) []AgentDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.order))
	for id := range r.order {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var matches []AgentDefinition
	for _, id := range ids {
		// One version per id: the latest published one. Collapsing here
		// keeps a single event from dispatching twice to the same agent.
		def, ok := r.latestPublishedLocked(id)
		if !ok {
			continue
		}
		for _, t := range def.Triggers {
			if t.EventType != eventType {
				continue
			}
			if filtersMatch(t.Filters, payload) {
				matches = append(matches, def)
				break
			}
		}
	}
	return matches
}

func filtersMatch(filters map[string]string, payload map[string]any) bool {
	for k, want := range filters {
		got, ok := payload[k]
		if !ok {
			return false
		}
		if fmt.Sprintf("%v", got) != want {
			return false
		}
	}
	return true
}

// ImportFromText parses text in the given format into an AgentDefinition
// and registers it (spec §4.3 `import_from_text`).
func (r *Registry) ImportFromText(text []byte, format Format) (string, error) {
	var def AgentDefinition
	switch format {
	case FormatYAML, "":
		if err := yaml.Unmarshal(text, &def); err != nil {
			return "", fmt.Errorf("%w: yaml parse: %v", ErrValidation, err)
		}
	case FormatJSON5:
		if err := json5.Unmarshal(text, &def); err != nil {
			return "", fmt.Errorf("%w: json5 parse: %v", ErrValidation, err)
		}
	default:
		return "", fmt.Errorf("%w: unsupported format %q", ErrValidation, format)
	}
	return r.Register(def)
}

// ExportToText renders a stored definition back to text with a stable
// field order (metadata → goal → triggers → event_pools → subagents →
// available_skills → default_tools → permissions → config), so repeated
// round trips produce minimal diffs (SPEC_FULL.md "Supplemented features").
func (r *Registry) ExportToText(agentID, version string, format Format) ([]byte, error) {
	def, err := r.Get(agentID, version)
	if err != nil {
		return nil, err
	}
	switch format {
	case FormatYAML, "":
		return yaml.Marshal(exportOrder(def))
	case FormatJSON5:
		return json5.Marshal(exportOrder(def))
	default:
		return nil, fmt.Errorf("%w: unsupported format %q", ErrValidation, format)
	}
}

// exportDoc pins marshal field order explicitly; relying on Go struct
// field order in AgentDefinition would couple internal layout to the
// wire format.
type exportDoc struct {
	Metadata        Metadata            `yaml:"metadata" json:"metadata"`
	Goal            GoalKind            `yaml:"goal" json:"goal"`
	GoalDescription string              `yaml:"goal_description,omitempty" json:"goal_description,omitempty"`
	Triggers        []Trigger           `yaml:"triggers" json:"triggers"`
	EventPools      []string            `yaml:"event_pools" json:"event_pools"`
	Subagents       []SubagentRef       `yaml:"subagents,omitempty" json:"subagents,omitempty"`
	AvailableSkills []string            `yaml:"available_skills,omitempty" json:"available_skills,omitempty"`
	DefaultTools    []string            `yaml:"default_tools,omitempty" json:"default_tools,omitempty"`
	Permissions     map[string][]string `yaml:"permissions,omitempty" json:"permissions,omitempty"`
	Config          ExecutionConfig     `yaml:"config" json:"config"`
}

func exportOrder(def AgentDefinition) exportDoc {
	return exportDoc{
		Metadata:        def.Metadata,
		Goal:            def.Goal,
		GoalDescription: def.GoalDescription,
		Triggers:        def.Triggers,
		EventPools:      def.EventPools,
		Subagents:       def.Subagents,
		AvailableSkills: def.AvailableSkills,
		DefaultTools:    def.DefaultTools,
		Permissions:     def.Permissions,
		Config:          def.Config,
	}
}

// semverLess compares two MAJOR.MINOR.PATCH strings numerically. If either
// side is malformed the two strings are compared lexically instead;
// registration-time validation (which already rejected malformed semver)
// remains the real guard.
func semverLess(a, b string) bool {
	pa, oka := parseSemver(a)
	pb, okb := parseSemver(b)
	if !oka || !okb {
		return a < b
	}
	for i := 0; i < 3; i++ {
		if pa[i] != pb[i] {
			return pa[i] < pb[i]
		}
	}
	return false
}

func parseSemver(v string) ([3]int, bool) {
	var out [3]int
	var cur, field int
	for i := 0; i <= len(v); i++ {
		if i == len(v) || v[i] == '.' || v[i] == '-' {
			if field > 2 {
				return out, true
			}
			out[field] = cur
			field++
			cur = 0
			if i < len(v) && v[i] == '-' {
				break
			}
			continue
		}
		c := v[i]
		if c < '0' || c > '9' {
			return out, false
		}
		cur = cur*10 + int(c-'0')
	}
	return out, field == 3
}
