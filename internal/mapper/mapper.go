// Package mapper translates status, entity type, and priority vocabularies
// between the four federated systems.
//
// Translation is a two-hop lookup through the canonical vocabulary: a native
// source token is reverse-mapped to its canonical form, then forward-mapped
// to the target's native form. Custom (src, dst, kind) overrides short-circuit
// the canonical hop and take precedence over defaults.
package mapper

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/statusrelay/relay/internal/types"
)

// ErrUnmapped is wrapped by mapping failures in strict mode.
var ErrUnmapped = errors.New("unmapped value")

// ErrValidation is wrapped when a mapped status is rejected by the target's
// allow-list.
var ErrValidation = errors.New("mapping validation failed")

// UnmappedError reports a token with no translation for a system/kind pair.
type UnmappedError struct {
	Kind   Kind
	Value  string
	System types.SystemName
}

func (e *UnmappedError) Error() string {
	return fmt.Sprintf("mapper: no %s mapping for %q in system %s", e.Kind, e.Value, e.System)
}

func (e *UnmappedError) Unwrap() error { return ErrUnmapped }

// Options configures mapper behavior.
type Options struct {
	// Strict fails MapStatus on unmapped values instead of passing the
	// original token through.
	Strict bool

	// Bidirectional maintains the inverse custom table on AddCustomMapping.
	Bidirectional bool

	// EnableCustomMappings allows runtime overrides; when false,
	// AddCustomMapping returns an error.
	EnableCustomMappings bool

	// Validate checks mapped statuses against the target's allow-list.
	Validate bool
}

// DefaultOptions returns the mapper defaults: lenient, bidirectional,
// custom mappings enabled, validation on.
func DefaultOptions() Options {
	return Options{
		Strict:               false,
		Bidirectional:        true,
		EnableCustomMappings: true,
		Validate:             true,
	}
}

// customKey addresses a custom override table.
type customKey struct {
	src  types.SystemName
	dst  types.SystemName
	kind Kind
}

// MappedUpdate is a StatusUpdate translated into one target system's
// vocabulary, annotated with provenance.
type MappedUpdate struct {
	types.StatusUpdate

	OriginalSystem types.SystemName `json:"original_system"`
	TargetSystem   types.SystemName `json:"target_system"`
	MappedAt       time.Time        `json:"mapped_at"`
}

// TargetMapping is the per-target outcome of MapToAllSystems.
type TargetMapping struct {
	Update *MappedUpdate
	Err    error
}

// Mapper translates updates between system vocabularies. The default
// tables are immutable after construction; custom overrides and the
// derived allow-lists are guarded by a reader-writer lock.
type Mapper struct {
	opts    Options
	forward map[types.SystemName]map[Kind]map[string]string // canonical -> native
	reverse map[types.SystemName]map[Kind]map[string]string // native -> canonical

	mu     sync.RWMutex
	custom map[customKey]map[string]string

	// allowed is the default native status allow-list per system, fixed at
	// construction; customAllowed counts entries contributed by custom
	// mappings so removal can retract them.
	allowed       map[types.SystemName]map[string]bool
	customAllowed map[types.SystemName]map[string]int
}

// New creates a mapper with the compile-time default tables and derived
// reverse tables and allow-lists.
func New(opts Options) *Mapper {
	forward := defaultTables()
	reverse := make(map[types.SystemName]map[Kind]map[string]string, len(forward))
	allowed := make(map[types.SystemName]map[string]bool, len(forward))

	customAllowed := make(map[types.SystemName]map[string]int, len(forward))
	for system, kinds := range forward {
		reverse[system] = make(map[Kind]map[string]string, len(kinds))
		for kind, table := range kinds {
			inv := make(map[string]string, len(table))
			for canonical, native := range table {
				// Non-injective tables (vcs and agents fold several entity
				// types into one native token) need a deterministic
				// inverse: the identity entry wins, then the
				// lexicographically first canonical.
				existing, ok := inv[native]
				switch {
				case !ok:
					inv[native] = canonical
				case existing == native:
				case canonical == native:
					inv[native] = canonical
				case canonical < existing:
					inv[native] = canonical
				}
			}
			reverse[system][kind] = inv
		}
		allow := make(map[string]bool, len(kinds[KindStatus]))
		for _, native := range kinds[KindStatus] {
			allow[native] = true
		}
		allowed[system] = allow
		customAllowed[system] = make(map[string]int)
	}

	return &Mapper{
		opts:          opts,
		forward:       forward,
		reverse:       reverse,
		custom:        make(map[customKey]map[string]string),
		allowed:       allowed,
		customAllowed: customAllowed,
	}
}

// MapStatus translates update from src's vocabulary into dst's, covering
// status, entity type, priority, and metadata. The input is not mutated.
func (m *Mapper) MapStatus(update *types.StatusUpdate, src, dst types.SystemName) (*MappedUpdate, error) {
	if update == nil {
		return nil, fmt.Errorf("mapper: nil update")
	}
	if !src.Valid() {
		return nil, fmt.Errorf("mapper: unknown source system %q", src)
	}
	if !dst.Valid() {
		return nil, fmt.Errorf("mapper: unknown target system %q", dst)
	}

	out := update.Clone()

	status, err := m.mapValue(update.Status, src, dst, KindStatus)
	if err != nil {
		return nil, err
	}
	out.Status = status

	if update.PreviousStatus != "" {
		prev, err := m.mapValue(update.PreviousStatus, src, dst, KindStatus)
		if err == nil {
			out.PreviousStatus = prev
		}
		// Unmapped previous statuses pass through untranslated; the
		// transition check treats unknown values as "skip".
	}

	entity, err := m.mapValue(string(update.EntityType), src, dst, KindEntityType)
	if err != nil {
		return nil, err
	}
	// EntityType keeps the canonical token; the native projection rides in
	// metadata so the shared identity invariant holds across systems.
	nativeEntity := entity

	if update.Priority != "" {
		prio, err := m.mapValue(update.Priority, src, dst, KindPriority)
		if err != nil {
			return nil, err
		}
		out.Priority = prio
	}

	if m.opts.Validate {
		if err := m.validateStatus(status, dst); err != nil {
			return nil, err
		}
	}

	mapped := &MappedUpdate{
		StatusUpdate:   *out,
		OriginalSystem: src,
		TargetSystem:   dst,
		MappedAt:       time.Now().UTC(),
	}
	mapped.Metadata = m.mapMetadata(update.Metadata, nativeEntity, src, dst, mapped.MappedAt)
	return mapped, nil
}

// MapToAllSystems translates update into every known system's vocabulary.
// It never fails as a whole: per-target errors are captured in the result.
func (m *Mapper) MapToAllSystems(update *types.StatusUpdate, src types.SystemName) map[types.SystemName]*TargetMapping {
	results := make(map[types.SystemName]*TargetMapping, len(types.KnownSystems()))
	for _, dst := range types.KnownSystems() {
		mapped, err := m.MapStatus(update, src, dst)
		results[dst] = &TargetMapping{Update: mapped, Err: err}
	}
	return results
}

// AddCustomMapping registers an override translating srcVal (in src's
// vocabulary) to dstVal (in dst's) for the given kind. When bidirectional
// mapping is enabled the inverse entry is maintained as well. Custom status
// images are added to the target's allow-list.
func (m *Mapper) AddCustomMapping(src, dst types.SystemName, srcVal, dstVal string, kind Kind) error {
	if !m.opts.EnableCustomMappings {
		return fmt.Errorf("mapper: custom mappings are disabled")
	}
	if !kind.Valid() {
		return fmt.Errorf("mapper: unknown mapping kind %q", kind)
	}
	if !src.Valid() || !dst.Valid() {
		return fmt.Errorf("mapper: unknown system in custom mapping %s->%s", src, dst)
	}
	if srcVal == "" || dstVal == "" {
		return fmt.Errorf("mapper: empty value in custom mapping")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.addCustomLocked(src, dst, srcVal, dstVal, kind)
	if m.opts.Bidirectional {
		m.addCustomLocked(dst, src, dstVal, srcVal, kind)
	}
	return nil
}

func (m *Mapper) addCustomLocked(src, dst types.SystemName, srcVal, dstVal string, kind Kind) {
	key := customKey{src: src, dst: dst, kind: kind}
	table := m.custom[key]
	if table == nil {
		table = make(map[string]string)
		m.custom[key] = table
	}
	if kind == KindStatus {
		if old, ok := table[srcVal]; ok {
			m.releaseAllowedLocked(dst, old)
		}
		m.customAllowed[dst][dstVal]++
	}
	table[srcVal] = dstVal
}

// releaseAllowedLocked retracts one custom contribution to dst's status
// allow-list. Default entries are never touched.
func (m *Mapper) releaseAllowedLocked(dst types.SystemName, val string) {
	if n := m.customAllowed[dst][val]; n > 1 {
		m.customAllowed[dst][val] = n - 1
	} else {
		delete(m.customAllowed[dst], val)
	}
}

// RemoveCustomMapping deletes an override along with its allow-list
// contribution. The inverse entry is removed too when bidirectional
// mapping is enabled.
func (m *Mapper) RemoveCustomMapping(src, dst types.SystemName, srcVal string, kind Kind) error {
	if !kind.Valid() {
		return fmt.Errorf("mapper: unknown mapping kind %q", kind)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := customKey{src: src, dst: dst, kind: kind}
	table := m.custom[key]
	dstVal, ok := table[srcVal]
	if !ok {
		return fmt.Errorf("mapper: no custom %s mapping %s->%s for %q", kind, src, dst, srcVal)
	}
	delete(table, srcVal)
	if kind == KindStatus {
		m.releaseAllowedLocked(dst, dstVal)
	}

	if m.opts.Bidirectional {
		invKey := customKey{src: dst, dst: src, kind: kind}
		if inv := m.custom[invKey]; inv != nil {
			if image, ok := inv[dstVal]; ok {
				delete(inv, dstVal)
				if kind == KindStatus {
					m.releaseAllowedLocked(src, image)
				}
			}
		}
	}
	return nil
}

// mapValue performs the single-token translation: custom override first,
// then the two-hop canonical lookup, then strict/lenient fallback. Values
// already in canonical form (entity types always are) skip the reverse hop.
func (m *Mapper) mapValue(val string, src, dst types.SystemName, kind Kind) (string, error) {
	m.mu.RLock()
	if table, ok := m.custom[customKey{src: src, dst: dst, kind: kind}]; ok {
		if image, ok := table[val]; ok {
			m.mu.RUnlock()
			return image, nil
		}
	}
	m.mu.RUnlock()

	canonical, ok := m.reverse[src][kind][val]
	if !ok {
		if isCanonical(val, kind) {
			canonical = val
		} else {
			if m.opts.Strict {
				return "", &UnmappedError{Kind: kind, Value: val, System: src}
			}
			return val, nil
		}
	}
	native, ok := m.forward[dst][kind][canonical]
	if !ok {
		if m.opts.Strict {
			return "", &UnmappedError{Kind: kind, Value: canonical, System: dst}
		}
		return val, nil
	}
	return native, nil
}

// isCanonical reports whether val is already a canonical token of kind.
func isCanonical(val string, kind Kind) bool {
	switch kind {
	case KindStatus:
		return types.Status(val).Valid()
	case KindEntityType:
		return types.EntityType(val).Valid()
	case KindPriority:
		switch val {
		case "critical", "high", "normal", "low":
			return true
		}
	}
	return false
}

// validateStatus checks the mapped token against dst's status allow-list:
// the default native statuses plus any images of live custom mappings.
func (m *Mapper) validateStatus(status string, dst types.SystemName) error {
	m.mu.RLock()
	ok := m.allowed[dst][status] || m.customAllowed[dst][status] > 0
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("mapper: status %q not allowed by %s: %w", status, dst, ErrValidation)
	}
	return nil
}

// mapMetadata applies the per-target metadata transforms and appends the
// mappingInfo annotation.
func (m *Mapper) mapMetadata(meta map[string]interface{}, nativeEntity string, src, dst types.SystemName, mappedAt time.Time) map[string]interface{} {
	out := make(map[string]interface{}, len(meta)+2)

	switch dst {
	case types.SystemTracker:
		for k, v := range meta {
			if k == "labels" {
				out["labelIds"] = v
				continue
			}
			out[k] = v
		}
	case types.SystemVCS:
		for k, v := range meta {
			if k == "assignee" {
				if s, ok := v.(string); ok {
					out["assignees"] = []string{s}
					continue
				}
			}
			out[k] = v
		}
	case types.SystemDatabase:
		for k, v := range meta {
			out[k] = v
		}
		out["updated_at"] = mappedAt.Format(time.RFC3339)
	case types.SystemAgents:
		if len(meta) > 0 {
			job := make(map[string]interface{}, len(meta))
			for k, v := range meta {
				job[k] = v
			}
			out["jobMetadata"] = job
		}
	}

	out["mappingInfo"] = map[string]interface{}{
		"originalSystem": string(src),
		"targetSystem":   string(dst),
		"mappedAt":       mappedAt.Format(time.RFC3339),
		"entityType":     nativeEntity,
	}
	return out
}
