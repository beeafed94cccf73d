package accounts

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/spigell/matchflow/internal/events"
	"github.com/spigell/matchflow/internal/store"
	"github.com/spigell/matchflow/internal/utils"
)

const (
	fieldEmail  = "email"
	fieldSkills = "skills"
)

// Patch is the typed view of an account.updated changedFields map. Only keys
// present in the map are applied.
type Patch struct {
	Email   string         `mapstructure:"email"`
	Skills  []string       `mapstructure:"skills"`
	Profile map[string]any `mapstructure:",remain"`

	present map[string]bool
}

// DecodePatch converts the raw changed fields. Shape errors are rejected.
func DecodePatch(changed map[string]any) (*Patch, error) {
	patch := &Patch{present: make(map[string]bool, len(changed))}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  patch,
		TagName: "mapstructure",
	})
	if err != nil {
		return nil, fmt.Errorf("build patch decoder: %w", err)
	}

	if err := decoder.Decode(changed); err != nil {
		return nil, events.Reject(fmt.Errorf("decode changed fields: %w", err))
	}

	for key := range changed {
		patch.present[key] = true
	}

	if patch.Has(fieldEmail) && strings.TrimSpace(patch.Email) == "" {
		return nil, events.Reject(fmt.Errorf("email cannot be cleared"))
	}

	return patch, nil
}

// Has reports whether key was part of the change set.
func (p *Patch) Has(key string) bool {
	return p.present[key]
}

// Apply merges the present fields into u and returns the keys it wrote. With
// a positive sequence a field is written only when sequence is newer than the
// last sequence that wrote that field. A profile key set to null is removed.
func (p *Patch) Apply(u *store.User, sequence int64) []string {
	var applied []string
	newer := func(key string) bool {
		if !p.Has(key) {
			return false
		}
		if sequence > 0 {
			if sequence <= u.FieldSequences[key] {
				return false
			}
			if u.FieldSequences == nil {
				u.FieldSequences = make(map[string]int64)
			}
			u.FieldSequences[key] = sequence
		}
		applied = append(applied, key)
		return true
	}

	if newer(fieldEmail) {
		u.Email = strings.TrimSpace(p.Email)
	}
	if newer(fieldSkills) {
		u.Skills = utils.UniqueStrings(p.Skills)
	}

	for _, key := range slices.Sorted(maps.Keys(p.Profile)) {
		if !newer(key) {
			continue
		}
		value := p.Profile[key]
		if value == nil {
			delete(u.Profile, key)
			continue
		}
		if u.Profile == nil {
			u.Profile = make(map[string]any, len(p.Profile))
		}
		u.Profile[key] = value
	}
	return applied
}
