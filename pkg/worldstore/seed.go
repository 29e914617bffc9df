package worldstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/scribax/pkg/fault"
	"github.com/MrWong99/scribax/pkg/types"
)

// SeedFile is the top-level structure of a world seed YAML file. It declares
// the entities a campaign starts with, plus the relationships between them.
//
// Example:
//
//	world:
//	  name: "The Lost Mine of Phandelver"
//	  system: "dnd5e"
//	entities:
//	  - name: "Gundren Rockseeker"
//	    kind: npc
//	    description: "A dwarf merchant hiring adventurers."
//	    relationships:
//	      - target: "Phandalin"
//	        type: "lives_in"
type SeedFile struct {
	World    WorldMeta    `yaml:"world"`
	Entities []SeedEntity `yaml:"entities"`
}

// WorldMeta holds top-level metadata for a seeded world.
type WorldMeta struct {
	// Name is the world's display name.
	Name string `yaml:"name"`

	// Description is a free-text summary of the world.
	Description string `yaml:"description"`

	// System is the game system identifier (e.g. "dnd5e", "pf2e", "custom").
	System string `yaml:"system"`
}

// SeedEntity is the declarative form of one entity in a seed file. Kind is
// case-insensitive in YAML ("npc" and "NPC" both work).
type SeedEntity struct {
	ID            string             `yaml:"id"`
	Name          string             `yaml:"name"`
	Kind          string             `yaml:"kind"`
	Description   string             `yaml:"description"`
	Properties    map[string]string  `yaml:"properties,omitempty"`
	Tags          []string           `yaml:"tags,omitempty"`
	Visibility    []string           `yaml:"visibility,omitempty"`
	Relationships []SeedRelationship `yaml:"relationships,omitempty"`
}

// SeedRelationship declares a connection from the enclosing entity to another
// entity in the same seed file. Target is resolved against the seeded
// entities: first as an ID, then as a unique name.
type SeedRelationship struct {
	Target        string            `yaml:"target"`
	Type          string            `yaml:"type"`
	Properties    map[string]string `yaml:"properties,omitempty"`
	Bidirectional bool              `yaml:"bidirectional,omitempty"`
}

// SeedResult reports what an import created.
type SeedResult struct {
	// Entities is the number of entities stored.
	Entities int

	// Relationships is the number of relationships stored.
	Relationships int
}

// LoadSeedFile reads and parses a world seed YAML file from disk.
func LoadSeedFile(path string) (*SeedFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, "worldstore", fmt.Sprintf("open seed file %q", path), err)
	}
	defer f.Close()

	sf, err := LoadSeedFromReader(f)
	if err != nil {
		return nil, fault.Wrap(fault.Validation, "worldstore", fmt.Sprintf("parse seed file %q", path), err)
	}
	return sf, nil
}

// LoadSeedFromReader parses world seed YAML from an [io.Reader]. The reader
// is consumed entirely; the caller is responsible for closing it.
func LoadSeedFromReader(r io.Reader) (*SeedFile, error) {
	var sf SeedFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true) // reject unknown keys to catch typos
	if err := dec.Decode(&sf); err != nil {
		return nil, fault.Wrap(fault.Validation, "worldstore", "decode seed yaml", err)
	}
	return &sf, nil
}

// ImportSeed stores every entity and relationship declared in seed. Entities
// are validated and created first; relationships are resolved and created in
// a second pass, so a relationship may target an entity declared later in the
// file. An error aborts the import and returns the counts stored so far.
//
// Relationship targets are resolved within the seed file only: a target that
// matches a seeded entity's ID wins, otherwise the target must match exactly
// one seeded entity's name.
func ImportSeed(ctx context.Context, store Store, seed *SeedFile) (SeedResult, error) {
	var res SeedResult
	if seed == nil {
		return res, fault.New(fault.Validation, "worldstore", "seed must not be nil")
	}

	entities, err := seedEntities(seed)
	if err != nil {
		return res, err
	}

	ids := make(map[string]bool, len(entities))
	byName := make(map[string][]string, len(entities))
	for _, e := range entities {
		if err := store.CreateEntity(ctx, e); err != nil {
			return res, fault.Wrap(fault.KindOf(err), "worldstore", fmt.Sprintf("seed entity %q", e.Name), err)
		}
		res.Entities++
		ids[e.ID] = true
		byName[e.Name] = append(byName[e.Name], e.ID)
	}

	for i, se := range seed.Entities {
		fromID := entities[i].ID
		for _, sr := range se.Relationships {
			toID, err := resolveSeedTarget(sr.Target, ids, byName)
			if err != nil {
				return res, fault.Wrap(fault.Validation, "worldstore", fmt.Sprintf("relationship %q of entity %q", sr.Type, se.Name), err)
			}
			rel := &Relationship{
				FromID:        fromID,
				ToID:          toID,
				Type:          sr.Type,
				Properties:    sr.Properties,
				Bidirectional: sr.Bidirectional,
			}
			if err := store.CreateRelationship(ctx, rel); err != nil {
				return res, fault.Wrap(fault.KindOf(err), "worldstore", fmt.Sprintf("seed relationship %q of entity %q", sr.Type, se.Name), err)
			}
			res.Relationships++
		}
	}
	return res, nil
}

// seedEntities converts and validates every declared entity before anything
// is stored, so a bad declaration late in the file aborts the import early.
func seedEntities(seed *SeedFile) ([]*Entity, error) {
	entities := make([]*Entity, 0, len(seed.Entities))
	for i, se := range seed.Entities {
		e := &Entity{
			ID:          se.ID,
			Kind:        types.EntityKind(strings.ToUpper(strings.TrimSpace(se.Kind))),
			Name:        se.Name,
			Description: se.Description,
			Properties:  se.Properties,
			Tags:        se.Tags,
			Visibility:  se.Visibility,
		}
		if err := e.Validate(); err != nil {
			return nil, fault.Wrap(fault.Validation, "worldstore", fmt.Sprintf("seed entity %d (%q)", i, se.Name), err)
		}
		entities = append(entities, e)
	}
	return entities, nil
}

// resolveSeedTarget maps a relationship target to a seeded entity ID.
func resolveSeedTarget(target string, ids map[string]bool, byName map[string][]string) (string, error) {
	if target == "" {
		return "", fault.New(fault.Validation, "worldstore", "relationship target must not be empty")
	}
	if ids[target] {
		return target, nil
	}
	matches := byName[target]
	switch len(matches) {
	case 0:
		return "", fault.New(fault.Validation, "worldstore", "target %q matches no seeded entity", target)
	case 1:
		return matches[0], nil
	default:
		return "", fault.New(fault.Validation, "worldstore", "target %q is ambiguous, %d seeded entities share that name", target, len(matches))
	}
}
