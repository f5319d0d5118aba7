package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/Ramsey-B/fern/pkg/cleaning"
	"github.com/Ramsey-B/fern/pkg/dedup"
	"github.com/Ramsey-B/fern/pkg/fingerprint"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/recovery"
	"github.com/Ramsey-B/fern/pkg/schema"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Snapshot is the pipeline configuration a batch runs against: schemas,
// cleaning tables, identity keys, thresholds, ceilings and the recovery
// policy. It is loaded once and never modified.
type Snapshot struct {
	// Label is a free-form name; the effective version is the content hash
	Label    string             `yaml:"label,omitempty" json:"label,omitempty"`
	Timezone string             `yaml:"timezone,omitempty" json:"timezone,omitempty"`
	Schemas  []schema.Schema    `yaml:"schemas" json:"schemas" validate:"required,min=1,dive"`
	Cleaning []cleaning.RuleSet `yaml:"cleaning,omitempty" json:"cleaning,omitempty" validate:"dive"`
	Dedup    []dedup.Rule       `yaml:"dedup,omitempty" json:"dedup,omitempty" validate:"dive"`
	Ceilings models.Ceilings    `yaml:"ceilings,omitempty" json:"ceilings"`
	Recovery recovery.Policy    `yaml:"recovery" json:"recovery"`
}

// Compiled is a snapshot with every component built from it
type Compiled struct {
	Snapshot *Snapshot
	Version  string
	Location *time.Location
	Registry *schema.Registry
	Cleaner  *cleaning.Engine
	Dedup    *dedup.Engine
	Ceilings models.Ceilings
	Recovery recovery.Policy
}

// LoadSnapshot reads and validates a YAML snapshot file
func LoadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot %s: %w", path, err)
	}
	return ParseSnapshot(data)
}

// ParseSnapshot decodes a YAML snapshot, fills defaults and validates it
func ParseSnapshot(data []byte) (*Snapshot, error) {
	snap := &Snapshot{
		Timezone: "UTC",
		Recovery: recovery.DefaultPolicy(),
	}
	if err := yaml.Unmarshal(data, snap); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot: %w", err)
	}

	ceilings := models.DefaultCeilings()
	for sev, v := range snap.Ceilings {
		ceilings[sev] = v
	}
	snap.Ceilings = ceilings

	if err := snap.Validate(); err != nil {
		return nil, err
	}
	return snap, nil
}

// Validate checks struct constraints plus what tags cannot express
func (s *Snapshot) Validate() error {
	if err := validate.Struct(s); err != nil {
		return validationError(err)
	}
	if _, err := time.LoadLocation(s.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", s.Timezone, err)
	}
	for sev, v := range s.Ceilings {
		if sev.Rank() == 0 {
			return fmt.Errorf("ceiling for unknown severity %q", sev)
		}
		if v < 0 || v > 1 {
			return fmt.Errorf("ceiling for %s must be within [0,1], got %v", sev, v)
		}
		if sev == models.SeverityCritical && v != 0 {
			return fmt.Errorf("ceiling for critical must be 0, got %v", v)
		}
	}
	return nil
}

// Version is the content hash of the snapshot. Two snapshots with the same
// content share a version whatever their file layout.
func (s *Snapshot) Version() (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return fingerprint.Bytes(data)[:16], nil
}

// Compile builds the registry and engines a batch runs with
func (s *Snapshot) Compile(logger ectologger.Logger) (*Compiled, error) {
	version, err := s.Version()
	if err != nil {
		return nil, err
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", s.Timezone, err)
	}

	registry, err := schema.NewRegistry(s.Schemas, loc, logger, cleaning.Deferrals(s.Cleaning)...)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schemas: %w", err)
	}
	cleaner, err := cleaning.NewEngine(s.Cleaning, registry, loc, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to compile cleaning rules: %w", err)
	}
	deduper, err := dedup.NewEngine(s.Dedup, registry, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to compile dedup rules: %w", err)
	}

	logger.WithFields(map[string]any{
		"config_version": version,
		"label":          s.Label,
		"entity_types":   registry.EntityTypes(),
	}).Info("compiled configuration snapshot")

	return &Compiled{
		Snapshot: s,
		Version:  version,
		Location: loc,
		Registry: registry,
		Cleaner:  cleaner,
		Dedup:    deduper,
		Ceilings: s.Ceilings,
		Recovery: s.Recovery,
	}, nil
}

func validationError(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	msg := "invalid snapshot:"
	for _, fe := range verrs {
		msg += fmt.Sprintf("\n • %s: rule '%s' expected '%s', got '%v'", fe.Namespace(), fe.Tag(), fe.Param(), fe.Value())
	}
	return fmt.Errorf("%s", msg)
}
