// Package descriptor defines the deployment descriptor for the snapshot
// export pipeline: which database to watch, where exports land, and which
// RDS events trigger an export.
package descriptor

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// EventID is an RDS event identifier a deployment can react to.
type EventID string

const (
	// EventAutomatedClusterSnapshotCreated fires when an automated Aurora
	// cluster snapshot has been created.
	EventAutomatedClusterSnapshotCreated EventID = "RDS-EVENT-0169"
	// EventAutomatedSnapshotCreated fires when an automated instance
	// snapshot has been created.
	EventAutomatedSnapshotCreated EventID = "RDS-EVENT-0091"
	// EventManualSnapshotCreated fires when a manual snapshot has been
	// created.
	EventManualSnapshotCreated EventID = "RDS-EVENT-0042"
	// EventSnapshotCopyFinished fires when a snapshot copy has finished,
	// which is how AWS Backup snapshots surface.
	EventSnapshotCopyFinished EventID = "RDS-EVENT-0197"
)

// Classification describes the origin of a snapshot.
type Classification string

const (
	ClassificationAutomated Classification = "AUTOMATED"
	ClassificationManual    Classification = "MANUAL"
	ClassificationBackup    Classification = "BACKUP"
)

// ExportMode is the RDS ARN resource type used when building the source
// ARN of an export task.
type ExportMode string

const (
	ExportModeClusterSnapshot ExportMode = "cluster-snapshot"
	ExportModeSnapshot        ExportMode = "snapshot"
)

// compatibleClassifications maps each known event to the classification it
// must be paired with. A pairing outside this table is a configuration
// error, not something to accept silently.
var compatibleClassifications = map[EventID]Classification{
	EventAutomatedClusterSnapshotCreated: ClassificationAutomated,
	EventAutomatedSnapshotCreated:        ClassificationAutomated,
	EventManualSnapshotCreated:           ClassificationManual,
	EventSnapshotCopyFinished:            ClassificationBackup,
}

// TriggerCondition pairs an RDS event with the snapshot classification the
// handler should treat it as.
type TriggerCondition struct {
	EventID        EventID        `yaml:"eventId"`
	Classification Classification `yaml:"snapshotType"`
}

// Validate checks that the event is known and the pairing is allowed.
func (c TriggerCondition) Validate() error {
	want, ok := compatibleClassifications[c.EventID]
	if !ok {
		return fmt.Errorf("unknown event id %q", c.EventID)
	}
	if c.Classification != want {
		return fmt.Errorf("event %s must pair with classification %s, got %q",
			c.EventID, want, c.Classification)
	}
	return nil
}

// ExportMode returns the export mode for the condition. Only automated
// Aurora cluster snapshots export as cluster snapshots, everything else is
// an instance snapshot.
func (c TriggerCondition) ExportMode() ExportMode {
	if c.EventID == EventAutomatedClusterSnapshotCreated {
		return ExportModeClusterSnapshot
	}
	return ExportModeSnapshot
}

// RuleSet is the ordered list of trigger conditions for one deployment.
// An empty rule set is valid and produces an inert deployment.
type RuleSet []TriggerCondition

// Validate validates every condition in order.
func (r RuleSet) Validate() error {
	for i, c := range r {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
	}
	return nil
}

// Contains reports whether any condition carries the given event id.
func (r RuleSet) Contains(id EventID) bool {
	for _, c := range r {
		if c.EventID == id {
			return true
		}
	}
	return false
}

// Deployment is the top-level descriptor driving one provisioning pass.
type Deployment struct {
	DatabaseName string  `yaml:"databaseName"`
	BucketName   string  `yaml:"bucketName"`
	Rules        RuleSet `yaml:"rules"`
}

// Validate checks required names and the rule set.
func (d *Deployment) Validate() error {
	if d.DatabaseName == "" {
		return fmt.Errorf("databaseName is required")
	}
	if d.BucketName == "" {
		return fmt.Errorf("bucketName is required")
	}
	if err := d.Rules.Validate(); err != nil {
		return fmt.Errorf("rules: %w", err)
	}
	return nil
}

// Parse decodes and validates a YAML deployment descriptor.
func Parse(data []byte) (*Deployment, error) {
	var d Deployment
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse descriptor: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("validate descriptor: %w", err)
	}
	return &d, nil
}

// Load reads and parses the descriptor at path.
func Load(path string) (*Deployment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read descriptor: %w", err)
	}
	return Parse(data)
}

var catalogNameInvalid = regexp.MustCompile(`[^A-Za-z0-9_]`)

// CatalogDatabaseName derives a Glue-safe catalog database name from a
// database name by replacing every character outside [A-Za-z0-9_] with an
// underscore. Deterministic and idempotent; two database names may
// normalize to the same catalog name, which is not guarded against.
func CatalogDatabaseName(databaseName string) string {
	return catalogNameInvalid.ReplaceAllString(databaseName, "_")
}

// CatalogName returns the catalog database name for the deployment's
// database.
func (d *Deployment) CatalogName() string {
	return CatalogDatabaseName(d.DatabaseName)
}
