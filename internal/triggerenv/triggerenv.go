// Package triggerenv assembles the environment contract between the
// provisioning program and the export function. The three list-valued
// entries are comma-joined and index-aligned with the deployment's rule
// set; the function relies on that alignment to correlate an incoming
// event back to its classification and export mode.
package triggerenv

import (
	"fmt"
	"strings"

	"github.com/aws-samples/rds-snapshot-export-to-s3-pipeline/internal/descriptor"
)

// Environment variable names consumed by the export function.
const (
	EnvEventIDs      = "RDS_EVENT_IDS"
	EnvSnapshotTypes = "RDS_SNAPSHOT_TYPES"
	EnvExportModes   = "DB_SNAPSHOT_TYPES"
	EnvDatabaseName  = "DB_NAME"
	EnvBucketName    = "SNAPSHOT_BUCKET_NAME"
	EnvTaskRoleARN   = "SNAPSHOT_TASK_ROLE"
	EnvTaskKeyARN    = "SNAPSHOT_TASK_KEY"
	EnvLedgerTable   = "EXPORT_TASK_TABLE"
	EnvLogLevel      = "LOG_LEVEL"
)

// Lists holds the serialized, index-aligned rule set.
type Lists struct {
	EventIDs      string
	SnapshotTypes string
	ExportModes   string
}

// Serialize renders the rule set into its three aligned lists. Alignment
// holds by construction: each list takes exactly one element per rule, in
// rule-set order.
func Serialize(rules descriptor.RuleSet) Lists {
	eventIDs := make([]string, len(rules))
	snapshotTypes := make([]string, len(rules))
	exportModes := make([]string, len(rules))
	for i, c := range rules {
		eventIDs[i] = string(c.EventID)
		snapshotTypes[i] = string(c.Classification)
		exportModes[i] = string(c.ExportMode())
	}
	return Lists{
		EventIDs:      strings.Join(eventIDs, ","),
		SnapshotTypes: strings.Join(snapshotTypes, ","),
		ExportModes:   strings.Join(exportModes, ","),
	}
}

// Split parses a comma-joined list back into its elements. An empty string
// yields an empty list, matching an empty rule set.
func Split(list string) []string {
	if list == "" {
		return nil
	}
	return strings.Split(list, ",")
}

// Aligned verifies that three parsed lists have equal length, the contract
// the export function depends on at invocation time.
func Aligned(eventIDs, snapshotTypes, exportModes []string) error {
	if len(eventIDs) != len(snapshotTypes) || len(eventIDs) != len(exportModes) {
		return fmt.Errorf("misaligned trigger configuration: %d event ids, %d snapshot types, %d export modes",
			len(eventIDs), len(snapshotTypes), len(exportModes))
	}
	return nil
}
