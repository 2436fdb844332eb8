// Package subscription decides which RDS event subscriptions a deployment
// needs for its trigger rule set.
package subscription

import (
	"github.com/aws-samples/rds-snapshot-export-to-s3-pipeline/internal/descriptor"
)

// SourceType is the RDS resource category an event subscription listens to.
type SourceType string

const (
	SourceTypeDBClusterSnapshot SourceType = "db-cluster-snapshot"
	SourceTypeDBSnapshot        SourceType = "db-snapshot"
)

// Spec describes one RDS event subscription to provision. All specs for a
// deployment publish into the same SNS topic, so the export function only
// subscribes once.
type Spec struct {
	// Name is the logical resource name, unique within the deployment.
	Name            string
	SourceType      SourceType
	EventCategories []string
}

// Resolve maps a rule set to the event subscriptions it requires.
//
// At most one creation-class subscription is emitted: Aurora cluster
// snapshots surface under the "backup" category of db-cluster-snapshot
// sources, while instance snapshots (automated or manual) surface under
// the "creation" category of db-snapshot sources. The cluster check runs
// first and wins. A backup-copy rule independently adds a "notification"
// subscription. A rule set matching neither produces no subscriptions,
// which is a valid, inert deployment.
func Resolve(rules descriptor.RuleSet) []Spec {
	var specs []Spec

	if rules.Contains(descriptor.EventAutomatedClusterSnapshotCreated) {
		specs = append(specs, Spec{
			Name:            "cluster-snapshot-backup",
			SourceType:      SourceTypeDBClusterSnapshot,
			EventCategories: []string{"backup"},
		})
	} else if rules.Contains(descriptor.EventAutomatedSnapshotCreated) ||
		rules.Contains(descriptor.EventManualSnapshotCreated) {
		specs = append(specs, Spec{
			Name:            "snapshot-creation",
			SourceType:      SourceTypeDBSnapshot,
			EventCategories: []string{"creation"},
		})
	}

	if rules.Contains(descriptor.EventSnapshotCopyFinished) {
		specs = append(specs, Spec{
			Name:            "snapshot-copy",
			SourceType:      SourceTypeDBSnapshot,
			EventCategories: []string{"notification"},
		})
	}

	return specs
}
