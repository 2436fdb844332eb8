package main

import (
	"github.com/pulumi/pulumi-aws/sdk/v5/go/aws/lambda"
	"github.com/pulumi/pulumi-aws/sdk/v5/go/aws/sns"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"

	"github.com/aws-samples/rds-snapshot-export-to-s3-pipeline/internal/descriptor"
	"github.com/aws-samples/rds-snapshot-export-to-s3-pipeline/internal/triggerenv"
)

// TriggerResources holds the export trigger function
type TriggerResources struct {
	Function *lambda.Function
}

// createExportTrigger creates the function invoked on snapshot
// notifications and wires it to the notification channel. Its environment
// carries the rule set serialized into index-aligned lists plus the
// identities resolved earlier in the pass. The 30 second timeout is the
// invocation budget; retries beyond it belong to the notification system.
func createExportTrigger(ctx *pulumi.Context, deployment *descriptor.Deployment,
	storage *StorageResources, ledger *LedgerResources, roles *RoleResources,
	key *KeyResources, events *EventResources) (*TriggerResources, error) {

	lists := triggerenv.Serialize(deployment.Rules)

	fn, err := lambda.NewFunction(ctx, "snapshot-export-trigger", &lambda.FunctionArgs{
		Runtime:    pulumi.String("go1.x"),
		Code:       pulumi.NewFileArchive("build/exporter.zip"),
		Handler:    pulumi.String("main"),
		Role:       roles.TriggerExecutor.Arn,
		MemorySize: pulumi.Int(128),
		Timeout:    pulumi.Int(30),
		Environment: &lambda.FunctionEnvironmentArgs{
			Variables: pulumi.StringMap{
				triggerenv.EnvEventIDs:      pulumi.String(lists.EventIDs),
				triggerenv.EnvSnapshotTypes: pulumi.String(lists.SnapshotTypes),
				triggerenv.EnvExportModes:   pulumi.String(lists.ExportModes),
				triggerenv.EnvDatabaseName:  pulumi.String(deployment.DatabaseName),
				triggerenv.EnvBucketName:    storage.Bucket.ID(),
				triggerenv.EnvTaskRoleARN:   roles.ExportTask.Arn,
				triggerenv.EnvTaskKeyARN:    key.Key.Arn,
				triggerenv.EnvLedgerTable:   ledger.Table.Name,
				triggerenv.EnvLogLevel:      pulumi.String("info"),
			},
		},
		Tags: pulumi.StringMap{
			"Name": pulumi.String("snapshot-export-trigger"),
		},
	})
	if err != nil {
		return nil, err
	}

	// Allow SNS to invoke the trigger function
	_, err = lambda.NewPermission(ctx, "snapshot-export-trigger-permission", &lambda.PermissionArgs{
		Action:    pulumi.String("lambda:InvokeFunction"),
		Function:  fn.Name,
		Principal: pulumi.String("sns.amazonaws.com"),
		SourceArn: events.Topic.Arn,
	})
	if err != nil {
		return nil, err
	}

	// Subscribe the function to the notification channel, exactly once
	_, err = sns.NewTopicSubscription(ctx, "snapshot-export-trigger-subscription", &sns.TopicSubscriptionArgs{
		Topic:    events.Topic.Arn,
		Protocol: pulumi.String("lambda"),
		Endpoint: fn.Arn,
	})
	if err != nil {
		return nil, err
	}

	return &TriggerResources{
		Function: fn,
	}, nil
}
