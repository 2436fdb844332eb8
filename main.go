package main

import (
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi/config"

	"github.com/aws-samples/rds-snapshot-export-to-s3-pipeline/internal/descriptor"
)

func main() {
	pulumi.Run(func(ctx *pulumi.Context) error {
		cfg := config.New(ctx, "")
		descriptorPath := cfg.Get("descriptor")
		if descriptorPath == "" {
			descriptorPath = "pipeline.yaml"
		}

		deployment, err := descriptor.Load(descriptorPath)
		if err != nil {
			return err
		}

		// Construction follows the pipeline's dependency order: later
		// entities reference identities produced by earlier ones.

		// 1. Storage target (retained on destroy)
		storage, err := createStorageResources(ctx, deployment)
		if err != nil {
			return err
		}

		// 2. Export ledger table
		ledger, err := createLedgerResources(ctx)
		if err != nil {
			return err
		}

		// 3. Trust roles for the export task, trigger function and crawler
		roles, err := createRoleResources(ctx, storage, ledger)
		if err != nil {
			return err
		}

		// 4. Encryption key; its policy references the role identities
		key, err := createKeyResources(ctx, roles)
		if err != nil {
			return err
		}

		// 5. Notification channel and the event subscriptions feeding it
		events, err := createEventResources(ctx, deployment)
		if err != nil {
			return err
		}

		// 6. Export trigger function, subscribed once to the channel
		trigger, err := createExportTrigger(ctx, deployment, storage, ledger, roles, key, events)
		if err != nil {
			return err
		}

		// 7. Catalog database and crawler over the storage target
		catalog, err := createCatalogResources(ctx, deployment, storage, roles)
		if err != nil {
			return err
		}

		// Export storage and identity outputs
		ctx.Export("snapshotBucketName", storage.Bucket.ID())
		ctx.Export("exportTaskRoleArn", roles.ExportTask.Arn)
		ctx.Export("triggerExecutorRoleArn", roles.TriggerExecutor.Arn)
		ctx.Export("crawlerRoleArn", roles.Crawler.Arn)
		ctx.Export("exportKeyArn", key.Key.Arn)

		// Export event wiring outputs
		ctx.Export("notificationTopicArn", events.Topic.Arn)
		ctx.Export("eventSubscriptionCount", pulumi.Int(len(events.Subscriptions)))
		ctx.Export("exporterFunctionArn", trigger.Function.Arn)
		ctx.Export("exportLedgerTableName", ledger.Table.Name)

		// Export catalog outputs
		ctx.Export("catalogDatabaseName", catalog.Database.Name)

		return nil
	})
}
