package main

import (
	"github.com/pulumi/pulumi-aws/sdk/v5/go/aws/iam"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"

	"github.com/aws-samples/rds-snapshot-export-to-s3-pipeline/internal/policy"
)

// RoleResources holds the three trust roles of the pipeline
type RoleResources struct {
	ExportTask      *iam.Role
	TriggerExecutor *iam.Role
	Crawler         *iam.Role
}

// createRoleResources creates the export task, trigger executor and crawler
// roles. Inline documents come from the policy package; resource identities
// are injected once they resolve, and the builders fail instead of emitting
// an unscoped grant when a dependency is missing.
func createRoleResources(ctx *pulumi.Context, storage *StorageResources, ledger *LedgerResources) (*RoleResources, error) {
	// Create the role the RDS export service assumes to write into the bucket
	exportTrust, err := policy.AssumeRole(policy.ExportServicePrincipal).JSON()
	if err != nil {
		return nil, err
	}
	exportTaskRole, err := iam.NewRole(ctx, "snapshot-export-task-role", &iam.RoleArgs{
		AssumeRolePolicy: pulumi.String(exportTrust),
		Tags: pulumi.StringMap{
			"Name": pulumi.String("snapshot-export-task-role"),
		},
	})
	if err != nil {
		return nil, err
	}

	exportTaskPolicy, err := iam.NewPolicy(ctx, "snapshot-export-task-policy", &iam.PolicyArgs{
		Description: pulumi.String("Allows the RDS export service to write exported snapshots into the export bucket"),
		Policy: storage.Bucket.Arn.ApplyT(func(bucketARN string) (string, error) {
			spec, err := policy.ExportTaskRole(bucketARN)
			if err != nil {
				return "", err
			}
			return spec.Inline.JSON()
		}).(pulumi.StringOutput),
	})
	if err != nil {
		return nil, err
	}

	_, err = iam.NewRolePolicyAttachment(ctx, "snapshot-export-task-attachment", &iam.RolePolicyAttachmentArgs{
		Role:      exportTaskRole.Name,
		PolicyArn: exportTaskPolicy.Arn,
	})
	if err != nil {
		return nil, err
	}

	// Create the role the export trigger function runs as
	executorTrust, err := policy.AssumeRole(policy.LambdaServicePrincipal).JSON()
	if err != nil {
		return nil, err
	}
	executorRole, err := iam.NewRole(ctx, "snapshot-export-trigger-role", &iam.RoleArgs{
		AssumeRolePolicy: pulumi.String(executorTrust),
		Tags: pulumi.StringMap{
			"Name": pulumi.String("snapshot-export-trigger-role"),
		},
	})
	if err != nil {
		return nil, err
	}

	// Attach baseline execution logging to the trigger role
	_, err = iam.NewRolePolicyAttachment(ctx, "snapshot-export-trigger-logging", &iam.RolePolicyAttachmentArgs{
		Role:      executorRole.Name,
		PolicyArn: pulumi.String(policy.LambdaBasicExecutionPolicyARN),
	})
	if err != nil {
		return nil, err
	}

	executorPolicy, err := iam.NewPolicy(ctx, "snapshot-export-trigger-policy", &iam.PolicyArgs{
		Description: pulumi.String("Allows the trigger function to start export tasks and delegate only the export task role"),
		Policy: pulumi.All(exportTaskRole.Arn, ledger.Table.Arn).ApplyT(func(args []interface{}) (string, error) {
			spec, err := policy.TriggerExecutorRole(args[0].(string), args[1].(string))
			if err != nil {
				return "", err
			}
			return spec.Inline.JSON()
		}).(pulumi.StringOutput),
	})
	if err != nil {
		return nil, err
	}

	_, err = iam.NewRolePolicyAttachment(ctx, "snapshot-export-trigger-attachment", &iam.RolePolicyAttachmentArgs{
		Role:      executorRole.Name,
		PolicyArn: executorPolicy.Arn,
	})
	if err != nil {
		return nil, err
	}

	// Create the role the catalog crawler assumes
	crawlerTrust, err := policy.AssumeRole(policy.CrawlerServicePrincipal).JSON()
	if err != nil {
		return nil, err
	}
	crawlerRole, err := iam.NewRole(ctx, "snapshot-export-crawler-role", &iam.RoleArgs{
		AssumeRolePolicy: pulumi.String(crawlerTrust),
		Tags: pulumi.StringMap{
			"Name": pulumi.String("snapshot-export-crawler-role"),
		},
	})
	if err != nil {
		return nil, err
	}

	// Attach the cataloging service's baseline bundle to the crawler role
	_, err = iam.NewRolePolicyAttachment(ctx, "snapshot-export-crawler-service", &iam.RolePolicyAttachmentArgs{
		Role:      crawlerRole.Name,
		PolicyArn: pulumi.String(policy.GlueServicePolicyARN),
	})
	if err != nil {
		return nil, err
	}

	crawlerPolicy, err := iam.NewPolicy(ctx, "snapshot-export-crawler-policy", &iam.PolicyArgs{
		Description: pulumi.String("Allows the catalog crawler to read exported snapshots from the export bucket"),
		Policy: storage.Bucket.Arn.ApplyT(func(bucketARN string) (string, error) {
			spec, err := policy.CrawlerRole(bucketARN)
			if err != nil {
				return "", err
			}
			return spec.Inline.JSON()
		}).(pulumi.StringOutput),
	})
	if err != nil {
		return nil, err
	}

	_, err = iam.NewRolePolicyAttachment(ctx, "snapshot-export-crawler-attachment", &iam.RolePolicyAttachmentArgs{
		Role:      crawlerRole.Name,
		PolicyArn: crawlerPolicy.Arn,
	})
	if err != nil {
		return nil, err
	}

	return &RoleResources{
		ExportTask:      exportTaskRole,
		TriggerExecutor: executorRole,
		Crawler:         crawlerRole,
	}, nil
}
