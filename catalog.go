package main

import (
	"github.com/pulumi/pulumi-aws/sdk/v5/go/aws/glue"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"

	"github.com/aws-samples/rds-snapshot-export-to-s3-pipeline/internal/descriptor"
)

// CatalogResources holds the catalog database and its crawler
type CatalogResources struct {
	Database *glue.CatalogDatabase
	Crawler  *glue.Crawler
}

// createCatalogResources creates the Glue catalog database and the crawler
// that registers exported snapshot schemas into it. The crawler's sole scan
// target is the database prefix under the export bucket, where the export
// tasks write, and its schema change policy deletes stale entries so the
// catalog always reflects current storage contents.
func createCatalogResources(ctx *pulumi.Context, deployment *descriptor.Deployment,
	storage *StorageResources, roles *RoleResources) (*CatalogResources, error) {

	database, err := glue.NewCatalogDatabase(ctx, "snapshot-export-catalog", &glue.CatalogDatabaseArgs{
		Name: pulumi.String(deployment.CatalogName()),
	})
	if err != nil {
		return nil, err
	}

	crawler, err := glue.NewCrawler(ctx, "snapshot-export-crawler", &glue.CrawlerArgs{
		DatabaseName: database.Name,
		Role:         roles.Crawler.Arn,
		S3Targets: glue.CrawlerS3TargetArray{
			&glue.CrawlerS3TargetArgs{
				Path: pulumi.Sprintf("s3://%s/%s/", storage.Bucket.ID(), deployment.DatabaseName),
			},
		},
		SchemaChangePolicy: &glue.CrawlerSchemaChangePolicyArgs{
			DeleteBehavior: pulumi.String("DELETE_FROM_DATABASE"),
			UpdateBehavior: pulumi.String("UPDATE_IN_DATABASE"),
		},
		Tags: pulumi.StringMap{
			"Name": pulumi.String("snapshot-export-crawler"),
		},
	})
	if err != nil {
		return nil, err
	}

	return &CatalogResources{
		Database: database,
		Crawler:  crawler,
	}, nil
}
