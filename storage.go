package main

import (
	"github.com/pulumi/pulumi-aws/sdk/v5/go/aws/s3"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"

	"github.com/aws-samples/rds-snapshot-export-to-s3-pipeline/internal/descriptor"
)

// StorageResources holds the export destination bucket
type StorageResources struct {
	Bucket *s3.Bucket
}

// createStorageResources creates the private bucket exported snapshots land
// in. The bucket is retained on destroy so tearing down the pipeline never
// deletes exported data.
func createStorageResources(ctx *pulumi.Context, deployment *descriptor.Deployment) (*StorageResources, error) {
	bucket, err := s3.NewBucket(ctx, "snapshot-export-bucket", &s3.BucketArgs{
		Bucket: pulumi.String(deployment.BucketName),
		Acl:    pulumi.String("private"),
		// Configure server-side encryption
		ServerSideEncryptionConfiguration: &s3.BucketServerSideEncryptionConfigurationArgs{
			Rule: &s3.BucketServerSideEncryptionConfigurationRuleArgs{
				ApplyServerSideEncryptionByDefault: &s3.BucketServerSideEncryptionConfigurationRuleApplyServerSideEncryptionByDefaultArgs{
					SseAlgorithm: pulumi.String("AES256"),
				},
			},
		},
		Tags: pulumi.StringMap{
			"Name": pulumi.String(deployment.BucketName),
		},
	}, pulumi.RetainOnDelete(true))
	if err != nil {
		return nil, err
	}

	// Block all public access to the bucket
	_, err = s3.NewBucketPublicAccessBlock(ctx, "snapshot-export-bucket-access", &s3.BucketPublicAccessBlockArgs{
		Bucket:                bucket.ID(),
		BlockPublicAcls:       pulumi.Bool(true),
		BlockPublicPolicy:     pulumi.Bool(true),
		IgnorePublicAcls:      pulumi.Bool(true),
		RestrictPublicBuckets: pulumi.Bool(true),
	})
	if err != nil {
		return nil, err
	}

	return &StorageResources{
		Bucket: bucket,
	}, nil
}
