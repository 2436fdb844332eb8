package main

import (
	"github.com/pulumi/pulumi-aws/sdk/v5/go/aws"
	"github.com/pulumi/pulumi-aws/sdk/v5/go/aws/kms"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"

	"github.com/aws-samples/rds-snapshot-export-to-s3-pipeline/internal/policy"
)

// KeyResources holds the export encryption key
type KeyResources struct {
	Key *kms.Key
}

// createKeyResources creates the key exported snapshots are encrypted with.
// The key policy is the second phase of role resolution: it references the
// final role identities, so it is built after the roles exist. The deploying
// account's root principal always keeps full key administration.
func createKeyResources(ctx *pulumi.Context, roles *RoleResources) (*KeyResources, error) {
	caller, err := aws.GetCallerIdentity(ctx, nil, nil)
	if err != nil {
		return nil, err
	}

	keyPolicy := pulumi.All(roles.TriggerExecutor.Arn, roles.Crawler.Arn).ApplyT(func(args []interface{}) (string, error) {
		doc, err := policy.KeyPolicy(caller.AccountId, args[0].(string), args[1].(string))
		if err != nil {
			return "", err
		}
		return doc.JSON()
	}).(pulumi.StringOutput)

	key, err := kms.NewKey(ctx, "snapshot-export-key", &kms.KeyArgs{
		Description:       pulumi.String("Encrypts RDS snapshot exports"),
		EnableKeyRotation: pulumi.Bool(true),
		Policy:            keyPolicy,
		Tags: pulumi.StringMap{
			"Name": pulumi.String("snapshot-export-key"),
		},
	})
	if err != nil {
		return nil, err
	}

	return &KeyResources{
		Key: key,
	}, nil
}
