package main

import (
	"github.com/pulumi/pulumi-aws/sdk/v5/go/aws/dynamodb"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
)

// LedgerResources holds the export task ledger
type LedgerResources struct {
	Table *dynamodb.Table
}

// createLedgerResources creates the DynamoDB table the export function uses
// to record started export tasks. Notification delivery is at-least-once,
// so duplicate deliveries of the same message must not start a second
// export task.
func createLedgerResources(ctx *pulumi.Context) (*LedgerResources, error) {
	table, err := dynamodb.NewTable(ctx, "snapshot-export-ledger", &dynamodb.TableArgs{
		Attributes: dynamodb.TableAttributeArray{
			&dynamodb.TableAttributeArgs{
				Name: pulumi.String("MessageId"),
				Type: pulumi.String("S"),
			},
		},
		HashKey:     pulumi.String("MessageId"),
		BillingMode: pulumi.String("PAY_PER_REQUEST"),
		Tags: pulumi.StringMap{
			"Name": pulumi.String("snapshot-export-ledger"),
		},
	})
	if err != nil {
		return nil, err
	}

	return &LedgerResources{
		Table: table,
	}, nil
}
