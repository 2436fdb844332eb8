package main

import (
	"github.com/pulumi/pulumi-aws/sdk/v5/go/aws/rds"
	"github.com/pulumi/pulumi-aws/sdk/v5/go/aws/sns"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"

	"github.com/aws-samples/rds-snapshot-export-to-s3-pipeline/internal/descriptor"
	"github.com/aws-samples/rds-snapshot-export-to-s3-pipeline/internal/subscription"
)

// EventResources holds the notification channel and its feeding subscriptions
type EventResources struct {
	Topic         *sns.Topic
	Subscriptions []*rds.EventSubscription
}

// createEventResources creates the SNS topic and the RDS event
// subscriptions the rule set resolves to. Every subscription publishes into
// the same topic, so the export function only subscribes once. A rule set
// resolving to no subscriptions provisions an inert but valid deployment.
func createEventResources(ctx *pulumi.Context, deployment *descriptor.Deployment) (*EventResources, error) {
	topic, err := sns.NewTopic(ctx, "snapshot-events", &sns.TopicArgs{
		Tags: pulumi.StringMap{
			"Name": pulumi.String("snapshot-events"),
		},
	})
	if err != nil {
		return nil, err
	}

	specs := subscription.Resolve(deployment.Rules)
	subs := make([]*rds.EventSubscription, 0, len(specs))
	for _, spec := range specs {
		sub, err := rds.NewEventSubscription(ctx, spec.Name, &rds.EventSubscriptionArgs{
			SnsTopic:        topic.Arn,
			SourceType:      pulumi.String(string(spec.SourceType)),
			EventCategories: pulumi.ToStringArray(spec.EventCategories),
			Tags: pulumi.StringMap{
				"Name": pulumi.String(spec.Name),
			},
		})
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}

	return &EventResources{
		Topic:         topic,
		Subscriptions: subs,
	}, nil
}
