// The exporter function evaluates whether a triggering event notification
// is for an automated, manual or backup-service snapshot of the configured
// database, and starts an RDS snapshot export to S3 task if so. Events that
// do not correspond to a configured event id and database are logged and
// ignored. Duplicate deliveries of the same notification are absorbed by a
// DynamoDB ledger keyed by message id.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"regexp"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/aws-samples/rds-snapshot-export-to-s3-pipeline/internal/triggerenv"
)

const (
	snapshotKeyString  = ":snapshot:"
	backupSourcePrefix = "awsbackup:"
	backupJobPrefix    = "awsbackup:job-"
	maxTaskIdentifier  = 60
)

// Config holds the function environment. The three lists are index-aligned
// with the deployment's rule set.
type Config struct {
	Region        string
	DatabaseName  string
	BucketName    string
	TaskRoleARN   string
	TaskKeyARN    string
	LedgerTable   string
	EventIDs      []string
	SnapshotTypes []string
	ExportModes   []string
	Debug         bool
}

func loadConfig() (*Config, error) {
	cfg := &Config{
		Region:        os.Getenv("AWS_REGION"),
		DatabaseName:  os.Getenv(triggerenv.EnvDatabaseName),
		BucketName:    os.Getenv(triggerenv.EnvBucketName),
		TaskRoleARN:   os.Getenv(triggerenv.EnvTaskRoleARN),
		TaskKeyARN:    os.Getenv(triggerenv.EnvTaskKeyARN),
		LedgerTable:   os.Getenv(triggerenv.EnvLedgerTable),
		EventIDs:      triggerenv.Split(os.Getenv(triggerenv.EnvEventIDs)),
		SnapshotTypes: triggerenv.Split(os.Getenv(triggerenv.EnvSnapshotTypes)),
		ExportModes:   triggerenv.Split(os.Getenv(triggerenv.EnvExportModes)),
		Debug:         strings.EqualFold(os.Getenv(triggerenv.EnvLogLevel), "debug"),
	}

	for name, value := range map[string]string{
		"AWS_REGION":               cfg.Region,
		triggerenv.EnvDatabaseName: cfg.DatabaseName,
		triggerenv.EnvBucketName:   cfg.BucketName,
		triggerenv.EnvTaskRoleARN:  cfg.TaskRoleARN,
		triggerenv.EnvTaskKeyARN:   cfg.TaskKeyARN,
		triggerenv.EnvLedgerTable:  cfg.LedgerTable,
	} {
		if value == "" {
			return nil, fmt.Errorf("environment variable %s not set", name)
		}
	}
	return cfg, nil
}

// notification is the body of an RDS event published through SNS.
type notification struct {
	EventID   string `json:"Event ID"`
	SourceID  string `json:"Source ID"`
	SourceARN string `json:"Source ARN"`
}

// rdsAPI is the slice of the RDS client the handler uses.
type rdsAPI interface {
	DescribeDBSnapshots(ctx context.Context, params *rds.DescribeDBSnapshotsInput, optFns ...func(*rds.Options)) (*rds.DescribeDBSnapshotsOutput, error)
	StartExportTask(ctx context.Context, params *rds.StartExportTaskInput, optFns ...func(*rds.Options)) (*rds.StartExportTaskOutput, error)
}

type stsAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

type ledgerAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

type handler struct {
	cfg       *Config
	rds       rdsAPI
	sts       stsAPI
	ledger    ledgerAPI
	logger    *log.Logger
	automated *regexp.Regexp
	account   string
}

func newHandler(cfg *Config, rdsClient rdsAPI, stsClient stsAPI, ledgerClient ledgerAPI, logger *log.Logger) *handler {
	return &handler{
		cfg:       cfg,
		rds:       rdsClient,
		sts:       stsClient,
		ledger:    ledgerClient,
		logger:    logger,
		automated: regexp.MustCompile(`^rds:` + regexp.QuoteMeta(cfg.DatabaseName) + `-\d{4}-\d{2}-\d{2}-\d{2}-\d{2}$`),
	}
}

// ledgerRecord marks one notification as processed.
type ledgerRecord struct {
	MessageID            string `dynamodbav:"MessageId"`
	ExportTaskIdentifier string `dynamodbav:"ExportTaskIdentifier"`
	SourceARN            string `dynamodbav:"SourceArn"`
}

// Handle processes every SNS record in the invocation. Misaligned list
// configuration is logged and skipped rather than failed: there is nothing
// a notification-system retry could do about it.
func (h *handler) Handle(ctx context.Context, event events.SNSEvent) error {
	if err := triggerenv.Aligned(h.cfg.EventIDs, h.cfg.SnapshotTypes, h.cfg.ExportModes); err != nil {
		h.logger.Printf("configuration error: %v; recheck the function environment variables", err)
		return nil
	}

	for _, record := range event.Records {
		if record.EventSource != "aws:sns" {
			h.logger.Printf("skipping record from unsupported source %q", record.EventSource)
			continue
		}
		h.debugf("SNS message %s: %s", record.SNS.MessageID, record.SNS.Message)

		var msg notification
		if err := json.Unmarshal([]byte(record.SNS.Message), &msg); err != nil {
			return fmt.Errorf("parse notification %s: %w", record.SNS.MessageID, err)
		}
		if err := h.handleMessage(ctx, msg, record.SNS.MessageID); err != nil {
			return err
		}
	}
	return nil
}

// handleMessage correlates a notification against the configured rules in
// order; the first matching rule decides how the snapshot is processed.
func (h *handler) handleMessage(ctx context.Context, msg notification, messageID string) error {
	for i, eventID := range h.cfg.EventIDs {
		if !strings.HasSuffix(msg.EventID, eventID) {
			continue
		}
		switch h.cfg.SnapshotTypes[i] {
		case "AUTOMATED":
			if h.automated.MatchString(msg.SourceID) {
				return h.processSnapshot(ctx, msg, messageID, h.cfg.ExportModes[i], automatedTaskIdentifier(msg.SourceID, messageID))
			}
		case "MANUAL":
			if !h.automated.MatchString(msg.SourceID) && !strings.HasPrefix(msg.SourceID, backupSourcePrefix) {
				return h.processSnapshot(ctx, msg, messageID, h.cfg.ExportModes[i], manualTaskIdentifier(msg.SourceID, messageID))
			}
		case "BACKUP":
			if strings.HasPrefix(msg.SourceID, backupJobPrefix) {
				return h.processBackupSnapshot(ctx, msg, messageID)
			}
		}
	}

	h.logger.Printf("ignoring event notification for %s", msg.SourceID)
	h.logger.Printf("function is configured to accept %s notifications for %s only",
		strings.Join(h.cfg.EventIDs, ","), h.cfg.DatabaseName)
	return nil
}

// processSnapshot exports an automated or manual snapshot. The source ARN
// is constructed from the caller's account because creation events carry
// only the source identifier.
func (h *handler) processSnapshot(ctx context.Context, msg notification, messageID, exportMode, taskID string) error {
	account, err := h.accountID(ctx)
	if err != nil {
		return err
	}
	sourceARN := fmt.Sprintf("arn:aws:rds:%s:%s:%s:%s", h.cfg.Region, account, exportMode, msg.SourceID)
	return h.startExport(ctx, messageID, taskID, sourceARN)
}

// processBackupSnapshot handles a backup-service snapshot. The notification
// does not carry the database name, so the snapshot is described first and
// its instance identifier compared against the configured database.
func (h *handler) processBackupSnapshot(ctx context.Context, msg notification, messageID string) error {
	idx := strings.LastIndex(msg.SourceARN, snapshotKeyString)
	if idx < 0 {
		return fmt.Errorf("no snapshot identifier in source ARN %q", msg.SourceARN)
	}
	snapshotID := msg.SourceARN[idx+len(snapshotKeyString):]

	out, err := h.rds.DescribeDBSnapshots(ctx, &rds.DescribeDBSnapshotsInput{
		DBSnapshotIdentifier: aws.String(snapshotID),
	})
	if err != nil {
		return fmt.Errorf("describe snapshot %s of source %s: %w", snapshotID, msg.SourceID, err)
	}
	if len(out.DBSnapshots) == 0 {
		return fmt.Errorf("could not describe snapshot of source %s, snapshot id %s", msg.SourceID, snapshotID)
	}
	snapshot := out.DBSnapshots[0]
	h.debugf("described snapshot %s of source ARN %s", snapshotID, msg.SourceARN)

	instance := aws.ToString(snapshot.DBInstanceIdentifier)
	if instance != h.cfg.DatabaseName {
		h.logger.Printf("ignoring event notification for %s", msg.SourceID)
		h.logger.Printf("function is configured to accept notifications for backup jobs of %s only", h.cfg.DatabaseName)
		return nil
	}

	taskID := strings.ReplaceAll(instance+"-", "--", "-")
	if snapshot.SnapshotCreateTime != nil {
		taskID += snapshot.SnapshotCreateTime.Format("2006-01-02") + "-"
	}
	taskID += messageID
	return h.startExport(ctx, messageID, taskID, msg.SourceARN)
}

// startExport starts the export task, then records the message in the
// ledger. The order matters: a failed start must leave no ledger entry so
// the notification system's redelivery can retry it. Two concurrent
// deliveries of the same message can race past the ledger check; the task
// identifier is derived from the message id, so the provider rejects the
// second start instead of running a second export.
func (h *handler) startExport(ctx context.Context, messageID, taskID, sourceARN string) error {
	if len(taskID) > maxTaskIdentifier {
		taskID = taskID[:maxTaskIdentifier]
	}
	h.debugf("exportTaskIdentifier: %s", taskID)
	h.debugf("sourceARN: %s", sourceARN)

	processed, err := h.alreadyProcessed(ctx, messageID)
	if err != nil {
		return err
	}
	if processed {
		h.logger.Printf("notification %s already processed, skipping", messageID)
		return nil
	}

	out, err := h.rds.StartExportTask(ctx, &rds.StartExportTaskInput{
		ExportTaskIdentifier: aws.String(taskID),
		SourceArn:            aws.String(sourceARN),
		S3BucketName:         aws.String(h.cfg.BucketName),
		S3Prefix:             aws.String(h.cfg.DatabaseName),
		IamRoleArn:           aws.String(h.cfg.TaskRoleARN),
		KmsKeyId:             aws.String(h.cfg.TaskKeyARN),
	})
	if err != nil {
		return fmt.Errorf("start export task %s: %w", taskID, err)
	}
	h.logger.Printf("snapshot export task started: %s", aws.ToString(out.ExportTaskIdentifier))

	if err := h.recordExport(ctx, messageID, taskID, sourceARN); err != nil {
		// the export is already running; the task identifier keeps a
		// later redelivery from starting a second one
		h.logger.Printf("record notification %s: %v", messageID, err)
	}
	return nil
}

func (h *handler) alreadyProcessed(ctx context.Context, messageID string) (bool, error) {
	out, err := h.ledger.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(h.cfg.LedgerTable),
		ConsistentRead: aws.Bool(true),
		Key: map[string]ddbtypes.AttributeValue{
			"MessageId": &ddbtypes.AttributeValueMemberS{Value: messageID},
		},
	})
	if err != nil {
		return false, fmt.Errorf("look up notification %s: %w", messageID, err)
	}
	return len(out.Item) > 0, nil
}

func (h *handler) recordExport(ctx context.Context, messageID, taskID, sourceARN string) error {
	item, err := attributevalue.MarshalMap(ledgerRecord{
		MessageID:            messageID,
		ExportTaskIdentifier: taskID,
		SourceARN:            sourceARN,
	})
	if err != nil {
		return fmt.Errorf("marshal ledger record: %w", err)
	}

	_, err = h.ledger.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(h.cfg.LedgerTable),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(MessageId)"),
	})
	var conditionFailed *ddbtypes.ConditionalCheckFailedException
	if errors.As(err, &conditionFailed) {
		// another delivery recorded it first
		return nil
	}
	if err != nil {
		return fmt.Errorf("record notification %s: %w", messageID, err)
	}
	return nil
}

func (h *handler) accountID(ctx context.Context) (string, error) {
	if h.account != "" {
		return h.account, nil
	}
	out, err := h.sts.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", fmt.Errorf("get caller identity: %w", err)
	}
	h.account = aws.ToString(out.Account)
	return h.account, nil
}

func (h *handler) debugf(format string, args ...interface{}) {
	if h.cfg.Debug {
		h.logger.Printf(format, args...)
	}
}

// automatedTaskIdentifier derives the export task identifier for an
// automated snapshot: the timestamped part of the source id is trimmed and
// the message id appended so retried snapshots stay distinguishable.
func automatedTaskIdentifier(sourceID, messageID string) string {
	return strings.ReplaceAll(sliceString(sourceID, 4, 27)+"-", "--", "-") + messageID
}

// manualTaskIdentifier derives the export task identifier for a manual
// snapshot from the leading part of its source id.
func manualTaskIdentifier(sourceID, messageID string) string {
	return strings.ReplaceAll(sliceString(sourceID, 0, 24)+"-", "--", "-") + messageID
}

// sliceString returns s[start:end] with both bounds clamped to len(s).
func sliceString(s string, start, end int) string {
	if start > len(s) {
		start = len(s)
	}
	if end > len(s) {
		end = len(s)
	}
	return s[start:end]
}

func main() {
	logger := log.New(os.Stdout, "", log.LstdFlags)

	cfg, err := loadConfig()
	if err != nil {
		logger.Fatalf("configuration error: %v", err)
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background())
	if err != nil {
		logger.Fatalf("load AWS config: %v", err)
	}

	h := newHandler(cfg,
		rds.NewFromConfig(awsCfg),
		sts.NewFromConfig(awsCfg),
		dynamodb.NewFromConfig(awsCfg),
		logger)
	lambda.Start(h.Handle)
}
