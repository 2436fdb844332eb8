package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

type fakeRDS struct {
	describeIn  *rds.DescribeDBSnapshotsInput
	describeOut *rds.DescribeDBSnapshotsOutput
	describeErr error
	startInputs []*rds.StartExportTaskInput
	startErrs   []error
}

func (f *fakeRDS) DescribeDBSnapshots(_ context.Context, in *rds.DescribeDBSnapshotsInput, _ ...func(*rds.Options)) (*rds.DescribeDBSnapshotsOutput, error) {
	f.describeIn = in
	if f.describeErr != nil {
		return nil, f.describeErr
	}
	return f.describeOut, nil
}

func (f *fakeRDS) StartExportTask(_ context.Context, in *rds.StartExportTaskInput, _ ...func(*rds.Options)) (*rds.StartExportTaskOutput, error) {
	if len(f.startErrs) > 0 {
		err := f.startErrs[0]
		f.startErrs = f.startErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	f.startInputs = append(f.startInputs, in)
	return &rds.StartExportTaskOutput{ExportTaskIdentifier: in.ExportTaskIdentifier}, nil
}

type fakeSTS struct{ account string }

func (f *fakeSTS) GetCallerIdentity(_ context.Context, _ *sts.GetCallerIdentityInput, _ ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	return &sts.GetCallerIdentityOutput{Account: aws.String(f.account)}, nil
}

type fakeLedger struct {
	items map[string]map[string]ddbtypes.AttributeValue
}

func (f *fakeLedger) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	id := in.Key["MessageId"].(*ddbtypes.AttributeValueMemberS).Value
	return &dynamodb.GetItemOutput{Item: f.items[id]}, nil
}

func (f *fakeLedger) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	id := in.Item["MessageId"].(*ddbtypes.AttributeValueMemberS).Value
	if f.items == nil {
		f.items = map[string]map[string]ddbtypes.AttributeValue{}
	}
	if _, ok := f.items[id]; ok {
		return nil, &ddbtypes.ConditionalCheckFailedException{}
	}
	f.items[id] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func testConfig() *Config {
	return &Config{
		Region:        "eu-west-1",
		DatabaseName:  "db-mysql-main",
		BucketName:    "db-mysql-main-exports",
		TaskRoleARN:   "arn:aws:iam::111122223333:role/snapshot-export-task",
		TaskKeyARN:    "arn:aws:kms:eu-west-1:111122223333:key/1234abcd",
		LedgerTable:   "snapshot-export-ledger",
		EventIDs:      []string{"RDS-EVENT-0091", "RDS-EVENT-0042", "RDS-EVENT-0197"},
		SnapshotTypes: []string{"AUTOMATED", "MANUAL", "BACKUP"},
		ExportModes:   []string{"snapshot", "snapshot", "snapshot"},
	}
}

func testHandler(cfg *Config, rdsClient *fakeRDS) *handler {
	return newHandler(cfg, rdsClient, &fakeSTS{account: "111122223333"}, &fakeLedger{}, log.New(io.Discard, "", 0))
}

func snsEvent(t *testing.T, messageID string, msg notification) events.SNSEvent {
	t.Helper()
	body, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal notification: %v", err)
	}
	return events.SNSEvent{Records: []events.SNSEventRecord{{
		EventSource: "aws:sns",
		SNS: events.SNSEntity{
			MessageID: messageID,
			Message:   string(body),
		},
	}}}
}

func TestHandleAutomatedSnapshot(t *testing.T) {
	rdsClient := &fakeRDS{}
	h := testHandler(testConfig(), rdsClient)

	event := snsEvent(t, "msg-1", notification{
		EventID:  "RDS-EVENT-0091",
		SourceID: "rds:db-mysql-main-2026-08-29-06-15",
	})
	if err := h.Handle(context.Background(), event); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(rdsClient.startInputs) != 1 {
		t.Fatalf("expected 1 export task, got %d", len(rdsClient.startInputs))
	}
	in := rdsClient.startInputs[0]
	wantARN := "arn:aws:rds:eu-west-1:111122223333:snapshot:rds:db-mysql-main-2026-08-29-06-15"
	if aws.ToString(in.SourceArn) != wantARN {
		t.Fatalf("source ARN: got %q, want %q", aws.ToString(in.SourceArn), wantARN)
	}
	if got := aws.ToString(in.ExportTaskIdentifier); got != "db-mysql-main-2026-08-2-msg-1" {
		t.Fatalf("task identifier: got %q", got)
	}
	if aws.ToString(in.S3BucketName) != "db-mysql-main-exports" {
		t.Fatalf("bucket: got %q", aws.ToString(in.S3BucketName))
	}
	if aws.ToString(in.S3Prefix) != "db-mysql-main" {
		t.Fatalf("prefix: got %q, want %q", aws.ToString(in.S3Prefix), "db-mysql-main")
	}
}

func TestHandleManualSnapshot(t *testing.T) {
	rdsClient := &fakeRDS{}
	h := testHandler(testConfig(), rdsClient)

	event := snsEvent(t, "msg-2", notification{
		EventID:  "RDS-EVENT-0042",
		SourceID: "db-mysql-main-final",
	})
	if err := h.Handle(context.Background(), event); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(rdsClient.startInputs) != 1 {
		t.Fatalf("expected 1 export task, got %d", len(rdsClient.startInputs))
	}
	in := rdsClient.startInputs[0]
	wantARN := "arn:aws:rds:eu-west-1:111122223333:snapshot:db-mysql-main-final"
	if aws.ToString(in.SourceArn) != wantARN {
		t.Fatalf("source ARN: got %q, want %q", aws.ToString(in.SourceArn), wantARN)
	}
	if got := aws.ToString(in.ExportTaskIdentifier); got != "db-mysql-main-final-msg-2" {
		t.Fatalf("task identifier: got %q", got)
	}
}

func TestHandleBackupSnapshot(t *testing.T) {
	created := time.Date(2026, 8, 29, 6, 15, 0, 0, time.UTC)
	rdsClient := &fakeRDS{
		describeOut: &rds.DescribeDBSnapshotsOutput{
			DBSnapshots: []rdstypes.DBSnapshot{{
				DBInstanceIdentifier: aws.String("db-mysql-main"),
				SnapshotCreateTime:   aws.Time(created),
			}},
		},
	}
	h := testHandler(testConfig(), rdsClient)

	sourceARN := "arn:aws:rds:eu-west-1:111122223333:snapshot:awsbackup:job-6a3f-1b2c"
	event := snsEvent(t, "msg-3", notification{
		EventID:   "RDS-EVENT-0197",
		SourceID:  "awsbackup:job-6a3f-1b2c",
		SourceARN: sourceARN,
	})
	if err := h.Handle(context.Background(), event); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if got := aws.ToString(rdsClient.describeIn.DBSnapshotIdentifier); got != "awsbackup:job-6a3f-1b2c" {
		t.Fatalf("described snapshot id: got %q", got)
	}
	if len(rdsClient.startInputs) != 1 {
		t.Fatalf("expected 1 export task, got %d", len(rdsClient.startInputs))
	}
	in := rdsClient.startInputs[0]
	if aws.ToString(in.SourceArn) != sourceARN {
		t.Fatalf("backup export must use the notification's source ARN, got %q", aws.ToString(in.SourceArn))
	}
	if got := aws.ToString(in.ExportTaskIdentifier); got != "db-mysql-main-2026-08-29-msg-3" {
		t.Fatalf("task identifier: got %q", got)
	}
}

func TestHandleBackupSnapshotForOtherDatabase(t *testing.T) {
	rdsClient := &fakeRDS{
		describeOut: &rds.DescribeDBSnapshotsOutput{
			DBSnapshots: []rdstypes.DBSnapshot{{
				DBInstanceIdentifier: aws.String("some-other-db"),
			}},
		},
	}
	h := testHandler(testConfig(), rdsClient)

	event := snsEvent(t, "msg-4", notification{
		EventID:   "RDS-EVENT-0197",
		SourceID:  "awsbackup:job-6a3f",
		SourceARN: "arn:aws:rds:eu-west-1:111122223333:snapshot:awsbackup:job-6a3f",
	})
	if err := h.Handle(context.Background(), event); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(rdsClient.startInputs) != 0 {
		t.Fatalf("export must not start for another database, got %d tasks", len(rdsClient.startInputs))
	}
}

func TestHandleIgnoresUnmatchedEvent(t *testing.T) {
	rdsClient := &fakeRDS{}
	h := testHandler(testConfig(), rdsClient)

	event := snsEvent(t, "msg-5", notification{
		EventID:  "RDS-EVENT-0005",
		SourceID: "db-mysql-main",
	})
	if err := h.Handle(context.Background(), event); err != nil {
		t.Fatalf("ignoring an unmatched event must not fail: %v", err)
	}
	if len(rdsClient.startInputs) != 0 {
		t.Fatalf("expected no export tasks, got %d", len(rdsClient.startInputs))
	}
}

func TestHandleManualClassificationRejectsAutomatedSource(t *testing.T) {
	cfg := testConfig()
	cfg.EventIDs = []string{"RDS-EVENT-0042"}
	cfg.SnapshotTypes = []string{"MANUAL"}
	cfg.ExportModes = []string{"snapshot"}
	rdsClient := &fakeRDS{}
	h := testHandler(cfg, rdsClient)

	event := snsEvent(t, "msg-6", notification{
		EventID:  "RDS-EVENT-0042",
		SourceID: "rds:db-mysql-main-2026-08-29-06-15",
	})
	if err := h.Handle(context.Background(), event); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(rdsClient.startInputs) != 0 {
		t.Fatalf("automated source id must not match a manual rule, got %d tasks", len(rdsClient.startInputs))
	}
}

func TestDuplicateDeliveryStartsOneExport(t *testing.T) {
	rdsClient := &fakeRDS{}
	h := testHandler(testConfig(), rdsClient)

	event := snsEvent(t, "msg-7", notification{
		EventID:  "RDS-EVENT-0091",
		SourceID: "rds:db-mysql-main-2026-08-29-06-15",
	})
	for i := 0; i < 2; i++ {
		if err := h.Handle(context.Background(), event); err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}
	if len(rdsClient.startInputs) != 1 {
		t.Fatalf("duplicate delivery must not start a second export, got %d", len(rdsClient.startInputs))
	}
}

func TestFailedExportIsRetriedOnRedelivery(t *testing.T) {
	rdsClient := &fakeRDS{startErrs: []error{errors.New("throttled")}}
	h := testHandler(testConfig(), rdsClient)

	event := snsEvent(t, "msg-8", notification{
		EventID:  "RDS-EVENT-0091",
		SourceID: "rds:db-mysql-main-2026-08-29-06-15",
	})
	if err := h.Handle(context.Background(), event); err == nil {
		t.Fatal("a failed export start must surface an error so the delivery is retried")
	}

	// redelivery of the same message must not be skipped by the ledger
	if err := h.Handle(context.Background(), event); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if len(rdsClient.startInputs) != 1 {
		t.Fatalf("redelivery must start the export, got %d tasks", len(rdsClient.startInputs))
	}
}

func TestTaskIdentifierIsCapped(t *testing.T) {
	rdsClient := &fakeRDS{}
	h := testHandler(testConfig(), rdsClient)

	event := snsEvent(t, strings.Repeat("a", 50), notification{
		EventID:  "RDS-EVENT-0042",
		SourceID: "db-mysql-main-yearly-archived-copy",
	})
	if err := h.Handle(context.Background(), event); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(rdsClient.startInputs) != 1 {
		t.Fatalf("expected 1 export task, got %d", len(rdsClient.startInputs))
	}
	if got := aws.ToString(rdsClient.startInputs[0].ExportTaskIdentifier); len(got) != maxTaskIdentifier {
		t.Fatalf("task identifier length: got %d, want %d", len(got), maxTaskIdentifier)
	}
}

func TestHandleSkipsNonSNSRecords(t *testing.T) {
	rdsClient := &fakeRDS{}
	h := testHandler(testConfig(), rdsClient)

	event := events.SNSEvent{Records: []events.SNSEventRecord{{
		EventSource: "aws:sqs",
	}}}
	if err := h.Handle(context.Background(), event); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(rdsClient.startInputs) != 0 {
		t.Fatalf("expected no export tasks, got %d", len(rdsClient.startInputs))
	}
}

func TestAutomatedTaskIdentifier(t *testing.T) {
	got := automatedTaskIdentifier("rds:db-mysql-main-2026-08-29-06-15", "msg")
	if got != "db-mysql-main-2026-08-2-msg" {
		t.Fatalf("got %q", got)
	}
	// short source ids clamp instead of panicking
	if got := automatedTaskIdentifier("rds:db-2026-01-02-03-04", "m"); got != "db-2026-01-02-03-04-m" {
		t.Fatalf("short source id: got %q", got)
	}
}

func TestManualTaskIdentifierCollapsesDoubleDash(t *testing.T) {
	if got := manualTaskIdentifier("db-mysql-main-snap-", "m"); got != "db-mysql-main-snap-m" {
		t.Fatalf("got %q", got)
	}
}

func TestSliceStringClamps(t *testing.T) {
	if got := sliceString("abc", 0, 24); got != "abc" {
		t.Fatalf("got %q", got)
	}
	if got := sliceString("abc", 4, 27); got != "" {
		t.Fatalf("got %q", got)
	}
}

func TestHandleMisalignedListsLoggedAndSkipped(t *testing.T) {
	cfg := testConfig()
	cfg.SnapshotTypes = []string{"AUTOMATED"}
	rdsClient := &fakeRDS{}
	h := testHandler(cfg, rdsClient)

	event := snsEvent(t, "msg-9", notification{
		EventID:  "RDS-EVENT-0091",
		SourceID: "rds:db-mysql-main-2026-08-29-06-15",
	})
	if err := h.Handle(context.Background(), event); err != nil {
		t.Fatalf("misaligned lists are a configuration error, not a retryable failure: %v", err)
	}
	if len(rdsClient.startInputs) != 0 {
		t.Fatalf("expected no export tasks, got %d", len(rdsClient.startInputs))
	}
}

func TestLoadConfigRequiresNames(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("DB_NAME", "")

	if _, err := loadConfig(); err == nil || !strings.Contains(err.Error(), "DB_NAME") {
		t.Fatalf("expected DB_NAME error, got %v", err)
	}
}

func TestLoadConfigEmptyRuleSet(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("RDS_EVENT_IDS", "")
	t.Setenv("RDS_SNAPSHOT_TYPES", "")
	t.Setenv("DB_SNAPSHOT_TYPES", "")

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("empty rule set must be valid: %v", err)
	}
	if len(cfg.EventIDs) != 0 {
		t.Fatalf("expected no event ids, got %v", cfg.EventIDs)
	}
}

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("AWS_REGION", "eu-west-1")
	t.Setenv("DB_NAME", "db-mysql-main")
	t.Setenv("SNAPSHOT_BUCKET_NAME", "db-mysql-main-exports")
	t.Setenv("SNAPSHOT_TASK_ROLE", "arn:aws:iam::111122223333:role/snapshot-export-task")
	t.Setenv("SNAPSHOT_TASK_KEY", "arn:aws:kms:eu-west-1:111122223333:key/1234abcd")
	t.Setenv("EXPORT_TASK_TABLE", "snapshot-export-ledger")
	t.Setenv("RDS_EVENT_IDS", "RDS-EVENT-0091")
	t.Setenv("RDS_SNAPSHOT_TYPES", "AUTOMATED")
	t.Setenv("DB_SNAPSHOT_TYPES", "snapshot")
}
