// Package policy builds the IAM role specs and the KMS key policy for the
// export pipeline. Documents are constructed as typed values and marshalled
// to the provider's JSON policy language, so the permission graph can be
// tested without touching the cloud.
package policy

import (
	"encoding/json"
	"fmt"
)

const policyVersion = "2012-10-17"

// Service principals for the three trust boundaries.
const (
	ExportServicePrincipal  = "export.rds.amazonaws.com"
	LambdaServicePrincipal  = "lambda.amazonaws.com"
	CrawlerServicePrincipal = "glue.amazonaws.com"
)

// Managed policy bundles attached alongside inline permissions.
const (
	LambdaBasicExecutionPolicyARN = "arn:aws:iam::aws:policy/service-role/AWSLambdaBasicExecutionRole"
	GlueServicePolicyARN          = "arn:aws:iam::aws:policy/service-role/AWSGlueServiceRole"
)

// Principal identifies who a statement applies to.
type Principal struct {
	Service string   `json:"Service,omitempty"`
	AWS     []string `json:"AWS,omitempty"`
}

// Statement is a single policy statement.
type Statement struct {
	Sid       string                       `json:"Sid,omitempty"`
	Effect    string                       `json:"Effect"`
	Principal *Principal                   `json:"Principal,omitempty"`
	Action    []string                     `json:"Action"`
	Resource  []string                     `json:"Resource,omitempty"`
	Condition map[string]map[string]string `json:"Condition,omitempty"`
}

// Document is a policy document.
type Document struct {
	Version   string      `json:"Version"`
	Statement []Statement `json:"Statement"`
}

// JSON renders the document in the provider's policy language.
func (d Document) JSON() (string, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("marshal policy document: %w", err)
	}
	return string(b), nil
}

// AssumeRole returns the trust policy allowing the given service principal
// to assume a role.
func AssumeRole(service string) Document {
	return Document{
		Version: policyVersion,
		Statement: []Statement{{
			Effect:    "Allow",
			Principal: &Principal{Service: service},
			Action:    []string{"sts:AssumeRole"},
		}},
	}
}

// RoleSpec describes one of the pipeline's scoped roles: the service actor
// trusted to assume it, the managed bundles it carries, and its inline
// permissions.
type RoleSpec struct {
	Name              string
	ServicePrincipal  string
	ManagedPolicyARNs []string
	Inline            Document
}

// TrustPolicy returns the role's assume-role document.
func (r RoleSpec) TrustPolicy() Document {
	return AssumeRole(r.ServicePrincipal)
}

// ExportTaskRole builds the role the RDS export service assumes to write
// exported data. Permissions are scoped to the storage target's namespace,
// never account-wide. An unresolved bucket ARN is an ordering violation:
// building this role before the storage target exists would silently
// produce an unscoped or empty grant.
func ExportTaskRole(bucketARN string) (RoleSpec, error) {
	if bucketARN == "" {
		return RoleSpec{}, fmt.Errorf("export task role: storage target ARN is unresolved")
	}
	return RoleSpec{
		Name:             "snapshot-export-task",
		ServicePrincipal: ExportServicePrincipal,
		Inline: Document{
			Version: policyVersion,
			Statement: []Statement{
				{
					Sid:    "ExportObjects",
					Effect: "Allow",
					Action: []string{
						"s3:PutObject*",
						"s3:GetObject*",
						"s3:DeleteObject*",
					},
					Resource: []string{bucketARN + "/*"},
				},
				{
					Sid:    "LocateBucket",
					Effect: "Allow",
					Action: []string{
						"s3:ListBucket",
						"s3:GetBucketLocation",
					},
					Resource: []string{bucketARN},
				},
			},
		},
	}, nil
}

// TriggerExecutorRole builds the role the export function runs as. Snapshot
// describe/export actions are provider-wide because snapshot identifiers
// are not known ahead of time, but role delegation is pinned to the export
// task role so a compromised function cannot hand the export service any
// other identity.
func TriggerExecutorRole(exportTaskRoleARN, ledgerTableARN string) (RoleSpec, error) {
	if exportTaskRoleARN == "" {
		return RoleSpec{}, fmt.Errorf("trigger executor role: export task role ARN is unresolved")
	}
	if ledgerTableARN == "" {
		return RoleSpec{}, fmt.Errorf("trigger executor role: ledger table ARN is unresolved")
	}
	return RoleSpec{
		Name:              "snapshot-export-trigger",
		ServicePrincipal:  LambdaServicePrincipal,
		ManagedPolicyARNs: []string{LambdaBasicExecutionPolicyARN},
		Inline: Document{
			Version: policyVersion,
			Statement: []Statement{
				{
					Sid:    "StartExport",
					Effect: "Allow",
					Action: []string{
						"rds:StartExportTask",
						"rds:DescribeDBSnapshots",
					},
					Resource: []string{"*"},
				},
				{
					Sid:      "PassExportTaskRole",
					Effect:   "Allow",
					Action:   []string{"iam:PassRole"},
					Resource: []string{exportTaskRoleARN},
				},
				{
					Sid:    "ExportLedger",
					Effect: "Allow",
					Action: []string{
						"dynamodb:GetItem",
						"dynamodb:PutItem",
					},
					Resource: []string{ledgerTableARN},
				},
			},
		},
	}, nil
}

// CrawlerRole builds the role the catalog crawler assumes, restricted to
// the storage target plus the cataloging service's baseline bundle.
func CrawlerRole(bucketARN string) (RoleSpec, error) {
	if bucketARN == "" {
		return RoleSpec{}, fmt.Errorf("crawler role: storage target ARN is unresolved")
	}
	return RoleSpec{
		Name:              "snapshot-export-crawler",
		ServicePrincipal:  CrawlerServicePrincipal,
		ManagedPolicyARNs: []string{GlueServicePolicyARN},
		Inline: Document{
			Version: policyVersion,
			Statement: []Statement{{
				Sid:    "ReadExportedObjects",
				Effect: "Allow",
				Action: []string{
					"s3:GetObject",
					"s3:PutObject",
				},
				Resource: []string{bucketARN + "/*"},
			}},
		},
	}, nil
}

// KeyPolicy builds the encryption key policy. The deploying account's root
// principal always retains full key administration so a misconfigured role
// graph can never lock the account out of its own key. Grant management is
// conditioned on the grant targeting an in-provider resource, which keeps a
// compromised executor role from minting open-ended grants.
func KeyPolicy(accountID, executorRoleARN, crawlerRoleARN string) (Document, error) {
	if accountID == "" {
		return Document{}, fmt.Errorf("key policy: account id is unresolved")
	}
	if executorRoleARN == "" || crawlerRoleARN == "" {
		return Document{}, fmt.Errorf("key policy: role ARNs are unresolved")
	}
	return Document{
		Version: policyVersion,
		Statement: []Statement{
			{
				Sid:       "EnableRootAdministration",
				Effect:    "Allow",
				Principal: &Principal{AWS: []string{fmt.Sprintf("arn:aws:iam::%s:root", accountID)}},
				Action:    []string{"kms:*"},
				Resource:  []string{"*"},
			},
			{
				Sid:       "AllowKeyUse",
				Effect:    "Allow",
				Principal: &Principal{AWS: []string{executorRoleARN, crawlerRoleARN}},
				Action: []string{
					"kms:Encrypt",
					"kms:Decrypt",
					"kms:ReEncrypt*",
					"kms:GenerateDataKey*",
					"kms:DescribeKey",
				},
				Resource: []string{"*"},
			},
			{
				Sid:       "AllowGrantManagement",
				Effect:    "Allow",
				Principal: &Principal{AWS: []string{executorRoleARN}},
				Action: []string{
					"kms:CreateGrant",
					"kms:ListGrants",
					"kms:RevokeGrant",
				},
				Resource: []string{"*"},
				Condition: map[string]map[string]string{
					"Bool": {"kms:GrantIsForAWSResource": "true"},
				},
			},
		},
	}, nil
}
