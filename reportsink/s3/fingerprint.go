package s3

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DDBClient is the interface for DynamoDB operations.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

// FingerprintIndex deduplicates uploads across a fleet: the first process
// to record a payload digest wins the upload, every later holder of the
// same digest skips it. The claim is a DynamoDB conditional write, so two
// processes crashing on the same bug at the same instant cannot both win.
//
// Table schema:
//
//	aws dynamodb create-table \
//	  --table-name memsan-fingerprints \
//	  --attribute-definitions AttributeName=fingerprint,AttributeType=S \
//	  --key-schema AttributeName=fingerprint,KeyType=HASH \
//	  --billing-mode PAY_PER_REQUEST
type FingerprintIndex struct {
	client DDBClient
	table  string
}

// NewFingerprintIndex creates a fingerprint index backed by the named
// DynamoDB table.
func NewFingerprintIndex(client DDBClient, table string) *FingerprintIndex {
	return &FingerprintIndex{
		client: client,
		table:  table,
	}
}

// Add records fingerprint as first seen under objectKey. It returns false
// when another process already holds the fingerprint.
func (x *FingerprintIndex) Add(ctx context.Context, fingerprint, objectKey string, size int) (bool, error) {
	_, err := x.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(x.table),
		Item: map[string]types.AttributeValue{
			"fingerprint": &types.AttributeValueMemberS{Value: fingerprint},
			"object_key":  &types.AttributeValueMemberS{Value: objectKey},
			"size":        &types.AttributeValueMemberN{Value: strconv.Itoa(size)},
			"first_seen":  &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339Nano)},
		},
		ConditionExpression: aws.String("attribute_not_exists(fingerprint)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return false, nil
		}
		return false, fmt.Errorf("failed to record fingerprint: %w", err)
	}
	return true, nil
}

// Lookup returns the object key recorded for fingerprint.
func (x *FingerprintIndex) Lookup(ctx context.Context, fingerprint string) (string, bool, error) {
	resp, err := x.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(x.table),
		Key: map[string]types.AttributeValue{
			"fingerprint": &types.AttributeValueMemberS{Value: fingerprint},
		},
	})
	if err != nil {
		return "", false, fmt.Errorf("failed to query fingerprint: %w", err)
	}

	if len(resp.Item) == 0 {
		return "", false, nil
	}

	keyAttr, ok := resp.Item["object_key"].(*types.AttributeValueMemberS)
	if !ok {
		return "", false, errors.New("invalid object_key attribute in DynamoDB")
	}
	return keyAttr.Value, true, nil
}
