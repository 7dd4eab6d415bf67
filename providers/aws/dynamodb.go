package aws

import (
	"context"
	"fmt"

	sdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/picklr-io/tierctl/internal/ir"
	"github.com/picklr-io/tierctl/internal/logging"
)

type TableConfig struct {
	Name             string            `json:"name"`
	PartitionKey     string            `json:"partitionKey"`
	PartitionKeyType string            `json:"partitionKeyType"`
	SortKey          string            `json:"sortKey"`
	SortKeyType      string            `json:"sortKeyType"`
	BillingMode      string            `json:"billingMode"`
	ReadCapacity     int64             `json:"readCapacity"`
	WriteCapacity    int64             `json:"writeCapacity"`
	Tags             map[string]string `json:"tags"`
}

type TableState struct {
	Name string `json:"name"`
	ARN  string `json:"arn"`
}

func (c *TableConfig) defaults(id string) error {
	if c.Name == "" {
		c.Name = id
	}
	if c.PartitionKey == "" {
		return fmt.Errorf("table %s: partitionKey is required", id)
	}
	if c.PartitionKeyType == "" {
		c.PartitionKeyType = string(types.ScalarAttributeTypeS)
	}
	if c.SortKey != "" && c.SortKeyType == "" {
		c.SortKeyType = string(types.ScalarAttributeTypeS)
	}
	if c.BillingMode == "" {
		c.BillingMode = string(types.BillingModeProvisioned)
	}
	if c.provisioned() {
		if c.ReadCapacity <= 0 {
			c.ReadCapacity = 1
		}
		if c.WriteCapacity <= 0 {
			c.WriteCapacity = 1
		}
	}
	return nil
}

func (c *TableConfig) provisioned() bool {
	return c.BillingMode == string(types.BillingModeProvisioned)
}

func (c *TableConfig) throughput() *types.ProvisionedThroughput {
	if !c.provisioned() {
		return nil
	}
	return &types.ProvisionedThroughput{
		ReadCapacityUnits:  sdk.Int64(c.ReadCapacity),
		WriteCapacityUnits: sdk.Int64(c.WriteCapacity),
	}
}

func (p *Provider) applyTable(ctx context.Context, req *ir.Request) (*ir.Handle, error) {
	var desired TableConfig
	if err := decode(req.Properties, &desired); err != nil {
		return nil, err
	}
	if err := desired.defaults(req.ID); err != nil {
		return nil, ir.Permanent(err)
	}

	existing, err := p.describeTable(ctx, desired.Name)
	if err != nil {
		return nil, err
	}

	if existing == nil {
		if err := p.createTable(ctx, desired); err != nil {
			return nil, err
		}
	} else {
		if err := p.updateTable(ctx, desired, existing); err != nil {
			return nil, err
		}
	}

	exists := dynamodb.NewTableExistsWaiter(p.dynamodb, func(o *dynamodb.TableExistsWaiterOptions) {
		if p.poll > 0 {
			o.MinDelay, o.MaxDelay = p.poll, p.poll
		}
	})
	if err := exists.Wait(ctx, &dynamodb.DescribeTableInput{TableName: sdk.String(desired.Name)}, p.waitTimeout); err != nil {
		return nil, fmt.Errorf("table %s did not become active: %w", desired.Name, err)
	}

	table, err := p.describeTable(ctx, desired.Name)
	if err != nil {
		return nil, err
	}
	if table == nil {
		return nil, fmt.Errorf("table %s disappeared after becoming active", desired.Name)
	}

	state := TableState{Name: sdk.ToString(table.TableName), ARN: sdk.ToString(table.TableArn)}
	return &ir.Handle{ID: state.ARN, Outputs: toOutputs(state)}, nil
}

func (p *Provider) describeTable(ctx context.Context, name string) (*types.TableDescription, error) {
	resp, err := p.dynamodb.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: sdk.String(name)})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to describe table: %w", err)
	}
	return resp.Table, nil
}

func (p *Provider) createTable(ctx context.Context, desired TableConfig) error {
	attrs := []types.AttributeDefinition{{
		AttributeName: sdk.String(desired.PartitionKey),
		AttributeType: types.ScalarAttributeType(desired.PartitionKeyType),
	}}
	keys := []types.KeySchemaElement{{
		AttributeName: sdk.String(desired.PartitionKey),
		KeyType:       types.KeyTypeHash,
	}}
	if desired.SortKey != "" {
		attrs = append(attrs, types.AttributeDefinition{
			AttributeName: sdk.String(desired.SortKey),
			AttributeType: types.ScalarAttributeType(desired.SortKeyType),
		})
		keys = append(keys, types.KeySchemaElement{
			AttributeName: sdk.String(desired.SortKey),
			KeyType:       types.KeyTypeRange,
		})
	}

	var tags []types.Tag
	for _, k := range sortedKeys(desired.Tags) {
		tags = append(tags, types.Tag{Key: sdk.String(k), Value: sdk.String(desired.Tags[k])})
	}

	logging.Info("creating table", "name", desired.Name, "partitionKey", desired.PartitionKey)
	_, err := p.dynamodb.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName:             sdk.String(desired.Name),
		AttributeDefinitions:  attrs,
		KeySchema:             keys,
		BillingMode:           types.BillingMode(desired.BillingMode),
		ProvisionedThroughput: desired.throughput(),
		Tags:                  tags,
	})
	if err != nil && !isAlreadyExists(err) {
		return fmt.Errorf("failed to create table: %w", err)
	}
	return nil
}

// updateTable adjusts billing and throughput. Key schema changes cannot be
// applied in place.
func (p *Provider) updateTable(ctx context.Context, desired TableConfig, existing *types.TableDescription) error {
	for _, key := range existing.KeySchema {
		want := desired.PartitionKey
		if key.KeyType == types.KeyTypeRange {
			want = desired.SortKey
		}
		if sdk.ToString(key.AttributeName) != want {
			return ir.Permanent(fmt.Errorf("table %s: key schema is immutable (have %s key %q, want %q)",
				desired.Name, key.KeyType, sdk.ToString(key.AttributeName), want))
		}
	}

	currentMode := types.BillingModeProvisioned
	if existing.BillingModeSummary != nil && existing.BillingModeSummary.BillingMode != "" {
		currentMode = existing.BillingModeSummary.BillingMode
	}

	input := &dynamodb.UpdateTableInput{TableName: sdk.String(desired.Name)}
	changed := false
	if string(currentMode) != desired.BillingMode {
		input.BillingMode = types.BillingMode(desired.BillingMode)
		changed = true
	}
	if desired.provisioned() {
		var read, write int64
		if pt := existing.ProvisionedThroughput; pt != nil {
			read, write = sdk.ToInt64(pt.ReadCapacityUnits), sdk.ToInt64(pt.WriteCapacityUnits)
		}
		if changed || read != desired.ReadCapacity || write != desired.WriteCapacity {
			input.ProvisionedThroughput = desired.throughput()
			changed = true
		}
	}
	if !changed {
		return nil
	}

	logging.Info("updating table", "name", desired.Name, "billingMode", desired.BillingMode)
	if _, err := p.dynamodb.UpdateTable(ctx, input); err != nil {
		return fmt.Errorf("failed to update table: %w", err)
	}
	return nil
}

func (p *Provider) deleteTable(ctx context.Context, req *ir.Request) error {
	var prior TableState
	if _, err := fromHandle(req.Prior, &prior); err != nil {
		return err
	}
	name := prior.Name
	if name == "" {
		name, _ = req.Properties["name"].(string)
	}
	if name == "" {
		name = req.ID
	}

	_, err := p.dynamodb.DeleteTable(ctx, &dynamodb.DeleteTableInput{TableName: sdk.String(name)})
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to delete table: %w", err)
	}

	gone := dynamodb.NewTableNotExistsWaiter(p.dynamodb, func(o *dynamodb.TableNotExistsWaiterOptions) {
		if p.poll > 0 {
			o.MinDelay, o.MaxDelay = p.poll, p.poll
		}
	})
	if err := gone.Wait(ctx, &dynamodb.DescribeTableInput{TableName: sdk.String(name)}, p.waitTimeout); err != nil {
		return fmt.Errorf("table %s was not deleted: %w", name, err)
	}
	return nil
}
