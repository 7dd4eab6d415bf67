package aws

import (
	"context"
	"testing"

	sdk "github.com/aws/aws-sdk-go-v2/aws"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/picklr-io/tierctl/internal/ir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tableRequest(props map[string]any) *ir.Request {
	base := map[string]any{
		"name":         "Order",
		"partitionKey": "id",
	}
	for k, v := range props {
		base[k] = v
	}
	return &ir.Request{ID: "table", Kind: ir.KindTable, Properties: base}
}

func TestTable_CreateDefaults(t *testing.T) {
	p, c := newTestProvider(t)

	h, err := p.CreateOrUpdate(context.Background(), tableRequest(nil))
	require.NoError(t, err)

	assert.Equal(t, "arn:aws:dynamodb:us-east-1:123456789012:table/Order", h.ID)
	assert.Equal(t, "Order", h.Outputs[ir.OutputName])
	assert.Equal(t, h.ID, h.Outputs[ir.OutputARN])

	table := c.dynamodb.tables["Order"]
	require.NotNil(t, table)
	require.Len(t, table.KeySchema, 1)
	assert.Equal(t, "id", sdk.ToString(table.KeySchema[0].AttributeName))
	assert.Equal(t, dbtypes.KeyTypeHash, table.KeySchema[0].KeyType)
	assert.Equal(t, dbtypes.BillingModeProvisioned, table.BillingModeSummary.BillingMode)
	assert.Equal(t, int64(1), sdk.ToInt64(table.ProvisionedThroughput.ReadCapacityUnits))
	assert.Equal(t, int64(1), sdk.ToInt64(table.ProvisionedThroughput.WriteCapacityUnits))
}

func TestTable_SortKeyAndOnDemand(t *testing.T) {
	p, c := newTestProvider(t)

	_, err := p.CreateOrUpdate(context.Background(), tableRequest(map[string]any{
		"sortKey":     "createdAt",
		"sortKeyType": "N",
		"billingMode": "PAY_PER_REQUEST",
	}))
	require.NoError(t, err)

	table := c.dynamodb.tables["Order"]
	require.Len(t, table.KeySchema, 2)
	assert.Equal(t, dbtypes.KeyTypeRange, table.KeySchema[1].KeyType)
	assert.Equal(t, dbtypes.BillingModePayPerRequest, table.BillingModeSummary.BillingMode)
	assert.Nil(t, table.ProvisionedThroughput)
}

func TestTable_UpdateThroughput(t *testing.T) {
	p, c := newTestProvider(t)
	ctx := context.Background()

	_, err := p.CreateOrUpdate(ctx, tableRequest(nil))
	require.NoError(t, err)

	_, err = p.CreateOrUpdate(ctx, tableRequest(nil))
	require.NoError(t, err)
	assert.Empty(t, c.dynamodb.updates, "unchanged table is not updated")

	_, err = p.CreateOrUpdate(ctx, tableRequest(map[string]any{"readCapacity": 5, "writeCapacity": 2}))
	require.NoError(t, err)
	require.Len(t, c.dynamodb.updates, 1)
	assert.Equal(t, int64(5), sdk.ToInt64(c.dynamodb.updates[0].ProvisionedThroughput.ReadCapacityUnits))
	assert.Equal(t, int64(2), sdk.ToInt64(c.dynamodb.updates[0].ProvisionedThroughput.WriteCapacityUnits))

	_, err = p.CreateOrUpdate(ctx, tableRequest(map[string]any{"billingMode": "PAY_PER_REQUEST"}))
	require.NoError(t, err)
	require.Len(t, c.dynamodb.updates, 2)
	assert.Equal(t, dbtypes.BillingModePayPerRequest, c.dynamodb.updates[1].BillingMode)
	assert.Nil(t, c.dynamodb.updates[1].ProvisionedThroughput)
}

func TestTable_KeyChangeIsPermanent(t *testing.T) {
	p, c := newTestProvider(t)
	ctx := context.Background()

	_, err := p.CreateOrUpdate(ctx, tableRequest(nil))
	require.NoError(t, err)

	_, err = p.CreateOrUpdate(ctx, tableRequest(map[string]any{"partitionKey": "orderId"}))
	require.Error(t, err)
	assert.True(t, ir.IsPermanent(err))
	assert.Empty(t, c.dynamodb.updates)
}

func TestTable_MissingPartitionKey(t *testing.T) {
	p, _ := newTestProvider(t)

	_, err := p.CreateOrUpdate(context.Background(), tableRequest(map[string]any{"partitionKey": ""}))
	require.Error(t, err)
	assert.True(t, ir.IsPermanent(err))
}

func TestTable_Delete(t *testing.T) {
	p, c := newTestProvider(t)
	ctx := context.Background()

	h, err := p.CreateOrUpdate(ctx, tableRequest(nil))
	require.NoError(t, err)

	req := tableRequest(nil)
	req.Prior = h
	require.NoError(t, p.Delete(ctx, req))
	assert.Empty(t, c.dynamodb.tables)

	require.NoError(t, p.Delete(ctx, req))
}

func TestTable_DescribeThrottledIsTransient(t *testing.T) {
	p, c := newTestProvider(t)
	c.dynamodb.inject("DescribeTable", apiError("ProvisionedThroughputExceededException"))

	_, err := p.CreateOrUpdate(context.Background(), tableRequest(nil))
	require.Error(t, err)
	assert.True(t, ir.IsTransient(err))
}
