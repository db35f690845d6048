package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/shopspring/decimal"
)

const ownerIndex = "owner_id-created_at-index"

type dynamoAPI interface {
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

func NewDynamoClient(cfg aws.Config, endpoint string) *dynamodb.Client {
	return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
}

// DynamoStore keeps one item per order keyed by correlation id, plus a
// processed-event item in a second table. Both are written in a single
// transaction guarded by attribute_not_exists.
type DynamoStore struct {
	client      dynamoAPI
	ordersTable string
	eventsTable string
	now         func() time.Time
}

func NewDynamoStore(client dynamoAPI, ordersTable, eventsTable string) *DynamoStore {
	return &DynamoStore{client: client, ordersTable: ordersTable, eventsTable: eventsTable, now: time.Now}
}

type ddbItem struct {
	ProductID string `dynamodbav:"product_id"`
	Quantity  int    `dynamodbav:"quantity"`
	UnitPrice string `dynamodbav:"unit_price"`
}

type ddbOrder struct {
	CorrelationID string    `dynamodbav:"correlation_id"`
	ID            string    `dynamodbav:"id"`
	OwnerID       string    `dynamodbav:"owner_id"`
	Total         string    `dynamodbav:"total"`
	Status        string    `dynamodbav:"status"`
	CreatedAt     string    `dynamodbav:"created_at"`
	Items         []ddbItem `dynamodbav:"items"`
}

type ddbProcessedEvent struct {
	CorrelationID string `dynamodbav:"correlation_id"`
	ProcessedAt   string `dynamodbav:"processed_at"`
}

// Migrate creates both tables on demand. A table that already exists is
// left as is.
func (d *DynamoStore) Migrate(ctx context.Context) error {
	str := types.ScalarAttributeTypeS
	tables := []*dynamodb.CreateTableInput{
		{
			TableName:            aws.String(d.eventsTable),
			BillingMode:          types.BillingModePayPerRequest,
			AttributeDefinitions: []types.AttributeDefinition{{AttributeName: aws.String("correlation_id"), AttributeType: str}},
			KeySchema:            []types.KeySchemaElement{{AttributeName: aws.String("correlation_id"), KeyType: types.KeyTypeHash}},
		},
		{
			TableName:   aws.String(d.ordersTable),
			BillingMode: types.BillingModePayPerRequest,
			AttributeDefinitions: []types.AttributeDefinition{
				{AttributeName: aws.String("correlation_id"), AttributeType: str},
				{AttributeName: aws.String("owner_id"), AttributeType: str},
				{AttributeName: aws.String("created_at"), AttributeType: str},
			},
			KeySchema: []types.KeySchemaElement{{AttributeName: aws.String("correlation_id"), KeyType: types.KeyTypeHash}},
			GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{{
				IndexName: aws.String(ownerIndex),
				KeySchema: []types.KeySchemaElement{
					{AttributeName: aws.String("owner_id"), KeyType: types.KeyTypeHash},
					{AttributeName: aws.String("created_at"), KeyType: types.KeyTypeRange},
				},
				Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
			}},
		},
	}
	for _, in := range tables {
		_, err := d.client.CreateTable(ctx, in)
		var inUse *types.ResourceInUseException
		if err != nil && !errors.As(err, &inUse) {
			return fmt.Errorf("create table %s: %w", aws.ToString(in.TableName), err)
		}
	}
	return nil
}

func (d *DynamoStore) InsertIfAbsent(ctx context.Context, correlationID string, o Order) (bool, error) {
	event, err := attributevalue.MarshalMap(ddbProcessedEvent{
		CorrelationID: correlationID,
		ProcessedAt:   d.now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return false, fmt.Errorf("marshal processed event: %w", err)
	}
	rec := toDDB(o)
	rec.CorrelationID = correlationID
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return false, fmt.Errorf("marshal order: %w", err)
	}

	notExists := aws.String("attribute_not_exists(correlation_id)")
	_, err = d.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{TableName: aws.String(d.eventsTable), Item: event, ConditionExpression: notExists}},
			{Put: &types.Put{TableName: aws.String(d.ordersTable), Item: item, ConditionExpression: notExists}},
		},
	})
	if err != nil {
		if conditionFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("dynamodb TransactWriteItems failed: %w", err)
	}
	return true, nil
}

func conditionFailed(err error) bool {
	var canceled *types.TransactionCanceledException
	if !errors.As(err, &canceled) {
		return false
	}
	for _, r := range canceled.CancellationReasons {
		if aws.ToString(r.Code) == "ConditionalCheckFailed" {
			return true
		}
	}
	return false
}

func (d *DynamoStore) GetByCorrelationID(ctx context.Context, correlationID string) (Order, error) {
	key, err := attributevalue.MarshalMap(map[string]string{"correlation_id": correlationID})
	if err != nil {
		return Order{}, fmt.Errorf("marshal key: %w", err)
	}
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.ordersTable),
		Key:            key,
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return Order{}, fmt.Errorf("dynamodb GetItem failed: %w", err)
	}
	if len(out.Item) == 0 {
		return Order{}, ErrNotFound
	}
	var rec ddbOrder
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return Order{}, fmt.Errorf("unmarshal item: %w", err)
	}
	return fromDDB(rec)
}

func (d *DynamoStore) ListByOwner(ctx context.Context, ownerID string) ([]Order, error) {
	values, err := attributevalue.MarshalMap(map[string]string{":owner": ownerID})
	if err != nil {
		return nil, fmt.Errorf("marshal query values: %w", err)
	}
	in := &dynamodb.QueryInput{
		TableName:                 aws.String(d.ordersTable),
		IndexName:                 aws.String(ownerIndex),
		KeyConditionExpression:    aws.String("owner_id = :owner"),
		ExpressionAttributeValues: values,
	}

	var orders []Order
	for {
		out, err := d.client.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("dynamodb Query failed: %w", err)
		}
		var recs []ddbOrder
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &recs); err != nil {
			return nil, fmt.Errorf("unmarshal items: %w", err)
		}
		for _, rec := range recs {
			o, err := fromDDB(rec)
			if err != nil {
				return nil, err
			}
			orders = append(orders, o)
		}
		if len(out.LastEvaluatedKey) == 0 {
			return orders, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func toDDB(o Order) ddbOrder {
	rec := ddbOrder{
		CorrelationID: o.CorrelationID,
		ID:            o.ID,
		OwnerID:       o.OwnerID,
		Total:         o.Total.String(),
		Status:        o.Status,
		CreatedAt:     o.CreatedAt.UTC().Format(sortableTime),
		Items:         make([]ddbItem, len(o.Items)),
	}
	for i, it := range o.Items {
		rec.Items[i] = ddbItem{ProductID: it.ProductID, Quantity: it.Quantity, UnitPrice: it.UnitPrice.String()}
	}
	return rec
}

func fromDDB(rec ddbOrder) (Order, error) {
	o := Order{
		ID:            rec.ID,
		CorrelationID: rec.CorrelationID,
		OwnerID:       rec.OwnerID,
		Status:        rec.Status,
		Items:         make([]Item, len(rec.Items)),
	}
	var err error
	if o.Total, err = decimal.NewFromString(rec.Total); err != nil {
		return Order{}, fmt.Errorf("order %s total: %w", rec.ID, err)
	}
	if o.CreatedAt, err = time.Parse(time.RFC3339Nano, rec.CreatedAt); err != nil {
		return Order{}, fmt.Errorf("order %s created_at: %w", rec.ID, err)
	}
	for i, it := range rec.Items {
		price, err := decimal.NewFromString(it.UnitPrice)
		if err != nil {
			return Order{}, fmt.Errorf("order %s item %d price: %w", rec.ID, i, err)
		}
		o.Items[i] = Item{ProductID: it.ProductID, Quantity: it.Quantity, UnitPrice: price}
	}
	return o, nil
}
