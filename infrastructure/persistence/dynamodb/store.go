// Package dynamodb persists graphs in a single DynamoDB table.
//
// Layout: graph metadata lives under the owner's partition (PK USER#<uid>,
// SK GRAPH#<gid>) with a GSI1 projection (GRAPHID#<gid> / METADATA) for
// lookup by graph id. Node and edge rows live under the graph's partition
// (PK GRAPH#<gid>, SK NODE#<nid> / EDGE#<eid>). Access stamps live under the
// user's partition (SK ACCESS#<gid>).
package dynamodb

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"loomsync/domain/events"
	"loomsync/pkg/errors"
)

const gsi1Name = "GSI1"

// Store implements ports.RemoteStore on DynamoDB.
type Store struct {
	client    *dynamodb.Client
	tableName string
	logger    *zap.Logger
}

func NewStore(client *dynamodb.Client, tableName string, logger *zap.Logger) *Store {
	return &Store{client: client, tableName: tableName, logger: logger}
}

type graphItem struct {
	PK         string `dynamodbav:"PK"`
	SK         string `dynamodbav:"SK"`
	GSI1PK     string `dynamodbav:"GSI1PK"`
	GSI1SK     string `dynamodbav:"GSI1SK"`
	EntityType string `dynamodbav:"EntityType"`
	GraphID    string `dynamodbav:"GraphID"`
	OwnerID    string `dynamodbav:"OwnerID"`
	Name       string `dynamodbav:"Name"`
	CreatedAt  string `dynamodbav:"CreatedAt"`
	UpdatedAt  string `dynamodbav:"UpdatedAt"`
}

type nodeItem struct {
	PK         string          `dynamodbav:"PK"`
	SK         string          `dynamodbav:"SK"`
	EntityType string          `dynamodbav:"EntityType"`
	NodeID     string          `dynamodbav:"NodeID"`
	GraphID    string          `dynamodbav:"GraphID"`
	X          float64         `dynamodbav:"X"`
	Y          float64         `dynamodbav:"Y"`
	Data       events.NodeData `dynamodbav:"Data"`
	Model      string          `dynamodbav:"Model,omitempty"`
	Temp       float64         `dynamodbav:"Temperature,omitempty"`
	UpdatedAt  string          `dynamodbav:"UpdatedAt"`
}

type edgeItem struct {
	PK         string `dynamodbav:"PK"`
	SK         string `dynamodbav:"SK"`
	EntityType string `dynamodbav:"EntityType"`
	EdgeID     string `dynamodbav:"EdgeID"`
	GraphID    string `dynamodbav:"GraphID"`
	SourceID   string `dynamodbav:"SourceID"`
	TargetID   string `dynamodbav:"TargetID"`
}

type accessItem struct {
	PK             string `dynamodbav:"PK"`
	SK             string `dynamodbav:"SK"`
	EntityType     string `dynamodbav:"EntityType"`
	GraphID        string `dynamodbav:"GraphID"`
	UserID         string `dynamodbav:"UserID"`
	LastAccessedAt string `dynamodbav:"LastAccessedAt"`
}

func userPK(userID string) string   { return fmt.Sprintf("USER#%s", userID) }
func graphPK(graphID string) string { return fmt.Sprintf("GRAPH#%s", graphID) }
func graphSK(graphID string) string { return fmt.Sprintf("GRAPH#%s", graphID) }
func nodeSK(nodeID string) string   { return fmt.Sprintf("NODE#%s", nodeID) }
func edgeSK(edgeID string) string   { return fmt.Sprintf("EDGE#%s", edgeID) }
func accessSK(graphID string) string {
	return fmt.Sprintf("ACCESS#%s", graphID)
}
func graphGSI1PK(graphID string) string {
	return fmt.Sprintf("GRAPHID#%s", graphID)
}

// CreateGraph inserts the metadata row and returns the generated graph id.
func (s *Store) CreateGraph(ctx context.Context, name, ownerID string) (string, error) {
	graphID := uuid.New().String()
	now := time.Now().UTC().Format(time.RFC3339)

	item := graphItem{
		PK:         userPK(ownerID),
		SK:         graphSK(graphID),
		GSI1PK:     graphGSI1PK(graphID),
		GSI1SK:     "METADATA",
		EntityType: "GRAPH",
		GraphID:    graphID,
		OwnerID:    ownerID,
		Name:       name,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return "", errors.Wrap(err, "marshal graph")
	}
	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      av,
	}); err != nil {
		return "", errors.NewDatabaseError("create graph", err)
	}

	s.logger.Info("graph created",
		zap.String("graphID", graphID),
		zap.String("ownerID", ownerID),
	)
	return graphID, nil
}

// UpdateGraphMeta renames the graph and stamps UpdatedAt.
func (s *Store) UpdateGraphMeta(ctx context.Context, graphID, name string) error {
	meta, err := s.getMeta(ctx, graphID)
	if err != nil {
		return err
	}

	update := expression.Set(expression.Name("Name"), expression.Value(name)).
		Set(expression.Name("UpdatedAt"), expression.Value(time.Now().UTC().Format(time.RFC3339)))
	expr, err := expression.NewBuilder().WithUpdate(update).Build()
	if err != nil {
		return errors.Wrap(err, "build update expression")
	}

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: userPK(meta.OwnerID)},
			"SK": &types.AttributeValueMemberS{Value: graphSK(graphID)},
		},
		UpdateExpression:          expr.Update(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		return errors.NewDatabaseError("update graph metadata", err)
	}
	return nil
}

// UpsertNode writes the full node row, replacing any previous version.
func (s *Store) UpsertNode(ctx context.Context, rec events.NodeRecord) error {
	item := nodeItem{
		PK:         graphPK(rec.GraphID),
		SK:         nodeSK(rec.ID),
		EntityType: "NODE",
		NodeID:     rec.ID,
		GraphID:    rec.GraphID,
		X:          rec.X,
		Y:          rec.Y,
		Data:       rec.Data,
		Model:      rec.Config.Model,
		Temp:       rec.Config.Temperature,
		UpdatedAt:  time.Now().UTC().Format(time.RFC3339),
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return errors.Wrapf(err, "marshal node %s", rec.ID)
	}
	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      av,
	}); err != nil {
		return errors.NewDatabaseError("upsert node", err)
	}
	return nil
}

// DeleteNode removes the node row. Absent rows delete cleanly.
func (s *Store) DeleteNode(ctx context.Context, graphID, nodeID string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: graphPK(graphID)},
			"SK": &types.AttributeValueMemberS{Value: nodeSK(nodeID)},
		},
	})
	if err != nil {
		return errors.NewDatabaseError("delete node", err)
	}
	return nil
}

// ListNodeIDs returns every stored node id for the graph.
func (s *Store) ListNodeIDs(ctx context.Context, graphID string) ([]string, error) {
	keyCond := expression.Key("PK").Equal(expression.Value(graphPK(graphID))).
		And(expression.Key("SK").BeginsWith("NODE#"))
	proj := expression.NamesList(expression.Name("NodeID"))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).WithProjection(proj).Build()
	if err != nil {
		return nil, errors.Wrap(err, "build query expression")
	}

	var ids []string
	var startKey map[string]types.AttributeValue
	for {
		out, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(s.tableName),
			KeyConditionExpression:    expr.KeyCondition(),
			ProjectionExpression:      expr.Projection(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
			ExclusiveStartKey:         startKey,
		})
		if err != nil {
			return nil, errors.NewDatabaseError("list nodes", err)
		}
		for _, raw := range out.Items {
			var item struct {
				NodeID string `dynamodbav:"NodeID"`
			}
			if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
				s.logger.Warn("skipping unreadable node row", zap.Error(err))
				continue
			}
			ids = append(ids, item.NodeID)
		}
		if out.LastEvaluatedKey == nil {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	return ids, nil
}

// DeleteEdges removes every edge row for the graph, batched 25 at a time.
func (s *Store) DeleteEdges(ctx context.Context, graphID string) error {
	keyCond := expression.Key("PK").Equal(expression.Value(graphPK(graphID))).
		And(expression.Key("SK").BeginsWith("EDGE#"))
	proj := expression.NamesList(expression.Name("PK"), expression.Name("SK"))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).WithProjection(proj).Build()
	if err != nil {
		return errors.Wrap(err, "build query expression")
	}

	var keys []map[string]types.AttributeValue
	var startKey map[string]types.AttributeValue
	for {
		out, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(s.tableName),
			KeyConditionExpression:    expr.KeyCondition(),
			ProjectionExpression:      expr.Projection(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
			ExclusiveStartKey:         startKey,
		})
		if err != nil {
			return errors.NewDatabaseError("list edges", err)
		}
		for _, raw := range out.Items {
			keys = append(keys, map[string]types.AttributeValue{
				"PK": raw["PK"],
				"SK": raw["SK"],
			})
		}
		if out.LastEvaluatedKey == nil {
			break
		}
		startKey = out.LastEvaluatedKey
	}

	for start := 0; start < len(keys); start += 25 {
		end := start + 25
		if end > len(keys) {
			end = len(keys)
		}
		requests := make([]types.WriteRequest, 0, end-start)
		for _, key := range keys[start:end] {
			requests = append(requests, types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{Key: key},
			})
		}
		if _, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{s.tableName: requests},
		}); err != nil {
			return errors.NewDatabaseError("delete edges", err)
		}
	}
	return nil
}

// InsertEdge writes one edge row.
func (s *Store) InsertEdge(ctx context.Context, rec events.EdgeRecord) error {
	item := edgeItem{
		PK:         graphPK(rec.GraphID),
		SK:         edgeSK(rec.ID),
		EntityType: "EDGE",
		EdgeID:     rec.ID,
		GraphID:    rec.GraphID,
		SourceID:   rec.SourceID,
		TargetID:   rec.TargetID,
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return errors.Wrapf(err, "marshal edge %s", rec.ID)
	}
	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      av,
	}); err != nil {
		return errors.NewDatabaseError("insert edge", err)
	}
	return nil
}

// GetGraph loads metadata plus every node and edge row in one partition
// query.
func (s *Store) GetGraph(ctx context.Context, graphID string) (events.GraphRecord, []events.NodeRecord, []events.EdgeRecord, error) {
	meta, err := s.getMeta(ctx, graphID)
	if err != nil {
		return events.GraphRecord{}, nil, nil, err
	}

	keyCond := expression.Key("PK").Equal(expression.Value(graphPK(graphID)))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return events.GraphRecord{}, nil, nil, errors.Wrap(err, "build query expression")
	}

	var nodes []events.NodeRecord
	var edges []events.EdgeRecord
	var startKey map[string]types.AttributeValue
	for {
		out, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(s.tableName),
			KeyConditionExpression:    expr.KeyCondition(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
			ExclusiveStartKey:         startKey,
		})
		if err != nil {
			return events.GraphRecord{}, nil, nil, errors.NewDatabaseError("load graph", err)
		}
		for _, raw := range out.Items {
			entity := ""
			if v, ok := raw["EntityType"].(*types.AttributeValueMemberS); ok {
				entity = v.Value
			}
			switch entity {
			case "NODE":
				var item nodeItem
				if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
					s.logger.Warn("skipping unreadable node row",
						zap.String("graphID", graphID), zap.Error(err))
					continue
				}
				nodes = append(nodes, events.NodeRecord{
					ID:      item.NodeID,
					GraphID: item.GraphID,
					X:       item.X,
					Y:       item.Y,
					Data:    item.Data,
					Config:  events.ModelConfig{Model: item.Model, Temperature: item.Temp},
				})
			case "EDGE":
				var item edgeItem
				if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
					s.logger.Warn("skipping unreadable edge row",
						zap.String("graphID", graphID), zap.Error(err))
					continue
				}
				edges = append(edges, events.EdgeRecord{
					ID:       item.EdgeID,
					GraphID:  item.GraphID,
					SourceID: item.SourceID,
					TargetID: item.TargetID,
				})
			}
		}
		if out.LastEvaluatedKey == nil {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	return meta, nodes, edges, nil
}

// ListGraphs returns graphs the user owns or has accessed, most recently
// touched first.
func (s *Store) ListGraphs(ctx context.Context, userID string) ([]events.GraphRecord, error) {
	keyCond := expression.Key("PK").Equal(expression.Value(userPK(userID)))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, errors.Wrap(err, "build query expression")
	}

	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(s.tableName),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		return nil, errors.NewDatabaseError("list graphs", err)
	}

	type entry struct {
		rec     events.GraphRecord
		touched time.Time
	}
	owned := make(map[string]entry)
	accessed := make(map[string]time.Time)

	for _, raw := range out.Items {
		entity := ""
		if v, ok := raw["EntityType"].(*types.AttributeValueMemberS); ok {
			entity = v.Value
		}
		switch entity {
		case "GRAPH":
			var item graphItem
			if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
				continue
			}
			rec := metaToRecord(item)
			owned[item.GraphID] = entry{rec: rec, touched: rec.UpdatedAt}
		case "ACCESS":
			var item accessItem
			if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
				continue
			}
			if t, err := time.Parse(time.RFC3339, item.LastAccessedAt); err == nil {
				accessed[item.GraphID] = t
			}
		}
	}

	// Accessed graphs the user does not own need their metadata resolved.
	for graphID, touched := range accessed {
		if e, ok := owned[graphID]; ok {
			if touched.After(e.touched) {
				e.touched = touched
				owned[graphID] = e
			}
			continue
		}
		meta, err := s.getMeta(ctx, graphID)
		if err != nil {
			s.logger.Warn("accessed graph no longer resolvable",
				zap.String("graphID", graphID), zap.Error(err))
			continue
		}
		owned[graphID] = entry{rec: meta, touched: touched}
	}

	entries := make([]entry, 0, len(owned))
	for _, e := range owned {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].touched.After(entries[j].touched) })

	recs := make([]events.GraphRecord, 0, len(entries))
	for _, e := range entries {
		recs = append(recs, e.rec)
	}
	return recs, nil
}

// TouchAccess stamps the user's access row for the graph.
func (s *Store) TouchAccess(ctx context.Context, graphID, userID string) error {
	item := accessItem{
		PK:             userPK(userID),
		SK:             accessSK(graphID),
		EntityType:     "ACCESS",
		GraphID:        graphID,
		UserID:         userID,
		LastAccessedAt: time.Now().UTC().Format(time.RFC3339),
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return errors.Wrap(err, "marshal access stamp")
	}
	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      av,
	}); err != nil {
		return errors.NewDatabaseError("touch access", err)
	}
	return nil
}

// getMeta resolves graph metadata through GSI1.
func (s *Store) getMeta(ctx context.Context, graphID string) (events.GraphRecord, error) {
	keyCond := expression.Key("GSI1PK").Equal(expression.Value(graphGSI1PK(graphID))).
		And(expression.Key("GSI1SK").Equal(expression.Value("METADATA")))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return events.GraphRecord{}, errors.Wrap(err, "build query expression")
	}

	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(s.tableName),
		IndexName:                 aws.String(gsi1Name),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		Limit:                     aws.Int32(1),
	})
	if err != nil {
		return events.GraphRecord{}, errors.NewDatabaseError("get graph metadata", err)
	}
	if len(out.Items) == 0 {
		return events.GraphRecord{}, errors.NewNotFoundError("graph")
	}

	var item graphItem
	if err := attributevalue.UnmarshalMap(out.Items[0], &item); err != nil {
		return events.GraphRecord{}, errors.Wrap(err, "unmarshal graph metadata")
	}
	return metaToRecord(item), nil
}

func metaToRecord(item graphItem) events.GraphRecord {
	created, _ := time.Parse(time.RFC3339, item.CreatedAt)
	updated, _ := time.Parse(time.RFC3339, item.UpdatedAt)
	return events.GraphRecord{
		ID:        item.GraphID,
		Name:      item.Name,
		OwnerID:   item.OwnerID,
		CreatedAt: created,
		UpdatedAt: updated,
	}
}
