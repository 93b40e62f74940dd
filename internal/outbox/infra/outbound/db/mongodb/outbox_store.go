package mongodb

import (
	"context"
	"fmt"
	"time"

	outboxDomain "github.com/davicafu/relaylab/internal/outbox/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// EventStoreMongoDB implementa la interfaz outboxDomain.EventStore.
// Las consolidaciones bulk usan UpdateMany con $in y BulkWrite no ordenado,
// una única ida a la base por lote.
type EventStoreMongoDB struct {
	coll *mongo.Collection
}

func NewEventStoreMongoDB(client *mongo.Client, dbName string) *EventStoreMongoDB {
	return &EventStoreMongoDB{coll: client.Database(dbName).Collection("outbox_events")}
}

// mongoEventRecord es un helper para mapear documentos BSON al dominio.
type mongoEventRecord struct {
	EventID           string                 `bson:"_id"`
	EventType         string                 `bson:"eventType"`
	TenantID          string                 `bson:"tenantId"`
	EntityID          string                 `bson:"entityId,omitempty"`
	StreamKey         string                 `bson:"streamKey"`
	SourceApplication string                 `bson:"sourceApplication"`
	TargetApplication string                 `bson:"targetApplication"`
	EventData         map[string]interface{} `bson:"eventData"`
	PublishedBy       string                 `bson:"publishedBy"`
	Status            string                 `bson:"status"`
	Acknowledged      bool                   `bson:"acknowledged"`
	AcknowledgedAt    *time.Time             `bson:"acknowledgedAt,omitempty"`
	ErrorMessage      string                 `bson:"errorMessage,omitempty"`
	RetryCount        int                    `bson:"retryCount"`
	LastRetryAt       *time.Time             `bson:"lastRetryAt,omitempty"`
	Metadata          map[string]interface{} `bson:"metadata"`
	PublishedAt       time.Time              `bson:"publishedAt"`
	UpdatedAt         time.Time              `bson:"updatedAt"`
}

// ------------------ Escritura de fila única ------------------

func (r *EventStoreMongoDB) Insert(ctx context.Context, e *outboxDomain.EventRecord) error {
	_, err := r.coll.InsertOne(ctx, toMongoEventRecord(e))
	if mongo.IsDuplicateKeyError(err) {
		return outboxDomain.ErrEventAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// notAcknowledgedByID filtra por id excluyendo los documentos ya
// confirmados: acknowledged es estado final y ninguna transición lo abandona.
func notAcknowledgedByID(eventID string) bson.M {
	return bson.M{
		"_id":    eventID,
		"status": bson.M{"$ne": string(outboxDomain.StatusAcknowledged)},
	}
}

func (r *EventStoreMongoDB) MarkPublished(ctx context.Context, eventID string, metadata map[string]interface{}) error {
	set := bson.M{
		"status":       string(outboxDomain.StatusPublished),
		"errorMessage": "",
		"updatedAt":    time.Now().UTC(),
	}
	// Merge no destructivo: solo se tocan las claves entrantes.
	for k, v := range metadata {
		set["metadata."+k] = v
	}

	// El estado acknowledged es final: una señal published tardía o
	// duplicada no lo toca.
	res, err := r.coll.UpdateOne(ctx,
		notAcknowledgedByID(eventID), bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if res.MatchedCount == 0 {
		return outboxDomain.ErrEventNotFound
	}
	return nil
}

func (r *EventStoreMongoDB) MarkFailed(ctx context.Context, eventID, errorMessage string, incrementRetry bool) error {
	now := time.Now().UTC()
	set := bson.M{
		"status":       string(outboxDomain.StatusFailed),
		"errorMessage": errorMessage,
		"updatedAt":    now,
	}
	update := bson.M{"$set": set}
	if incrementRetry {
		set["lastRetryAt"] = now
		// $inc es atómico en el servidor: sin read-modify-write.
		update["$inc"] = bson.M{"retryCount": 1}
	}

	res, err := r.coll.UpdateOne(ctx, notAcknowledgedByID(eventID), update)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if res.MatchedCount == 0 {
		return outboxDomain.ErrEventNotFound
	}
	return nil
}

func (r *EventStoreMongoDB) Acknowledge(ctx context.Context, eventID string, ackData map[string]interface{}) error {
	now := time.Now().UTC()
	merged := bson.M{}
	for k, v := range ackData {
		merged[k] = v
	}

	// Pipeline de update para condicionar la marca de auditoría al estado
	// previo en la misma operación atómica.
	pipeline := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			"metadata": bson.M{"$mergeObjects": bson.A{
				bson.M{"$ifNull": bson.A{"$metadata", bson.M{}}},
				merged,
				bson.M{"$cond": bson.A{
					bson.M{"$eq": bson.A{"$status", string(outboxDomain.StatusFailed)}},
					bson.M{"acknowledgedFromFailed": true},
					bson.M{},
				}},
			}},
			"acknowledged":   true,
			"acknowledgedAt": now,
			"status":         string(outboxDomain.StatusAcknowledged),
			"updatedAt":      now,
		}}},
	}

	res, err := r.coll.UpdateOne(ctx, bson.M{"_id": eventID}, pipeline)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if res.MatchedCount == 0 {
		return outboxDomain.ErrEventNotFound
	}
	return nil
}

// ------------------ Lectura ------------------

func (r *EventStoreMongoDB) GetByID(ctx context.Context, eventID string) (*outboxDomain.EventRecord, error) {
	var me mongoEventRecord
	err := r.coll.FindOne(ctx, bson.M{"_id": eventID}).Decode(&me)
	if err == mongo.ErrNoDocuments {
		return nil, outboxDomain.ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return fromMongoEventRecord(&me), nil
}

func (r *EventStoreMongoDB) ListUnacknowledged(ctx context.Context, tenantID string, olderThan time.Time, limit int) ([]*outboxDomain.EventRecord, error) {
	filter := bson.M{
		"tenantId":     tenantID,
		"acknowledged": false,
		"publishedAt":  bson.M{"$lt": olderThan},
	}
	opts := options.Find().SetSort(bson.D{{Key: "publishedAt", Value: 1}}).SetLimit(int64(limit))
	return r.findEvents(ctx, filter, opts)
}

func (r *EventStoreMongoDB) FetchReplayable(ctx context.Context, limit, maxRetries int) ([]*outboxDomain.EventRecord, error) {
	filter := bson.M{
		"status":     bson.M{"$in": bson.A{string(outboxDomain.StatusPending), string(outboxDomain.StatusFailed)}},
		"retryCount": bson.M{"$lt": maxRetries},
	}
	opts := options.Find().SetSort(bson.D{{Key: "publishedAt", Value: 1}}).SetLimit(int64(limit))
	return r.findEvents(ctx, filter, opts)
}

// ------------------ Consolidación bulk ------------------

func (r *EventStoreMongoDB) BulkMarkPublished(ctx context.Context, eventIDs []string, replayedAt time.Time) error {
	if len(eventIDs) == 0 {
		return nil
	}
	_, err := r.coll.UpdateMany(ctx,
		bson.M{
			"_id":    bson.M{"$in": eventIDs},
			"status": bson.M{"$ne": string(outboxDomain.StatusAcknowledged)},
		},
		bson.M{"$set": bson.M{
			"status":              string(outboxDomain.StatusPublished),
			"errorMessage":        "",
			"metadata.replayedAt": replayedAt.Format(time.RFC3339Nano),
			"updatedAt":           replayedAt,
		}},
	)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *EventStoreMongoDB) BulkMarkFailed(ctx context.Context, failures []outboxDomain.ReplayFailure, now time.Time) error {
	if len(failures) == 0 {
		return nil
	}
	// El error por fila obliga a un write por documento; BulkWrite los
	// envía todos en una única ida al servidor.
	models := make([]mongo.WriteModel, len(failures))
	for i, f := range failures {
		models[i] = mongo.NewUpdateOneModel().
			SetFilter(notAcknowledgedByID(f.EventID)).
			SetUpdate(bson.M{
				"$set": bson.M{
					"status":       string(outboxDomain.StatusFailed),
					"errorMessage": f.ErrorMessage,
					"lastRetryAt":  now,
					"updatedAt":    now,
				},
				"$inc": bson.M{"retryCount": 1},
			})
	}

	_, err := r.coll.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// ------------------ Agregación de salud ------------------

func statusCountsGroup(maxRetries int) bson.M {
	failed := string(outboxDomain.StatusFailed)
	return bson.M{
		"pending": bson.M{"$sum": bson.M{"$cond": bson.A{
			bson.M{"$eq": bson.A{"$status", string(outboxDomain.StatusPending)}}, 1, 0}}},
		"published": bson.M{"$sum": bson.M{"$cond": bson.A{
			bson.M{"$in": bson.A{"$status", bson.A{string(outboxDomain.StatusPublished), string(outboxDomain.StatusAcknowledged)}}}, 1, 0}}},
		"failed": bson.M{"$sum": bson.M{"$cond": bson.A{
			bson.M{"$eq": bson.A{"$status", failed}}, 1, 0}}},
		"retrying": bson.M{"$sum": bson.M{"$cond": bson.A{
			bson.M{"$and": bson.A{
				bson.M{"$eq": bson.A{"$status", failed}},
				bson.M{"$gt": bson.A{"$retryCount", 0}},
				bson.M{"$lt": bson.A{"$retryCount", maxRetries}},
			}}, 1, 0}}},
		"parked": bson.M{"$sum": bson.M{"$cond": bson.A{
			bson.M{"$and": bson.A{
				bson.M{"$eq": bson.A{"$status", failed}},
				bson.M{"$gte": bson.A{"$retryCount", maxRetries}},
			}}, 1, 0}}},
	}
}

type mongoCounts struct {
	Pending   int64 `bson:"pending"`
	Published int64 `bson:"published"`
	Failed    int64 `bson:"failed"`
	Retrying  int64 `bson:"retrying"`
	Parked    int64 `bson:"parked"`
}

func (c mongoCounts) toDomain() outboxDomain.StatusCounts {
	return outboxDomain.StatusCounts{
		Pending:   c.Pending,
		Published: c.Published,
		Failed:    c.Failed,
		Retrying:  c.Retrying,
		Parked:    c.Parked,
	}
}

func (r *EventStoreMongoDB) CountByStatus(ctx context.Context, tenantID string, maxRetries int) (outboxDomain.StatusCounts, error) {
	group := statusCountsGroup(maxRetries)
	group["_id"] = nil

	cursor, err := r.coll.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"tenantId": tenantID}}},
		{{Key: "$group", Value: group}},
	})
	if err != nil {
		return outboxDomain.StatusCounts{}, fmt.Errorf("db error: %w", err)
	}
	defer cursor.Close(ctx)

	if cursor.Next(ctx) {
		var c mongoCounts
		if err := cursor.Decode(&c); err != nil {
			return outboxDomain.StatusCounts{}, fmt.Errorf("db error: %w", err)
		}
		return c.toDomain(), nil
	}
	// Tenant sin eventos: resultado cero, nunca error.
	return outboxDomain.StatusCounts{}, cursor.Err()
}

func (r *EventStoreMongoDB) CountByChannel(ctx context.Context, tenantID string, maxRetries int) ([]outboxDomain.ChannelCounts, error) {
	group := statusCountsGroup(maxRetries)
	group["_id"] = bson.M{"source": "$sourceApplication", "target": "$targetApplication"}

	cursor, err := r.coll.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"tenantId": tenantID}}},
		{{Key: "$group", Value: group}},
		{{Key: "$sort", Value: bson.D{{Key: "_id.source", Value: 1}, {Key: "_id.target", Value: 1}}}},
	})
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer cursor.Close(ctx)

	var channels []outboxDomain.ChannelCounts
	for cursor.Next(ctx) {
		var doc struct {
			ID struct {
				Source string `bson:"source"`
				Target string `bson:"target"`
			} `bson:"_id"`
			mongoCounts `bson:",inline"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		channels = append(channels, outboxDomain.ChannelCounts{
			SourceApplication: doc.ID.Source,
			TargetApplication: doc.ID.Target,
			Counts:            doc.mongoCounts.toDomain(),
		})
	}
	return channels, cursor.Err()
}

// ------------------ Retención ------------------

func (r *EventStoreMongoDB) FetchTerminalBefore(ctx context.Context, cutoff, after time.Time, limit int) ([]*outboxDomain.EventRecord, error) {
	filter := bson.M{
		"status":      bson.M{"$in": bson.A{string(outboxDomain.StatusPublished), string(outboxDomain.StatusAcknowledged)}},
		"publishedAt": bson.M{"$lt": cutoff, "$gt": after},
	}
	opts := options.Find().SetSort(bson.D{{Key: "publishedAt", Value: 1}}).SetLimit(int64(limit))
	return r.findEvents(ctx, filter, opts)
}

func (r *EventStoreMongoDB) DeleteTerminalBefore(ctx context.Context, cutoff, failedCutoff time.Time) (int64, error) {
	res, err := r.coll.DeleteMany(ctx, bson.M{"$or": bson.A{
		bson.M{
			"status":      bson.M{"$in": bson.A{string(outboxDomain.StatusPublished), string(outboxDomain.StatusAcknowledged)}},
			"publishedAt": bson.M{"$lt": cutoff},
		},
		bson.M{
			"status":      string(outboxDomain.StatusFailed),
			"publishedAt": bson.M{"$lt": failedCutoff},
		},
	}})
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return res.DeletedCount, nil
}

// ------------------ Helpers ------------------

func (r *EventStoreMongoDB) findEvents(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]*outboxDomain.EventRecord, error) {
	cursor, err := r.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer cursor.Close(ctx)

	var events []*outboxDomain.EventRecord
	for cursor.Next(ctx) {
		var me mongoEventRecord
		if err := cursor.Decode(&me); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		events = append(events, fromMongoEventRecord(&me))
	}
	return events, cursor.Err()
}

func toMongoEventRecord(e *outboxDomain.EventRecord) *mongoEventRecord {
	return &mongoEventRecord{
		EventID:           e.EventID,
		EventType:         e.EventType,
		TenantID:          e.TenantID,
		EntityID:          e.EntityID,
		StreamKey:         e.StreamKey,
		SourceApplication: e.SourceApplication,
		TargetApplication: e.TargetApplication,
		EventData:         e.EventData,
		PublishedBy:       e.PublishedBy,
		Status:            string(e.Status),
		Acknowledged:      e.Acknowledged,
		AcknowledgedAt:    e.AcknowledgedAt,
		ErrorMessage:      e.ErrorMessage,
		RetryCount:        e.RetryCount,
		LastRetryAt:       e.LastRetryAt,
		Metadata:          e.Metadata,
		PublishedAt:       e.PublishedAt,
		UpdatedAt:         e.UpdatedAt,
	}
}

func fromMongoEventRecord(me *mongoEventRecord) *outboxDomain.EventRecord {
	return &outboxDomain.EventRecord{
		EventID:           me.EventID,
		EventType:         me.EventType,
		TenantID:          me.TenantID,
		EntityID:          me.EntityID,
		StreamKey:         me.StreamKey,
		SourceApplication: me.SourceApplication,
		TargetApplication: me.TargetApplication,
		EventData:         me.EventData,
		PublishedBy:       me.PublishedBy,
		Status:            outboxDomain.EventStatus(me.Status),
		Acknowledged:      me.Acknowledged,
		AcknowledgedAt:    me.AcknowledgedAt,
		ErrorMessage:      me.ErrorMessage,
		RetryCount:        me.RetryCount,
		LastRetryAt:       me.LastRetryAt,
		Metadata:          me.Metadata,
		PublishedAt:       me.PublishedAt,
		UpdatedAt:         me.UpdatedAt,
	}
}

// Verificación en tiempo de compilación.
var _ outboxDomain.EventStore = (*EventStoreMongoDB)(nil)
