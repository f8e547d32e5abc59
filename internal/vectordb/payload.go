package vectordb

import (
	"time"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"

	"github.com/Veraticus/expense-flow/internal/model"
)

func pointID(text string) *pb.PointId {
	return &pb.PointId{
		PointIdOptions: &pb.PointId_Uuid{Uuid: uuid.NewSHA1(pointNamespace, []byte(text)).String()},
	}
}

func stringValue(s string) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}}
}

func intValue(n int64) *pb.Value {
	return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: n}}
}

func boolValue(b bool) *pb.Value {
	return &pb.Value{Kind: &pb.Value_BoolValue{BoolValue: b}}
}

func payloadFromRecord(rec *model.EmbeddingRecord) map[string]*pb.Value {
	var expires int64
	if rec.ExpiresAt != nil && !rec.Verified {
		expires = rec.ExpiresAt.Unix()
	}
	return map[string]*pb.Value{
		keyText:       stringValue(rec.Text),
		keyGLCode:     stringValue(rec.GLCode),
		keyDepartment: stringValue(rec.Department),
		keyVerified:   boolValue(rec.Verified),
		keyExpiresAt:  intValue(expires),
		keyCreatedAt:  intValue(rec.CreatedAt.Unix()),
	}
}

func recordFromPayload(id *pb.PointId, payload map[string]*pb.Value) model.EmbeddingRecord {
	rec := model.EmbeddingRecord{
		ID:         id.GetUuid(),
		Text:       payload[keyText].GetStringValue(),
		GLCode:     payload[keyGLCode].GetStringValue(),
		Department: payload[keyDepartment].GetStringValue(),
		Verified:   payload[keyVerified].GetBoolValue(),
	}
	if created := payload[keyCreatedAt].GetIntegerValue(); created > 0 {
		rec.CreatedAt = time.Unix(created, 0).UTC()
	}
	if expires := payload[keyExpiresAt].GetIntegerValue(); expires > 0 && !rec.Verified {
		t := time.Unix(expires, 0).UTC()
		rec.ExpiresAt = &t
	}
	return rec
}

func boolCondition(key string, v bool) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key:   key,
				Match: &pb.Match{MatchValue: &pb.Match_Boolean{Boolean: v}},
			},
		},
	}
}

func rangeCondition(key string, r *pb.Range) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{Key: key, Range: r},
		},
	}
}

// activeFilter matches verified points and unverified points that expire after now.
func activeFilter(now time.Time) *pb.Filter {
	after := float64(now.Unix())
	return &pb.Filter{
		Should: []*pb.Condition{
			boolCondition(keyVerified, true),
			rangeCondition(keyExpiresAt, &pb.Range{Gt: &after}),
		},
	}
}

// expiredFilter matches unverified points whose expiry is at or before now.
func expiredFilter(now time.Time) *pb.Filter {
	at := float64(now.Unix())
	zero := 0.0
	return &pb.Filter{
		Must: []*pb.Condition{
			boolCondition(keyVerified, false),
			rangeCondition(keyExpiresAt, &pb.Range{Gt: &zero, Lte: &at}),
		},
	}
}
