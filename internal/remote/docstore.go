package remote

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
)

const (
	CollectionTasks = "tasks"
	CollectionTeams = "teams"
	CollectionUsers = "users"
)

type QueryKind int

const (
	QueryFieldEquals QueryKind = iota
	QueryArrayContains
	QueryIDIn
)

// Query is the small set of lookups the sync layer needs.
type Query struct {
	Kind  QueryKind
	Field string
	Value any
	IDs   []string
}

func FieldEquals(field string, value any) Query {
	return Query{Kind: QueryFieldEquals, Field: field, Value: value}
}

func ArrayContains(field string, value any) Query {
	return Query{Kind: QueryArrayContains, Field: field, Value: value}
}

func IDIn(ids []string) Query {
	return Query{Kind: QueryIDIn, Field: "_id", IDs: ids}
}

// Append adds Value to the array Field when absent and increments Counter,
// as one atomic step guarded by Counter < Below. An empty Counter skips the guard.
type Append struct {
	Field   string
	Value   any
	Counter string
	Below   int
}

// DocumentStore is the remote document database.
type DocumentStore interface {
	Upsert(ctx context.Context, collection, id string, doc any) error
	// Get decodes the document into out or returns ErrNotFound.
	Get(ctx context.Context, collection, id string, out any) error
	Find(ctx context.Context, collection string, q Query) ([]bson.Raw, error)
	// Delete is idempotent.
	Delete(ctx context.Context, collection, id string) error
	AtomicAppend(ctx context.Context, collection, id string, a Append) (bool, error)
}

func decodeAll[T any](raws []bson.Raw) ([]T, error) {
	out := make([]T, 0, len(raws))
	for _, raw := range raws {
		var v T
		if err := bson.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode document: %w", err)
		}
		out = append(out, v)
	}
	return out, nil
}
