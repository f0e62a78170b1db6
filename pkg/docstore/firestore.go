// SPDX-License-Identifier: AGPL-3.0-only

package docstore

import (
	"context"
	"strings"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"github.com/pkg/errors"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStore adapts a Cloud Firestore client to the Store interface.
// Paths are relative ("orgs/{org}/employees/{id}"); the adapter translates
// to and from the client's fully-qualified resource names.
type FirestoreStore struct {
	client *firestore.Client
	// docPrefix is the resource-name prefix stripped from DocumentRef paths
	// to recover relative paths.
	docPrefix string
}

func NewFirestoreStore(ctx context.Context, projectID string) (*FirestoreStore, error) {
	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, errors.Wrap(err, "creating firestore client")
	}
	return &FirestoreStore{
		client:    client,
		docPrefix: "projects/" + projectID + "/databases/(default)/documents/",
	}, nil
}

func (s *FirestoreStore) Close() error {
	return s.client.Close()
}

func (s *FirestoreStore) relativePath(ref *firestore.DocumentRef) string {
	return strings.TrimPrefix(ref.Path, s.docPrefix)
}

func (s *FirestoreStore) Get(ctx context.Context, path string) (*Document, error) {
	snap, err := s.client.Doc(path).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, errors.Wrap(ErrNotFound, path)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get %s", path)
	}
	return s.document(snap), nil
}

func (s *FirestoreStore) document(snap *firestore.DocumentSnapshot) *Document {
	return &Document{
		Path:       s.relativePath(snap.Ref),
		Fields:     Fields(snap.Data()),
		UpdateTime: snap.UpdateTime,
	}
}

func (s *FirestoreStore) Set(ctx context.Context, path string, fields Fields, merge bool) error {
	var opts []firestore.SetOption
	if merge {
		opts = append(opts, firestore.MergeAll)
	}
	_, err := s.client.Doc(path).Set(ctx, map[string]interface{}(fields), opts...)
	return errors.Wrapf(err, "set %s", path)
}

func (s *FirestoreStore) Update(ctx context.Context, path string, fields Fields) error {
	_, err := s.client.Doc(path).Update(ctx, fieldUpdates(fields))
	if status.Code(err) == codes.NotFound {
		return errors.Wrap(ErrNotFound, path)
	}
	return errors.Wrapf(err, "update %s", path)
}

func fieldUpdates(fields Fields) []firestore.Update {
	updates := make([]firestore.Update, 0, len(fields))
	for k, v := range fields {
		updates = append(updates, firestore.Update{Path: k, Value: v})
	}
	return updates
}

func (s *FirestoreStore) Query(collection string) Query {
	col := s.client.Collection(collection)
	return &firestoreQuery{store: s, query: col.Query}
}

func (s *FirestoreStore) Batch() Batch {
	return &firestoreBatch{store: s, batch: s.client.Batch()}
}

func (s *FirestoreStore) NewDocPath(collection string) string {
	return collection + "/" + s.client.Collection(collection).NewDoc().ID
}

type firestoreQuery struct {
	store   *FirestoreStore
	query   firestore.Query
	orderBy int
	inErr   error
}

func (q *firestoreQuery) Where(field, op string, value interface{}) Query {
	c := *q
	if op == OpIn {
		if values, ok := value.([]interface{}); ok && len(values) > MaxInValues {
			c.inErr = ErrTooManyInValues
			return &c
		}
	}
	c.query = c.query.Where(field, op, value)
	return &c
}

func (q *firestoreQuery) OrderBy(field string) Query {
	c := *q
	c.query = c.query.OrderBy(field, firestore.Asc)
	c.orderBy++
	return &c
}

func (q *firestoreQuery) Limit(n int) Query {
	c := *q
	c.query = c.query.Limit(n)
	return &c
}

func (q *firestoreQuery) StartAfter(values ...interface{}) Query {
	c := *q
	// An extra cursor value beyond the explicit orderings is a document
	// path; surface it through the store's document-id ordering.
	if len(values) == c.orderBy+1 {
		c.query = c.query.OrderBy(firestore.DocumentID, firestore.Asc)
		last := len(values) - 1
		if path, ok := values[last].(string); ok {
			values[last] = q.store.client.Doc(path).ID
		}
	}
	c.query = c.query.StartAfter(values...)
	return &c
}

func (q *firestoreQuery) Documents(ctx context.Context) ([]*Document, error) {
	if q.inErr != nil {
		return nil, q.inErr
	}
	iter := q.query.Documents(ctx)
	defer iter.Stop()

	var out []*Document
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			return out, nil
		}
		if err != nil {
			return nil, errors.Wrap(err, "iterating query results")
		}
		out = append(out, q.store.document(snap))
	}
}

func (q *firestoreQuery) Count(ctx context.Context) (int64, error) {
	if q.inErr != nil {
		return 0, q.inErr
	}
	result, err := q.query.NewAggregationQuery().WithCount("count").Get(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "count query")
	}
	value, ok := result["count"].(*firestorepb.Value)
	if !ok {
		return 0, errors.New("count query returned unexpected result type")
	}
	return value.GetIntegerValue(), nil
}

type firestoreBatch struct {
	store *FirestoreStore
	batch *firestore.WriteBatch
	count int
}

func (b *firestoreBatch) Set(path string, fields Fields, merge bool) {
	var opts []firestore.SetOption
	if merge {
		opts = append(opts, firestore.MergeAll)
	}
	b.batch.Set(b.store.client.Doc(path), map[string]interface{}(fields), opts...)
	b.count++
}

func (b *firestoreBatch) Update(path string, fields Fields) {
	b.batch.Update(b.store.client.Doc(path), fieldUpdates(fields))
	b.count++
}

func (b *firestoreBatch) Len() int {
	return b.count
}

func (b *firestoreBatch) Commit(ctx context.Context) error {
	if b.count > MaxBatchOps {
		return ErrBatchTooLarge
	}
	_, err := b.batch.Commit(ctx)
	return errors.Wrap(err, "committing batch")
}
