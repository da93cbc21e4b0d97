package supabase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/boddenberg/salescoach-bfa-go/internal/domain"
	"github.com/boddenberg/salescoach-bfa-go/internal/port"
)

const (
	documentsTable = "documents"
	batchRPC       = "rpc/apply_document_batch"
	docCache       = "documents"
)

// row is one record of the documents table.
type row struct {
	Collection string          `json:"collection"`
	ID         string          `json:"id"`
	Data       json.RawMessage `json:"data"`
}

func (r row) document() port.Document {
	return port.Document{ID: r.ID, Path: port.DocPath(r.Collection, r.ID), Data: r.Data}
}

// batchOp is the wire form of a port.WriteOp for apply_document_batch.
type batchOp struct {
	Kind       port.WriteKind `json:"kind"`
	Collection string         `json:"collection"`
	ID         string         `json:"id"`
	Data       any            `json:"data,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
	Field      string         `json:"field,omitempty"`
	Values     []string       `json:"values,omitempty"`
}

// ============================================================
// Reads
// ============================================================

// Get returns the document at path, from cache when fresh.
func (s *Store) Get(ctx context.Context, path string) (*port.Document, error) {
	if err := validPath(path); err != nil {
		return nil, err
	}
	if doc, ok := s.cache.Get(path); ok {
		s.metrics.IncrCacheHit(docCache)
		return &doc, nil
	}
	s.metrics.IncrCacheMiss(docCache)

	ctx, span := tracer.Start(ctx, "Store.Get", trace.WithAttributes(attribute.String("path", path)))
	defer span.End()

	doc, err := s.fetchDoc(ctx, path)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, &domain.ErrNotFound{Resource: "document", ID: path}
	}
	s.cache.Set(path, *doc)
	return doc, nil
}

// fetchDoc reads path bypassing the cache. A missing document is (nil, nil).
func (s *Store) fetchDoc(ctx context.Context, path string) (*port.Document, error) {
	collection, id := port.SplitPath(path)
	q := url.Values{}
	q.Set("select", "collection,id,data")
	q.Set("collection", "eq."+collection)
	q.Set("id", "eq."+id)

	var rows []row
	err := s.client.call(ctx, "get", func() error {
		body, err := s.client.do(ctx, http.MethodGet, documentsTable, q, nil, "")
		if err != nil {
			return err
		}
		return json.Unmarshal(body, &rows)
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	doc := rows[0].document()
	return &doc, nil
}

// List runs q once.
func (s *Store) List(ctx context.Context, q port.Query) ([]port.Document, error) {
	if q.Collection == "" {
		return nil, &domain.ErrValidation{Field: "collection", Message: "is required"}
	}
	ctx, span := tracer.Start(ctx, "Store.List", trace.WithAttributes(attribute.String("collection", q.Collection)))
	defer span.End()

	params, err := queryParams(q)
	if err != nil {
		return nil, err
	}

	var rows []row
	err = s.client.call(ctx, "list", func() error {
		body, err := s.client.do(ctx, http.MethodGet, documentsTable, params, nil, "")
		if err != nil {
			return err
		}
		return json.Unmarshal(body, &rows)
	})
	if err != nil {
		return nil, err
	}

	docs := make([]port.Document, len(rows))
	for i, r := range rows {
		docs[i] = r.document()
	}
	return docs, nil
}

// queryParams renders q as PostgREST filters over the data column.
func queryParams(q port.Query) (url.Values, error) {
	v := url.Values{}
	v.Set("select", "collection,id,data")
	v.Set("collection", "eq."+q.Collection)

	for _, f := range q.Filters {
		col, expr, err := filterExpr(f)
		if err != nil {
			return nil, err
		}
		v.Add(col, expr)
	}
	if len(q.AnyOf) > 0 {
		parts := make([]string, len(q.AnyOf))
		for i, f := range q.AnyOf {
			col, expr, err := filterExpr(f)
			if err != nil {
				return nil, err
			}
			parts[i] = col + "." + expr
		}
		v.Set("or", "("+strings.Join(parts, ",")+")")
	}

	order := "id.asc"
	if q.OrderBy != "" {
		dir := "asc"
		if q.Descending {
			dir = "desc"
		}
		order = fmt.Sprintf("data->>%s.%s.nullsfirst,id.asc", q.OrderBy, dir)
	}
	v.Set("order", order)
	return v, nil
}

func filterExpr(f port.Filter) (col, expr string, err error) {
	if f.Field == "" {
		return "", "", &domain.ErrValidation{Field: "filter", Message: "field is required"}
	}
	switch f.Op {
	case port.OpEqual:
		return "data->>" + f.Field, "eq." + scalar(f.Value), nil
	case port.OpArrayContains:
		raw, err := json.Marshal([]any{f.Value})
		if err != nil {
			return "", "", err
		}
		return "data->" + f.Field, "cs." + string(raw), nil
	}
	return "", "", &domain.ErrValidation{Field: "filter", Message: "unsupported operator " + string(f.Op)}
}

// scalar renders v the way ->> renders a JSON scalar.
func scalar(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return "null"
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(raw)
}

// ============================================================
// Writes
// ============================================================

func (s *Store) Set(ctx context.Context, path string, data any) error {
	return s.BatchWrite(ctx, []port.WriteOp{{Kind: port.WriteSet, Path: path, Data: data}})
}

func (s *Store) Update(ctx context.Context, path string, fields map[string]any) error {
	return s.BatchWrite(ctx, []port.WriteOp{{Kind: port.WriteUpdate, Path: path, Fields: fields}})
}

func (s *Store) ArrayUnion(ctx context.Context, path, field string, values ...string) error {
	return s.BatchWrite(ctx, []port.WriteOp{{Kind: port.WriteArrayUnion, Path: path, Field: field, Values: values}})
}

func (s *Store) ArrayRemove(ctx context.Context, path, field string, values ...string) error {
	return s.BatchWrite(ctx, []port.WriteOp{{Kind: port.WriteArrayRemove, Path: path, Field: field, Values: values}})
}

func (s *Store) Delete(ctx context.Context, path string) error {
	return s.BatchWrite(ctx, []port.WriteOp{{Kind: port.WriteDelete, Path: path}})
}

// BatchWrite sends ops to apply_document_batch, which commits them in a
// single transaction. The function raises no_data_found for an update of a
// missing document; PostgREST answers that with 404.
func (s *Store) BatchWrite(ctx context.Context, ops []port.WriteOp) error {
	if len(ops) == 0 {
		return nil
	}
	wire := make([]batchOp, len(ops))
	for i, op := range ops {
		if err := validPath(op.Path); err != nil {
			return err
		}
		switch op.Kind {
		case port.WriteSet, port.WriteUpdate, port.WriteDelete, port.WriteArrayUnion, port.WriteArrayRemove:
		default:
			return &domain.ErrValidation{Field: "kind", Message: "unsupported write " + string(op.Kind)}
		}
		collection, id := port.SplitPath(op.Path)
		wire[i] = batchOp{
			Kind:       op.Kind,
			Collection: collection,
			ID:         id,
			Data:       op.Data,
			Fields:     op.Fields,
			Field:      op.Field,
			Values:     op.Values,
		}
	}

	ctx, span := tracer.Start(ctx, "Store.BatchWrite", trace.WithAttributes(attribute.Int("ops", len(ops))))
	defer span.End()

	err := s.client.call(ctx, "batch", func() error {
		_, err := s.client.do(ctx, http.MethodPost, batchRPC, nil, map[string]any{"ops": wire}, "")
		return notFound(err, ops)
	})

	if err != nil {
		// The outcome is unknown when the response was lost, so drop every
		// cached document of the touched collections.
		for _, op := range ops {
			collection, _ := port.SplitPath(op.Path)
			s.cache.DeletePrefix(collection + "/")
		}
		return err
	}
	for _, op := range ops {
		s.cache.Delete(op.Path)
	}
	s.logger.Debug("batch committed", zap.Int("ops", len(ops)))
	s.kick()
	return nil
}

// notFound turns the 404 of a failed batch into the domain error, naming
// the first path that could have caused it.
func notFound(err error, ops []port.WriteOp) error {
	se, ok := err.(*statusError)
	if !ok || se.Status != http.StatusNotFound {
		return err
	}
	id := ""
	for _, op := range ops {
		if op.Kind != port.WriteSet && op.Kind != port.WriteDelete {
			id = op.Path
			break
		}
	}
	return &domain.ErrNotFound{Resource: "document", ID: id}
}

func validPath(path string) error {
	c, id := port.SplitPath(path)
	if c == "" || id == "" || strings.Contains(path, "//") {
		return &domain.ErrValidation{Field: "path", Message: fmt.Sprintf("%q is not a document path", path)}
	}
	return nil
}
