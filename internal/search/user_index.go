// Package search maintains the Elasticsearch projection of user records that
// backs filtered, newest-first listing.
package search

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"haven-service/internal/client"
	"haven-service/internal/models"
	"haven-service/internal/repository"
	"haven-service/internal/util"
)

const userMapping = `{
  "mappings": {
    "properties": {
      "id":         {"type": "keyword"},
      "clerkId":    {"type": "keyword"},
      "kycStatus":  {"type": "keyword"},
      "status":     {"type": "keyword"},
      "countryISO": {"type": "keyword"},
      "createdAt":  {"type": "date"}
    }
  }
}`

// UserDocument is the indexed projection. It never carries profile data.
type UserDocument struct {
	ID         string    `json:"id"`
	ClerkID    string    `json:"clerkId"`
	KYCStatus  string    `json:"kycStatus"`
	Status     string    `json:"status"`
	CountryISO string    `json:"countryISO"`
	CreatedAt  time.Time `json:"createdAt"`
}

func DocumentFor(u *models.User) UserDocument {
	return UserDocument{
		ID:         u.ID,
		ClerkID:    u.ClerkID,
		KYCStatus:  string(u.KYCStatus),
		Status:     string(u.Status),
		CountryISO: u.CountryISO,
		CreatedAt:  u.CreatedAt,
	}
}

type UserIndex struct {
	es    *client.ESClient
	index string
}

func NewUserIndex(es *client.ESClient, index string) *UserIndex {
	return &UserIndex{es: es, index: index}
}

func (x *UserIndex) EnsureIndex(ctx context.Context) error {
	if err := x.es.EnsureIndex(ctx, x.index, userMapping); err != nil {
		return fmt.Errorf("failed to ensure user index: %w", err)
	}
	util.Info("User search index ready", zap.String("index", x.index))
	return nil
}

// Upsert writes the projection for u, keyed by identity id.
func (x *UserIndex) Upsert(ctx context.Context, u *models.User) error {
	res, err := x.es.IndexDocument(ctx, x.index, u.ClerkID, DocumentFor(u))
	if err != nil {
		return err
	}
	return x.es.ParseResponse(res, nil)
}

type searchResponse struct {
	Hits struct {
		Total struct {
			Value int64 `json:"value"`
		} `json:"total"`
		Hits []struct {
			Source UserDocument `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// Search returns identity ids of one page of matches, newest first, and the total.
func (x *UserIndex) Search(ctx context.Context, filter repository.ListFilter, offset, limit int) ([]string, int64, error) {
	res, err := x.es.Search(ctx, x.index, BuildListQuery(filter, offset, limit))
	if err != nil {
		return nil, 0, err
	}

	var out searchResponse
	if err := x.es.ParseResponse(res, &out); err != nil {
		return nil, 0, fmt.Errorf("failed to search users: %w", err)
	}

	ids := make([]string, 0, len(out.Hits.Hits))
	for _, hit := range out.Hits.Hits {
		ids = append(ids, hit.Source.ClerkID)
	}
	return ids, out.Hits.Total.Value, nil
}

func (x *UserIndex) HealthCheck(ctx context.Context) error {
	return x.es.HealthCheck(ctx)
}

// BuildListQuery renders filter and pagination as an Elasticsearch query body.
func BuildListQuery(filter repository.ListFilter, offset, limit int) map[string]interface{} {
	terms := []interface{}{}
	if filter.KYCStatus != "" {
		terms = append(terms, term("kycStatus", string(filter.KYCStatus)))
	}
	if filter.Status != "" {
		terms = append(terms, term("status", string(filter.Status)))
	}
	if filter.CountryISO != "" {
		terms = append(terms, term("countryISO", filter.CountryISO))
	}

	return map[string]interface{}{
		"from": offset,
		"size": limit,
		"query": map[string]interface{}{
			"bool": map[string]interface{}{"filter": terms},
		},
		"sort": []interface{}{
			map[string]interface{}{"createdAt": map[string]interface{}{"order": "desc"}},
			map[string]interface{}{"id": map[string]interface{}{"order": "desc"}},
		},
		"_source":          []string{"clerkId"},
		"track_total_hits": true,
	}
}

func term(field, value string) map[string]interface{} {
	return map[string]interface{}{"term": map[string]interface{}{field: value}}
}
