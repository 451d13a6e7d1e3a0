package projections

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/THEMKM/seraaj-eventsourced-sub001/config"
	"github.com/THEMKM/seraaj-eventsourced-sub001/domain"
	"github.com/THEMKM/seraaj-eventsourced-sub001/models"
)

// Index names, before the configured prefix
const (
	ApplicationsIndex     = "applications"
	MatchSuggestionsIndex = "match-suggestions"
	EventsIndex           = "events"
)

// NewElasticsearchClient creates a new Elasticsearch client
func NewElasticsearchClient(cfg config.ElasticsearchConfig) (*elasticsearch.Client, error) {
	elasticCfg := elasticsearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 10,
		},
	}

	client, err := elasticsearch.NewClient(elasticCfg)
	if err != nil {
		return nil, fmt.Errorf("error creating Elasticsearch client: %w", err)
	}

	// Check the connection
	res, err := client.Info()
	if err != nil {
		return nil, fmt.Errorf("error connecting to Elasticsearch: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("Elasticsearch returned error: %s", res.String())
	}

	log.Info().Msg("Successfully connected to Elasticsearch")
	return client, nil
}

// EnsureIndices ensures that all required indices exist
func EnsureIndices(client *elasticsearch.Client, cfg config.ElasticsearchConfig) error {
	for _, index := range []string{ApplicationsIndex, MatchSuggestionsIndex, EventsIndex} {
		formattedIndex := cfg.FormatIndex(index)

		exists, err := indexExists(client, formattedIndex)
		if err != nil {
			return err
		}
		if !exists {
			log.Info().Msgf("Creating index %s", formattedIndex)
			if err := createIndex(client, formattedIndex); err != nil {
				return err
			}
		}
	}
	return nil
}

func indexExists(client *elasticsearch.Client, index string) (bool, error) {
	res, err := client.Indices.Exists([]string{index})
	if err != nil {
		return false, fmt.Errorf("error checking if index %s exists: %w", index, err)
	}
	defer res.Body.Close()

	return res.StatusCode == http.StatusOK, nil
}

func createIndex(client *elasticsearch.Client, index string) error {
	res, err := client.Indices.Create(index)
	if err != nil {
		return fmt.Errorf("error creating index %s: %w", index, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("error creating index %s: %s", index, res.String())
	}
	return nil
}

// ElasticsearchIndexer is a Sink that mirrors projected rows and their
// events into Elasticsearch for search
type ElasticsearchIndexer struct {
	client *elasticsearch.Client
	cfg    config.ElasticsearchConfig
}

func NewElasticsearchIndexer(client *elasticsearch.Client, cfg config.ElasticsearchConfig) *ElasticsearchIndexer {
	return &ElasticsearchIndexer{client: client, cfg: cfg}
}

func (i *ElasticsearchIndexer) Name() string { return "elasticsearch" }

// Handle indexes the projected row and the event that produced it
func (i *ElasticsearchIndexer) Handle(ctx context.Context, projected Projected) error {
	switch {
	case projected.Application != nil:
		if err := i.index(ctx, ApplicationsIndex, projected.Application.ID, projected.Application); err != nil {
			return err
		}
	case projected.MatchSuggestion != nil:
		if err := i.index(ctx, MatchSuggestionsIndex, projected.MatchSuggestion.ID, projected.MatchSuggestion); err != nil {
			return err
		}
	}
	return i.index(ctx, EventsIndex, projected.Event.ID, eventDocument(projected.Event))
}

// Reindex rebuilds the row documents from the read tables
func (i *ElasticsearchIndexer) Reindex(ctx context.Context, db *gorm.DB) (int, error) {
	indexed := 0

	var applications []models.Application
	err := db.WithContext(ctx).FindInBatches(&applications, 200, func(tx *gorm.DB, batch int) error {
		for idx := range applications {
			if err := i.index(ctx, ApplicationsIndex, applications[idx].ID, &applications[idx]); err != nil {
				return err
			}
			indexed++
		}
		return nil
	}).Error
	if err != nil {
		return indexed, err
	}

	var suggestions []models.MatchSuggestion
	err = db.WithContext(ctx).FindInBatches(&suggestions, 200, func(tx *gorm.DB, batch int) error {
		for idx := range suggestions {
			if err := i.index(ctx, MatchSuggestionsIndex, suggestions[idx].ID, &suggestions[idx]); err != nil {
				return err
			}
			indexed++
		}
		return nil
	}).Error

	log.Info().Int("documents", indexed).Msg("Reindex finished")
	return indexed, err
}

func (i *ElasticsearchIndexer) index(ctx context.Context, index, id string, doc interface{}) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal %s document: %w", index, err)
	}

	res, err := i.client.Index(
		i.cfg.FormatIndex(index),
		bytes.NewReader(body),
		i.client.Index.WithDocumentID(id),
		i.client.Index.WithRefresh("true"),
		i.client.Index.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("failed to index %s in Elasticsearch: %w", index, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("failed to index %s in Elasticsearch: %s", index, res.String())
	}
	return nil
}

type eventDoc struct {
	EventID          string          `json:"event_id"`
	AggregateID      string          `json:"aggregate_id"`
	AggregateType    string          `json:"aggregate_type"`
	EventType        string          `json:"event_type"`
	Version          int             `json:"version"`
	OccurredAt       string          `json:"occurred_at"`
	ContractsVersion string          `json:"contracts_version"`
	Payload          json.RawMessage `json:"payload"`
}

func eventDocument(e domain.Event) eventDoc {
	return eventDoc{
		EventID:          e.ID,
		AggregateID:      e.AggregateID,
		AggregateType:    e.AggregateType,
		EventType:        e.Type,
		Version:          e.Version,
		OccurredAt:       e.OccurredAt.Format("2006-01-02T15:04:05.000000Z07:00"),
		ContractsVersion: e.ContractsVersion,
		Payload:          e.Payload,
	}
}
