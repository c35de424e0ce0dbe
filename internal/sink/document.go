package sink

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"presencewatch/internal/config"
	"presencewatch/internal/model"
)

// DocumentWriter appends to a Firestore compatible REST document store.
// Each write is a commit whose "time" field is set by the server to the
// request time.
type DocumentWriter struct {
	client     *resty.Client
	project    string
	collection string
	newID      func() string
}

func NewDocumentWriter(cfg config.DocumentSinkConfig) *DocumentWriter {
	client := resty.New().
		SetBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}
	return &DocumentWriter{
		client:     client,
		project:    cfg.Project,
		collection: cfg.Collection,
		newID:      uuid.NewString,
	}
}

func (w *DocumentWriter) Name() string { return "document" }

type commitRequest struct {
	Writes []documentWrite `json:"writes"`
}

type documentWrite struct {
	Update           document         `json:"update"`
	UpdateTransforms []fieldTransform `json:"updateTransforms"`
}

type document struct {
	Name   string                 `json:"name"`
	Fields map[string]interface{} `json:"fields"`
}

type fieldTransform struct {
	FieldPath        string `json:"fieldPath"`
	SetToServerValue string `json:"setToServerValue"`
}

type commitResponse struct {
	CommitTime string `json:"commitTime"`
}

func (w *DocumentWriter) databasePath() string {
	return fmt.Sprintf("projects/%s/databases/(default)", w.project)
}

func (w *DocumentWriter) Write(ctx context.Context, obs model.Observation) error {
	name := fmt.Sprintf("%s/documents/%s/%s", w.databasePath(), w.collection, w.newID())
	body := commitRequest{Writes: []documentWrite{{
		Update: document{
			Name: name,
			Fields: map[string]interface{}{
				"uuid":  map[string]string{"stringValue": obs.UUID},
				"state": map[string]string{"stringValue": string(obs.State)},
				"sd":    map[string]float64{"doubleValue": obs.SD},
			},
		},
		UpdateTransforms: []fieldTransform{{FieldPath: "time", SetToServerValue: "REQUEST_TIME"}},
	}}}

	var result commitResponse
	resp, err := w.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&result).
		Post("/v1/" + w.databasePath() + "/documents:commit")
	if err != nil {
		return fmt.Errorf("commit %s: %w", w.collection, err)
	}
	if resp.IsError() {
		return fmt.Errorf("commit %s: status %d: %s", w.collection, resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	if result.CommitTime != "" {
		if _, err := time.Parse(time.RFC3339Nano, result.CommitTime); err != nil {
			return fmt.Errorf("commit %s: bad commit time %q", w.collection, result.CommitTime)
		}
	}
	return nil
}
