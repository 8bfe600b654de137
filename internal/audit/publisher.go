package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"realtime-service/internal/client"
	"realtime-service/internal/config"
	"realtime-service/internal/models"
	"realtime-service/internal/service"
	"realtime-service/internal/util"
)

const securityIndex = "security-events"

// Entry is the audit record shape, both the Kafka payload and the
// Elasticsearch document.
type Entry struct {
	ID        string    `json:"id"`
	EventType string    `json:"eventType"`
	UserID    string    `json:"userId"`
	SessionID string    `json:"sessionId,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// Publisher mirrors security-relevant directory notifications to Kafka and
// Elasticsearch. Both sinks are optional and every failure is swallowed
// after logging: auditing never blocks or fails a user-facing operation.
type Publisher struct {
	producer *client.KafkaProducer
	es       *client.ESClient
	topic    string
	unsubs   []func()
}

func NewPublisher(cfg *config.Config, producer *client.KafkaProducer, es *client.ESClient) *Publisher {
	return &Publisher{
		producer: producer,
		es:       es,
		topic:    cfg.Kafka.EventsTopic,
	}
}

// Start subscribes to the directory's notification hub.
func (p *Publisher) Start(notifier *service.Notifier) {
	p.unsubs = append(p.unsubs,
		notifier.OnUserEvent(p.onUserEvent),
		notifier.OnSessionEvent(p.onSessionEvent),
	)
	util.Info("Audit publisher started",
		zap.Bool("kafka", p.producer != nil),
		zap.Bool("elasticsearch", p.es != nil))
}

func (p *Publisher) Stop() {
	for _, unsub := range p.unsubs {
		unsub()
	}
	p.unsubs = nil
}

func (p *Publisher) onUserEvent(ev models.UserEvent) {
	switch ev.Type {
	case models.EventUserCreated:
		p.publish(Entry{
			ID:        uuid.New().String(),
			EventType: ev.Type,
			UserID:    ev.UserID,
			At:        ev.At,
		})
	case models.EventUserLocked:
		detail := ""
		if ev.LockedUntil != nil {
			detail = "locked until " + ev.LockedUntil.Format(time.RFC3339)
		}
		p.publish(Entry{
			ID:        uuid.New().String(),
			EventType: ev.Type,
			UserID:    ev.UserID,
			Detail:    detail,
			At:        ev.At,
		})
	}
}

func (p *Publisher) onSessionEvent(ev models.SessionEvent) {
	switch ev.Type {
	case models.EventSessionInvalidated, models.EventAllUserSessionsInvalidated:
		p.publish(Entry{
			ID:        uuid.New().String(),
			EventType: ev.Type,
			UserID:    ev.UserID,
			SessionID: ev.SessionID,
			At:        ev.At,
		})
	}
}

func (p *Publisher) publish(entry Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if p.producer != nil {
		payload, err := json.Marshal(entry)
		if err == nil {
			err = p.producer.ProduceMessage(ctx, p.topic, []byte(entry.UserID), payload, nil)
		}
		if err != nil {
			util.Warn("Failed to publish audit entry to Kafka",
				zap.String("event_type", entry.EventType),
				zap.Error(err))
		}
	}

	if p.es != nil {
		res, err := p.es.IndexDocument(securityIndex, entry.ID, entry)
		if err != nil {
			util.Warn("Failed to index audit entry",
				zap.String("event_type", entry.EventType),
				zap.Error(err))
			return
		}
		defer res.Body.Close()
		if res.IsError() {
			util.Warn("Audit index rejected entry",
				zap.String("event_type", entry.EventType),
				zap.String("status", res.Status()))
		}
	}
}

// SearchEvents returns recent audit entries, newest first, optionally
// filtered by user. Returns nil when Elasticsearch is not configured.
func (p *Publisher) SearchEvents(ctx context.Context, userID string, limit int) ([]Entry, error) {
	if p.es == nil {
		return nil, nil
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := map[string]interface{}{
		"size": limit,
		"sort": []map[string]interface{}{
			{"at": map[string]string{"order": "desc"}},
		},
	}
	if userID != "" {
		query["query"] = map[string]interface{}{
			"term": map[string]interface{}{"userId.keyword": userID},
		}
	}

	res, err := p.es.Search(ctx, securityIndex, query)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Hits struct {
			Hits []struct {
				Source Entry `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := p.es.ParseResponse(res, &parsed); err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(parsed.Hits.Hits))
	for _, hit := range parsed.Hits.Hits {
		entries = append(entries, hit.Source)
	}
	return entries, nil
}
