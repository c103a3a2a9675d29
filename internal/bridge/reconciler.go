package bridge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"bemfabridge/internal/bemfa"
	"bemfabridge/internal/cloud"
)

// TopicAPI is the subset of the bemfa cloud client the reconciler needs
type TopicAPI interface {
	ListTopics(ctx context.Context) ([]cloud.Topic, error)
	CreateTopic(ctx context.Context, topic, name string) error
	RenameTopic(ctx context.Context, topic, name string) error
	DeleteTopic(ctx context.Context, topic string) error
}

// ReconcileResult lists the topics touched by one reconciliation
type ReconcileResult struct {
	Created []string
	Renamed []string
	Deleted []string
}

// Reconciler makes the cloud topic list match the synced entities.
// Only topics carrying the bridge prefix are ever deleted.
type Reconciler struct {
	api    TopicAPI
	logger *zap.Logger
}

// NewReconciler creates a reconciler
func NewReconciler(api TopicAPI, logger *zap.Logger) *Reconciler {
	return &Reconciler{api: api, logger: logger}
}

// Reconcile creates missing topics, renames changed ones and deletes stale bridge topics.
// desired maps topic to display name. Individual failures do not stop the run.
func (r *Reconciler) Reconcile(ctx context.Context, desired map[string]string) (ReconcileResult, error) {
	var result ReconcileResult

	existing, err := r.api.ListTopics(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to list cloud topics: %w", err)
	}

	have := make(map[string]string, len(existing))
	for _, t := range existing {
		have[t.Topic] = t.Name
	}

	topics := make([]string, 0, len(desired))
	for topic := range desired {
		topics = append(topics, topic)
	}
	sort.Strings(topics)

	var errs []error
	for _, topic := range topics {
		name := desired[topic]
		current, ok := have[topic]
		switch {
		case !ok:
			if err := r.api.CreateTopic(ctx, topic, name); err != nil {
				errs = append(errs, fmt.Errorf("create %s: %w", topic, err))
				continue
			}
			result.Created = append(result.Created, topic)
			r.logger.Info("Created cloud topic", zap.String("topic", topic), zap.String("name", name))
		case current != name:
			if err := r.api.RenameTopic(ctx, topic, name); err != nil {
				errs = append(errs, fmt.Errorf("rename %s: %w", topic, err))
				continue
			}
			result.Renamed = append(result.Renamed, topic)
			r.logger.Info("Renamed cloud topic", zap.String("topic", topic), zap.String("name", name))
		}
	}

	for _, t := range existing {
		if _, ok := desired[t.Topic]; ok || !strings.HasPrefix(t.Topic, bemfa.TopicPrefix) {
			continue
		}
		if err := r.api.DeleteTopic(ctx, t.Topic); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", t.Topic, err))
			continue
		}
		result.Deleted = append(result.Deleted, t.Topic)
		r.logger.Info("Deleted stale cloud topic", zap.String("topic", t.Topic))
	}

	return result, errors.Join(errs...)
}
