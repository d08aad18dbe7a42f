package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/prudhvinik1/edgeshadow/internal/models"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const credentialPrefix = "credential:"
const subjectCredentialsPrefix = "subject:%s:credentials"

// RedisCredentialSessionRepository keeps issued credentials until they
// expire. A per-subject set indexes them for bulk revocation.
type RedisCredentialSessionRepository struct {
	client *redis.Client
	log    *zap.SugaredLogger
}

func NewRedisCredentialSessionRepository(client *redis.Client, log *zap.SugaredLogger) *RedisCredentialSessionRepository {
	return &RedisCredentialSessionRepository{client: client, log: log}
}

func (r *RedisCredentialSessionRepository) Create(ctx context.Context, session *models.CredentialSession) error {
	jsonData, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal credential session: %w", err)
	}
	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("credential session %s already expired", session.ID)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, credentialKey(session.ID), jsonData, ttl)
	pipe.SAdd(ctx, subjectKey(session.Subject), session.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store credential session: %w", err)
	}
	return nil
}

func (r *RedisCredentialSessionRepository) GetByID(ctx context.Context, id string) (*models.CredentialSession, error) {
	jsonData, err := r.client.Get(ctx, credentialKey(id)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential session: %w", err)
	}

	var session models.CredentialSession
	if err := json.Unmarshal([]byte(jsonData), &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal credential session: %w", err)
	}
	return &session, nil
}

// ListBySubject returns the live credentials of subject and drops expired
// ones from the index.
func (r *RedisCredentialSessionRepository) ListBySubject(ctx context.Context, subject string) ([]*models.CredentialSession, error) {
	indexKey := subjectKey(subject)
	ids, err := r.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get subject credentials: %w", err)
	}

	var (
		sessions []*models.CredentialSession
		expired  []interface{}
	)
	for _, id := range ids {
		session, err := r.GetByID(ctx, id)
		if err == ErrNotFound {
			expired = append(expired, id)
			continue
		}
		if err != nil {
			r.log.Warnw("skipping unreadable credential session", "id", id, "error", err)
			continue
		}
		sessions = append(sessions, session)
	}

	if len(expired) > 0 {
		if err := r.client.SRem(ctx, indexKey, expired...).Err(); err != nil {
			return nil, fmt.Errorf("failed to remove expired credentials: %w", err)
		}
	}
	return sessions, nil
}

func (r *RedisCredentialSessionRepository) Delete(ctx context.Context, id string) error {
	session, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.SRem(ctx, subjectKey(session.Subject), id)
	pipe.Del(ctx, credentialKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete credential session: %w", err)
	}
	return nil
}

func (r *RedisCredentialSessionRepository) DeleteAllForSubject(ctx context.Context, subject string) error {
	indexKey := subjectKey(subject)
	ids, err := r.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return fmt.Errorf("failed to get subject credentials: %w", err)
	}

	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, credentialKey(id))
	}
	keys = append(keys, indexKey)

	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete subject credentials: %w", err)
	}
	return nil
}

func credentialKey(id string) string {
	return credentialPrefix + id
}

func subjectKey(subject string) string {
	return fmt.Sprintf(subjectCredentialsPrefix, subject)
}
