// Package worker consumes digest jobs from the redis stream and
// refreshes chat descriptions in the background.
package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"charchat/internal/chat"
	"charchat/internal/credentials"
	"charchat/internal/llm"
	"charchat/internal/metrics"
	"charchat/internal/model"
	"charchat/internal/queue"
)

const (
	digestHistoryLimit = 30
	maxDigestRunes     = 200
)

const digestSystemPrompt = `Summarize the following role-play conversation in one short sentence, from an outside perspective. Mention the participants by name. Respond with the sentence only.`

// Store is the slice of the storage layer the worker reads and writes.
type Store interface {
	GetChat(ctx context.Context, chatID string) (model.Chat, error)
	ListRecentMessages(ctx context.Context, chatID string, limit uint64) ([]model.Message, error)
	UpdateChatDescription(ctx context.Context, chatID, description string) error
}

type Worker struct {
	store         Store
	queue         *queue.StreamQueue
	resolver      *credentials.Resolver
	newClient     chat.ClientFactory
	maxJobRetries int
	logger        zerolog.Logger
	metrics       *metrics.Metrics
}

type Config struct {
	Store         Store
	Queue         *queue.StreamQueue
	Resolver      *credentials.Resolver
	NewClient     chat.ClientFactory
	MaxJobRetries int
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
}

func New(cfg Config) *Worker {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.MaxJobRetries < 0 {
		cfg.MaxJobRetries = 0
	}
	return &Worker{
		store:         cfg.Store,
		queue:         cfg.Queue,
		resolver:      cfg.Resolver,
		newClient:     cfg.NewClient,
		maxJobRetries: cfg.MaxJobRetries,
		logger:        cfg.Logger,
		metrics:       m,
	}
}

func (w *Worker) Start(ctx context.Context, concurrency int) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return err
	}
	if concurrency < 1 {
		concurrency = 1
	}

	wg := sync.WaitGroup{}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consumeLoop(ctx, slot)
		}(i)
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (w *Worker) consumeLoop(ctx context.Context, slot int) {
	log := w.logger.With().Int("slot", slot).Logger()
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		messages, err := w.queue.Read(ctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("failed to read queue")
			time.Sleep(1 * time.Second)
			continue
		}
		if len(messages) == 0 {
			continue
		}

		for _, msg := range messages {
			err := w.ProcessJob(ctx, msg.Job)
			if err == nil {
				w.metrics.DigestProcessed.Inc()
				if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
					log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack message")
				}
				continue
			}

			w.metrics.DigestFailed.Inc()
			log.Error().Err(err).Str("job_id", msg.Job.JobID).Int("attempt", msg.Job.Attempts).Msg("digest job failed")

			if msg.Job.Attempts < w.maxJobRetries {
				msg.Job.Attempts++
				if _, enqueueErr := w.queue.Enqueue(ctx, msg.Job); enqueueErr != nil {
					log.Error().Err(enqueueErr).Str("job_id", msg.Job.JobID).Msg("failed to re-enqueue failed job")
					continue
				}
			}
			if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
				log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack failed message")
			}
		}
	}
}

// ProcessJob digests one chat's recent turns into its description.
func (w *Worker) ProcessJob(ctx context.Context, job queue.DigestJob) error {
	c, err := w.store.GetChat(ctx, job.ChatID)
	if err != nil {
		return fmt.Errorf("load chat: %w", err)
	}
	messages, err := w.store.ListRecentMessages(ctx, job.ChatID, digestHistoryLimit)
	if err != nil {
		return fmt.Errorf("load messages: %w", err)
	}
	if len(messages) == 0 {
		return nil
	}

	// Digest models are free-tier, the platform credential serves them.
	cred, err := w.resolver.Resolve(job.Model, model.Profile{})
	if err != nil {
		return fmt.Errorf("resolve digest credential: %w", err)
	}
	client, err := w.newClient(job.Model, cred)
	if err != nil {
		return fmt.Errorf("build digest client: %w", err)
	}

	var text strings.Builder
	req := llm.Request{
		Model: job.Model,
		Messages: []llm.Message{
			{Role: model.RoleSystem, Content: digestSystemPrompt},
			{Role: model.RoleUser, Content: transcript(c, messages)},
		},
		MaxTokens: 128,
	}
	err = client.Stream(ctx, req, func(ev llm.Event) error {
		if ev.Type == llm.EventToken {
			text.WriteString(ev.Token)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("digest generation: %w", err)
	}

	digest := strings.TrimSpace(text.String())
	if digest == "" {
		return nil
	}
	if r := []rune(digest); len(r) > maxDigestRunes {
		digest = string(r[:maxDigestRunes])
	}
	if err := w.store.UpdateChatDescription(ctx, job.ChatID, digest); err != nil {
		return fmt.Errorf("store digest: %w", err)
	}

	w.logger.Debug().Str("chat_id", job.ChatID).Str("model", job.Model).Msg("chat digest updated")
	return nil
}

func transcript(c model.Chat, messages []model.Message) string {
	var b strings.Builder
	for _, m := range messages {
		if m.FromAI {
			b.WriteString(c.Character.Name)
		} else {
			b.WriteString(m.Profile)
		}
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}
