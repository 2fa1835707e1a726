package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jmehdipour/outreach-dispatcher/internal/metrics"
	"github.com/jmehdipour/outreach-dispatcher/internal/model"
	"github.com/jmehdipour/outreach-dispatcher/internal/repository"
	"github.com/jmehdipour/outreach-dispatcher/internal/util"
)

const (
	SourceHTTP  = "http"
	SourceKafka = "kafka"
)

var (
	ErrInvalidRecipient = errors.New("invalid recipient")
	ErrInvalidClass     = errors.New("invalid class")
	ErrInvalidState     = errors.New("invalid state")
	ErrInvalidContent   = errors.New("invalid content")
)

// MaxSubjectLen bounds the subject line accepted at intake.
const MaxSubjectLen = 300

// Service validates composed jobs and persists them as queued.
type Service struct {
	jobs repository.JobsRepository
}

// New constructs the queue service.
func New(jobsRepo repository.JobsRepository) *Service {
	return &Service{jobs: jobsRepo}
}

// Enqueue normalizes the envelope, assigns a ULID when the producer did not, and inserts
// the job. Re-delivering an envelope with the same id is a no-op. Returns the job id.
func (s *Service) Enqueue(ctx context.Context, env model.JobEnvelope, source string) (string, error) {
	j, err := Build(env)
	if err != nil {
		return "", err
	}
	if j.ID == "" {
		j.ID = util.New()
	}

	if err := s.jobs.Enqueue(ctx, j); err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}
	metrics.JobsEnqueuedTotal.WithLabelValues(source, j.Class.String()).Inc()
	return j.ID, nil
}

// Build turns an envelope into a queued job row without persisting it.
func Build(env model.JobEnvelope) (model.Job, error) {
	recipient := util.NormalizeEmail(env.Recipient)
	if recipient == "" {
		return model.Job{}, fmt.Errorf("%w: %q", ErrInvalidRecipient, env.Recipient)
	}

	class, ok := model.ParseTrafficClass(env.Class)
	// follow-ups are scheduled from sent jobs, never enqueued directly
	if !ok || class == model.ClassFollowup {
		return model.Job{}, fmt.Errorf("%w: %q", ErrInvalidClass, env.Class)
	}
	state, ok := model.ParseLeadState(env.State)
	if !ok || !state.PreSend() {
		return model.Job{}, fmt.Errorf("%w: %q", ErrInvalidState, env.State)
	}

	subject := strings.TrimSpace(env.Subject)
	body := strings.TrimSpace(env.Body)
	if subject == "" || body == "" {
		return model.Job{}, fmt.Errorf("%w: subject and body are required", ErrInvalidContent)
	}
	if len(subject) > MaxSubjectLen {
		return model.Job{}, fmt.Errorf("%w: subject longer than %d bytes", ErrInvalidContent, MaxSubjectLen)
	}

	j := model.Job{
		ID:         strings.TrimSpace(env.ID),
		Recipient:  recipient,
		Subject:    subject,
		Body:       body,
		Class:      class,
		Status:     model.JobQueued,
		State:      state,
		TemplateID: strings.TrimSpace(env.TemplateID),
		ProfileID:  strings.TrimSpace(env.ProfileID),
	}
	if id := strings.TrimSpace(env.SenderID); id != "" {
		j.SenderID = &id
	}
	return j, nil
}
