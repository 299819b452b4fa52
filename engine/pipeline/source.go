package pipeline

import (
	"context"

	"github.com/EchoNoteAI/echonote/engine/domain"
	"github.com/EchoNoteAI/echonote/pkg/natsutil"
)

// QueueSource adapts a natsutil pull consumer to the worker's Source. A
// malformed message is terminated on the spot and the fetch reports no
// messages, so the worker just loops.
type QueueSource struct {
	consumer *natsutil.Consumer
}

// NewQueueSource wraps a pull consumer.
func NewQueueSource(c *natsutil.Consumer) *QueueSource {
	return &QueueSource{consumer: c}
}

// Next fetches and decodes one job.
func (s *QueueSource) Next(ctx context.Context) (domain.Job, Delivery, error) {
	d, err := s.consumer.Next(ctx)
	if err != nil {
		return domain.Job{}, nil, err
	}
	job, err := natsutil.Decode[domain.Job](d)
	if err != nil {
		_ = d.Term()
		return domain.Job{}, nil, natsutil.ErrNoMessages
	}
	return job, d, nil
}
