package turn

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// QuestionBroker correlates an asynchronous human-input request with its
// eventual answer. Ask registers a resolver under a generated id, emits a
// question.request event, and blocks until Resolve is called with that id,
// the turn context is cancelled, or the configured timeout elapses.
type QuestionBroker struct {
	sink DisplaySink

	// timeout bounds the wait for an answer; zero means wait until the
	// turn context is cancelled.
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]chan string
}

func NewQuestionBroker(sink DisplaySink, timeout time.Duration) *QuestionBroker {
	return &QuestionBroker{sink: sink, timeout: timeout, pending: make(map[string]chan string)}
}

// Ask emits a question request and waits for the matching answer.
func (b *QuestionBroker) Ask(ctx context.Context, sessionID string, items []QuestionItem) (string, error) {
	if b == nil {
		return "", errors.New("question broker not configured")
	}
	normalized := make([]QuestionItem, 0, len(items))
	for _, item := range items {
		item.Text = strings.TrimSpace(item.Text)
		item.Header = strings.TrimSpace(item.Header)
		if item.Text == "" {
			continue
		}
		normalized = append(normalized, item)
	}
	if len(normalized) == 0 {
		return "", errors.New("no questions to ask")
	}

	questionID := uuid.NewString()
	answerCh := make(chan string, 1)

	b.mu.Lock()
	b.pending[questionID] = answerCh
	b.mu.Unlock()
	defer b.forget(questionID)

	if b.sink != nil {
		event := sinkEvent(SinkEventQuestionRequest)
		event.Question = &QuestionRequest{
			QuestionID: questionID,
			SessionID:  strings.TrimSpace(sessionID),
			Items:      normalized,
		}
		b.sink.Send(event)
	}

	var timeoutCh <-chan time.Time
	if b.timeout > 0 {
		timer := time.NewTimer(b.timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case answer := <-answerCh:
		return answer, nil
	case <-timeoutCh:
		return "", errors.New("question timed out waiting for an answer")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Resolve delivers an answer for a pending question id. It reports whether
// a waiter was found; a second resolve for the same id is a no-op.
func (b *QuestionBroker) Resolve(questionID string, answer string) bool {
	questionID = strings.TrimSpace(questionID)
	if b == nil || questionID == "" {
		return false
	}
	b.mu.Lock()
	ch, ok := b.pending[questionID]
	if ok {
		delete(b.pending, questionID)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}
	ch <- answer
	return true
}

// PendingCount reports the number of unanswered questions.
func (b *QuestionBroker) PendingCount() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *QuestionBroker) forget(questionID string) {
	b.mu.Lock()
	delete(b.pending, questionID)
	b.mu.Unlock()
}
