package workerproc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"chunklab-backend/internal/batch"
	"chunklab-backend/internal/bootstrap"
	"chunklab-backend/internal/queue"
)

// MessageMeta captures details useful for logging and diagnostics.
type MessageMeta struct {
	BodyLen int
	BodySHA string
}

// ComputeMeta returns the body length and SHA-256 hash.
func ComputeMeta(body string) MessageMeta {
	if body == "" {
		return MessageMeta{BodyLen: 0, BodySHA: ""}
	}
	sum := sha256.Sum256([]byte(body))
	return MessageMeta{BodyLen: len(body), BodySHA: hex.EncodeToString(sum[:])}
}

// ErrEmptyBody indicates an empty queue payload.
type ErrEmptyBody struct {
	Meta MessageMeta
}

func (e ErrEmptyBody) Error() string { return "empty message body" }

// ErrDecode indicates a JSON decode failure.
type ErrDecode struct {
	Meta MessageMeta
	Err  error
}

func (e ErrDecode) Error() string {
	if e.Err == nil {
		return "decode message"
	}
	return "decode message: " + e.Err.Error()
}

// ErrMissingJobID indicates a message missing the job id.
type ErrMissingJobID struct {
	Meta      MessageMeta
	RequestID string
}

func (e ErrMissingJobID) Error() string { return "missing job id" }

// ErrProcess indicates reconciliation failed after successful parsing.
// These failures are transient; the message should stay on the queue.
type ErrProcess struct {
	JobID     string
	RequestID string
	Err       error
}

func (e ErrProcess) Error() string {
	if e.Err == nil {
		return "reconcile job"
	}
	return "reconcile job: " + e.Err.Error()
}

// ParseMessage validates and decodes the queue payload.
func ParseMessage(body string) (queue.Message, MessageMeta, error) {
	meta := ComputeMeta(body)
	if strings.TrimSpace(body) == "" {
		return queue.Message{}, meta, ErrEmptyBody{Meta: meta}
	}

	msg, err := queue.DecodeMessage([]byte(body))
	if err != nil {
		return queue.Message{}, meta, ErrDecode{Meta: meta, Err: err}
	}
	if strings.TrimSpace(msg.JobID) == "" {
		return msg, meta, ErrMissingJobID{Meta: meta, RequestID: msg.RequestID}
	}
	return msg, meta, nil
}

type parsedMessageKey struct{}

// WithParsedMessage stores a decoded message in the context for reuse.
func WithParsedMessage(ctx context.Context, msg queue.Message) context.Context {
	return context.WithValue(ctx, parsedMessageKey{}, msg)
}

func parsedMessageFromContext(ctx context.Context) (queue.Message, bool) {
	if ctx == nil {
		return queue.Message{}, false
	}
	msg, ok := ctx.Value(parsedMessageKey{}).(queue.Message)
	return msg, ok
}

// Outcome describes what the worker should do with the message after a
// successful reconcile pass.
type Outcome struct {
	JobID  string
	Status string
	// Requeue asks for another poll later; the job is still in flight.
	Requeue bool
}

// HandleMessage parses the payload and runs one reconcile pass. The returned
// outcome tells the caller whether the job is done or needs another poll.
func HandleMessage(ctx context.Context, app *bootstrap.App, body string) (Outcome, error) {
	if app == nil || app.JobReconciler == nil {
		return Outcome{}, errors.New("reconciler not configured")
	}

	msg, ok := parsedMessageFromContext(ctx)
	if !ok {
		var err error
		msg, _, err = ParseMessage(body)
		if err != nil {
			return Outcome{}, err
		}
	}
	if strings.TrimSpace(msg.JobID) == "" {
		return Outcome{}, ErrMissingJobID{Meta: ComputeMeta(body), RequestID: msg.RequestID}
	}

	ctxWithRequest := batch.WithRequestID(ctx, msg.RequestID)
	if err := app.JobReconciler.Reconcile(ctxWithRequest, msg.JobID); err != nil {
		return Outcome{}, ErrProcess{JobID: msg.JobID, RequestID: msg.RequestID, Err: err}
	}

	job, err := app.BatchRepo.GetJob(ctx, msg.JobID)
	if err != nil {
		if errors.Is(err, batch.ErrNotFound) {
			return Outcome{JobID: msg.JobID, Status: "", Requeue: false}, nil
		}
		return Outcome{}, ErrProcess{JobID: msg.JobID, RequestID: msg.RequestID, Err: err}
	}

	return Outcome{
		JobID:   job.ID,
		Status:  job.Status,
		Requeue: !batch.TerminalStatus(job.Status),
	}, nil
}
