// Package queue publishes dispatch jobs for approved actions.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"support-agent/internal/domain"
)

// sqsAPI is the minimal SQS interface required by SQS.
type sqsAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQS publishes DispatchJobs to an SQS queue. On FIFO queues the approval id
// is both the group and the deduplication id, so a job published twice
// within the dedup window is delivered once.
type SQS struct {
	api      sqsAPI
	queueURL string
	fifo     bool
}

// NewSQS creates a publisher for queueURL.
func NewSQS(api sqsAPI, queueURL string) (*SQS, error) {
	if api == nil {
		return nil, errors.New("queue: api must not be nil")
	}
	queueURL = strings.TrimSpace(queueURL)
	if queueURL == "" {
		return nil, errors.New("queue: queue url must not be empty")
	}
	return &SQS{api: api, queueURL: queueURL, fifo: strings.HasSuffix(queueURL, ".fifo")}, nil
}

// Publish sends job to the queue.
func (q *SQS) Publish(ctx context.Context, job domain.DispatchJob) error {
	if job.ApprovalID == "" {
		return errors.New("queue: approval id is required")
	}
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal job: %w", err)
	}
	in := &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(body)),
	}
	if q.fifo {
		in.MessageGroupId = aws.String(job.ApprovalID)
		in.MessageDeduplicationId = aws.String(job.ApprovalID)
	}
	if _, err := q.api.SendMessage(ctx, in); err != nil {
		return fmt.Errorf("queue: send dispatch job %q: %w", job.ApprovalID, err)
	}
	return nil
}

// DecodeJob parses a queue message body.
func DecodeJob(body string) (domain.DispatchJob, error) {
	var job domain.DispatchJob
	if err := json.Unmarshal([]byte(body), &job); err != nil {
		return domain.DispatchJob{}, fmt.Errorf("queue: decode job: %w", err)
	}
	if job.ApprovalID == "" {
		return domain.DispatchJob{}, errors.New("queue: job has no approval id")
	}
	return job, nil
}
