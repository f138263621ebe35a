// Package scheduler arms and cancels one-shot conversation timers.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsscheduler "github.com/aws/aws-sdk-go-v2/service/scheduler"
	"github.com/aws/aws-sdk-go-v2/service/scheduler/types"

	"support-agent/internal/domain"
)

const atLayout = "2006-01-02T15:04:05"

// TimerSource marks timer payloads so the Lambda entry point can tell them
// apart from other invocation types.
const TimerSource = "support-agent.timer"

// Envelope is the JSON input delivered to the target when a timer fires.
type Envelope struct {
	Source string            `json:"source"`
	Timer  domain.TimerEvent `json:"timer"`
}

// schedulerAPI is the minimal EventBridge Scheduler interface required by
// EventBridge. *scheduler.Client satisfies it.
type schedulerAPI interface {
	CreateSchedule(ctx context.Context, in *awsscheduler.CreateScheduleInput, optFns ...func(*awsscheduler.Options)) (*awsscheduler.CreateScheduleOutput, error)
	DeleteSchedule(ctx context.Context, in *awsscheduler.DeleteScheduleInput, optFns ...func(*awsscheduler.Options)) (*awsscheduler.DeleteScheduleOutput, error)
}

// EventBridge arms timers as one-shot EventBridge Scheduler schedules that
// invoke targetARN and delete themselves after firing.
type EventBridge struct {
	api       schedulerAPI
	group     string
	targetARN string
	roleARN   string
}

// NewEventBridge creates an EventBridge scheduler.
func NewEventBridge(api schedulerAPI, group, targetARN, roleARN string) (*EventBridge, error) {
	if api == nil {
		return nil, errors.New("scheduler: api must not be nil")
	}
	if strings.TrimSpace(targetARN) == "" || strings.TrimSpace(roleARN) == "" {
		return nil, errors.New("scheduler: target and role ARNs are required")
	}
	if strings.TrimSpace(group) == "" {
		group = "default"
	}
	return &EventBridge{api: api, group: group, targetARN: targetARN, roleARN: roleARN}, nil
}

// Schedule creates the schedule named after the timer id. Creating the same
// timer twice is not an error.
func (e *EventBridge) Schedule(ctx context.Context, t domain.Timer) error {
	if t.ID == "" || t.ConversationID == "" {
		return errors.New("scheduler: timer id and conversation id are required")
	}
	input, err := json.Marshal(Envelope{Source: TimerSource, Timer: domain.EventFor(t)})
	if err != nil {
		return fmt.Errorf("scheduler: marshal timer input: %w", err)
	}
	_, err = e.api.CreateSchedule(ctx, &awsscheduler.CreateScheduleInput{
		Name:                       aws.String(t.ID),
		GroupName:                  aws.String(e.group),
		ScheduleExpression:         aws.String(AtExpression(t)),
		ScheduleExpressionTimezone: aws.String("UTC"),
		FlexibleTimeWindow:         &types.FlexibleTimeWindow{Mode: types.FlexibleTimeWindowModeOff},
		ActionAfterCompletion:      types.ActionAfterCompletionDelete,
		ClientToken:                aws.String(t.ID),
		Description:                aws.String(fmt.Sprintf("%s for conversation %s", t.Kind, t.ConversationID)),
		Target: &types.Target{
			Arn:     aws.String(e.targetARN),
			RoleArn: aws.String(e.roleARN),
			Input:   aws.String(string(input)),
		},
	})
	if err != nil {
		var conflict *types.ConflictException
		if errors.As(err, &conflict) {
			return nil
		}
		return fmt.Errorf("scheduler: create schedule %q: %w", t.ID, err)
	}
	return nil
}

// Cancel deletes the schedule. A timer that already fired or was already
// deleted is not an error.
func (e *EventBridge) Cancel(ctx context.Context, timerID string) error {
	if timerID == "" {
		return nil
	}
	_, err := e.api.DeleteSchedule(ctx, &awsscheduler.DeleteScheduleInput{
		Name:      aws.String(timerID),
		GroupName: aws.String(e.group),
	})
	if err != nil {
		var notFound *types.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("scheduler: delete schedule %q: %w", timerID, err)
	}
	return nil
}

// AtExpression renders the one-shot schedule expression for t, rounded up
// to the whole second so a timer never fires early.
func AtExpression(t domain.Timer) string {
	at := t.FireAt.UTC()
	if r := at.Truncate(time.Second); !r.Equal(at) {
		at = r.Add(time.Second)
	}
	return "at(" + at.Format(atLayout) + ")"
}
