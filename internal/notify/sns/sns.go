// Package sns publishes incident notifications to Amazon SNS topics.
package sns

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awssns "github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/linnemanlabs/warden/internal/dispatch"
	"github.com/linnemanlabs/warden/internal/incident"
	"github.com/linnemanlabs/warden/internal/notify"
)

// SNS subjects are limited to 100 characters.
const maxSubjectLen = 100

// PublishAPI is the subset of the SNS client used here.
type PublishAPI interface {
	Publish(ctx context.Context, in *awssns.PublishInput, optFns ...func(*awssns.Options)) (*awssns.PublishOutput, error)
}

// Publisher is a dispatch executor for "sns" notify targets. The target is
// "sns:<topic-arn>", or bare "sns" for the default topic.
type Publisher struct {
	client       PublishAPI
	defaultTopic string
}

// New creates a Publisher.
func New(client PublishAPI, defaultTopic string) *Publisher {
	return &Publisher{client: client, defaultTopic: defaultTopic}
}

func (p *Publisher) Scheme() string { return "sns" }

func (p *Publisher) Kinds() []incident.ActionKind {
	return []incident.ActionKind{incident.KindNotify}
}

// Execute publishes the notification for req.
func (p *Publisher) Execute(ctx context.Context, req *dispatch.Request) (*dispatch.Result, error) {
	topic := req.Target()
	if topic == "" {
		topic = p.defaultTopic
	}
	if topic == "" {
		return nil, fmt.Errorf("%w: sns target has no topic and no default is configured", dispatch.ErrUnknownTarget)
	}

	m := notify.Compose(req)
	out, err := p.client.Publish(ctx, &awssns.PublishInput{
		TopicArn: aws.String(topic),
		Subject:  aws.String(notify.Truncate(m.Subject, maxSubjectLen)),
		Message:  aws.String(m.Text()),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"incident_key": {DataType: aws.String("String"), StringValue: aws.String(req.Incident.Key)},
			"severity":     {DataType: aws.String("String"), StringValue: aws.String(m.Severity)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sns: publish to %s: %w", topic, err)
	}
	return &dispatch.Result{
		Detail:      "published to " + topic,
		ExternalRef: aws.ToString(out.MessageId),
	}, nil
}
