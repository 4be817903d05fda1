// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/AleutianAI/AleutianCrisis/pkg/extensions"
)

// SQSConfig names the supervisor alert queue.
type SQSConfig struct {
	QueueName string `yaml:"queue_name"`
	// QueueURL skips the GetQueueUrl lookup when set.
	QueueURL string `yaml:"queue_url"`
	Region   string `yaml:"region"`
	// Endpoint overrides the service endpoint (e.g. LocalStack).
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`
}

// sqsAPI is the subset of *sqs.Client the publisher uses.
type sqsAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSPublisher sends events to an SQS queue. It also implements
// extensions.SupervisorNotifier, so supervisor alerts can ride the same
// queue.
type SQSPublisher struct {
	client   sqsAPI
	queueURL string
	timeout  time.Duration
}

// NewSQSPublisher loads the default AWS config and resolves the queue URL.
func NewSQSPublisher(ctx context.Context, cfg SQSConfig) (*SQSPublisher, error) {
	if cfg.QueueName == "" && cfg.QueueURL == "" {
		return nil, fmt.Errorf("sqs publisher needs a queue name or URL")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS SDK config: %w", err)
	}
	region := awsCfg.Region
	if cfg.Region != "" {
		region = cfg.Region
	}
	baseEndpoint := awsCfg.BaseEndpoint
	if cfg.Endpoint != "" {
		baseEndpoint = aws.String(cfg.Endpoint)
	}

	client := sqs.New(sqs.Options{
		Region:       region,
		Credentials:  awsCfg.Credentials,
		HTTPClient:   awsCfg.HTTPClient,
		BaseEndpoint: baseEndpoint,
	})

	queueURL := cfg.QueueURL
	if queueURL == "" {
		resp, err := client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(cfg.QueueName)})
		if err != nil {
			return nil, fmt.Errorf("failed to get SQS queue URL for %s: %w", cfg.QueueName, err)
		}
		queueURL = aws.ToString(resp.QueueUrl)
	}
	return newSQSPublisher(client, queueURL, cfg.Timeout), nil
}

func newSQSPublisher(client sqsAPI, queueURL string, timeout time.Duration) *SQSPublisher {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &SQSPublisher{client: client, queueURL: queueURL, timeout: timeout}
}

func (p *SQSPublisher) Publish(ctx context.Context, e Event) error {
	body, err := e.Encode()
	if err != nil {
		return err
	}
	return p.send(ctx, e.Type, body)
}

// NotifySupervisors sends the alert as a "supervisor.alert" message.
func (p *SQSPublisher) NotifySupervisors(ctx context.Context, alert extensions.SupervisorAlert) error {
	if alert.RaisedAt.IsZero() {
		alert.RaisedAt = time.Now().UTC()
	}
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to encode supervisor alert: %w", err)
	}
	return p.send(ctx, "supervisor.alert", body)
}

func (p *SQSPublisher) send(ctx context.Context, eventType string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	_, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"event_type": {DataType: aws.String("String"), StringValue: aws.String(eventType)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to send %s to SQS: %w", eventType, err)
	}
	return nil
}

func (p *SQSPublisher) Close() error { return nil }

var (
	_ Publisher                     = (*SQSPublisher)(nil)
	_ extensions.SupervisorNotifier = (*SQSPublisher)(nil)
)
