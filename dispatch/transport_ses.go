/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"
)

// SESAPI is the subset of the SES v2 client used by the amazon-ses relay.
type SESAPI interface {
	GetAccount(ctx context.Context, params *sesv2.GetAccountInput, optFns ...func(*sesv2.Options)) (*sesv2.GetAccountOutput, error)
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

func newSESClient(ctx context.Context, params *TransportParams) (SESAPI, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(params.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(params.Username, params.Password, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return sesv2.NewFromConfig(awsCfg), nil
}

type sesTransport struct {
	client SESAPI
}

func (t *sesTransport) Verify(ctx context.Context) error {
	out, err := t.client.GetAccount(ctx, &sesv2.GetAccountInput{})
	if err != nil {
		return connectivityError(ctx, "ses get account", err)
	}
	if !out.SendingEnabled {
		return fmt.Errorf("%w: ses get account: sending is disabled for this account", ErrConnectivity)
	}
	return nil
}

func (t *sesTransport) Send(ctx context.Context, env *Envelope) (string, error) {
	from := env.From
	if env.FromName != "" {
		from = fmt.Sprintf("%q <%s>", env.FromName, env.From)
	}

	body := &types.Body{}
	content := &types.Content{
		Data:    aws.String(env.Body),
		Charset: aws.String("UTF-8"),
	}
	if env.HTML {
		body.Html = content
	} else {
		body.Text = content
	}

	out, err := t.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination: &types.Destination{
			ToAddresses: []string{env.To},
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{
					Data:    aws.String(env.Subject),
					Charset: aws.String("UTF-8"),
				},
				Body: body,
			},
		},
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			return "", fmt.Errorf("%w: ses send email: %w", ErrDeliveryRejected, err)
		}
		return "", connectivityError(ctx, "ses send email", err)
	}

	messageID := aws.ToString(out.MessageId)
	if messageID == "" {
		messageID = env.MessageID
	}
	return messageID, nil
}

func (t *sesTransport) Close() error {
	return nil
}
