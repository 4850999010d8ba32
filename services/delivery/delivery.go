// Package delivery hands finished enrollment bundles to the subscriber, by
// email or by publishing onto the bus for a downstream sender.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"stj/pkg/bus"
)

// Status is the outcome of a delivery attempt.
type Status string

const (
	// StatusDelivered means the channel confirmed delivery.
	StatusDelivered Status = "delivered"
	// StatusDeferred means the channel accepted the message but cannot
	// confirm delivery, e.g. queued email.
	StatusDeferred Status = "deferred"
	// StatusFailed means the channel rejected the message.
	StatusFailed Status = "failed"
)

// Message is what a channel sends to the subscriber.
type Message struct {
	CustomerID    string `json:"customer_id"`
	Contact       string `json:"contact"`
	EnrollmentURL string `json:"enrollment_url,omitempty"`
	ProfileURL    string `json:"profile_url,omitempty"`
	PolicyName    string `json:"policy_name,omitempty"`
}

// Channel delivers a message to a subscriber contact.
type Channel interface {
	Deliver(ctx context.Context, msg Message) (Status, error)
}

type sesAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// EmailChannel sends the enrollment instructions over SES.
type EmailChannel struct {
	api  sesAPI
	from string
}

// NewEmailChannel wraps an SES client.
func NewEmailChannel(api sesAPI, from string) *EmailChannel {
	return &EmailChannel{api: api, from: from}
}

// NewEmailChannelFromEnv builds an EmailChannel from SES_FROM and the usual
// AWS environment.
func NewEmailChannelFromEnv(ctx context.Context) (*EmailChannel, error) {
	from := os.Getenv("SES_FROM")
	if from == "" {
		return nil, errors.New("SES_FROM is required")
	}
	region := os.Getenv("AWS_REGION")
	if region == "" {
		region = "eu-north-1"
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewEmailChannel(sesv2.NewFromConfig(cfg), from), nil
}

// Deliver emails the enrollment URL and profile link to the contact. Email is
// store-and-forward, so success is reported as deferred.
func (c *EmailChannel) Deliver(ctx context.Context, msg Message) (Status, error) {
	if !strings.Contains(msg.Contact, "@") {
		return StatusFailed, fmt.Errorf("delivery: contact %q is not an email address", msg.Contact)
	}

	subject := "Your Screen Time Journey setup link"
	body := renderEmailBody(msg)

	_, err := c.api.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(c.from),
		Destination: &sestypes.Destination{
			ToAddresses: []string{msg.Contact},
		},
		Content: &sestypes.EmailContent{
			Simple: &sestypes.Message{
				Subject: &sestypes.Content{Data: aws.String(subject)},
				Body: &sestypes.Body{
					Text: &sestypes.Content{Data: aws.String(body)},
				},
			},
		},
	})
	if err != nil {
		return StatusFailed, fmt.Errorf("delivery: send email to %s: %w", msg.Contact, err)
	}
	return StatusDeferred, nil
}

func renderEmailBody(msg Message) string {
	var b strings.Builder
	b.WriteString("Hi,\n\nYour device protection is ready.\n\n")
	if msg.EnrollmentURL != "" {
		fmt.Fprintf(&b, "Enroll your device by opening this link on it:\n%s\n\n", msg.EnrollmentURL)
	}
	if msg.ProfileURL != "" {
		fmt.Fprintf(&b, "Or install the profile directly:\n%s\n\n", msg.ProfileURL)
	}
	if msg.PolicyName != "" {
		fmt.Fprintf(&b, "Applied policy: %s\n\n", msg.PolicyName)
	}
	b.WriteString("The Screen Time Journey team\n")
	return b.String()
}

// SubjectRequested is where bus deliveries are published for downstream
// senders (SMS, push).
const SubjectRequested = "stj.delivery.requested"

// BusChannel publishes delivery requests onto the message bus instead of
// sending directly.
type BusChannel struct {
	bus *bus.Bus
}

// NewBusChannel wraps a connected bus.
func NewBusChannel(b *bus.Bus) *BusChannel {
	return &BusChannel{bus: b}
}

// Deliver publishes the message and reports deferred; the eventual sender
// owns confirmation.
func (c *BusChannel) Deliver(ctx context.Context, msg Message) (Status, error) {
	if c.bus == nil {
		return StatusFailed, errors.New("delivery: bus not connected")
	}
	if err := c.bus.Publish(ctx, SubjectRequested, msg); err != nil {
		return StatusFailed, fmt.Errorf("delivery: publish: %w", err)
	}
	return StatusDeferred, nil
}
