package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// DefaultTopicPrefix names the per-user topic guardians subscribe to.
const DefaultTopicPrefix = "sos-"

type messagingClient interface {
	Send(ctx context.Context, msg *messaging.Message) (string, error)
}

// FCMGateway publishes the emergency as a push message to the user's guardian topic.
type FCMGateway struct {
	client      messagingClient
	topicPrefix string
}

// NewFCMGateway initializes a Firebase app from a service-account file.
// An empty credentialsFile falls back to application default credentials.
func NewFCMGateway(ctx context.Context, credentialsFile, topicPrefix string) (*FCMGateway, error) {
	var opts []option.ClientOption
	if strings.TrimSpace(credentialsFile) != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	app, err := firebase.NewApp(ctx, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("notify: firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("notify: firebase messaging: %w", err)
	}
	return newFCMGateway(client, topicPrefix), nil
}

func newFCMGateway(client messagingClient, topicPrefix string) *FCMGateway {
	if topicPrefix == "" {
		topicPrefix = DefaultTopicPrefix
	}
	return &FCMGateway{client: client, topicPrefix: topicPrefix}
}

func (g *FCMGateway) Trigger(ctx context.Context, req Request) (Response, error) {
	topic := g.topicPrefix + topicSafe(req.UID)
	if topic == g.topicPrefix {
		return Response{}, errors.New("notify: empty uid")
	}

	lat := strconv.FormatFloat(req.Lat, 'f', 6, 64)
	lng := strconv.FormatFloat(req.Lng, 'f', 6, 64)

	msg := &messaging.Message{
		Topic: topic,
		Notification: &messaging.Notification{
			Title: "SOS alert",
			Body:  fmt.Sprintf("Emergency alert raised near %s, %s", lat, lng),
		},
		Data: map[string]string{
			"uid":       req.UID,
			"lat":       lat,
			"lng":       lng,
			"timestamp": req.Timestamp.UTC().Format(time.RFC3339Nano),
		},
		Android: &messaging.AndroidConfig{Priority: "high"},
	}

	id, err := g.client.Send(ctx, msg)
	if err != nil {
		return Response{}, err
	}
	return Response{Success: true, Message: id, Sent: 1}, nil
}

// topicSafe keeps only the characters FCM allows in topic names: [a-zA-Z0-9-_.~%].
func topicSafe(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-', r == '_', r == '.', r == '~', r == '%':
			b.WriteRune(r)
		}
	}
	return b.String()
}
