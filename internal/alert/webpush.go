package alert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/rs/zerolog/log"

	"availability-backend/internal/model"
)

// ErrNoEndpoints means the user has no push endpoint to deliver to.
var ErrNoEndpoints = errors.New("user has no push endpoints")

// NotificationSender defines the interface for sending a web push notification.
type NotificationSender interface {
	Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// WebPushSender is a real implementation of NotificationSender using the webpush library.
type WebPushSender struct{}

// Send sends a notification using the webpush library.
func (s *WebPushSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return webpush.SendNotification(payload, sub, options)
}

// EndpointStore resolves a user to their browser push endpoints.
type EndpointStore interface {
	PushEndpointsForUser(ctx context.Context, userID string) ([]model.PushEndpoint, error)
	DeletePushEndpoint(ctx context.Context, endpoint string) error
}

// WebPushDeliverer sends user alerts to every endpoint a user registered.
type WebPushDeliverer struct {
	store   EndpointStore
	options *webpush.Options
	sender  NotificationSender
}

// DefaultSendTimeout bounds a single push request when options carry no client.
const DefaultSendTimeout = 10 * time.Second

// NewWebPushDeliverer copies options; without an HTTPClient the copy gets one
// limited to DefaultSendTimeout.
func NewWebPushDeliverer(s EndpointStore, options *webpush.Options) *WebPushDeliverer {
	opts := webpush.Options{}
	if options != nil {
		opts = *options
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: DefaultSendTimeout}
	}
	return &WebPushDeliverer{
		store:   s,
		options: &opts,
		sender:  &WebPushSender{}, // Use the real sender by default
	}
}

// Deliver succeeds if at least one endpoint accepted the notification.
// Endpoints the push service reports as gone are deleted.
func (d *WebPushDeliverer) Deliver(ctx context.Context, sub model.Subscription, n Notification) error {
	endpoints, err := d.store.PushEndpointsForUser(ctx, sub.UserID)
	if err != nil {
		return fmt.Errorf("failed to load push endpoints for user %s: %w", sub.UserID, err)
	}
	if len(endpoints) == 0 {
		return ErrNoEndpoints
	}

	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}

	delivered := 0
	for _, ep := range endpoints {
		if d.send(ctx, ep, payload) {
			delivered++
		}
	}
	if delivered == 0 {
		return fmt.Errorf("no endpoint accepted alert %s", sub.ID)
	}
	return nil
}

func (d *WebPushDeliverer) send(ctx context.Context, ep model.PushEndpoint, payload []byte) bool {
	wpSub := &webpush.Subscription{
		Endpoint: ep.Endpoint,
		Keys: webpush.Keys{
			P256dh: ep.P256DH,
			Auth:   ep.Auth,
		},
	}

	resp, err := d.sender.Send(payload, wpSub, d.options)
	if err != nil {
		log.Warn().Err(err).Str("endpoint", ep.Endpoint).Msg("error sending notification")
		return false
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusGone:
		log.Info().Str("endpoint", ep.Endpoint).Msg("push endpoint expired, deleting")
		if err := d.store.DeletePushEndpoint(ctx, ep.Endpoint); err != nil {
			log.Warn().Err(err).Str("endpoint", ep.Endpoint).Msg("failed to delete expired push endpoint")
		}
		return false
	case resp.StatusCode >= 300:
		log.Warn().Int("status", resp.StatusCode).Str("endpoint", ep.Endpoint).Msg("push service rejected notification")
		return false
	}
	return true
}
