package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/phasegate/phasegate/internal/config"
	"github.com/phasegate/phasegate/internal/pushsubscription"
)

type Payload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Tag   string `json:"tag,omitempty"`
}

type Sender struct {
	pushEnv *config.PushEnv
	repo    pushsubscription.Repository
	logger  *slog.Logger
}

func NewSender(pushEnv *config.PushEnv, repo pushsubscription.Repository, logger *slog.Logger) *Sender {
	return &Sender{
		pushEnv: pushEnv,
		repo:    repo,
		logger:  logger,
	}
}

func (s *Sender) SendToAll(ctx context.Context, payload *Payload) {
	if s.pushEnv.VAPIDPrivateKey == "" || s.pushEnv.VAPIDPublicKey == "" {
		s.logger.DebugContext(ctx, "push notification: VAPID keys not configured, skipping")
		return
	}

	subs, err := s.repo.List(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "push notification: failed to list subscriptions", slog.Any("error", err))
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.ErrorContext(ctx, "push notification: failed to marshal payload", slog.Any("error", err))
		return
	}

	for _, sub := range subs {
		s.sendToSubscription(ctx, sub, data)
	}
}

func (s *Sender) sendToSubscription(ctx context.Context, sub *pushsubscription.Subscription, data []byte) {
	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dhKey,
			Auth:   sub.AuthKey,
		},
	}

	resp, err := webpush.SendNotification(data, wpSub, &webpush.Options{
		VAPIDPublicKey:  s.pushEnv.VAPIDPublicKey,
		VAPIDPrivateKey: s.pushEnv.VAPIDPrivateKey,
		Subscriber:      s.pushEnv.VAPIDSubject,
		TTL:             86400,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "push notification: failed to send",
			slog.String("endpoint", sub.Endpoint), slog.Any("error", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone {
		s.logger.InfoContext(ctx, "push notification: subscription expired, removing",
			slog.String("endpoint", sub.Endpoint))
		if err := s.repo.Delete(ctx, sub.ID); err != nil {
			s.logger.ErrorContext(ctx, "push notification: failed to delete expired subscription",
				slog.String("id", sub.ID), slog.Any("error", err))
		}
		return
	}

	if resp.StatusCode >= 400 {
		s.logger.WarnContext(ctx, "push notification: unexpected status",
			slog.String("endpoint", sub.Endpoint), slog.Int("status", resp.StatusCode))
	}
}
