package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/petquest/petquest/internal/auth"
	"github.com/petquest/petquest/internal/config"
	"github.com/petquest/petquest/internal/models"
	"github.com/petquest/petquest/internal/normalize"
	"github.com/petquest/petquest/internal/queue"
)

// Store is the slice of persistence the gateway needs.
type Store interface {
	InsertRawEvent(ctx context.Context, ev models.RawEvent) (uuid.UUID, bool, error)
	Ping(ctx context.Context) error
}

// Publisher enqueues pointer messages for the normalizer worker.
type Publisher interface {
	Publish(ctx context.Context, stream string, values map[string]string) (string, error)
}

// webhookResponse is the admission contract: status is "success",
// "duplicate" or "error"; any syntactically valid, correctly signed request
// gets a 200 so providers do not retry-storm.
type webhookResponse struct {
	Status     string `json:"status"`
	EventType  string `json:"event_type,omitempty"`
	DeliveryID string `json:"delivery_id,omitempty"`
	RawEventID string `json:"raw_event_id,omitempty"`
}

// RegisterWebhookRoutes registers the ingestion-path endpoints.
//
// POST /webhooks/:provider
//   - HMAC-SHA256 signature over the raw body, provider-specific secret
//   - Idempotent: duplicates detected via the delivery-id uniqueness
//     constraint, reported as status "duplicate" with the original row id
//   - Durable: the raw event row is written before the response; a failed
//     enqueue after the write still answers success (the worker's startup
//     sweep re-enqueues unprocessed rows)
func RegisterWebhookRoutes(r gin.IRoutes, cfg config.WebhookConfig, st Store, pub Publisher, log *slog.Logger) {
	r.GET("/webhooks/strava", func(c *gin.Context) {
		// Strava verifies subscriptions with a GET challenge echo.
		if c.Query("hub.mode") != "subscribe" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if cfg.StravaVerifyToken == "" || c.Query("hub.verify_token") != cfg.StravaVerifyToken {
			c.JSON(http.StatusForbidden, gin.H{"error": "invalid verify token"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"hub.challenge": c.Query("hub.challenge")})
	})

	r.POST("/webhooks/:provider", func(c *gin.Context) {
		provider := c.Param("provider")
		secret, ok := providerSecret(cfg, provider)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown provider"})
			return
		}

		body, err := c.GetRawData()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
			return
		}

		// Signature first: nothing is persisted for unauthenticated requests.
		sig := c.GetHeader(signatureHeader(provider))
		if !auth.VerifySignature([]byte(secret), body, sig) {
			log.Warn("webhook signature rejected", "provider", provider)
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}

		if !json.Valid(body) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON payload"})
			return
		}

		deliveryID, eventType, admit, err := deliveryLabels(provider, c, body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if !admit {
			// Authentic but irrelevant (e.g. a Strava aspect we ignore).
			c.JSON(http.StatusOK, webhookResponse{Status: "success", EventType: eventType})
			return
		}

		id, duplicate, err := st.InsertRawEvent(c.Request.Context(), models.RawEvent{
			Provider:           provider,
			EventType:          eventType,
			ExternalDeliveryID: deliveryID,
			Payload:            body,
		})
		if err != nil {
			// Not persisted, so not acknowledged: the provider should retry.
			log.Error("raw event insert failed", "provider", provider, "delivery_id", deliveryID, "err", err)
			c.JSON(http.StatusInternalServerError, webhookResponse{Status: "error", EventType: eventType, DeliveryID: deliveryID})
			return
		}

		if duplicate {
			c.JSON(http.StatusOK, webhookResponse{
				Status:     "duplicate",
				EventType:  eventType,
				DeliveryID: deliveryID,
				RawEventID: id.String(),
			})
			return
		}

		// Unsupported event types are kept for audit but create no work.
		if normalize.Supported(provider, eventType) {
			msg := models.PointerMessage{RawEventID: id, EventType: eventType, Provider: provider}
			if _, err := pub.Publish(c.Request.Context(), queue.StreamWebhookEvents, msg.Encode()); err != nil {
				// The row is durable; the recovery sweep will re-enqueue it.
				log.Error("enqueue failed, deferring to recovery sweep",
					"provider", provider, "raw_event_id", id, "err", err)
			}
		}

		log.Info("webhook admitted", "provider", provider, "event_type", eventType, "raw_event_id", id)
		c.JSON(http.StatusOK, webhookResponse{
			Status:     "success",
			EventType:  eventType,
			DeliveryID: deliveryID,
			RawEventID: id.String(),
		})
	})
}

func providerSecret(cfg config.WebhookConfig, provider string) (string, bool) {
	switch provider {
	case normalize.ProviderGitHub:
		return cfg.GitHubSecret, cfg.GitHubSecret != ""
	case normalize.ProviderStrava:
		return cfg.StravaSecret, cfg.StravaSecret != ""
	case normalize.ProviderManual:
		return cfg.ManualSecret, cfg.ManualSecret != ""
	}
	return "", false
}

func signatureHeader(provider string) string {
	if provider == normalize.ProviderGitHub {
		return "X-Hub-Signature-256"
	}
	return "X-PetQuest-Signature"
}

// deliveryLabels resolves the delivery identifier and event-type label for a
// request. Providers that do not send a delivery header get a synthesized,
// stable identifier so retries still dedupe. admit=false means the request
// is authentic but carries nothing we ingest.
func deliveryLabels(provider string, c *gin.Context, body []byte) (deliveryID, eventType string, admit bool, err error) {
	switch provider {
	case normalize.ProviderGitHub:
		eventType = c.GetHeader("X-GitHub-Event")
		if eventType == "" {
			return "", "", false, fmt.Errorf("missing X-GitHub-Event header")
		}
		deliveryID = c.GetHeader("X-GitHub-Delivery")
		if deliveryID == "" {
			return "", "", false, fmt.Errorf("missing X-GitHub-Delivery header")
		}
		return deliveryID, eventType, true, nil

	case normalize.ProviderStrava:
		// Strava has no delivery header; the activity id is the dedup key.
		var p struct {
			ID         int64  `json:"id"`
			AspectType string `json:"aspect_type"`
		}
		if err := json.Unmarshal(body, &p); err != nil {
			return "", "", false, fmt.Errorf("invalid strava payload")
		}
		if p.AspectType != "" && p.AspectType != "create" {
			return "", "activity", false, nil
		}
		if p.ID == 0 {
			return "", "", false, fmt.Errorf("strava payload missing activity id")
		}
		return fmt.Sprintf("strava-activity-%d", p.ID), "activity", true, nil

	case normalize.ProviderManual:
		eventType = c.GetHeader("X-Event-Type")
		if eventType == "" {
			return "", "", false, fmt.Errorf("missing X-Event-Type header")
		}
		deliveryID = c.GetHeader("X-Delivery-ID")
		if deliveryID == "" {
			return "", "", false, fmt.Errorf("missing X-Delivery-ID header")
		}
		return deliveryID, eventType, true, nil
	}
	return "", "", false, fmt.Errorf("unknown provider")
}
