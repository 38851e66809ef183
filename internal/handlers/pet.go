package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/petquest/petquest/internal/auth"
	"github.com/petquest/petquest/internal/cache"
	"github.com/petquest/petquest/internal/config"
	"github.com/petquest/petquest/internal/models"
	"github.com/petquest/petquest/internal/store"
)

// PetStore is the slice of persistence the pet endpoints need.
type PetStore interface {
	GetPet(ctx context.Context, id uuid.UUID) (*models.Pet, error)
	CreatePet(ctx context.Context, userID uuid.UUID, name string, state models.PetState) (*models.Pet, error)
}

// PetCache is the read-through cache in front of pet lookups. The
// reconciliation worker deletes the key on every applied delta, so a hit is
// never staler than the configured TTL.
type PetCache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	SetTTL(ctx context.Context, key, value string, ttl time.Duration) error
}

type petResponse struct {
	ID      string          `json:"id"`
	UserID  string          `json:"user_id"`
	Name    string          `json:"name"`
	Version int64           `json:"version"`
	State   models.PetState `json:"state"`
}

type createPetRequest struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
}

// RegisterPetRoutes registers the companion-app pet surface.
//
// POST /pets is first-party like the manual webhook: signed with the manual
// secret, body carries the owner's account id. New pets start with the
// configured economy (food cap, overflow rate).
// GET /pets/:id serves pet state through the cache.
func RegisterPetRoutes(r gin.IRoutes, cfg *config.Config, st PetStore, pc PetCache, log *slog.Logger) {
	r.POST("/pets", func(c *gin.Context) {
		if cfg.Webhooks.ManualSecret == "" {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}

		body, err := c.GetRawData()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
			return
		}
		sig := c.GetHeader("X-PetQuest-Signature")
		if !auth.VerifySignature([]byte(cfg.Webhooks.ManualSecret), body, sig) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}

		var req createPetRequest
		if err := json.Unmarshal(body, &req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON payload"})
			return
		}
		userID, err := uuid.Parse(req.UserID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user_id"})
			return
		}
		if req.Name == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
			return
		}

		state := models.DefaultPetState()
		if cfg.Economy.FoodCap > 0 {
			state.FoodCap = cfg.Economy.FoodCap
		}
		if cfg.Economy.OverflowRate > 0 {
			state.OverflowRate = cfg.Economy.OverflowRate
		}

		pet, err := st.CreatePet(c.Request.Context(), userID, req.Name, state)
		if err != nil {
			log.Error("pet create failed", "user_id", userID, "err", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "create failed"})
			return
		}

		log.Info("pet created", "pet_id", pet.ID, "user_id", userID)
		c.JSON(http.StatusCreated, petToResponse(pet))
	})

	r.GET("/pets/:id", func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid pet id"})
			return
		}

		key := cache.PetStateKey(id.String())
		if cached, ok, err := pc.Get(c.Request.Context(), key); err != nil {
			// Cache trouble never blocks the read; serve from the DB.
			log.Warn("pet cache read failed", "pet_id", id, "err", err)
		} else if ok {
			c.Data(http.StatusOK, "application/json; charset=utf-8", []byte(cached))
			return
		}

		pet, err := st.GetPet(c.Request.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "pet not found"})
			return
		}
		if err != nil {
			log.Error("pet load failed", "pet_id", id, "err", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
			return
		}

		payload, err := json.Marshal(petToResponse(pet))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "encode failed"})
			return
		}
		if err := pc.SetTTL(c.Request.Context(), key, string(payload), cfg.Cache.TTL); err != nil {
			log.Warn("pet cache write failed", "pet_id", id, "err", err)
		}
		c.Data(http.StatusOK, "application/json; charset=utf-8", payload)
	})
}

func petToResponse(pet *models.Pet) petResponse {
	return petResponse{
		ID:      pet.ID.String(),
		UserID:  pet.UserID.String(),
		Name:    pet.Name,
		Version: pet.Version,
		State:   pet.State,
	}
}
