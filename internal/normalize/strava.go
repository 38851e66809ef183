package normalize

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/petquest/petquest/internal/models"
)

// stravaActivityPayload is the activity detail the integration layer fetches
// after Strava's thin webhook ping. The gateway stores this enriched payload
// as the raw event.
type stravaActivityPayload struct {
	ID                 int64   `json:"id"`
	Type               string  `json:"type"`
	Distance           float64 `json:"distance"`    // meters
	MovingTime         float64 `json:"moving_time"` // seconds
	StartDate          string  `json:"start_date"`
	TotalElevationGain float64 `json:"total_elevation_gain"`
	KudosCount         int     `json:"kudos_count"`
	OwnerID            int64   `json:"owner_id"`
}

// stravaActivity produces one activity event whose value grows with
// distance (+1 per 5 km) and duration (+1 per 30 min) on a base of 1.
func stravaActivity(payload []byte, userID, rawEventID uuid.UUID) ([]models.CanonicalEvent, []error) {
	var p stravaActivityPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, []error{fmt.Errorf("strava activity payload: %w", err)}
	}

	durationMin := p.MovingTime / 60
	value := 1.0
	if p.Distance > 0 {
		value += p.Distance / 5000
	}
	if durationMin > 0 {
		value += durationMin / 30
	}

	activityType := strings.ToLower(p.Type)
	if activityType == "" {
		activityType = "workout"
	}

	ev := models.CanonicalEvent{
		ID:         models.EventID(rawEventID, "activity:"+strconv.FormatInt(p.ID, 10)),
		Type:       models.EventActivity,
		OccurredAt: parseTime(p.StartDate),
		UserID:     userID,
		Value:      value,
		Meta: map[string]string{
			"activity_id":      strconv.FormatInt(p.ID, 10),
			"activity_type":    activityType,
			"distance_km":      strconv.FormatFloat(p.Distance/1000, 'f', 2, 64),
			"duration_minutes": strconv.FormatFloat(durationMin, 'f', 1, 64),
			"elevation_gain_m": strconv.FormatFloat(p.TotalElevationGain, 'f', 0, 64),
			"kudos_count":      strconv.Itoa(p.KudosCount),
			"source":           ProviderStrava,
		},
		RawEventID: rawEventID,
	}
	if err := ev.Validate(); err != nil {
		return nil, []error{err}
	}
	return []models.CanonicalEvent{ev}, nil
}

// stravaOwnerID extracts the athlete id that owns the activity.
func stravaOwnerID(payload []byte) (string, error) {
	var p struct {
		OwnerID int64 `json:"owner_id"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", fmt.Errorf("strava owner: %w", err)
	}
	if p.OwnerID == 0 {
		return "", fmt.Errorf("strava payload has no owner id")
	}
	return strconv.FormatInt(p.OwnerID, 10), nil
}
