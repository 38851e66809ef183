package normalize

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/petquest/petquest/internal/models"
)

type githubPushPayload struct {
	Ref        string `json:"ref"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	Commits []struct {
		ID        string `json:"id"`
		Message   string `json:"message"`
		URL       string `json:"url"`
		Timestamp string `json:"timestamp"`
	} `json:"commits"`
}

// githubPush produces one commit event per pushed commit. Commits without a
// sha fail validation individually; the rest of the push still scores.
func githubPush(payload []byte, userID, rawEventID uuid.UUID) ([]models.CanonicalEvent, []error) {
	var p githubPushPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, []error{fmt.Errorf("github push payload: %w", err)}
	}

	branch := strings.TrimPrefix(p.Ref, "refs/heads/")
	repo := p.Repository.FullName
	if repo == "" {
		repo = "unknown"
	}

	var events []models.CanonicalEvent
	var errs []error
	for _, commit := range p.Commits {
		ev := models.CanonicalEvent{
			ID:         models.EventID(rawEventID, "commit:"+commit.ID),
			Type:       models.EventCommit,
			OccurredAt: parseTime(commit.Timestamp),
			UserID:     userID,
			Value:      1,
			Meta: map[string]string{
				"commit_sha": commit.ID,
				"message":    truncate(commit.Message, 500),
				"url":        commit.URL,
				"repository": repo,
				"branch":     branch,
				"source":     ProviderGitHub,
			},
			RawEventID: rawEventID,
		}
		if err := ev.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		events = append(events, ev)
	}
	return events, errs
}

type githubPullRequestPayload struct {
	Action      string `json:"action"`
	PullRequest struct {
		Number    int    `json:"number"`
		Title     string `json:"title"`
		HTMLURL   string `json:"html_url"`
		Merged    bool   `json:"merged"`
		CreatedAt string `json:"created_at"`
	} `json:"pull_request"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// githubPullRequest maps opened/closed actions onto pr_opened, pr_merged or
// pr_closed. Other actions (synchronize, labeled, ...) produce no events.
func githubPullRequest(payload []byte, userID, rawEventID uuid.UUID) ([]models.CanonicalEvent, []error) {
	var p githubPullRequestPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, []error{fmt.Errorf("github pull_request payload: %w", err)}
	}

	var eventType string
	switch {
	case p.Action == "opened":
		eventType = models.EventPROpened
	case p.Action == "closed" && p.PullRequest.Merged:
		eventType = models.EventPRMerged
	case p.Action == "closed":
		eventType = models.EventPRClosed
	default:
		return nil, nil
	}

	repo := p.Repository.FullName
	if repo == "" {
		repo = "unknown"
	}

	ev := models.CanonicalEvent{
		ID:         models.EventID(rawEventID, fmt.Sprintf("%s:%d", eventType, p.PullRequest.Number)),
		Type:       eventType,
		OccurredAt: parseTime(p.PullRequest.CreatedAt),
		UserID:     userID,
		Value:      1,
		Meta: map[string]string{
			"pr_number":  strconv.Itoa(p.PullRequest.Number),
			"title":      truncate(p.PullRequest.Title, 500),
			"url":        p.PullRequest.HTMLURL,
			"repository": repo,
			"merged":     strconv.FormatBool(p.PullRequest.Merged),
			"action":     p.Action,
			"source":     ProviderGitHub,
		},
		RawEventID: rawEventID,
	}
	if err := ev.Validate(); err != nil {
		return nil, []error{err}
	}
	return []models.CanonicalEvent{ev}, nil
}

type githubCommitCommentPayload struct {
	Comment struct {
		CommitID  string `json:"commit_id"`
		Body      string `json:"body"`
		HTMLURL   string `json:"html_url"`
		CreatedAt string `json:"created_at"`
	} `json:"comment"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

func githubCommitComment(payload []byte, userID, rawEventID uuid.UUID) ([]models.CanonicalEvent, []error) {
	var p githubCommitCommentPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, []error{fmt.Errorf("github commit_comment payload: %w", err)}
	}

	repo := p.Repository.FullName
	if repo == "" {
		repo = "unknown"
	}

	ev := models.CanonicalEvent{
		ID:         models.EventID(rawEventID, "commit_comment:"+p.Comment.CommitID),
		Type:       models.EventCommitComment,
		OccurredAt: parseTime(p.Comment.CreatedAt),
		UserID:     userID,
		Value:      1,
		Meta: map[string]string{
			"commit_sha":   p.Comment.CommitID,
			"comment_body": truncate(p.Comment.Body, 500),
			"url":          p.Comment.HTMLURL,
			"repository":   repo,
			"source":       ProviderGitHub,
		},
		RawEventID: rawEventID,
	}
	if err := ev.Validate(); err != nil {
		return nil, []error{err}
	}
	return []models.CanonicalEvent{ev}, nil
}

// githubSenderID pulls the numeric GitHub user id out of any github payload.
func githubSenderID(payload []byte) (string, error) {
	var p struct {
		Sender struct {
			ID int64 `json:"id"`
		} `json:"sender"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", fmt.Errorf("github sender: %w", err)
	}
	if p.Sender.ID == 0 {
		return "", fmt.Errorf("github payload has no sender id")
	}
	return strconv.FormatInt(p.Sender.ID, 10), nil
}
