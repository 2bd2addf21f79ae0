package nats

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/capitalize-ai/messaging-core/internal/model"
)

// SubjectPrefix is the prefix for all realtime event subjects.
const SubjectPrefix = "chat"

// UserSubject returns the subject carrying one topic's events for a user.
// Only rows the user may see are published there.
func UserSubject(userID string, topic model.Topic) string {
	return fmt.Sprintf("%s.user.%s.%s", SubjectPrefix, userID, topic)
}

// UserFilter returns the filter subject for every topic of a user.
func UserFilter(userID string) string {
	return fmt.Sprintf("%s.user.%s.>", SubjectPrefix, userID)
}

// ParseUserSubject splits a user subject into its user id and topic.
func ParseUserSubject(subject string) (string, model.Topic, bool) {
	parts := strings.Split(subject, ".")
	if len(parts) != 4 || parts[0] != SubjectPrefix || parts[1] != "user" || parts[2] == "" {
		return "", "", false
	}
	for _, t := range model.Topics {
		if string(t) == parts[3] {
			return parts[2], t, true
		}
	}
	return "", "", false
}

// PublishEvent publishes an event envelope to each recipient's topic
// subject.
func (c *Client) PublishEvent(topic model.Topic, env model.Envelope, recipients []string) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	for _, userID := range recipients {
		if err := c.Publish(UserSubject(userID, topic), data); err != nil {
			return err
		}
	}
	return nil
}
