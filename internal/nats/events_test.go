package nats

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/capitalize-ai/messaging-core/internal/model"
)

func TestUserSubject(t *testing.T) {
	assert.Equal(t, "chat.user.u1.messages", UserSubject("u1", model.TopicMessages))
	assert.Equal(t, "chat.user.u1.>", UserFilter("u1"))
}

func TestParseUserSubject(t *testing.T) {
	for _, topic := range model.Topics {
		user, got, ok := ParseUserSubject(UserSubject("8d2f", topic))
		assert.True(t, ok)
		assert.Equal(t, "8d2f", user)
		assert.Equal(t, topic, got)
	}

	for _, bad := range []string{"", "chat.user.u1", "chat.user..typing", "chat.team.u1.typing", "chat.user.u1.unknown", "chat.user.u1.typing.x"} {
		_, _, ok := ParseUserSubject(bad)
		assert.False(t, ok, bad)
	}
}
