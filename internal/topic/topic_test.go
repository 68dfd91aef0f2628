package topic_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/searchlight/searchlight/internal/topic"
)

func TestDefaultTopics(t *testing.T) {
	t.Run("admin", func(t *testing.T) {
		topics := topic.DefaultTopics(topic.RoleAdmin)
		assert.Contains(t, topics, topic.OrgAll)
		assert.Contains(t, topics, topic.OrgSystem)
		assert.Contains(t, topics, "role_admin")
		assert.Contains(t, topics, topic.OrgAdmins)
		assert.Contains(t, topics, "priority_urgent")
	})

	t.Run("unknown role yields org topics only", func(t *testing.T) {
		topics := topic.DefaultTopics("astronaut")
		assert.Equal(t, []string{topic.OrgAll, topic.OrgSystem}, topics)
		assert.Nil(t, topic.RoleTopics("astronaut"))
	})

	t.Run("sorted without duplicates", func(t *testing.T) {
		topics := topic.DefaultTopics(topic.RoleRunner)
		seen := map[string]bool{}
		for i, name := range topics {
			assert.False(t, seen[name], "duplicate %s", name)
			seen[name] = true
			if i > 0 {
				assert.Less(t, topics[i-1], name)
			}
		}
	})
}

func TestRoleTopics_ReturnsCopy(t *testing.T) {
	topics := topic.RoleTopics(topic.RoleFamily)
	topics[0] = "mutated"
	assert.Equal(t, "role_family", topic.RoleTopics(topic.RoleFamily)[0])
}

func TestDerivedNames(t *testing.T) {
	assert.Equal(t, "case_c123", topic.Case("c123"))
	assert.Equal(t, "region_utrecht", topic.Region("utrecht"))
	assert.Equal(t, "priority_critical", topic.Priority("critical"))
	assert.Equal(t, "role_runner", topic.Role("runner"))
	assert.Equal(t, "custom_search_party", topic.Custom("search_party"))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		topic string
		valid bool
	}{
		{"predefined", topic.OrgAll, true},
		{"role", "role_admin", true},
		{"case", "case_abc123", true},
		{"region", "region_north", true},
		{"priority", "priority_critical", true},
		{"custom", "custom_my_group", true},
		{"empty", "", false},
		{"bare prefix", "case_", false},
		{"unknown literal", "everyone", false},
		{"hyphen", "case_abc-123", false},
		{"space", "org all", false},
		{"too long", "case_" + strings.Repeat("a", topic.MaxLength), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := topic.Validate(tt.topic)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, topic.ErrInvalidTopic)
			}
			assert.Equal(t, tt.valid, topic.IsValid(tt.topic))
		})
	}
}

func TestForChange(t *testing.T) {
	assert.Equal(t, []string{topic.OrgAdmins}, topic.ForChange(topic.ClassRunner, "r1"))
	assert.Equal(t, []string{topic.OrgAdmins, "case_c1"}, topic.ForChange(topic.ClassCase, "c1"))
	assert.ElementsMatch(t, []string{topic.OrgAdmins, topic.OrgAll, "case_c2"}, topic.ForChange(topic.ClassPublicCase, "c2"))
}

func TestIsCustomAndPrivileged(t *testing.T) {
	assert.True(t, topic.IsCustom("custom_x"))
	assert.False(t, topic.IsCustom("custom_"))
	assert.True(t, topic.IsPrivilegedRole(topic.RoleAdmin))
	assert.True(t, topic.IsPrivilegedRole(topic.RoleModerator))
	assert.False(t, topic.IsPrivilegedRole(topic.RoleRunner))
}

func TestAllowedFor(t *testing.T) {
	assert.True(t, topic.AllowedFor(topic.RoleRunner, topic.OrgAll))
	assert.True(t, topic.AllowedFor(topic.RoleRunner, topic.Case("c1")))
	assert.False(t, topic.AllowedFor(topic.RoleRunner, topic.OrgAdmins))
	assert.False(t, topic.AllowedFor(topic.RoleCoordinator, topic.Role(topic.RoleModerator)))
	assert.True(t, topic.AllowedFor(topic.RoleModerator, topic.OrgAdmins))
	assert.True(t, topic.AllowedFor(topic.RoleAdmin, topic.Role(topic.RoleAdmin)))
}
