package engine

import (
	"strings"

	"warden/internal/config"
)

// ExemptSet lists users and roles the anti-spam check never evaluates.
type ExemptSet struct {
	Users map[string]struct{}
	Roles map[string]struct{}
}

func buildExemptions(cfg *config.Config) *ExemptSet {
	return &ExemptSet{
		Users: buildIDSet(cfg.AntiSpam.ExemptUsers),
		Roles: buildIDSet(cfg.AntiSpam.ExemptRoles),
	}
}

func buildIDSet(values []string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		id := normalizeID(v)
		if id == "" {
			continue
		}
		set[id] = struct{}{}
	}
	if len(set) == 0 {
		return nil
	}
	return set
}

func (x *ExemptSet) IsExempt(userID string, roles []string) bool {
	if x == nil {
		return false
	}
	if x.Users != nil {
		if _, ok := x.Users[normalizeID(userID)]; ok {
			return true
		}
	}
	if x.Roles != nil {
		for _, r := range roles {
			if _, ok := x.Roles[normalizeID(r)]; ok {
				return true
			}
		}
	}
	return false
}

// normalizeID trims and strips mention syntax such as <@123>, <@!123> or <@&123>.
func normalizeID(id string) string {
	id = strings.TrimSpace(id)
	if strings.HasPrefix(id, "<@") && strings.HasSuffix(id, ">") {
		id = strings.TrimSuffix(strings.TrimPrefix(id, "<@"), ">")
		id = strings.TrimLeft(id, "!&")
	}
	return id
}
