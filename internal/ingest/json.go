package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"warden/internal/model"
	"warden/internal/normalize"
)

func ParseJSONBytes(data []byte) (*normalize.EventFields, error) {
	var obj map[string]interface{}
	if err := decodeJSON(data, &obj); err != nil {
		return nil, err
	}
	return ParseJSONMap(obj), nil
}

// decodeJSON keeps numbers as json.Number so large snowflake IDs survive intact.
func decodeJSON(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// ParseJSONMap reads an event object, accepting several spellings per field.
func ParseJSONMap(obj map[string]interface{}) *normalize.EventFields {
	fields := &normalize.EventFields{Extras: map[string]string{}}
	for key, val := range obj {
		key = strings.ToLower(key)
		switch v := val.(type) {
		case nil:
			continue
		case []interface{}:
			if key == "author_roles" || key == "roles" {
				for _, r := range v {
					fields.AuthorRoles = append(fields.AuthorRoles, scalar(r))
				}
			}
			continue
		case map[string]interface{}:
			continue
		}
		fields.Extras[key] = scalar(val)
	}
	fields.ID = firstNonEmpty(fields.Extras, "id", "event_id")
	fields.Kind = firstNonEmpty(fields.Extras, "kind", "type", "event")
	fields.Timestamp = firstNonEmpty(fields.Extras, "timestamp", "time", "ts")
	fields.GuildID = firstNonEmpty(fields.Extras, "guild_id", "guild", "scope", "server_id")
	fields.ChannelID = firstNonEmpty(fields.Extras, "channel_id", "channel")
	fields.ChannelKind = firstNonEmpty(fields.Extras, "channel_kind", "channel_type")
	fields.MessageID = firstNonEmpty(fields.Extras, "message_id", "msg_id")
	fields.AuthorID = firstNonEmpty(fields.Extras, "author_id", "author", "user_id", "user")
	fields.AuthorBot = firstNonEmpty(fields.Extras, "author_bot", "bot")
	fields.AuthorName = firstNonEmpty(fields.Extras, "author_name", "username", "display_name")
	fields.CanManageMessages = firstNonEmpty(fields.Extras, "can_manage_messages", "manage_messages")
	fields.Content = firstNonEmpty(fields.Extras, "content", "text", "message")
	fields.NickBefore = firstNonEmpty(fields.Extras, "nick_before", "before")
	fields.NickAfter = firstNonEmpty(fields.Extras, "nick_after", "nick", "after")
	return fields
}

// DecodeLine parses one JSON line into an event. Blank lines yield nil.
func DecodeLine(line []byte, source string) (*model.Event, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, nil
	}
	fields, err := ParseJSONBytes(line)
	if err != nil {
		return nil, err
	}
	ev, err := normalize.Normalize(*fields, source)
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func scalar(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

func firstNonEmpty(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
