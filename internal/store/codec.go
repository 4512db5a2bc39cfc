package store

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/postconvo/internal/model"
)

func decodeConversationJSON(c *model.Conversation, messages, entities []byte) error {
	if len(messages) > 0 {
		if err := json.Unmarshal(messages, &c.Messages); err != nil {
			return eris.Wrap(err, "store: unmarshal messages")
		}
	}
	if len(entities) > 0 {
		if err := json.Unmarshal(entities, &c.Entities); err != nil {
			return eris.Wrap(err, "store: unmarshal entities")
		}
	}
	return nil
}

// nonNil keeps empty lists encoded as [] rather than null.
func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func rollup(userID, day string, parts []string, updated []time.Time) *model.DailySummary {
	ds := &model.DailySummary{
		UserID:            userID,
		Day:               day,
		Summary:           strings.Join(parts, "\n"),
		ConversationCount: len(parts),
	}
	for _, at := range updated {
		if at.After(ds.UpdatedAt) {
			ds.UpdatedAt = at
		}
	}
	return ds
}
