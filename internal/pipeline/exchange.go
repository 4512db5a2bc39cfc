package pipeline

import (
	"strings"

	"github.com/sells-group/postconvo/internal/model"
)

// PairExchanges pairs each user turn with the nearest later counterpart turn.
// Blank messages are skipped. User turns between a user turn and its reply
// are skipped, and a user turn with no later reply is dropped. A counterpart
// turn never starts an exchange.
func PairExchanges(msgs []model.Message) []model.Exchange {
	var out []model.Exchange
	i := 0
	for i < len(msgs) {
		m := msgs[i]
		if m.Blank() || !model.IsSubjectRole(m.Role) {
			i++
			continue
		}

		match := -1
		for j := i + 1; j < len(msgs); j++ {
			if !msgs[j].Blank() && model.IsCounterpartRole(msgs[j].Role) {
				match = j
				break
			}
		}
		if match < 0 {
			i++
			continue
		}

		out = append(out, model.Exchange{
			Subject:     strings.TrimSpace(m.Content),
			Counterpart: strings.TrimSpace(msgs[match].Content),
		})
		i = match + 1
	}
	return out
}
