package mailbox

import (
	"fmt"
	"strings"

	"github.com/emersion/go-imap/v2"
)

var flagKeys = map[string]imap.Flag{
	"SEEN":     imap.FlagSeen,
	"FLAGGED":  imap.FlagFlagged,
	"ANSWERED": imap.FlagAnswered,
	"DELETED":  imap.FlagDeleted,
	"DRAFT":    imap.FlagDraft,
}

// ParseSearchKeys turns IMAP search key names into criteria. Keys are
// intersected; no keys, or ALL alone, match every message.
func ParseSearchKeys(keys []string) (*imap.SearchCriteria, error) {
	criteria := &imap.SearchCriteria{}
	for _, key := range keys {
		k := strings.ToUpper(strings.TrimSpace(key))
		switch {
		case k == "ALL":
		case k == "RECENT" || k == "NEW" || k == "OLD":
			return nil, fmt.Errorf("search key %s is not supported, watch a folder to process new mail", k)
		case flagKeys[k] != "":
			criteria.Flag = append(criteria.Flag, flagKeys[k])
		case strings.HasPrefix(k, "UN") && flagKeys[k[2:]] != "":
			criteria.NotFlag = append(criteria.NotFlag, flagKeys[k[2:]])
		default:
			return nil, fmt.Errorf("unknown search key %q", key)
		}
	}
	return criteria, nil
}
