package invoke

import (
	"fmt"

	"github.com/google/uuid"
)

// sessionNamespace roots every stage session id.
var sessionNamespace = uuid.MustParse("6f1c2d4e-93a5-5b7e-8c0d-2f4a6b8c0e1f")

// SessionID returns the deterministic session id for a stage call. The id
// is stable across retries unless isolate is set, in which case the attempt
// index is folded in.
func SessionID(namespace, conversationKey, stage string, attempt int, isolate bool) string {
	name := namespace + "\x00" + conversationKey + "\x00" + stage
	if isolate {
		name += fmt.Sprintf("\x00attempt-%d", attempt)
	}
	return uuid.NewSHA1(sessionNamespace, []byte(name)).String()
}
