package dispatcher

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/jmehdipour/outreach-dispatcher/internal/model"
	"golang.org/x/crypto/blake2b"
)

// RequestID is stable for one (sender, recipient, job, class, stage) so a provider can drop
// a duplicate submission. Each follow-up stage gets its own id.
func RequestID(class model.TrafficClass, senderID, recipient, jobID string, stage int, domain string) string {
	key := strings.Join([]string{senderID, recipient, jobID, class.String(), strconv.Itoa(stage)}, "|")
	sum := blake2b.Sum256([]byte(key))
	if domain == "" {
		domain = "localhost"
	}

	return fmt.Sprintf("<%s.%s.%s@%s>", class, senderID, hex.EncodeToString(sum[:12]), domain)
}
