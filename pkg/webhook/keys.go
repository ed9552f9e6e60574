package webhook

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/tidwall/gjson"
)

// idPaths are tried in order; the first non-empty value names the event.
var idPaths = []string{"id", "d.id", "d.msg_id", "d.message_id", "d.event_id"}

// DedupKey derives the idempotency key for one callback body. It prefers an
// explicit id, then a composite of the event's identifying fields, then a
// hash of the whole body.
func DedupKey(body []byte) string {
	for _, p := range idPaths {
		if v := gjson.GetBytes(body, p); v.Exists() && v.String() != "" {
			return "id:" + v.String()
		}
	}

	res := gjson.GetManyBytes(body,
		"t",
		"s",
		"d.group_openid",
		"d.group_id",
		"d.author.member_openid",
		"d.author.user_openid",
		"d.author.id",
		"d.content",
	)
	typ, seq := res[0].String(), res[1].Raw
	group := firstString(res[2], res[3])
	author := firstString(res[4], res[5], res[6])
	if typ != "" || seq != "" || group != "" || author != "" || res[7].Exists() {
		return "evt:" + strings.Join([]string{typ, seq, group, author, hashString(res[7].String())}, "|")
	}

	return "raw:" + hashString(string(body))
}

func firstString(vals ...gjson.Result) string {
	for _, v := range vals {
		if s := v.String(); s != "" {
			return s
		}
	}
	return ""
}

func hashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
