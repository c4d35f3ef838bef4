package docstore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Generation returns the numeric prefix of a {generation}-{hash} revision,
// or 0 when rev is empty or not in that form.
func (r Revision) Generation() int {
	head, _, ok := strings.Cut(string(r), "-")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(head)
	if err != nil {
		return 0
	}
	return n
}

// NextRevision derives the revision that follows prev for the given body.
// The hash covers prev so identical bodies on diverged branches still get
// distinct revisions.
func NextRevision(prev Revision, body []byte, deleted bool) Revision {
	h := sha256.New()
	h.Write([]byte(prev))
	h.Write(body)
	if deleted {
		h.Write([]byte{0})
	}
	sum := hex.EncodeToString(h.Sum(nil))[:32]
	return Revision(fmt.Sprintf("%d-%s", prev.Generation()+1, sum))
}
