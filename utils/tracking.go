package utils

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
)

// TrackedLink is one outbound <a href> rewritten by InjectTracking, paired
// with the linkId used in its click-tracking URL.
type TrackedLink struct {
	LinkID      string
	OriginalURL string
}

// GenerateTrackingHash returns a fresh opaque identifier for one send
// attempt's EmailTracking row. Grounded on
// utils/tracking.go's generateUniqueToken, simplified from a
// uuid+sha256-derived token to a raw random one since this hash has no
// message id to bind to at generation time — it's minted before the
// message even has a Message-ID.
func GenerateTrackingHash() string {
	buf := make([]byte, 15)
	_, _ = rand.Read(buf)
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(buf)
}

// PixelURL builds the open-tracking pixel URL for a tracking hash.
func PixelURL(trackAPIBase, hash string) string {
	return fmt.Sprintf("%s/api/track/%s.png", strings.TrimRight(trackAPIBase, "/"), hash)
}

// ClickURL builds the click-tracking redirect URL for a tracking hash and
// link id.
func ClickURL(trackAPIBase, hash, linkID string) string {
	return fmt.Sprintf("%s/api/track/%s/click?lid=%s", strings.TrimRight(trackAPIBase, "/"), hash, linkID)
}

// InjectTracking rewrites every outbound <a href="..."> in html to point
// at the click redirector and appends a 1x1 open-tracking pixel. It
// returns the tracked HTML plus the list of TrackedLink rows the caller
// must persist.
//
// This is a simplified string-scan rewrite, not a full HTML parser — the
// same tradeoff utils/tracking.go's injectClickTracking makes in the
// teacher repo. It only rewrites the literal `<a href="..."` pattern,
// which covers the flat HTML templates this engine composes steps from.
func InjectTracking(html, trackAPIBase, hash string) (trackedHTML string, links []TrackedLink) {
	const startTag = `<a href="`
	const endTag = `"`

	var b strings.Builder
	offset := 0
	linkNum := 0

	for {
		startIdx := strings.Index(html[offset:], startTag)
		if startIdx == -1 {
			b.WriteString(html[offset:])
			break
		}
		startIdx += offset

		hrefStart := startIdx + len(startTag)
		endIdx := strings.Index(html[hrefStart:], endTag)
		if endIdx == -1 {
			b.WriteString(html[offset:])
			break
		}
		endIdx += hrefStart

		originalURL := html[hrefStart:endIdx]
		linkNum++
		linkID := fmt.Sprintf("%d", linkNum)

		b.WriteString(html[offset:hrefStart])
		b.WriteString(ClickURL(trackAPIBase, hash, linkID))

		links = append(links, TrackedLink{LinkID: linkID, OriginalURL: originalURL})
		offset = endIdx
	}

	pixel := fmt.Sprintf(`<img src="%s" alt="" width="1" height="1" style="display:none">`, PixelURL(trackAPIBase, hash))
	return b.String() + pixel, links
}

// StripTracking reverses InjectTracking against the same trackedLinks list
// returned when the message was sent: every click-tracking href is
// rewritten back to its original URL and the open-tracking pixel is
// removed. Used to build the sender's own untracked Sent-folder mirror.
func StripTracking(html, trackAPIBase, hash string, links []TrackedLink) string {
	for _, l := range links {
		html = strings.ReplaceAll(html, ClickURL(trackAPIBase, hash, l.LinkID), l.OriginalURL)
	}
	pixel := fmt.Sprintf(`<img src="%s" alt="" width="1" height="1" style="display:none">`, PixelURL(trackAPIBase, hash))
	return strings.Replace(html, pixel, "", 1)
}

// TransparentGIF is the 43-byte 1x1 transparent GIF served by the open
// tracking pixel endpoint.
var TransparentGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00,
	0x80, 0x00, 0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x21,
	0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00,
	0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44,
	0x01, 0x00, 0x3b,
}
