// Package crawl walks the account's connection lists and works through them:
// list creation expands a list page and persists what it finds into rotated
// link files, batching splits a list into fixed-size batch files, and the
// processor visits every batch item once, deduplicated against the edge graph.
package crawl

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/outreach-crawler/internal/automation"
	"github.com/JakeFAU/outreach-crawler/internal/checkpoint"
)

var profilePath = regexp.MustCompile(`/in/([^/?#]+)`)

// Invitation statuses recorded for pending list entries.
const (
	StatusReceived = "received"
	StatusSent     = "sent"
)

// ExtractProfiles returns the profiles linked from html in document order
// with duplicates removed. Anchors are matched by links; the first selector
// that matches anything wins.
func ExtractProfiles(html string, links automation.SelectorSet, kind checkpoint.ListKind) ([]checkpoint.ConnectionRecord, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse list page: %w", err)
	}
	var anchors *goquery.Selection
	for _, sel := range links {
		anchors = doc.Find(sel)
		if anchors.Length() > 0 {
			break
		}
	}
	if anchors == nil {
		return nil, nil
	}

	seen := map[string]bool{}
	var out []checkpoint.ConnectionRecord
	anchors.Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok {
			return
		}
		m := profilePath.FindStringSubmatch(href)
		if m == nil {
			return
		}
		id, err := url.PathUnescape(m[1])
		if err != nil || id == "" || seen[id] {
			return
		}
		seen[id] = true
		rec := checkpoint.ConnectionRecord{ProfileID: id}
		switch kind {
		case checkpoint.KindIncoming:
			rec.Status, rec.OriginalURL = StatusReceived, href
		case checkpoint.KindOutgoing:
			rec.Status, rec.OriginalURL = StatusSent, href
		}
		out = append(out, rec)
	})
	return out, nil
}
