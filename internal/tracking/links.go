// Package tracking builds the signed open and click URLs embedded in outgoing
// mail and checks them when they come back.
package tracking

import (
	"html"
	"net/url"
	"regexp"
	"strings"

	"EventPost/internal/signing"
)

const (
	OpenPath  = "/track/open/"
	ClickPath = "/track/click/"
)

var linkRe = regexp.MustCompile(`href=["'](https?://[^"']+)["']`)

// Links signs tracking URLs for one base URL. URLs are keyed by job id
// because the provider message id is only known after the send.
type Links struct {
	baseURL string
	secret  string
}

// NewLinks returns nil, which disables tracking, unless both baseURL and
// secret are set.
func NewLinks(baseURL, secret string) *Links {
	if baseURL == "" || secret == "" {
		return nil
	}
	return &Links{baseURL: strings.TrimRight(baseURL, "/"), secret: secret}
}

func (l *Links) OpenURL(jobID string) string {
	q := url.Values{"sig": {signing.Token(l.secret, "open", jobID)}}
	return l.baseURL + OpenPath + url.PathEscape(jobID) + "?" + q.Encode()
}

func (l *Links) ClickURL(jobID, target string) string {
	q := url.Values{
		"url": {target},
		"sig": {signing.Token(l.secret, "click", jobID, target)},
	}
	return l.baseURL + ClickPath + url.PathEscape(jobID) + "?" + q.Encode()
}

func (l *Links) VerifyOpen(jobID, sig string) error {
	return signing.VerifyToken(l.secret, sig, "open", jobID)
}

func (l *Links) VerifyClick(jobID, target, sig string) error {
	return signing.VerifyToken(l.secret, sig, "click", jobID, target)
}

// Instrument routes every absolute http(s) link in doc through the click
// endpoint and adds the open pixel before </body>.
func (l *Links) Instrument(doc, jobID string) string {
	doc = linkRe.ReplaceAllStringFunc(doc, func(match string) string {
		parts := linkRe.FindStringSubmatch(match)
		target := html.UnescapeString(parts[1])
		if strings.HasPrefix(target, l.baseURL+"/track/") {
			return match
		}
		return `href="` + html.EscapeString(l.ClickURL(jobID, target)) + `"`
	})

	pixel := `<img src="` + html.EscapeString(l.OpenURL(jobID)) + `" width="1" height="1" alt="" style="display:none;width:1px;height:1px" />`
	if idx := strings.LastIndex(strings.ToLower(doc), "</body>"); idx >= 0 {
		return doc[:idx] + pixel + doc[idx:]
	}
	return doc + pixel
}
