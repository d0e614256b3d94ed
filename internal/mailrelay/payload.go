// internal/mailrelay/payload.go
package mailrelay

import (
	"bytes"
	"errors"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
	"golang.org/x/net/html"
)

// Kind identifies which variant of Payload a relay response was classified as.
type Kind string

const (
	KindJSON Kind = "json"
	KindText Kind = "text"
	KindHTML Kind = "html"
)

// ErrEmptyBody is returned by Classify for a blank response.
var ErrEmptyBody = errors.New("mail relay returned an empty body")

// Payload is a relay response. It is one of JSONPayload, TextPayload or HTMLPayload.
type Payload interface {
	Kind() Kind
	// HTML is the best available HTML body, or "".
	HTML() string
	// Text is the best available plain text.
	Text() string
}

var (
	htmlFields = []string{"html", "htmlContent", "htmlBody"}
	textFields = []string{"text", "message", "content", "body"}
)

// JSONPayload is a JSON object returned by the relay. A top-level array is
// reduced to its first element.
type JSONPayload struct {
	raw []byte
}

func (JSONPayload) Kind() Kind { return KindJSON }

// Field returns the named string field, or "" when absent.
func (p JSONPayload) Field(name string) string {
	return gjson.GetBytes(p.raw, gjson.Escape(name)).String()
}

func (p JSONPayload) HTML() string {
	return p.first(htmlFields)
}

func (p JSONPayload) Text() string {
	if t := p.first(textFields); t != "" {
		return t
	}
	if h := p.HTML(); h != "" {
		return htmlText(h)
	}
	return string(p.raw)
}

func (p JSONPayload) first(names []string) string {
	for _, n := range names {
		if v := strings.TrimSpace(p.Field(n)); v != "" {
			return p.Field(n)
		}
	}
	return ""
}

// TextPayload is a body that is neither JSON nor markup.
type TextPayload struct {
	Body string
}

func (TextPayload) Kind() Kind     { return KindText }
func (TextPayload) HTML() string   { return "" }
func (p TextPayload) Text() string { return p.Body }

// HTMLPayload is raw markup sent without a JSON envelope.
type HTMLPayload struct {
	Body string
}

func (HTMLPayload) Kind() Kind     { return KindHTML }
func (p HTMLPayload) HTML() string { return p.Body }
func (p HTMLPayload) Text() string { return htmlText(p.Body) }

// Classify decides which Payload variant body is. It only fails for an empty body.
func Classify(body []byte) (Payload, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, ErrEmptyBody
	}

	if gjson.ValidBytes(trimmed) {
		res := gjson.ParseBytes(trimmed)
		if res.IsArray() {
			res = res.Get("0")
		}
		if res.IsObject() {
			return JSONPayload{raw: []byte(res.Raw)}, nil
		}
		if res.Type == gjson.String {
			return classifyText(res.String()), nil
		}
	}
	return classifyText(string(trimmed)), nil
}

func classifyText(s string) Payload {
	if looksLikeHTML(s) {
		return HTMLPayload{Body: s}
	}
	return TextPayload{Body: s}
}

// looksLikeHTML reports whether s contains at least one element tag.
func looksLikeHTML(s string) bool {
	z := html.NewTokenizer(strings.NewReader(s))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return false
		case html.StartTagToken, html.SelfClosingTagToken, html.EndTagToken:
			return true
		}
	}
}

// htmlText returns the visible text of an HTML fragment, skipping scripts and styles.
func htmlText(s string) string {
	z := html.NewTokenizer(strings.NewReader(s))
	var b strings.Builder
	skip := 0
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return strings.Join(strings.Fields(b.String()), " ")
		case html.StartTagToken:
			name, _ := z.TagName()
			if n := string(name); n == "script" || n == "style" {
				skip++
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			if n := string(name); (n == "script" || n == "style") && skip > 0 {
				skip--
			}
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
				b.WriteByte(' ')
			}
		}
	}
}

var (
	labeledOTP = regexp.MustCompile(`(?i)(?:code|otp|verification)[:\s]*(\d{6})`)
	bareOTP    = regexp.MustCompile(`\b\d{6}\b`)
)

// ExtractOTP finds a six digit one-time code in text. A code next to a label
// such as "code:" wins over any other six digit run.
func ExtractOTP(text string) (string, bool) {
	if m := labeledOTP.FindStringSubmatch(text); m != nil {
		return m[1], true
	}
	if m := bareOTP.FindString(text); m != "" {
		return m, true
	}
	return "", false
}
