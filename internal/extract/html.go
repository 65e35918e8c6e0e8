package extract

import (
	"strings"

	"golang.org/x/net/html"
)

// Elements whose text is never part of the readable body.
var skippedElements = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"template": true,
	"head":     true,
}

// Elements that separate words when rendered.
var blockElements = map[string]bool{
	"br": true, "p": true, "div": true, "li": true, "tr": true, "td": true, "th": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"table": true, "ul": true, "ol": true, "blockquote": true, "hr": true,
}

// htmlDocument is the result of one pass over an HTML body.
type htmlDocument struct {
	Text  string
	Hrefs []string
}

// parseHTML strips markup to whitespace-normalized text and collects anchor targets.
// Nothing referenced by the document is fetched.
func parseHTML(src string) htmlDocument {
	var doc htmlDocument
	var text strings.Builder
	skipDepth := 0

	z := html.NewTokenizer(strings.NewReader(src))
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			// io.EOF or a tokenizer failure: keep whatever was read so far.
			doc.Text = strings.Join(strings.Fields(text.String()), " ")
			return doc
		case html.StartTagToken, html.SelfClosingTagToken:
			token := z.Token()
			if skippedElements[token.Data] && tt == html.StartTagToken {
				skipDepth++
				continue
			}
			if blockElements[token.Data] {
				text.WriteByte(' ')
			}
			if token.Data == "a" {
				for _, attr := range token.Attr {
					if attr.Key == "href" {
						if href := strings.TrimSpace(attr.Val); href != "" {
							doc.Hrefs = append(doc.Hrefs, href)
						}
					}
				}
			}
		case html.EndTagToken:
			token := z.Token()
			if skippedElements[token.Data] {
				if skipDepth > 0 {
					skipDepth--
				}
				continue
			}
			if blockElements[token.Data] {
				text.WriteByte(' ')
			}
		case html.TextToken:
			if skipDepth == 0 {
				text.Write(z.Text())
			}
		}
	}
}
