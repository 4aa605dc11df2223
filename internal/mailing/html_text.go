package mailing

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// HTMLToText derives the text/plain alternative from an HTML body. Links
// keep their target in parentheses; script and style content is dropped.
func HTMLToText(src string) string {
	z := html.NewTokenizer(strings.NewReader(src))
	var (
		b     strings.Builder
		skip  int
		hrefs []string
	)

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			// io.EOF or a malformed tail; either way the text so far stands.
			return tidy(b.String())

		case html.TextToken:
			if skip > 0 {
				continue
			}
			b.WriteString(collapse(string(z.Text())))

		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			switch tok.DataAtom {
			case atom.Script, atom.Style, atom.Head, atom.Title:
				if tt == html.StartTagToken {
					skip++
				}
			case atom.Br:
				b.WriteString("\n")
			case atom.Li:
				b.WriteString("\n* ")
			case atom.Img:
				if alt := attr(tok, "alt"); alt != "" {
					b.WriteString(alt)
				}
			case atom.A:
				hrefs = append(hrefs, attr(tok, "href"))
			default:
				if isBlock(tok.DataAtom) {
					b.WriteString("\n\n")
				}
			}

		case html.EndTagToken:
			tok := z.Token()
			switch tok.DataAtom {
			case atom.Script, atom.Style, atom.Head, atom.Title:
				if skip > 0 {
					skip--
				}
			case atom.A:
				if n := len(hrefs); n > 0 {
					href := hrefs[n-1]
					hrefs = hrefs[:n-1]
					if href != "" && !strings.HasPrefix(href, "#") {
						b.WriteString(" (" + href + ")")
					}
				}
			default:
				if isBlock(tok.DataAtom) {
					b.WriteString("\n\n")
				}
			}
		}
	}
}

func attr(tok html.Token, name string) string {
	for _, a := range tok.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

func isBlock(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6,
		atom.Table, atom.Tr, atom.Ul, atom.Ol, atom.Blockquote, atom.Hr, atom.Section:
		return true
	}
	return false
}

// collapse folds runs of whitespace inside a text node to single spaces.
func collapse(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		if s != "" {
			return " "
		}
		return ""
	}
	out := strings.Join(fields, " ")
	if strings.TrimLeft(s, " \t\r\n") != s {
		out = " " + out
	}
	if strings.TrimRight(s, " \t\r\n") != s {
		out += " "
	}
	return out
}

// tidy trims each line and keeps at most one blank line between paragraphs.
func tidy(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, l)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
