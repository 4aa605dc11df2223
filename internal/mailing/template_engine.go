// Package mailing turns a campaign and one recipient into a ready-to-send
// MIME message. Subjects and bodies are Liquid templates.
package mailing

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"html"
	"net/url"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/osteele/liquid"

	"github.com/ignite/newsletter-dispatch/internal/service/sending"
)

// TemplateService parses and renders Liquid templates. Parsed templates are
// cached by source hash, so a campaign's title and body are compiled once
// per process no matter how many recipients they are rendered for.
type TemplateService struct {
	engine *liquid.Engine
	cache  sync.Map // source hash -> *liquid.Template
}

// NewTemplateService creates a template service with the newsletter filters.
func NewTemplateService() *TemplateService {
	ts := &TemplateService{engine: liquid.NewEngine()}
	ts.registerCustomFilters()
	return ts
}

func (ts *TemplateService) registerCustomFilters() {
	// {{ contact.first_name | default: "Friend" }}
	ts.engine.RegisterFilter("default", func(value interface{}, defaultVal string) interface{} {
		if value == nil {
			return defaultVal
		}
		if s := fmt.Sprintf("%v", value); s == "" || s == "<nil>" {
			return defaultVal
		}
		return value
	})

	ts.engine.RegisterFilter("titlecase", func(s string) string {
		words := strings.Fields(strings.ToLower(s))
		for i, w := range words {
			r, size := utf8.DecodeRuneInString(w)
			words[i] = string(unicode.ToUpper(r)) + w[size:]
		}
		return strings.Join(words, " ")
	})

	ts.engine.RegisterFilter("urlencode", func(s string) string {
		return url.QueryEscape(s)
	})

	ts.engine.RegisterFilter("escape", func(s string) string {
		return html.EscapeString(s)
	})

	ts.engine.RegisterFilter("email_domain", func(email string) string {
		if _, domain, ok := strings.Cut(email, "@"); ok {
			return domain
		}
		return ""
	})
}

// Parse compiles src, reusing a cached template when the same source was
// seen before. Syntax errors are permanent content errors: every recipient
// would hit them.
func (ts *TemplateService) Parse(src string) (*liquid.Template, error) {
	sum := sha256.Sum256([]byte(src))
	key := hex.EncodeToString(sum[:])
	if cached, ok := ts.cache.Load(key); ok {
		return cached.(*liquid.Template), nil
	}

	tpl, err := ts.engine.ParseString(src)
	if err != nil {
		return nil, &sending.ContentError{Permanent: true, Err: fmt.Errorf("parse template: %w", err)}
	}
	ts.cache.Store(key, tpl)
	return tpl, nil
}

// Render parses (or fetches) src and renders it against bindings. Render
// failures only affect the current recipient.
func (ts *TemplateService) Render(src string, bindings map[string]interface{}) (string, error) {
	tpl, err := ts.Parse(src)
	if err != nil {
		return "", err
	}
	out, rerr := tpl.RenderString(bindings)
	if rerr != nil {
		return "", &sending.ContentError{Err: fmt.Errorf("render template: %w", rerr)}
	}
	return out, nil
}

// ClearCache drops every compiled template.
func (ts *TemplateService) ClearCache() {
	ts.cache.Range(func(k, _ interface{}) bool {
		ts.cache.Delete(k)
		return true
	})
}
