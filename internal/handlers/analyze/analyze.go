// Package analyze is the default analysis job handler. It parses the crawled
// content of a target and stores a small fingerprint of the page.
package analyze

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"crawlflow/internal/domain"
)

type Store interface {
	GetTarget(ctx context.Context, id string) (domain.Target, error)
	SetAnalysis(ctx context.Context, id string, a domain.Analysis) error
}

// signature matches a technology by substrings of script sources or the generator meta tag.
type signature struct {
	name      string
	scripts   []string
	generator string
}

var signatures = []signature{
	{name: "jQuery", scripts: []string{"jquery"}},
	{name: "React", scripts: []string{"react.production", "react-dom"}},
	{name: "Vue.js", scripts: []string{"vue.min.js", "vue.global", "vue.runtime"}},
	{name: "Angular", scripts: []string{"angular.min.js", "angular.js"}},
	{name: "Google Analytics", scripts: []string{"google-analytics.com", "googletagmanager.com"}},
	{name: "Cloudflare", scripts: []string{"cdnjs.cloudflare.com", "cdn-cgi/"}},
	{name: "WordPress", scripts: []string{"wp-content/", "wp-includes/"}, generator: "wordpress"},
	{name: "Drupal", generator: "drupal"},
	{name: "Joomla", generator: "joomla"},
	{name: "Hugo", generator: "hugo"},
}

type Handler struct {
	store Store
}

func New(st Store) *Handler {
	return &Handler{store: st}
}

func (h *Handler) Handle(ctx context.Context, payload json.RawMessage) error {
	var p domain.TargetPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("invalid analyze payload: %w", err)
	}
	target, err := h.store.GetTarget(ctx, p.TargetID)
	if err != nil {
		return fmt.Errorf("load target: %w", err)
	}
	if target.Content == "" {
		// nothing to analyze for failed crawls
		return nil
	}
	a, err := Analyze(target.Content)
	if err != nil {
		return err
	}
	if err := h.store.SetAnalysis(ctx, target.ID, a); err != nil {
		return fmt.Errorf("store analysis: %w", err)
	}
	return nil
}

// Analyze extracts the title, generator, script sources and matching technologies from html.
func Analyze(html string) (domain.Analysis, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return domain.Analysis{}, fmt.Errorf("parse content: %w", err)
	}

	a := domain.Analysis{
		Title: strings.TrimSpace(doc.Find("title").First().Text()),
	}
	if gen, ok := doc.Find(`meta[name="generator"]`).First().Attr("content"); ok {
		a.Generator = strings.TrimSpace(gen)
	}
	doc.Find("script[src]").Each(func(_ int, s *goquery.Selection) {
		if src := strings.TrimSpace(s.AttrOr("src", "")); src != "" {
			a.Scripts = append(a.Scripts, src)
		}
	})
	a.Technologies = detect(a.Generator, a.Scripts)
	return a, nil
}

func detect(generator string, scripts []string) []string {
	gen := strings.ToLower(generator)
	found := make(map[string]struct{})
	for _, sig := range signatures {
		if sig.generator != "" && strings.Contains(gen, sig.generator) {
			found[sig.name] = struct{}{}
			continue
		}
	scan:
		for _, src := range scripts {
			lower := strings.ToLower(src)
			for _, needle := range sig.scripts {
				if strings.Contains(lower, needle) {
					found[sig.name] = struct{}{}
					break scan
				}
			}
		}
	}
	out := make([]string, 0, len(found))
	for name := range found {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
