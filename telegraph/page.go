package telegraph

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/PuerkitoBio/goquery"
)

// ErrNoArticle is returned when a page has no article element.
var ErrNoArticle = errors.New("telegraph: page has no article")

// PageContent is the article of a published page.
type PageContent struct {
	HTML   string
	Images []string
}

// FetchPage downloads a published page and extracts its article and image URLs.
func (c *Client) FetchPage(ctx context.Context, pageURL string) (PageContent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return PageContent{}, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return PageContent{}, fmt.Errorf("fetch page: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return PageContent{}, fmt.Errorf("fetch page: status %d", resp.StatusCode)
	}
	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return PageContent{}, fmt.Errorf("parse page: %w", err)
	}
	article := doc.Find("article").First()
	if article.Length() == 0 {
		return PageContent{}, ErrNoArticle
	}
	inner, err := goquery.OuterHtml(article)
	if err != nil {
		return PageContent{}, err
	}
	pc := PageContent{HTML: inner}
	article.Find("img").Each(func(_ int, s *goquery.Selection) {
		if src, ok := s.Attr("src"); ok && src != "" {
			pc.Images = append(pc.Images, c.absolute(src))
		}
	})
	return pc, nil
}
