package catalog

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/jomei/notionapi"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	notionPropertyName  = "Name"
	notionPropertySlug  = "Slug"
	notionPropertyCover = "Cover"
)

// PageFetcher loads a single Notion page.
type PageFetcher interface {
	Page(ctx context.Context, id string) (*notionapi.Page, error)
}

type notionAPIFetcher struct {
	client *notionapi.Client
}

// NewNotionAPIFetcher returns a PageFetcher backed by the Notion REST API.
func NewNotionAPIFetcher(token string) PageFetcher {
	return &notionAPIFetcher{client: notionapi.NewClient(notionapi.Token(token))}
}

func (f *notionAPIFetcher) Page(ctx context.Context, id string) (*notionapi.Page, error) {
	page, err := f.client.Page.Get(ctx, notionapi.PageID(id))
	if err != nil {
		var apiErr *notionapi.Error
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return nil, fmt.Errorf("%w: notion %s", ErrProductNotFound, id)
		}
		return nil, err
	}
	return page, nil
}

// NotionCatalogConfig describes the dependencies of NotionCatalog.
type NotionCatalogConfig struct {
	Fetcher PageFetcher
	Logger  *zap.Logger
}

// NotionCatalog resolves Notion-authored products. Concurrent lookups of the same
// page share a single upstream request; results are not cached.
type NotionCatalog struct {
	fetcher PageFetcher
	logger  *zap.Logger
	group   singleflight.Group
}

// NewNotionCatalog constructs the catalog.
func NewNotionCatalog(cfg NotionCatalogConfig) (*NotionCatalog, error) {
	if cfg.Fetcher == nil {
		return nil, fmt.Errorf("catalog: notion page fetcher required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotionCatalog{fetcher: cfg.Fetcher, logger: logger}, nil
}

// Product returns the Notion product for a page id.
func (c *NotionCatalog) Product(ctx context.Context, id string) (NotionProduct, error) {
	pageID := strings.TrimSpace(id)
	if pageID == "" {
		return NotionProduct{}, ErrInvalidProductID
	}

	// The shared fetch outlives any single caller; each caller still honours its own ctx.
	fetchCtx := context.WithoutCancel(ctx)
	results := c.group.DoChan(pageID, func() (interface{}, error) {
		page, err := c.fetcher.Page(fetchCtx, pageID)
		if err != nil {
			return nil, err
		}
		if page == nil || page.Archived {
			return nil, fmt.Errorf("%w: notion %s", ErrProductNotFound, pageID)
		}
		return notionProductFromPage(pageID, page)
	})

	var result singleflight.Result
	select {
	case <-ctx.Done():
		return NotionProduct{}, ctx.Err()
	case result = <-results:
	}
	value, err, shared := result.Val, result.Err, result.Shared
	if err != nil {
		if !errors.Is(err, ErrProductNotFound) {
			c.logger.Warn("notion product lookup failed", zap.String("page_id", pageID), zap.Error(err))
		}
		return NotionProduct{}, err
	}
	if shared {
		c.logger.Debug("notion product lookup shared", zap.String("page_id", pageID))
	}
	return value.(NotionProduct), nil
}

func notionProductFromPage(pageID string, page *notionapi.Page) (NotionProduct, error) {
	product := NotionProduct{ID: pageID}

	if title, ok := page.Properties[notionPropertyName].(*notionapi.TitleProperty); ok {
		product.Name = joinRichText(title.Title)
	}
	if slug, ok := page.Properties[notionPropertySlug].(*notionapi.RichTextProperty); ok {
		product.Slug = joinRichText(slug.RichText)
	}
	if cover, ok := page.Properties[notionPropertyCover].(*notionapi.URLProperty); ok {
		product.CoverURL = cover.URL
	}

	if product.Slug == "" {
		return NotionProduct{}, fmt.Errorf("catalog: notion page %s has no slug", pageID)
	}
	if product.Name == "" {
		product.Name = product.Slug
	}
	return product, nil
}

func joinRichText(parts []notionapi.RichText) string {
	var builder strings.Builder
	for _, part := range parts {
		builder.WriteString(part.PlainText)
	}
	return strings.TrimSpace(builder.String())
}
