package payments

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// MetadataLimit is the maximum length of a single Stripe metadata value.
const MetadataLimit = 500

// MaxNotionSlugKeys bounds how many metadata keys may carry Notion slugs.
const MaxNotionSlugKeys = 10

const metadataSeparator = ","

// ErrMetadataOverflow indicates line items that cannot be carried in provider metadata
// without losing a deliverable product.
var ErrMetadataOverflow = errors.New("payments: line items exceed metadata capacity")

// Metadata keys shared by the checkout flows and the webhook reconciler.
const (
	MetadataKeyType          = "type"
	MetadataKeyItemCount     = "item_count"
	MetadataKeyProductIDs    = "product_ids"
	MetadataKeyQuantities    = "quantities"
	MetadataKeyItems         = "items"
	MetadataKeyNotionSlugs   = "notion_slugs"
	MetadataKeyCustomerEmail = "customer_email"
	MetadataKeyCustomerName  = "customer_name"
	MetadataKeyProductID     = "product_id"
	MetadataKeyProduct       = "product"
	MetadataKeyUserID        = "user_id"
	MetadataKeyTier          = "tier"
)

// Metadata values for MetadataKeyType and MetadataKeyProduct.
const (
	MetadataTypeCart      = "cart"
	MetadataTypeBuyNow    = "buy_now"
	MetadataProductStudio = "studio_systems"
)

// LineItem is one validated cart line as it is summarized into metadata.
type LineItem struct {
	Key      string
	Name     string
	Slug     string
	Quantity int
	Notion   bool
}

// EncodeLineItems packs line items into flat, size-limited metadata values.
// Informational identifier lists drop whole trailing entries that would exceed
// MetadataLimit and the description is cut at MetadataLimit characters. Notion
// slugs drive delivery, so they are never dropped: they spread across
// NotionSlugKey(1..n) and ErrMetadataOverflow is returned when they do not fit.
func EncodeLineItems(items []LineItem) (map[string]string, error) {
	keys := make([]string, 0, len(items))
	quantities := make([]string, 0, len(items))
	descriptions := make([]string, 0, len(items))
	notionSlugs := make([]string, 0)
	seenSlugs := make(map[string]struct{})

	for _, item := range items {
		keys = append(keys, item.Key)
		quantities = append(quantities, strconv.Itoa(item.Quantity))
		descriptions = append(descriptions, fmt.Sprintf("%dx %s", item.Quantity, item.Name))
		if !item.Notion || item.Slug == "" {
			continue
		}
		if _, seen := seenSlugs[item.Slug]; !seen {
			seenSlugs[item.Slug] = struct{}{}
			notionSlugs = append(notionSlugs, item.Slug)
		}
	}

	metadata := map[string]string{
		MetadataKeyType:       MetadataTypeCart,
		MetadataKeyItemCount:  strconv.Itoa(len(items)),
		MetadataKeyProductIDs: JoinLimited(keys),
		MetadataKeyQuantities: JoinLimited(quantities),
		MetadataKeyItems:      Truncate(strings.Join(descriptions, ", "), MetadataLimit),
	}
	chunks, ok := ChunkList(notionSlugs)
	if !ok || len(chunks) > MaxNotionSlugKeys {
		return nil, fmt.Errorf("%w: %d notion slugs", ErrMetadataOverflow, len(notionSlugs))
	}
	for index, chunk := range chunks {
		metadata[NotionSlugKey(index+1)] = chunk
	}
	return metadata, nil
}

// NotionSlugKey names the metadata key carrying the index-th slug chunk, starting at 1.
func NotionSlugKey(index int) string {
	if index <= 1 {
		return MetadataKeyNotionSlugs
	}
	return MetadataKeyNotionSlugs + "_" + strconv.Itoa(index)
}

// NotionSlugs reassembles the slugs written by EncodeLineItems.
func NotionSlugs(metadata map[string]string) []string {
	var slugs []string
	for index := 1; index <= MaxNotionSlugKeys; index++ {
		value, ok := metadata[NotionSlugKey(index)]
		if !ok {
			break
		}
		slugs = append(slugs, SplitList(value)...)
	}
	return slugs
}

// ChunkList comma-joins values into as few MetadataLimit-sized values as possible
// without splitting an entry. ok is false when a single value exceeds the limit.
func ChunkList(values []string) (chunks []string, ok bool) {
	var builder strings.Builder
	length := 0
	for _, value := range values {
		size := utf8.RuneCountInString(value)
		if size > MetadataLimit {
			return nil, false
		}
		if length > 0 && length+len(metadataSeparator)+size > MetadataLimit {
			chunks = append(chunks, builder.String())
			builder.Reset()
			length = 0
		}
		if length > 0 {
			builder.WriteString(metadataSeparator)
			length += len(metadataSeparator)
		}
		builder.WriteString(value)
		length += size
	}
	if length > 0 {
		chunks = append(chunks, builder.String())
	}
	return chunks, true
}

// JoinLimited comma-joins values, stopping before the first value that would
// push the result beyond MetadataLimit.
func JoinLimited(values []string) string {
	var builder strings.Builder
	for _, value := range values {
		extra := utf8.RuneCountInString(value)
		if builder.Len() > 0 {
			extra += len(metadataSeparator)
		}
		if utf8.RuneCountInString(builder.String())+extra > MetadataLimit {
			break
		}
		if builder.Len() > 0 {
			builder.WriteString(metadataSeparator)
		}
		builder.WriteString(value)
	}
	return builder.String()
}

// SplitList reverses JoinLimited, dropping blank entries.
func SplitList(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parts := strings.Split(value, metadataSeparator)
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}

// Truncate cuts value to at most limit runes.
func Truncate(value string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if utf8.RuneCountInString(value) <= limit {
		return value
	}
	runes := []rune(value)
	return string(runes[:limit])
}
