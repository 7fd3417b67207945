package extractor

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/xhad/papyrus/internal/models"
)

type HTMLConfig struct {
	Timeout time.Duration
	Client  *http.Client
}

// HTMLExtractor turns an HTML document into the normalized element
// list the pipeline consumes. HTML has no physical pages, so top-level
// headings (h1, h2) delimit them: each new section heading after the
// first content starts the next page.
type HTMLExtractor struct {
	config HTMLConfig
	client *http.Client
}

func NewHTML(config HTMLConfig) *HTMLExtractor {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	client := config.Client
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}
	return &HTMLExtractor{config: config, client: client}
}

// Extract reads source as an http(s) URL or a local file path and
// returns the ordered elements plus the derived page count.
func (e *HTMLExtractor) Extract(ctx context.Context, source string) ([]models.RawElement, int, error) {
	doc, err := e.load(ctx, source)
	if err != nil {
		return nil, 0, err
	}

	var (
		elements []models.RawElement
		page     = 1
		hasBody  bool
	)

	doc.Find("h1, h2, h3, p, li, img, table").Each(func(_ int, sel *goquery.Selection) {
		// Nested matches (a paragraph inside a table cell) are covered
		// by their enclosing element.
		if sel.ParentsFiltered("table").Length() > 0 {
			return
		}

		switch goquery.NodeName(sel) {
		case "h1", "h2":
			if hasBody {
				page++
				hasBody = false
			}
			if text := cleanText(sel.Text()); text != "" {
				elements = append(elements, models.RawElement{
					Kind: models.ElementText, Page: page, Content: text,
				})
			}
		case "h3", "p", "li":
			if text := cleanText(sel.Text()); text != "" {
				elements = append(elements, models.RawElement{
					Kind: models.ElementText, Page: page, Content: text,
				})
				hasBody = true
			}
		case "img":
			src, ok := sel.Attr("src")
			if !ok || src == "" {
				return
			}
			elements = append(elements, models.RawElement{
				Kind:    models.ElementImage,
				Page:    page,
				Locator: src,
				Caption: cleanText(sel.AttrOr("alt", "")),
			})
			hasBody = true
		case "table":
			rows, cols := tableShape(sel)
			elements = append(elements, models.RawElement{
				Kind:    models.ElementTable,
				Page:    page,
				Locator: source + "#table-" + fmt.Sprint(countKind(elements, models.ElementTable)+1),
				Caption: cleanText(sel.Find("caption").First().Text()),
				Rows:    rows,
				Columns: cols,
			})
			hasBody = true
		}
	})

	return elements, page, nil
}

func (e *HTMLExtractor) load(ctx context.Context, source string) (*goquery.Document, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
		if err != nil {
			return nil, err
		}
		resp, err := e.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch %s: %w", source, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("failed to fetch %s: status %d", source, resp.StatusCode)
		}
		return goquery.NewDocumentFromReader(resp.Body)
	}

	f, err := os.Open(source)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", source, err)
	}
	defer f.Close()
	return goquery.NewDocumentFromReader(f)
}

func tableShape(table *goquery.Selection) (rows, cols int) {
	trs := table.Find("tr")
	rows = trs.Length()
	trs.Each(func(_ int, tr *goquery.Selection) {
		if n := tr.Find("td, th").Length(); n > cols {
			cols = n
		}
	})
	return rows, cols
}

func countKind(elements []models.RawElement, kind models.ElementKind) int {
	n := 0
	for _, el := range elements {
		if el.Kind == kind {
			n++
		}
	}
	return n
}

func cleanText(text string) string {
	return strings.TrimSpace(strings.Join(strings.Fields(text), " "))
}
