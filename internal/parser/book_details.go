package parser

import (
	"errors"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"flibusta_bot/internal/models"
)

// ErrNotFound means the detail URL rendered the generic catalog page instead of a book.
var ErrNotFound = errors.New("book not found")

// placeholderTitle is the heading the site shows for unknown book IDs.
const placeholderTitle = "Книги"

var (
	// formatLabelRe matches download link texts such as "(fb2)", "(скачать epub)", "(PDF)".
	formatLabelRe = regexp.MustCompile(`(?i)\(.*(?:fb2|epub|mobi|pdf|djvu).*\)`)

	// narrowSizeRe is tried on the dedicated size element: "573K", "1.2M", "2 МБ".
	narrowSizeRe = regexp.MustCompile(`\d+(?:[.,]\d+)?\s*[KMGКМГ][BБ]?`)

	// pageSizeRe is the page-wide fallback and therefore stricter: it requires
	// the Cyrillic byte unit, e.g. "Размер: 573 КБ".
	pageSizeRe = regexp.MustCompile(`\d+(?:[.,]\d+)?\s*[КМГ]Б`)

	// yearRe matches a parenthesized publication year: "(2009)".
	yearRe = regexp.MustCompile(`\(((?:1[5-9]|20)\d{2})\)`)
)

// ParseBookDetails parses a book page (/b/<id>). Only the title heading is
// required; every other field is best-effort and degrades to an empty value.
func ParseBookDetails(doc *goquery.Document, site, bookID string) (models.Book, error) {
	main := findMain(doc)
	scope := main
	if scope.Length() == 0 {
		scope = doc.Selection
	}

	h1 := scope.Find("h1.title").First()
	if h1.Length() == 0 {
		return models.Book{}, ErrNotFound
	}
	title := cleanText(h1)
	if title == "" || title == placeholderTitle {
		return models.Book{}, ErrNotFound
	}

	book := newBook(site, bookID, title)
	book.Size = extractSize(doc, scope)
	book.Cover = extractCover(scope, site)
	book.Series = extractSeries(scope)
	book.Year = extractYear(scope)

	scope.Find("a").Each(func(_ int, a *goquery.Selection) {
		label := cleanText(a)
		if !formatLabelRe.MatchString(label) {
			return
		}
		href := hrefOf(a)
		if href == "" {
			return
		}
		book.SetFormat(label, absURL(site, href))
	})

	if author := authorAfter(h1.Get(0)); author != "" {
		book.Author = author
	}

	return book, nil
}

func extractSize(doc *goquery.Document, scope *goquery.Selection) string {
	if m := narrowSizeRe.FindString(doc.Find(`span[style=size]`).First().Text()); m != "" {
		return strings.TrimSpace(m)
	}
	return strings.TrimSpace(pageSizeRe.FindString(scope.Text()))
}

func extractCover(scope *goquery.Selection, site string) string {
	src, ok := scope.Find(`img[alt="Cover image"]`).First().Attr("src")
	if !ok {
		return ""
	}
	return absURL(site, src)
}

func extractSeries(scope *goquery.Selection) string {
	var series string
	scope.Find("a").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		if seriesHrefRe.MatchString(hrefOf(a)) {
			series = cleanText(a)
			return false
		}
		return true
	})
	return series
}

func extractYear(scope *goquery.Selection) string {
	m := yearRe.FindStringSubmatch(scope.Text())
	if len(m) != 2 {
		return ""
	}
	return m[1]
}

// authorAfter walks the document in order and returns the text of the first
// author link that comes after the title heading.
func authorAfter(h1 *html.Node) string {
	root := h1
	for root.Parent != nil {
		root = root.Parent
	}

	seen := false
	var author string
	var walk func(n *html.Node) bool
	walk = func(n *html.Node) bool {
		if n == h1 {
			seen = true
		}
		if seen && n.Type == html.ElementNode && n.Data == "a" {
			sel := goquery.NewDocumentFromNode(n).Selection
			if isAuthorHref(hrefOf(sel)) {
				if text := cleanText(sel); text != "" {
					author = text
					return true
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if walk(c) {
				return true
			}
		}
		return false
	}
	walk(root)
	return author
}
