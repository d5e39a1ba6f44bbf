package parser

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"flibusta_bot/internal/models"
)

// translationsHeading отделяет переводы автора от его собственных книг.
const translationsHeading = "Переводы"

// LinkStrategy finds book links inside the author's book form. The site
// changed its markup more than once, so several strategies are tried in order.
type LinkStrategy struct {
	Name string
	Find func(form *goquery.Selection) *goquery.Selection
}

// AuthorPageStrategies in order of preference; the first one with hits wins.
var AuthorPageStrategies = []LinkStrategy{
	{Name: "icon-marker", Find: markerLinks("svg")},
	{Name: "checkbox", Find: markerLinks("input[type=checkbox]")},
	{Name: "any-book-link", Find: anyBookLinks},
}

// markerLinks picks, for every marker element, the nearest following <a>
// sibling that points to a book.
func markerLinks(marker string) func(*goquery.Selection) *goquery.Selection {
	return func(form *goquery.Selection) *goquery.Selection {
		var nodes []*html.Node
		form.Find(marker).Each(func(_ int, m *goquery.Selection) {
			a := m.NextAllFiltered("a").First()
			if a.Length() == 0 {
				return
			}
			if _, ok := bookIDFromHref(hrefOf(a)); ok {
				nodes = append(nodes, a.Get(0))
			}
		})
		return form.FindNodes(nodes...)
	}
}

func anyBookLinks(form *goquery.Selection) *goquery.Selection {
	return form.Find("a").FilterFunction(func(_ int, a *goquery.Selection) bool {
		_, ok := bookIDFromHref(hrefOf(a))
		return ok
	})
}

// dropTranslations удаляет все узлы после заголовка "Переводы".
// Документ изменяется на месте.
func dropTranslations(form *goquery.Selection) {
	form.Find("h3").FilterFunction(func(_ int, h *goquery.Selection) bool {
		return strings.TrimSpace(h.Text()) == translationsHeading
	}).First().Each(func(_ int, h *goquery.Selection) {
		for _, n := range h.Nodes {
			for sib := n.NextSibling; sib != nil; {
				next := sib.NextSibling
				n.Parent.RemoveChild(sib)
				sib = next
			}
		}
	})
}

// ParseAuthorPage извлекает имя автора и его книги со страницы /a/<id>.
// Каждой книге проставляется имя со страницы, так как страница относится к одному автору.
// Возвращает пустой список, если книг нет или разметка не узнана.
func ParseAuthorPage(doc *goquery.Document, site string) (string, []models.Book) {
	name := cleanText(doc.Find("h1.title").First())
	if name == "" {
		return "", nil
	}

	form := doc.Find("form[method=POST], form[method=post]").First()
	if form.Length() == 0 {
		return name, nil
	}

	dropTranslations(form)

	for _, strategy := range AuthorPageStrategies {
		links := strategy.Find(form)
		if links.Length() == 0 {
			continue
		}

		books := make([]models.Book, 0, links.Length())
		links.Each(func(_ int, a *goquery.Selection) {
			id, _ := bookIDFromHref(hrefOf(a))
			book := newBook(site, id, cleanText(a))
			book.Author = name
			books = append(books, book)
		})
		return name, books
	}
	return name, nil
}
