package parser

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"flibusta_bot/internal/models"
)

var (
	// bookHrefRe matches a book detail link: "/b/123".
	bookHrefRe = regexp.MustCompile(`^/b/(\d+)/?$`)
	// authorHrefRe matches an author page link: "/a/123".
	authorHrefRe = regexp.MustCompile(`^/a/(\d+)/?$`)
	// seriesHrefRe matches a series (sequence) link: "/s/123".
	seriesHrefRe = regexp.MustCompile(`^/s/(\d+)/?$`)
)

// findMain возвращает основной контейнер страницы (Drupal: <div id="main" class="clear-block">).
func findMain(doc *goquery.Document) *goquery.Selection {
	main := doc.Find("div#main.clear-block").First()
	if main.Length() == 0 {
		main = doc.Find("div#main").First()
	}
	return main
}

func hrefOf(s *goquery.Selection) string {
	href, _ := s.Attr("href")
	return strings.TrimSpace(href)
}

func bookIDFromHref(href string) (string, bool) {
	m := bookHrefRe.FindStringSubmatch(href)
	if len(m) != 2 {
		return "", false
	}
	return m[1], true
}

func isAuthorHref(href string) bool {
	return authorHrefRe.MatchString(href)
}

// absURL prefixes site-relative paths with the site origin.
func absURL(site, href string) string {
	href = strings.TrimSpace(href)
	switch {
	case href == "":
		return ""
	case strings.HasPrefix(href, "http://"), strings.HasPrefix(href, "https://"):
		return href
	case strings.HasPrefix(href, "//"):
		return "http:" + href
	case strings.HasPrefix(href, "/"):
		return strings.TrimRight(site, "/") + href
	default:
		return strings.TrimRight(site, "/") + "/" + href
	}
}

func cleanText(s *goquery.Selection) string {
	return strings.Join(strings.Fields(s.Text()), " ")
}

func newBook(site, id, title string) models.Book {
	return models.Book{
		ID:     id,
		Title:  title,
		Author: models.UnknownAuthor,
		Link:   models.BookLink(site, id),
	}
}

// resultItems returns <li> elements of result lists. Navigation lists share the
// <ul> tag but always carry a class attribute.
func resultItems(main *goquery.Selection) *goquery.Selection {
	return main.Find("ul").FilterFunction(func(_ int, ul *goquery.Selection) bool {
		class, _ := ul.Attr("class")
		return strings.TrimSpace(class) == ""
	}).ChildrenFiltered("li")
}

// ParseTitleSearch разбирает страницу поиска по названию (/booksearch?ask=...&chb=on).
// Пустой результат означает "ничего не найдено", а не ошибку.
func ParseTitleSearch(doc *goquery.Document, site string) []models.Book {
	main := findMain(doc)
	if main.Length() == 0 {
		return nil
	}

	var books []models.Book
	resultItems(main).Each(func(_ int, li *goquery.Selection) {
		links := li.Find("a")

		bookIdx := -1
		var book models.Book
		links.EachWithBreak(func(i int, a *goquery.Selection) bool {
			id, ok := bookIDFromHref(hrefOf(a))
			if !ok {
				return true
			}
			bookIdx = i
			book = newBook(site, id, cleanText(a))
			return false
		})
		if bookIdx < 0 {
			return
		}

		var authors []string
		links.Slice(bookIdx+1, links.Length()).Each(func(_ int, a *goquery.Selection) {
			if isAuthorHref(hrefOf(a)) {
				authors = append(authors, cleanText(a))
			}
		})
		if len(authors) > 0 {
			book.Author = strings.Join(authors, ", ")
		}

		books = append(books, book)
	})
	return books
}

// ParseAuthorSearch разбирает страницу поиска по автору (/booksearch?ask=...&cha=on)
// и возвращает абсолютные ссылки на страницы авторов в порядке выдачи.
// Повторы не убираются: книги все равно дедуплицируются по ID ниже по потоку.
func ParseAuthorSearch(doc *goquery.Document, site string) []string {
	main := findMain(doc)
	if main.Length() == 0 {
		return nil
	}

	var urls []string
	resultItems(main).Each(func(_ int, li *goquery.Selection) {
		li.Find("a").EachWithBreak(func(_ int, a *goquery.Selection) bool {
			href := hrefOf(a)
			if !isAuthorHref(href) {
				return true
			}
			urls = append(urls, absURL(site, href))
			return false
		})
	})
	return urls
}

// ParseExactSearch разбирает выдачу /makebooklist (точный поиск по названию и автору).
// На этой странице соавторы перечислены в обратном порядке, поэтому список разворачивается.
func ParseExactSearch(doc *goquery.Document, site, fallbackAuthor string) []models.Book {
	form := doc.Find("form[name=bk]").First()
	if form.Length() == 0 {
		return nil
	}

	fallback := strings.TrimSpace(fallbackAuthor)
	if fallback == "" {
		fallback = models.UnknownAuthor
	}

	var books []models.Book
	form.ChildrenFiltered("div").Each(func(_ int, div *goquery.Selection) {
		var book models.Book
		found := false
		var authors []string

		div.Find("a").Each(func(_ int, a *goquery.Selection) {
			href := hrefOf(a)
			if id, ok := bookIDFromHref(href); ok && !found {
				book = newBook(site, id, cleanText(a))
				found = true
				return
			}
			if isAuthorHref(href) {
				authors = append(authors, cleanText(a))
			}
		})
		if !found {
			return
		}

		if len(authors) > 0 {
			reversed := make([]string, 0, len(authors))
			for i := len(authors) - 1; i >= 0; i-- {
				reversed = append(reversed, authors[i])
			}
			book.Author = strings.Join(reversed, ", ")
		} else {
			book.Author = fallback
		}
		books = append(books, book)
	})
	return books
}
