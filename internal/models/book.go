package models

import (
	"fmt"
	"strings"
)

// UnknownAuthor подставляется, когда автора не удалось извлечь со страницы.
const UnknownAuthor = "[автор не указан]"

// Format — один вариант скачивания книги.
type Format struct {
	// Label is the link text from the site, e.g. "(fb2)" or "(скачать epub)".
	Label string `json:"label"`
	URL   string `json:"url"`
}

// Book — нормализованная запись о книге, собранная парсером.
type Book struct {
	ID      string   `json:"id"`
	Title   string   `json:"title"`
	Author  string   `json:"author"`
	Link    string   `json:"link"`
	Formats []Format `json:"formats"`
	Cover   string   `json:"cover,omitempty"`
	Size    string   `json:"size,omitempty"`
	Series  string   `json:"series,omitempty"`
	Year    string   `json:"year,omitempty"`
}

// BookLink builds the canonical detail page URL. It depends on the id only.
func BookLink(site, id string) string {
	return fmt.Sprintf("%s/b/%s", strings.TrimRight(site, "/"), id)
}

// Key is the identity of a book: two books are the same book iff their IDs match.
func (b Book) Key() string {
	return b.ID
}

// Equal reports whether b and o are the same book. Only the ID is compared.
func (b Book) Equal(o Book) bool {
	return b.ID == o.ID
}

// FormatURL возвращает ссылку для метки формата.
func (b Book) FormatURL(label string) (string, bool) {
	for _, f := range b.Formats {
		if f.Label == label {
			return f.URL, true
		}
	}
	return "", false
}

// SetFormat adds a format or overwrites the URL of an existing label in place,
// so the first position of a label is kept.
func (b *Book) SetFormat(label, url string) {
	for i := range b.Formats {
		if b.Formats[i].Label == label {
			b.Formats[i].URL = url
			return
		}
	}
	b.Formats = append(b.Formats, Format{Label: label, URL: url})
}

// String — метод для красивого вывода в консоль.
func (b Book) String() string {
	return fmt.Sprintf("%s - %s (%s)", b.Title, b.Author, b.ID)
}

// Dedup убирает повторы по ID, сохраняя порядок первого появления.
func Dedup(books []Book) []Book {
	seen := make(map[string]struct{}, len(books))
	out := make([]Book, 0, len(books))
	for _, b := range books {
		if _, ok := seen[b.Key()]; ok {
			continue
		}
		seen[b.Key()] = struct{}{}
		out = append(out, b)
	}
	return out
}

// Flatten склеивает группы книг (результат поиска по автору) в один список.
func Flatten(groups [][]Book) []Book {
	var out []Book
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}
