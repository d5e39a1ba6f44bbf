package telegram

import (
	"fmt"
	"strconv"
	"strings"
)

// Виды callback data. Telegram ограничивает data 64 байтами, поэтому формат
// скачивания передается индексом, а не меткой.
const (
	cbBook     = "book"  // book:<id> — открыть карточку
	cbPage     = "page"  // page:<n> — страница результатов поиска
	cbDownload = "dl"    // dl:<id>:<format index>
	cbFav      = "fav"   // fav:<id> — добавить/убрать из избранного
	cbFavPage  = "favs"  // favs:<n> — страница избранного
	cbPageSize = "psize" // psize:<n> — размер страницы в /settings
	cbNoop     = "noop"
)

type callback struct {
	kind string
	id   string
	n    int
}

func (c callback) String() string {
	switch c.kind {
	case cbBook, cbFav:
		return c.kind + ":" + c.id
	case cbDownload:
		return fmt.Sprintf("%s:%s:%d", c.kind, c.id, c.n)
	case cbNoop:
		return cbNoop
	default:
		return fmt.Sprintf("%s:%d", c.kind, c.n)
	}
}

func parseCallback(data string) (callback, bool) {
	kind, rest, _ := strings.Cut(data, ":")
	switch kind {
	case cbNoop:
		return callback{kind: cbNoop}, true
	case cbBook, cbFav:
		if !isDigits(rest) {
			return callback{}, false
		}
		return callback{kind: kind, id: rest}, true
	case cbDownload:
		id, idx, ok := strings.Cut(rest, ":")
		if !ok || !isDigits(id) {
			return callback{}, false
		}
		n, err := strconv.Atoi(idx)
		if err != nil || n < 0 {
			return callback{}, false
		}
		return callback{kind: kind, id: id, n: n}, true
	case cbPage, cbFavPage, cbPageSize:
		n, err := strconv.Atoi(rest)
		if err != nil || n < 0 {
			return callback{}, false
		}
		return callback{kind: kind, n: n}, true
	}
	// Старые кнопки содержали просто ID книги.
	if isDigits(data) {
		return callback{kind: cbBook, id: data}, true
	}
	return callback{}, false
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
