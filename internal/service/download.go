package service

import (
	"fmt"
	"mime"
	"net/url"
	"path"
	"regexp"
	"strings"
	"unicode"

	"flibusta_bot/internal/models"
)

const (
	// MaxDownloadBytes — предел Telegram Bot API для отправки документа.
	MaxDownloadBytes = 50 << 20
	// MaxFilenameRunes bounds the sanitized filename, extension included.
	MaxFilenameRunes = 200

	defaultExt = "txt"
)

var (
	// rfc5987Re matches filename*=UTF-8''%D0%9A... when mime.ParseMediaType gives up.
	rfc5987Re = regexp.MustCompile(`(?i)filename\*\s*=\s*utf-8''([^;]+)`)
	// plainFilenameRe matches filename="x.fb2" and filename=x.fb2.
	plainFilenameRe = regexp.MustCompile(`(?i)filename\s*=\s*"?([^";]+)"?`)

	knownFormats = []string{"fb2", "epub", "mobi", "pdf", "djvu"}

	illegalFilenameChars = `<>:"/\|?*`
)

// ResolveFilename picks the name for a downloaded file: the server's
// Content-Disposition if usable, else "{title} - {author}.{ext}".
// The result is always sanitized.
func ResolveFilename(disposition string, book models.Book, label string) string {
	name := filenameFromDisposition(disposition)
	if name != "" {
		if strings.HasSuffix(strings.ToLower(name), ".fb2.zip") {
			name = name[:len(name)-len(".zip")]
		}
	} else {
		name = fmt.Sprintf("%s - %s.%s", book.Title, book.Author, extFromLabel(label))
	}
	return SanitizeFilename(name)
}

func filenameFromDisposition(disposition string) string {
	disposition = strings.TrimSpace(disposition)
	if disposition == "" {
		return ""
	}

	// mime понимает и кавычки, и RFC 2231/5987 (filename* попадает в "filename").
	if _, params, err := mime.ParseMediaType(disposition); err == nil {
		if name := strings.TrimSpace(params["filename"]); name != "" {
			return path.Base(name)
		}
	}

	if m := rfc5987Re.FindStringSubmatch(disposition); m != nil {
		if name, err := url.PathUnescape(strings.TrimSpace(m[1])); err == nil && name != "" {
			return path.Base(name)
		}
	}
	if m := plainFilenameRe.FindStringSubmatch(disposition); m != nil {
		name := strings.Trim(strings.TrimSpace(m[1]), `'`)
		if name != "" {
			return path.Base(name)
		}
	}
	return ""
}

// extFromLabel: "(fb2)" -> "fb2", "(скачать epub)" -> "epub", "Читать" -> "txt".
func extFromLabel(label string) string {
	open := strings.Index(label, "(")
	if open < 0 {
		return defaultExt
	}
	inner := label[open+1:]
	if end := strings.Index(inner, ")"); end >= 0 {
		inner = inner[:end]
	}

	lower := strings.ToLower(inner)
	for _, f := range knownFormats {
		if strings.Contains(lower, f) {
			return f
		}
	}

	ext := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return -1
	}, inner)
	if ext == "" {
		return defaultExt
	}
	return ext
}

// SanitizeFilename заменяет запрещенные символы на "_" и обрезает имя до
// MaxFilenameRunes, сохраняя расширение.
func SanitizeFilename(name string) string {
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || strings.ContainsRune(illegalFilenameChars, r) {
			return '_'
		}
		return r
	}, name)
	name = strings.TrimSpace(name)
	if name == "" {
		return "book." + defaultExt
	}

	runes := []rune(name)
	if len(runes) <= MaxFilenameRunes {
		return name
	}

	ext := []rune(path.Ext(name))
	if len(ext) >= MaxFilenameRunes {
		return string(runes[:MaxFilenameRunes])
	}
	base := runes[:len(runes)-len(ext)]
	base = base[:MaxFilenameRunes-len(ext)]
	return strings.TrimRightFunc(string(base), unicode.IsSpace) + string(ext)
}
