package service

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"

	"flibusta_bot/internal/models"
)

func TestResolveFilenameFromHeader(t *testing.T) {
	book := models.Book{Title: "Книга", Author: "Автор"}

	cases := []struct {
		header string
		want   string
	}{
		{`attachment; filename*=UTF-8''%D0%9A%D0%BD%D0%B8%D0%B3%D0%B0.fb2.zip`, "Книга.fb2"},
		{`attachment; filename="Bulgakov_Master.fb2.zip"`, "Bulgakov_Master.fb2"},
		{`attachment; filename=Bulgakov_Master.epub`, "Bulgakov_Master.epub"},
		// mime.ParseMediaType rejects unquoted spaces, the regex fallback does not.
		{`attachment; filename=Master i Margarita.mobi`, "Master i Margarita.mobi"},
		{`attachment; filename*=utf-8''%D0%90 %D0%91.pdf; x=1=2`, "А Б.pdf"},
		{`attachment; filename="../../etc/passwd"`, "passwd"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, ResolveFilename(c.header, book, "(fb2)"), c.header)
	}
}

func TestResolveFilenameFallback(t *testing.T) {
	book := models.Book{Title: "Мастер и Маргарита", Author: "Михаил Булгаков"}

	assert.Equal(t, "Мастер и Маргарита - Михаил Булгаков.fb2", ResolveFilename("", book, "(fb2)"))
	assert.Equal(t, "Мастер и Маргарита - Михаил Булгаков.epub", ResolveFilename("inline", book, "(скачать epub)"))
	assert.Equal(t, "Мастер и Маргарита - Михаил Булгаков.txt", ResolveFilename("", book, "читать"))
	assert.Equal(t, "Мастер и Маргарита - Михаил Булгаков.rtf", ResolveFilename("", book, "(r.t.f)"))

	odd := models.Book{Title: `Что? Где: "Когда"`, Author: "А/Б"}
	assert.Equal(t, `Что_ Где_ _Когда_ - А_Б.fb2`, ResolveFilename("", odd, "(fb2)"))
}

func TestSanitizeFilenameProperties(t *testing.T) {
	inputs := []string{
		"plain.fb2",
		"a<b>c:d\"e/f\\g|h?i*j.epub",
		"tab\there\nnewline\x00nul.pdf",
		strings.Repeat("Очень длинное название ", 30) + ".djvu",
		strings.Repeat("x", 500),
		"   ",
	}
	for _, in := range inputs {
		out := SanitizeFilename(in)
		assert.NotEmpty(t, out)
		assert.False(t, strings.ContainsAny(out, illegalFilenameChars), out)
		for _, r := range out {
			assert.False(t, r < 0x20 || r == 0x7f, "control char in %q", out)
		}
		assert.LessOrEqual(t, utf8.RuneCountInString(out), MaxFilenameRunes)
	}
}

func TestSanitizeFilenameKeepsExtensionOnTruncation(t *testing.T) {
	long := strings.Repeat("Ж", 300) + ".djvu"

	out := SanitizeFilename(long)

	assert.Equal(t, MaxFilenameRunes, utf8.RuneCountInString(out))
	assert.True(t, strings.HasSuffix(out, ".djvu"))
}

func TestExtFromLabel(t *testing.T) {
	assert.Equal(t, "fb2", extFromLabel("(fb2)"))
	assert.Equal(t, "mobi", extFromLabel("(MOBI)"))
	assert.Equal(t, "txt", extFromLabel("()"))
	assert.Equal(t, "txt", extFromLabel("скачать"))
}
