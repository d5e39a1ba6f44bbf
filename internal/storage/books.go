package storage

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// MaxCoverBytes — обложки больше этого не кэшируем.
const MaxCoverBytes = 5 << 20

const coverName = "cover.jpg"

// ErrTooLarge is returned when the data exceeds the size limit.
var ErrTooLarge = errors.New("файл слишком большой")

// Covers — дисковый кэш обложек: <dir>/<book id>/cover.jpg.
type Covers struct {
	dir string
}

func NewCovers(dir string) (*Covers, error) {
	if dir == "" {
		return nil, fmt.Errorf("пустая директория хранения")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию хранения: %w", err)
	}
	return &Covers{dir: dir}, nil
}

func (c *Covers) path(bookID string) (string, error) {
	if bookID == "" || filepath.Base(bookID) != bookID || bookID == "." || bookID == ".." {
		return "", fmt.Errorf("некорректный ID книги: %q", bookID)
	}
	return filepath.Join(c.dir, bookID, coverName), nil
}

// Load returns the cached cover; ok is false when there is none.
func (c *Covers) Load(bookID string) ([]byte, bool, error) {
	p, err := c.path(bookID)
	if err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("ошибка чтения обложки: %w", err)
	}
	return data, true, nil
}

// Save пишет обложку через временный файл, чтобы читатель не увидел
// недописанные данные.
func (c *Covers) Save(bookID string, data []byte) (string, error) {
	p, err := c.path(bookID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return "", fmt.Errorf("не удалось создать директорию книги: %w", err)
	}

	name, err := randomHex(8)
	if err != nil {
		return "", fmt.Errorf("не удалось сгенерировать имя файла: %w", err)
	}
	tmp := filepath.Join(filepath.Dir(p), "."+name+".tmp")

	if _, err := writeLimited(tmp, bytes.NewReader(data), MaxCoverBytes); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("ошибка записи файла: %w", err)
	}
	return p, nil
}

func writeLimited(fullPath string, data io.Reader, maxSize int64) (int64, error) {
	out, err := os.Create(fullPath)
	if err != nil {
		return 0, fmt.Errorf("не удалось создать файл: %w", err)
	}
	defer out.Close()

	reader := data
	if maxSize > 0 {
		reader = io.LimitReader(data, maxSize+1)
	}

	n, err := io.Copy(out, reader)
	if err != nil {
		_ = os.Remove(fullPath)
		return 0, fmt.Errorf("ошибка записи файла: %w", err)
	}

	if maxSize > 0 && n > maxSize {
		_ = os.Remove(fullPath)
		return 0, ErrTooLarge
	}
	return n, nil
}

func randomHex(n int) (string, error) {
	if n <= 0 {
		return "", fmt.Errorf("некорректная длина")
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", buf), nil
}
