package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	ErrNoInitData        = errors.New("initData is empty")
	ErrSignatureMismatch = errors.New("signature mismatch")
	ErrExpired           = errors.New("initData expired")
)

// TelegramUser — пользователь из поля user в initData Mini App.
type TelegramUser struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Language  string `json:"language_code"`
}

func (u TelegramUser) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// InitDataValidator проверяет подпись Telegram WebApp initData.
type InitDataValidator struct {
	secrets [][]byte
	maxAge  time.Duration
	now     func() time.Time
}

const (
	defaultInitDataMaxAge = 24 * time.Hour
	maxClockSkew          = 5 * time.Minute
)

func NewInitDataValidator(botToken string, maxAge time.Duration) *InitDataValidator {
	if maxAge <= 0 {
		maxAge = defaultInitDataMaxAge
	}
	return &InitDataValidator{
		secrets: [][]byte{webAppSecret(botToken), legacySecret(botToken)},
		maxAge:  maxAge,
		now:     time.Now,
	}
}

// Validate returns the signed user. Some proxies turn "+" into a space,
// so the repaired variants are checked too.
func (v *InitDataValidator) Validate(initData string) (TelegramUser, error) {
	if initData == "" {
		return TelegramUser{}, ErrNoInitData
	}

	inputs := []string{initData}
	if strings.Contains(initData, " ") {
		inputs = append(inputs, strings.ReplaceAll(initData, " ", "+"))
	}
	if strings.Contains(initData, "%20") {
		inputs = append(inputs, strings.ReplaceAll(initData, "%20", "+"))
	}

	var lastErr error
	for _, input := range inputs {
		for _, secret := range v.secrets {
			user, err := v.verify(input, secret)
			if err == nil {
				return user, nil
			}
			lastErr = err
			// Подпись сошлась, но данные протухли: другие варианты не помогут.
			if errors.Is(err, ErrExpired) {
				return TelegramUser{}, err
			}
		}
	}
	return TelegramUser{}, lastErr
}

func (v *InitDataValidator) verify(initData string, secret []byte) (TelegramUser, error) {
	values, err := url.ParseQuery(initData)
	if err != nil {
		return TelegramUser{}, fmt.Errorf("parse query: %w", err)
	}

	received := values.Get("hash")
	if received == "" {
		return TelegramUser{}, fmt.Errorf("hash is missing")
	}
	values.Del("hash")

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(dataCheckString(values)))
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(received)) {
		return TelegramUser{}, ErrSignatureMismatch
	}

	if raw := values.Get("auth_date"); raw != "" {
		ts, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return TelegramUser{}, fmt.Errorf("bad auth_date: %w", err)
		}
		authTime := time.Unix(ts, 0)
		now := v.now()
		if now.Sub(authTime) > v.maxAge {
			return TelegramUser{}, fmt.Errorf("%w (older than %s)", ErrExpired, v.maxAge)
		}
		if authTime.Sub(now) > maxClockSkew {
			return TelegramUser{}, fmt.Errorf("auth_date is in the future, check server time")
		}
	}

	return parseUser(values.Get("user"))
}

// dataCheckString: пары key=value без hash, по алфавиту, через \n.
func dataCheckString(values url.Values) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+values.Get(k))
	}
	return strings.Join(parts, "\n")
}

func parseUser(raw string) (TelegramUser, error) {
	if raw == "" {
		return TelegramUser{}, fmt.Errorf("user field is empty")
	}
	var user TelegramUser
	if err := json.Unmarshal([]byte(raw), &user); err != nil {
		return TelegramUser{}, fmt.Errorf("unmarshal user: %w", err)
	}
	if user.ID == 0 {
		return TelegramUser{}, fmt.Errorf("user id is 0")
	}
	return user, nil
}

func webAppSecret(token string) []byte {
	h := hmac.New(sha256.New, []byte("WebAppData"))
	h.Write([]byte(token))
	return h.Sum(nil)
}

// legacySecret — схема подписи Login Widget.
func legacySecret(token string) []byte {
	sum := sha256.Sum256([]byte(token))
	return sum[:]
}
