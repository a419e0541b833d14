package profile

import (
	"net/mail"
	"regexp"
	"strings"

	"golang.org/x/net/idna"

	"github.com/hitoshi/linkpay/internal/model"
)

// usernamePattern はユーザー名の形式（英数字とアンダースコアで3〜20文字）。
var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_]{3,20}$`)

// NormalizeUsername は先頭の"@"と前後の空白を取り除いたユーザー名を返す。
// 大文字小文字は保持する。
func NormalizeUsername(raw string) string {
	return strings.TrimPrefix(strings.TrimSpace(raw), "@")
}

// ValidateUsername はユーザー名の形式を検証する。
func ValidateUsername(username string) error {
	if !usernamePattern.MatchString(username) {
		return model.NewInvalidUsernameError(username)
	}
	return nil
}

// NormalizeEmail はメールアドレスを検証し、比較可能な形に正規化する。
// ドメイン部はIDNAでASCII化し、全体を小文字にする。
func NormalizeEmail(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", model.NewInvalidEmailError("空です")
	}

	addr, err := mail.ParseAddress(raw)
	if err != nil {
		return "", model.NewInvalidEmailError(err.Error())
	}
	if addr.Name != "" || addr.Address != raw {
		return "", model.NewInvalidEmailError("アドレスのみを指定してください")
	}

	at := strings.LastIndex(addr.Address, "@")
	local, domain := addr.Address[:at], addr.Address[at+1:]
	ascii, err := idna.Lookup.ToASCII(domain)
	if err != nil {
		return "", model.NewInvalidEmailError("ドメインが不正です")
	}

	return strings.ToLower(local + "@" + ascii), nil
}
