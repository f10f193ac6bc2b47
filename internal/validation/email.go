// Package validation содержит функции валидации входных данных.
package validation

import "strings"

// IsValidEmail проверяет базовую корректность адреса электронной почты:
// непустая локальная часть, один символ @ и домен с точкой.
func IsValidEmail(email string) bool {
	at := strings.LastIndexByte(email, '@')
	if at <= 0 || at == len(email)-1 {
		return false
	}

	local := email[:at]
	domain := email[at+1:]

	if strings.ContainsAny(local, " \t@") {
		return false
	}
	if strings.ContainsAny(domain, " \t@") {
		return false
	}

	dot := strings.IndexByte(domain, '.')
	if dot <= 0 || dot == len(domain)-1 {
		return false
	}

	return true
}

// EmailDomain возвращает доменную часть адреса в нижнем регистре
// или пустую строку, если адрес некорректен.
func EmailDomain(email string) string {
	if !IsValidEmail(email) {
		return ""
	}
	at := strings.LastIndexByte(email, '@')
	return strings.ToLower(email[at+1:])
}
