package domain

import (
	"strings"
	"unicode"
)

// MaskCPF renders an 11-digit cpf as 123***789-01. Anything else becomes ***.
func MaskCPF(cpf string) string {
	if len(cpf) != CPFLength {
		return "***"
	}
	return cpf[:3] + "***" + cpf[6:9] + "-" + cpf[9:]
}

// MaskEmail keeps the first and last character of the local part.
func MaskEmail(email string) string {
	name, host, ok := strings.Cut(email, "@")
	if !ok || strings.Contains(host, "@") {
		return "***@***"
	}
	if len(name) > 2 {
		return name[:1] + strings.Repeat("*", len(name)-2) + name[len(name)-1:] + "@" + host
	}
	return strings.Repeat("*", len(name)) + "@" + host
}

// MaskPhone keeps the area code and the last four digits.
func MaskPhone(phone string) string {
	digits := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, phone)
	switch len(digits) {
	case 11:
		return "(" + digits[:2] + ") 9****-" + digits[7:]
	case 10:
		return "(" + digits[:2] + ") ****-" + digits[6:]
	default:
		return "****-****"
	}
}

// Masked returns a copy of u with cpf, email and phone masked.
func (u UserInfo) Masked() UserInfo {
	u.CPF = MaskCPF(u.CPF)
	u.Email = MaskEmail(u.Email)
	u.PhoneNumber = MaskPhone(u.PhoneNumber)
	return u
}
