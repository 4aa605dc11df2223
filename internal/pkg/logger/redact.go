package logger

import "strings"

// RedactEmail masks the local part of an address:
// "john.doe@example.com" becomes "jo***@example.com", and local parts of two
// characters or fewer are masked entirely. A display-name form such as
// "Doe John <john@example.com>" keeps only the masked address.
func RedactEmail(email string) string {
	if i := strings.LastIndex(email, "<"); i >= 0 && strings.HasSuffix(email, ">") {
		email = email[i+1 : len(email)-1]
	}
	name, domain, ok := strings.Cut(email, "@")
	if !ok || strings.Contains(domain, "@") {
		return "***@***"
	}
	if len(name) > 2 {
		return name[:2] + "***@" + domain
	}
	return "***@" + domain
}
