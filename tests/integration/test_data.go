package integration

import (
	"fmt"
	"regexp"
	"sync/atomic"
	"time"
)

var userSeq atomic.Int64

// TestUser generates unique test user credentials
func TestUser(suffix string) (email, password string) {
	n := userSeq.Add(1)
	email = fmt.Sprintf("test-%d-%d-%s@example.com", time.Now().Unix(), n, suffix)
	password = "Correct-Horse-Battery-9"
	return
}

var codePattern = regexp.MustCompile(`\b(\d{6})\b`)

// ExtractCode returns the first six-digit code in an email body.
func ExtractCode(body string) string {
	m := codePattern.FindStringSubmatch(body)
	if m == nil {
		return ""
	}
	return m[1]
}
