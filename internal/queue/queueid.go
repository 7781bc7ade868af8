package queue

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// formatQueueID builds ids like "GEN_004_0917": the first three characters
// of the service name upper-cased, the zero-padded counter id and a four
// digit suffix.
func formatQueueID(serviceName string, counterID int64, suffix int) string {
	prefix := serviceName
	if utf8.RuneCountInString(prefix) > 3 {
		prefix = string([]rune(prefix)[:3])
	}
	return fmt.Sprintf("%s_%03d_%04d", strings.ToUpper(prefix), counterID, suffix%10000)
}
