package service

import (
	"fmt"
	"time"
)

// codePrefix is the per-classification, per-UTC-day part of a document code, e.g. "PO-20250115-".
func codePrefix(templateCode string, at time.Time) string {
	return fmt.Sprintf("%s-%s-", templateCode, at.UTC().Format("20060102"))
}

func documentCode(prefix string, seq int) string {
	return fmt.Sprintf("%s%03d", prefix, seq)
}
