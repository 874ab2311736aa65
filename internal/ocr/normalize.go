package ocr

import (
	"math"
	"regexp"
	"strings"
	"unicode"

	"go.openly.dev/pointy"

	"github.com/haulmark/payment-verifier/backend/internal/entities"
	"github.com/haulmark/payment-verifier/backend/internal/money"
)

const (
	minReferenceDigits = 10
	maxReferenceDigits = 16
)

var (
	numberPattern        = `\d{1,3}(?:,\d{3})+(?:\.\d{1,2})?|\d+(?:\.\d{1,2})?`
	amountLabelRe        = regexp.MustCompile(`(?i)\bamount\b`)
	amountNumberRe       = regexp.MustCompile(`(?:₱|(?i:php)|\bP)?\s?(` + numberPattern + `)`)
	currencyAmountRe     = regexp.MustCompile(`(?:₱|(?i:php)|\bP)\s?(` + numberPattern + `)`)
	referenceLabelRe     = regexp.MustCompile(`(?i)\bref(?:erence)?\.?\s*(?:no|number|#)?\.?\s*[:#]?\s*([0-9OoIlSB|][0-9OoIlSB| ]{8,40})`)
	referenceFallbackRe  = regexp.MustCompile(`\b\d{13}\b`)
	receiverLabelRe      = regexp.MustCompile(`(?i)^\s*(?:sent\s+to|send\s+to|transfer(?:red)?\s+to|to|receiver|recipient|account\s+name)\b\s*[:\-]?\s*(.*)$`)
	monthDateTimeRe      = regexp.MustCompile(`(?i)\b(?:jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\.?\s+\d{1,2},?\s+\d{4}(?:[\s,]+\d{1,2}:\d{2}(?::\d{2})?\s*(?:am|pm)?)?`)
	numericDateTimeRe    = regexp.MustCompile(`(?i)\b\d{1,2}/\d{1,2}/\d{2,4}(?:[\s,]+\d{1,2}:\d{2}(?::\d{2})?\s*(?:am|pm)?)?`)
	isoDateTimeRe        = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}(?:[ T]\d{2}:\d{2}(?::\d{2})?)?`)
	referenceNoiseMapper = strings.NewReplacer("O", "0", "o", "0", "I", "1", "l", "1", "|", "1", "S", "5", "B", "8")
)

// Normalize converts raw collaborator text into an ExtractedProof.
func Normalize(rec Recognition) entities.ExtractedProof {
	lines := splitLines(rec.Text)

	proof := entities.ExtractedProof{
		Confidence: clampConfidence(rec.Confidence),
	}

	if amount, ok := extractAmount(lines, rec.Text); ok {
		proof.Amount = pointy.Int64(amount)
	}
	if ref, ok := extractReference(lines, rec.Text); ok {
		proof.ReferenceNumber = pointy.String(ref)
	}
	if receiver, ok := extractReceiver(lines); ok {
		proof.ReceiverName = pointy.String(receiver)
	}
	if ts, ok := extractTransactionTime(rec.Text); ok {
		proof.TransactionTimeText = pointy.String(ts)
	}

	return proof
}

func splitLines(text string) []string {
	raw := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	lines := make([]string, 0, len(raw))
	for _, l := range raw {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

func clampConfidence(c float64) int {
	if math.IsNaN(c) || c < 0 {
		return 0
	}
	if c > 100 {
		return 100
	}
	return int(math.Round(c))
}

// extractAmount prefers a number on (or right after) an "amount" line, then any
// currency-marked number.
func extractAmount(lines []string, text string) (int64, bool) {
	for i, line := range lines {
		loc := amountLabelRe.FindStringIndex(line)
		if loc == nil {
			continue
		}
		if v, ok := firstAmount(line[loc[1]:]); ok {
			return v, true
		}
		if i+1 < len(lines) {
			if v, ok := firstAmount(lines[i+1]); ok {
				return v, true
			}
		}
	}

	if m := currencyAmountRe.FindStringSubmatch(text); m != nil {
		if v, err := money.ParseMinor(m[1]); err == nil {
			return v, true
		}
	}
	return 0, false
}

func firstAmount(s string) (int64, bool) {
	m := amountNumberRe.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	v, err := money.ParseMinor(m[1])
	if err != nil {
		return 0, false
	}
	return v, true
}

func extractReference(lines []string, text string) (string, bool) {
	for _, line := range lines {
		m := referenceLabelRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if ref, ok := cleanReference(m[1]); ok {
			return ref, true
		}
	}

	if m := referenceFallbackRe.FindString(text); m != "" {
		return m, true
	}
	return "", false
}

// cleanReference joins leading digit groups, undoing common OCR letter/digit
// confusions, and stops at the first group without any real digit.
func cleanReference(raw string) (string, bool) {
	var b strings.Builder
	for _, group := range strings.Fields(raw) {
		if !strings.ContainsFunc(group, unicode.IsDigit) {
			break
		}
		mapped := referenceNoiseMapper.Replace(group)
		if strings.ContainsFunc(mapped, func(r rune) bool { return !unicode.IsDigit(r) }) {
			break
		}
		b.WriteString(mapped)
	}

	ref := b.String()
	if len(ref) < minReferenceDigits || len(ref) > maxReferenceDigits {
		return "", false
	}
	return ref, true
}

func extractReceiver(lines []string) (string, bool) {
	for i, line := range lines {
		m := receiverLabelRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if name := strings.TrimSpace(m[1]); hasLetters(name) {
			return name, true
		}
		if i+1 < len(lines) && hasLetters(lines[i+1]) && !amountLabelRe.MatchString(lines[i+1]) {
			return lines[i+1], true
		}
	}
	return "", false
}

func hasLetters(s string) bool {
	return strings.ContainsFunc(s, unicode.IsLetter)
}

func extractTransactionTime(text string) (string, bool) {
	for _, re := range []*regexp.Regexp{monthDateTimeRe, numericDateTimeRe, isoDateTimeRe} {
		if m := re.FindString(text); m != "" {
			return strings.TrimSpace(m), true
		}
	}
	return "", false
}
