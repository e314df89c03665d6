package formatter

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
)

const sourceKey = "source"

var levelTags = [...]string{"PANC", "FATL", "ERRO", "WARN", "INFO", "DEBG", "TRAC"}

// leadingKeys are printed first and in this order, every other field follows sorted by key
var leadingKeys = []string{"component", "service", "cycle"}

// TextFormatter renders one line per entry: time, level, fields, source and message
type TextFormatter struct {
	TimestampFormat string
}

// NewTextFormatter returns a formatter using RFC 3339 timestamps
func NewTextFormatter() *TextFormatter {
	return &TextFormatter{TimestampFormat: time.RFC3339}
}

// Format implements logrus.Formatter
func (f *TextFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b bytes.Buffer

	b.WriteString(entry.Time.Format(f.TimestampFormat))
	b.WriteByte(' ')
	b.WriteString(levelTag(entry.Level))
	b.WriteByte(' ')

	if fields := orderedFields(entry.Data); len(fields) > 0 {
		b.WriteByte('[')
		for i, kv := range fields {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s: %v", kv.key, kv.value)
		}
		b.WriteString("] ")
	}

	if src, ok := entry.Data[sourceKey]; ok {
		fmt.Fprintf(&b, "%v: ", src)
	}
	b.WriteString(entry.Message)
	b.WriteByte('\n')
	return b.Bytes(), nil
}

type field struct {
	key   string
	value interface{}
}

func orderedFields(data logrus.Fields) []field {
	out := make([]field, 0, len(data))
	seen := make(map[string]bool, len(leadingKeys)+1)
	seen[sourceKey] = true

	for _, k := range leadingKeys {
		if v, ok := data[k]; ok {
			out = append(out, field{k, v})
			seen[k] = true
		}
	}

	rest := make([]string, 0, len(data))
	for k := range data {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	for _, k := range rest {
		out = append(out, field{k, data[k]})
	}
	return out
}

func levelTag(level logrus.Level) string {
	if int(level) >= len(levelTags) {
		return "UNKN"
	}
	return levelTags[level]
}
