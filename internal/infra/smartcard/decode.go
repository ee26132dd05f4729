package smartcard

import (
	"bytes"
	"fmt"
	"strings"

	"golang.org/x/text/encoding/charmap"
)

func decodeCardString(data []byte) string {
	data = bytes.Trim(data, "\x00")
	// personal data file is Windows-1252 encoded
	decoded, err := charmap.Windows1252.NewDecoder().Bytes(data)
	if err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(string(decoded))
}

// formatDate converts "DD MM YYYY" to ISO "YYYY-MM-DD"
func formatDate(dateStr string) string {
	var day, month, year int
	if _, err := fmt.Sscanf(strings.TrimSpace(dateStr), "%d %d %d", &day, &month, &year); err != nil {
		return ""
	}
	return fmt.Sprintf("%04d-%02d-%02d", year, month, day)
}

// splitDatePlace splits "DD MM YYYY PLACE" records
func splitDatePlace(record string) (string, string) {
	fields := strings.Fields(record)
	if len(fields) < 3 {
		return formatDate(record), ""
	}
	return formatDate(strings.Join(fields[:3], " ")), strings.Join(fields[3:], " ")
}
